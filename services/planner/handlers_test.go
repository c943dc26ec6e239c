// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mow/services/planner/dataset"
	"github.com/AleutianAI/mow/services/planner/lock"
	"github.com/AleutianAI/mow/services/planner/session"
	"github.com/AleutianAI/mow/services/planner/storage"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

var marchTenth = time.Date(2024, time.March, 10, 9, 0, 0, 0, time.Local)

func setupTestRouter(t *testing.T) (*gin.Engine, *Handlers) {
	t.Helper()
	tmp := t.TempDir()
	layout, err := storage.NewLayout(filepath.Join(tmp, "data"), filepath.Join(tmp, "cache"))
	require.NoError(t, err)

	config := lock.DefaultManagerConfig()
	config.LockDir = layout.LockDir
	config.SessionID = "handlers-test"
	config.Watch = false
	locks, err := lock.NewManager(config)
	require.NoError(t, err)

	sess, err := session.New(session.Config{
		Store: storage.NewStore(layout, locks, nil),
		Clock: func() time.Time { return marchTenth },
	})
	require.NoError(t, err)

	handlers := NewHandlers(sess, nil)
	t.Cleanup(func() {
		handlers.Close()
		_ = sess.Close()
		_ = locks.Close()
	})

	router := gin.New()
	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router, handlers
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorKey(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decode[ErrorResponse](t, w)
	key, _, _ := strings.Cut(resp.Error, ":")
	return key
}

func TestHandlers_HandleHealth(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(t, router, http.MethodGet, "/v1/mow/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
}

func TestHandlers_StateUnloaded(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(t, router, http.MethodGet, "/v1/mow/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"variant":"gotState","state":{"state":"select"}}`, w.Body.String())
}

func TestHandlers_DatasetLifecycle(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(t, router, http.MethodGet, "/v1/mow/datasets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	empty := decode[DatasetsResponse](t, w)
	assert.Equal(t, VariantGotDatasets, empty.Variant)
	assert.Empty(t, empty.Data)
	assert.True(t, empty.CanCreateNow)
	assert.True(t, empty.CanCreateNext)

	w = do(t, router, http.MethodPost, "/v1/mow/datasets", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"variant":"createdDataset","year":2024,"month":3}`, w.Body.String())

	w = do(t, router, http.MethodPost, "/v1/mow/datasets", NewDatasetRequest{NextMonth: true})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, KeyDatasetIsActive, errorKey(t, w))

	w = do(t, router, http.MethodGet, "/v1/mow/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[StateResponse](t, w)
	assert.Equal(t, SessionState{State: "loaded", Year: 2024, Month: 3}, state.State)

	w = do(t, router, http.MethodPost, "/v1/mow/save", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"variant":"savedDataset"}`, w.Body.String())

	w = do(t, router, http.MethodPost, "/v1/mow/close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"variant":"closedDataset"}`, w.Body.String())

	w = do(t, router, http.MethodGet, "/v1/mow/datasets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[DatasetsResponse](t, w)
	assert.Equal(t, map[int][]int{2024: {3}}, listed.Data)
	require.NotNil(t, listed.CurrentYear)
	require.NotNil(t, listed.CurrentMonth)
	assert.Equal(t, 2024, *listed.CurrentYear)
	assert.Equal(t, 3, *listed.CurrentMonth)
	assert.False(t, listed.CanCreateNow)

	w = do(t, router, http.MethodPost, "/v1/mow/datasets", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, KeyDatasetExists, errorKey(t, w))

	w = do(t, router, http.MethodPost, "/v1/mow/datasets/open", OpenDatasetRequest{Year: 2024, Month: 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"variant":"openedDataset","mismatch":false}`, w.Body.String())
}

func TestHandlers_EntityScenario(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(t, router, http.MethodPost, "/v1/mow/datasets", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPost, "/v1/mow/components", AddComponentRequest{
		Name:     "Side",
		Variants: []string{"Rice"},
		Options:  []string{"Salt"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	added := decode[AddedResponse](t, w)
	assert.Equal(t, VariantAddedComponent, added.Variant)
	side := added.ID

	w = do(t, router, http.MethodPost, "/v1/mow/components/"+side.String()+"/variants", AddEntryRequest{Name: "Fries"})
	require.Equal(t, http.StatusOK, w.Code)
	fries := decode[AddedResponse](t, w)
	assert.Equal(t, VariantAddedVariant, fries.Variant)

	w = do(t, router, http.MethodPost, "/v1/mow/components/"+side.String()+"/variants", AddEntryRequest{Name: " Fries "})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fries.ID, decode[AddedResponse](t, w).ID)

	w = do(t, router, http.MethodPost, "/v1/mow/components/"+side.String()+"/options", AddEntryRequest{Name: "Pepper"})
	require.Equal(t, http.StatusOK, w.Code)
	pepper := decode[AddedResponse](t, w)
	assert.Equal(t, VariantAddedOption, pepper.Variant)

	w = do(t, router, http.MethodGet, "/v1/mow/components", nil)
	require.Equal(t, http.StatusOK, w.Code)
	comps := decode[ComponentsResponse](t, w)
	assert.Equal(t, VariantGotComponents, comps.Variant)
	require.Contains(t, comps.Data, side)
	assert.Len(t, comps.Data[side].Variants, 2)
	assert.Len(t, comps.Data[side].Options, 2)

	w = do(t, router, http.MethodPost, "/v1/mow/meals", map[string]any{
		"name":       "Fish and chips",
		"short":      "FC",
		"components": map[string]any{side.String(): fries.ID.String()},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	meal := decode[AddedResponse](t, w)
	assert.Equal(t, VariantAddedMeal, meal.Variant)

	w = do(t, router, http.MethodGet, "/v1/mow/meals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	meals := decode[MealsResponse](t, w)
	require.Contains(t, meals.Data, meal.ID)
	link := meals.Data[meal.ID].Components[side]
	require.NotNil(t, link.Variant)
	assert.Equal(t, fries.ID, *link.Variant)

	variantPath := fmt.Sprintf("/v1/mow/components/%s/variants/%s", side, fries.ID)
	w = do(t, router, http.MethodDelete, variantPath, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, KeyStillInUse, errorKey(t, w))
	assert.Equal(t, "STILL_IN_USE", decode[ErrorResponse](t, w).Code)

	w = do(t, router, http.MethodDelete, "/v1/mow/meals/"+meal.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"variant":"removedMeal","scheduled":true}`, w.Body.String())

	w = do(t, router, http.MethodDelete, variantPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"variant":"removedVariant","scheduled":true}`, w.Body.String())

	w = do(t, router, http.MethodDelete, fmt.Sprintf("/v1/mow/components/%s/options/%s", side, pepper.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"variant":"removedOption","scheduled":false}`, w.Body.String())
}

func TestHandlers_Errors(t *testing.T) {
	router, _ := setupTestRouter(t)
	missing := uuid.New().String()

	unloaded := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"components", http.MethodGet, "/v1/mow/components", nil},
		{"meals", http.MethodGet, "/v1/mow/meals", nil},
		{"save", http.MethodPost, "/v1/mow/save", nil},
		{"add component", http.MethodPost, "/v1/mow/components", AddComponentRequest{Name: "Side"}},
		{"add variant", http.MethodPost, "/v1/mow/components/" + missing + "/variants", AddEntryRequest{Name: "Rice"}},
		{"remove meal", http.MethodDelete, "/v1/mow/meals/" + missing, nil},
	}
	for _, tt := range unloaded {
		t.Run("unloaded "+tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusConflict, w.Code)
			assert.Equal(t, KeyDatasetNotActive, errorKey(t, w))
		})
	}

	t.Run("close while unloaded is a no-op", func(t *testing.T) {
		w := do(t, router, http.MethodPost, "/v1/mow/close", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("open invalid month", func(t *testing.T) {
		w := do(t, router, http.MethodPost, "/v1/mow/datasets/open", OpenDatasetRequest{Year: 2024, Month: 13})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, KeyNoDataset, errorKey(t, w))
	})

	t.Run("open missing", func(t *testing.T) {
		w := do(t, router, http.MethodPost, "/v1/mow/datasets/open", OpenDatasetRequest{Year: 2023, Month: 1})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, KeyNoDataset, errorKey(t, w))
	})

	t.Run("open malformed body", func(t *testing.T) {
		w := do(t, router, http.MethodPost, "/v1/mow/datasets/open", `{"year":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, KeyInvalidRequest, errorKey(t, w))
	})

	t.Run("open without year", func(t *testing.T) {
		w := do(t, router, http.MethodPost, "/v1/mow/datasets/open", `{"month":3}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, KeyInvalidRequest, errorKey(t, w))
	})

	w := do(t, router, http.MethodPost, "/v1/mow/datasets", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodPost, "/v1/mow/components", AddComponentRequest{Name: "Side", Variants: []string{"Rice"}})
	require.Equal(t, http.StatusOK, w.Code)
	side := decode[AddedResponse](t, w).ID

	loaded := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantKey    string
	}{
		{
			name:       "bad component id",
			method:     http.MethodPost,
			path:       "/v1/mow/components/not-a-uuid/variants",
			body:       AddEntryRequest{Name: "Rice"},
			wantStatus: http.StatusBadRequest,
			wantKey:    KeyInvalidRequest,
		},
		{
			name:       "empty component name",
			method:     http.MethodPost,
			path:       "/v1/mow/components",
			body:       AddComponentRequest{Name: "  "},
			wantStatus: http.StatusBadRequest,
			wantKey:    KeyComponentNameEmpty,
		},
		{
			name:       "oversized component name",
			method:     http.MethodPost,
			path:       "/v1/mow/components",
			body:       AddComponentRequest{Name: strings.Repeat("x", 257)},
			wantStatus: http.StatusBadRequest,
			wantKey:    KeyInvalidRequest,
		},
		{
			name:       "variant on missing component",
			method:     http.MethodPost,
			path:       "/v1/mow/components/" + missing + "/variants",
			body:       AddEntryRequest{Name: "Rice"},
			wantStatus: http.StatusNotFound,
			wantKey:    KeyComponentNotFound,
		},
		{
			name:       "remove missing variant",
			method:     http.MethodDelete,
			path:       "/v1/mow/components/" + side.String() + "/variants/" + missing,
			wantStatus: http.StatusNotFound,
			wantKey:    KeyEntryDoesNotExist,
		},
		{
			name:       "empty meal name",
			method:     http.MethodPost,
			path:       "/v1/mow/meals",
			body:       AddMealRequest{Name: "", Short: "X"},
			wantStatus: http.StatusBadRequest,
			wantKey:    KeyMealNameEmpty,
		},
		{
			name:       "empty meal short",
			method:     http.MethodPost,
			path:       "/v1/mow/meals",
			body:       AddMealRequest{Name: "Soup", Short: " "},
			wantStatus: http.StatusBadRequest,
			wantKey:    KeyMealShortEmpty,
		},
		{
			name:       "meal with unknown component",
			method:     http.MethodPost,
			path:       "/v1/mow/meals",
			body:       map[string]any{"name": "Soup", "short": "S", "components": map[string]any{missing: nil}},
			wantStatus: http.StatusNotFound,
			wantKey:    KeyMealComponent,
		},
		{
			name:       "meal with foreign variant",
			method:     http.MethodPost,
			path:       "/v1/mow/meals",
			body:       map[string]any{"name": "Soup", "short": "S", "components": map[string]any{side.String(): missing}},
			wantStatus: http.StatusNotFound,
			wantKey:    KeyMealVariant,
		},
		{
			name:       "remove missing meal",
			method:     http.MethodDelete,
			path:       "/v1/mow/meals/" + missing,
			wantStatus: http.StatusNotFound,
			wantKey:    KeyMealNotFound,
		},
	}
	for _, tt := range loaded {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantKey, errorKey(t, w))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		scope      scope
		err        error
		wantStatus int
		wantKey    string
		wantDetail bool
	}{
		{
			name:       "lock holder",
			err:        fmt.Errorf("opening: %w", &lock.FileLockError{Path: "/d/2024/3.yaml", Err: lock.ErrFileLocked}),
			wantStatus: http.StatusLocked,
			wantKey:    KeyLocked,
			wantDetail: true,
		},
		{
			name:       "decode",
			err:        fmt.Errorf("opening: %w", storage.ErrDecode),
			wantStatus: http.StatusInternalServerError,
			wantKey:    KeyDecode,
			wantDetail: true,
		},
		{
			name:       "encode",
			err:        storage.ErrEncode,
			wantStatus: http.StatusInternalServerError,
			wantKey:    KeyEncode,
			wantDetail: true,
		},
		{
			name:       "unknown is io",
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantKey:    KeyIO,
			wantDetail: true,
		},
		{
			name:       "empty name in meals scope",
			scope:      scopeMeals,
			err:        dataset.ErrEmptyName,
			wantStatus: http.StatusBadRequest,
			wantKey:    KeyMealNameEmpty,
		},
		{
			name:       "empty name in components scope",
			scope:      scopeComponents,
			err:        dataset.ErrEmptyName,
			wantStatus: http.StatusBadRequest,
			wantKey:    KeyComponentNameEmpty,
		},
		{
			name:       "no dataset",
			err:        session.ErrNoDataset,
			wantStatus: http.StatusNotFound,
			wantKey:    KeyNoDataset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.scope, tt.err)
			assert.Equal(t, tt.wantStatus, got.status)
			assert.Equal(t, tt.wantKey, got.key)

			body := got.body()
			assert.True(t, strings.HasPrefix(body.Error, tt.wantKey))
			assert.Equal(t, tt.wantDetail, strings.Contains(body.Error, ": "))
		})
	}
}

func TestHandlers_EventStream(t *testing.T) {
	router, handlers := setupTestRouter(t)
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/mow/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return handlers.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(server.URL+"/v1/mow/datasets", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev session.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, session.EventCreated, ev.Type)
	assert.Equal(t, 2024, ev.Year)
	assert.Equal(t, 3, ev.Month)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return handlers.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// serverConn returns the server side of a fresh websocket connection.
func serverConn(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for websocket upgrade")
		return nil
	}
}

func TestHub_BroadcastDoesNotWaitOnClients(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	// A client with no writer never drains its queue.
	stuck := &wsClient{
		conn: serverConn(t),
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}
	hub.mu.Lock()
	hub.clients[stuck] = struct{}{}
	hub.mu.Unlock()

	live := hub.register(serverConn(t))

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 4; i++ {
			hub.Broadcast(session.Event{Type: session.EventSaved, Year: 2024, Month: 3})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a client that does not read")
	}

	assert.Equal(t, 1, hub.Len(), "the full-queue client is dropped")
	hub.mu.RLock()
	_, ok := hub.clients[live]
	hub.mu.RUnlock()
	assert.True(t, ok, "a draining client stays connected")
}
