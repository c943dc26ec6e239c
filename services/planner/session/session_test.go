// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/mow/services/planner/dataset"
	"github.com/AleutianAI/mow/services/planner/lock"
	"github.com/AleutianAI/mow/services/planner/storage"
)

// marchTenth is the fixed clock used by most tests.
var marchTenth = time.Date(2024, time.March, 10, 9, 0, 0, 0, time.Local)

type testEnv struct {
	base    string
	cache   string
	layout  storage.Layout
	readers map[string]*sdkmetric.ManualReader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tmp := t.TempDir()
	env := &testEnv{
		base:    filepath.Join(tmp, "data"),
		cache:   filepath.Join(tmp, "cache"),
		readers: make(map[string]*sdkmetric.ManualReader),
	}
	layout, err := storage.NewLayout(env.base, env.cache)
	require.NoError(t, err)
	env.layout = layout
	return env
}

// session creates a session with its own lock manager, as a separate
// process would have.
func (e *testEnv) session(t *testing.T, sessionID string, now time.Time, watch bool) *Session {
	t.Helper()

	config := lock.DefaultManagerConfig()
	config.LockDir = e.layout.LockDir
	config.SessionID = sessionID
	config.CleanupOnInit = false
	config.Watch = watch
	locks, err := lock.NewManager(config)
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	e.readers[sessionID] = reader
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	s, err := New(Config{
		Store:         storage.NewStore(e.layout, locks, nil),
		Clock:         func() time.Time { return now },
		Meter:         provider.Meter("test"),
		WatchExternal: watch,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
		_ = locks.Close()
	})
	return s
}

func variantByName(t *testing.T, s *Session, component uuid.UUID, name string) uuid.UUID {
	t.Helper()
	comps, err := s.GetComponents()
	require.NoError(t, err)
	for _, v := range comps[component].Variants {
		if v.Name == name {
			return v.UUID
		}
	}
	t.Fatalf("variant %q not found", name)
	return uuid.Nil
}

func TestSession_NewSaveOpenRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)
	ctx := context.Background()

	p, err := s.NewDataset(ctx, false, false)
	require.NoError(t, err)
	assert.Equal(t, dataset.Period{Year: 2024, Month: 3}, p)

	side, err := s.AddComponent("Side", []string{"Rice"}, []string{"Salt"})
	require.NoError(t, err)
	rice := variantByName(t, s, side, "Rice")
	_, err = s.AddMeal("Burger", "BG", map[uuid.UUID]*uuid.UUID{side: &rice})
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx))
	wantComponents, err := s.GetComponents()
	require.NoError(t, err)
	wantMeals, err := s.GetMeals()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.False(t, s.State().Loaded)

	info, err := s.OpenDataset(ctx, 2024, 3)
	require.NoError(t, err)
	assert.False(t, info.Mismatch)
	assert.Empty(t, info.Recovery)

	gotComponents, err := s.GetComponents()
	require.NoError(t, err)
	gotMeals, err := s.GetMeals()
	require.NoError(t, err)
	assert.Equal(t, wantComponents, gotComponents)
	assert.Equal(t, wantMeals, gotMeals)

	st := s.State()
	assert.True(t, st.Loaded)
	assert.Equal(t, p, st.Period)
}

func TestSession_EmptyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)
	ctx := context.Background()

	_, err := s.NewDataset(ctx, true, false)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Close())

	_, err = s.OpenDataset(ctx, 2024, 4)
	require.NoError(t, err)
	comps, err := s.GetComponents()
	require.NoError(t, err)
	assert.Empty(t, comps)
	meals, err := s.GetMeals()
	require.NoError(t, err)
	assert.Empty(t, meals)
}

func TestSession_NewWhileLoaded(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)
	ctx := context.Background()

	_, err := s.NewDataset(ctx, false, false)
	require.NoError(t, err)

	for _, next := range []bool{false, true} {
		_, err := s.NewDataset(ctx, next, false)
		assert.ErrorIs(t, err, ErrDatasetIsActive)
	}
	_, err = s.OpenDataset(ctx, 2024, 3)
	assert.ErrorIs(t, err, ErrDatasetIsActive)
}

func TestSession_NewExisting(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)
	ctx := context.Background()

	_, err := s.NewDataset(ctx, false, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.NewDataset(ctx, false, false)
	assert.ErrorIs(t, err, ErrDatasetExists)
	assert.False(t, s.State().Loaded)
}

func TestSession_NewNextMonthDecember(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", time.Date(2024, time.December, 31, 20, 0, 0, 0, time.Local), false)

	p, err := s.NewDataset(context.Background(), true, false)
	require.NoError(t, err)
	assert.Equal(t, dataset.Period{Year: 2025, Month: 1}, p)
	assert.True(t, env.layout.Exists(p))
}

func TestSession_OpenInvalidMonth(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)
	ctx := context.Background()

	for _, month := range []int{0, 13} {
		_, err := s.OpenDataset(ctx, 2024, month)
		assert.ErrorIs(t, err, ErrNoDataset)
	}
	_, err := os.Stat(env.base)
	assert.True(t, os.IsNotExist(err), "no file may be touched")

	// Still NoDataset while loaded.
	_, err = s.NewDataset(ctx, false, false)
	require.NoError(t, err)
	_, err = s.OpenDataset(ctx, 2024, 13)
	assert.ErrorIs(t, err, ErrNoDataset)
}

func TestSession_OpenMissing(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)

	_, err := s.OpenDataset(context.Background(), 2023, 5)
	assert.ErrorIs(t, err, ErrNoDataset)
	assert.False(t, s.State().Loaded)
}

func TestSession_NotActive(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)
	id := uuid.New()

	_, err := s.GetComponents()
	assert.ErrorIs(t, err, ErrDatasetNotActive)
	_, err = s.GetMeals()
	assert.ErrorIs(t, err, ErrDatasetNotActive)
	_, err = s.AddComponent("Side", nil, nil)
	assert.ErrorIs(t, err, ErrDatasetNotActive)
	_, err = s.AddVariant(id, "Rice")
	assert.ErrorIs(t, err, ErrDatasetNotActive)
	_, err = s.AddOption(id, "Salt")
	assert.ErrorIs(t, err, ErrDatasetNotActive)
	_, err = s.RemoveVariant(id, id)
	assert.ErrorIs(t, err, ErrDatasetNotActive)
	_, err = s.RemoveOption(id, id)
	assert.ErrorIs(t, err, ErrDatasetNotActive)
	_, err = s.AddMeal("Burger", "BG", nil)
	assert.ErrorIs(t, err, ErrDatasetNotActive)
	_, err = s.RemoveMeal(id)
	assert.ErrorIs(t, err, ErrDatasetNotActive)
	assert.ErrorIs(t, s.Save(context.Background()), ErrDatasetNotActive)
	assert.NoError(t, s.Close())
}

func TestSession_SideDishScenario(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)

	_, err := s.NewDataset(context.Background(), false, false)
	require.NoError(t, err)

	side, err := s.AddComponent("Side", []string{"Rice", "Fries"}, nil)
	require.NoError(t, err)
	rice := variantByName(t, s, side, "Rice")
	fries := variantByName(t, s, side, "Fries")

	_, err = s.AddMeal("Burger", "BG", map[uuid.UUID]*uuid.UUID{side: &rice})
	require.NoError(t, err)

	_, err = s.RemoveVariant(side, rice)
	assert.ErrorIs(t, err, dataset.ErrStillInUse)

	scheduled, err := s.RemoveVariant(side, fries)
	require.NoError(t, err)
	assert.False(t, scheduled)

	comps, err := s.GetComponents()
	require.NoError(t, err)
	names := make([]string, 0)
	for _, v := range comps[side].Variants {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"Rice"}, names)
}

func TestSession_ConcurrentReads(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)

	_, err := s.NewDataset(context.Background(), false, false)
	require.NoError(t, err)
	side, err := s.AddComponent("Side", []string{"Rice", "Fries"}, nil)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				comps, err := s.GetComponents()
				if err != nil {
					return err
				}
				if n := len(comps[side].Variants); n < 2 {
					return assert.AnError
				}
				if !s.State().Loaded {
					return assert.AnError
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for j := 0; j < 50; j++ {
			if _, err := s.AddVariant(side, "Extra"); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
}

func TestSession_CrossSessionLock(t *testing.T) {
	env := newTestEnv(t)
	first := env.session(t, "first", marchTenth, false)
	second := env.session(t, "second", marchTenth, false)
	ctx := context.Background()

	_, err := first.NewDataset(ctx, false, false)
	require.NoError(t, err)

	_, err = second.OpenDataset(ctx, 2024, 3)
	assert.ErrorIs(t, err, lock.ErrFileLocked)
	assert.False(t, second.State().Loaded)

	require.NoError(t, first.Close())
	_, err = second.OpenDataset(ctx, 2024, 3)
	require.NoError(t, err)
}

func TestSession_DecodeFailureStaysUnloaded(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)

	path := env.layout.PrimaryPath(dataset.Period{Year: 2024, Month: 2})
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nyear: [oops\n"), 0o644))

	_, err := s.OpenDataset(context.Background(), 2024, 2)
	assert.ErrorIs(t, err, storage.ErrDecode)
	assert.False(t, s.State().Loaded)

	// The failed open must not leave the session unable to load another dataset.
	_, err = s.NewDataset(context.Background(), false, false)
	require.NoError(t, err)
}

func TestSession_OpenMismatch(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)

	data, err := storage.Encode(dataset.New(dataset.Period{Year: 2023, Month: 1}))
	require.NoError(t, err)
	path := env.layout.PrimaryPath(dataset.Period{Year: 2024, Month: 2})
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	info, err := s.OpenDataset(context.Background(), 2024, 2)
	require.NoError(t, err)
	assert.True(t, info.Mismatch)
	assert.True(t, s.State().Mismatch)
}

func TestSession_CarryOver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	feb := env.session(t, "feb", time.Date(2024, time.February, 3, 9, 0, 0, 0, time.Local), false)
	_, err := feb.NewDataset(ctx, false, false)
	require.NoError(t, err)

	side, err := feb.AddComponent("Side", []string{"Rice", "Fries"}, nil)
	require.NoError(t, err)
	rice := variantByName(t, feb, side, "Rice")
	fries := variantByName(t, feb, side, "Fries")
	old, err := feb.AddMeal("Old", "OL", map[uuid.UUID]*uuid.UUID{side: &rice})
	require.NoError(t, err)
	kept, err := feb.AddMeal("Plate", "PL", map[uuid.UUID]*uuid.UUID{side: &fries})
	require.NoError(t, err)
	_, err = feb.RemoveMeal(old)
	require.NoError(t, err)
	scheduled, err := feb.RemoveVariant(side, rice)
	require.NoError(t, err)
	require.True(t, scheduled)
	require.NoError(t, feb.Save(ctx))
	require.NoError(t, feb.Close())

	mar := env.session(t, "mar", marchTenth, false)
	_, err = mar.NewDataset(ctx, false, true)
	require.NoError(t, err)

	comps, err := mar.GetComponents()
	require.NoError(t, err)
	require.Contains(t, comps, side)
	require.Len(t, comps[side].Variants, 1)
	assert.Equal(t, fries, comps[side].Variants[0].UUID)

	meals, err := mar.GetMeals()
	require.NoError(t, err)
	assert.Contains(t, meals, kept)
	assert.NotContains(t, meals, old)

	// The earlier file keeps its tombstones.
	require.NoError(t, mar.Close())
	_, err = feb.OpenDataset(ctx, 2024, 2)
	require.NoError(t, err)
	febComps, err := feb.GetComponents()
	require.NoError(t, err)
	assert.Len(t, febComps[side].Variants, 2)
}

func TestSession_Events(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)
	ctx := context.Background()

	var got []EventType
	unsubscribe := s.Subscribe(func(e Event) {
		got = append(got, e.Type)
	})

	_, err := s.NewDataset(ctx, false, false)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Close())
	unsubscribe()
	_, err = s.OpenDataset(ctx, 2024, 3)
	require.NoError(t, err)

	assert.Equal(t, []EventType{EventCreated, EventSaved, EventClosed}, got)
}

func TestSession_ExternalChange(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, true)
	ctx := context.Background()

	external := make(chan Event, 4)
	s.Subscribe(func(e Event) {
		if e.Type == EventExternalChange {
			external <- e
		}
	})

	_, err := s.NewDataset(ctx, false, false)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.State().ExternallyModified, "own saves are not external changes")

	f, err := os.OpenFile(env.layout.PrimaryPath(dataset.Period{Year: 2024, Month: 3}), os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Skipf("cannot write locked file on this platform: %v", err)
	}
	_, err = f.WriteString("# edited elsewhere\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case e := <-external:
		assert.Equal(t, 2024, e.Year)
		assert.Equal(t, 3, e.Month)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for external change event")
	}
	assert.True(t, s.State().ExternallyModified)

	require.NoError(t, s.Save(ctx))
	assert.False(t, s.State().ExternallyModified)
}

func TestSession_Metrics(t *testing.T) {
	env := newTestEnv(t)
	s := env.session(t, "a", marchTenth, false)
	ctx := context.Background()

	_, err := s.NewDataset(ctx, false, false)
	require.NoError(t, err)
	side, err := s.AddComponent("Side", []string{"Rice"}, nil)
	require.NoError(t, err)
	_, err = s.RemoveVariant(side, variantByName(t, s, side, "Rice"))
	require.NoError(t, err)
	_, err = s.NewDataset(ctx, false, false)
	require.ErrorIs(t, err, ErrDatasetIsActive)
	require.NoError(t, s.Save(ctx))

	var rm metricdata.ResourceMetrics
	require.NoError(t, env.readers["a"].Collect(ctx, &rm))

	ops := map[string]int64{}
	var loaded int64
	var removals, saves int
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "mow_session_operations_total":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					op, _ := dp.Attributes.Value("operation")
					res, _ := dp.Attributes.Value("result")
					ops[op.AsString()+"/"+res.AsString()] += dp.Value
				}
			case "mow_session_loaded":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					loaded += dp.Value
				}
			case "mow_removals_total":
				removals++
			case "mow_session_save_duration_seconds":
				hist, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					saves += int(dp.Count)
				}
			}
		}
	}

	assert.Equal(t, int64(1), ops["new/success"])
	assert.Equal(t, int64(1), ops["new/error"])
	assert.Equal(t, int64(1), ops["add_component/success"])
	assert.Equal(t, int64(1), ops["remove_variant/success"])
	assert.Equal(t, int64(1), ops["save/success"])
	assert.Equal(t, int64(1), loaded)
	assert.Equal(t, 1, removals)
	assert.Equal(t, 1, saves)
}
