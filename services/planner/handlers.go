// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner exposes the meal-planning session over HTTP.
//
// Every command is one route under /v1/mow. Success bodies carry a
// "variant" tag naming the result; failures carry a stable error key the
// UI translates. Session lifecycle events are pushed to websocket clients
// on /v1/mow/events.
package planner

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/mow/services/planner/session"
)

// ServiceVersion is the planner service version.
const ServiceVersion = "0.1.0"

// upgrader accepts any origin; the server binds to loopback by default.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handlers contains the HTTP handlers for the planner.
type Handlers struct {
	sess        *session.Session
	hub         *Hub
	logger      *slog.Logger
	unsubscribe func()
}

// NewHandlers creates handlers for the session and forwards its events to
// websocket clients. Forwarding only enqueues, so session operations never
// wait on a client.
//
// # Inputs
//
//   - sess: The process session. Required.
//   - logger: Request logger. Defaults to slog.Default().
//
// # Outputs
//
//   - *Handlers: Ready to register. Call Close on shutdown.
func NewHandlers(sess *session.Session, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		sess:   sess,
		hub:    NewHub(logger),
		logger: logger,
	}
	h.unsubscribe = sess.Subscribe(func(e session.Event) {
		h.hub.Broadcast(e)
	})
	return h
}

// Close stops forwarding events and disconnects every event client.
func (h *Handlers) Close() {
	h.unsubscribe()
	h.hub.Close()
}

// =============================================================================
// Dataset lifecycle
// =============================================================================

// HandleDatasets handles GET /v1/mow/datasets.
//
// Response:
//
//	200 OK: DatasetsResponse
func (h *Handlers) HandleDatasets(c *gin.Context) {
	snap := h.sess.AvailableDatasets()
	c.JSON(http.StatusOK, DatasetsResponse{
		Variant:       VariantGotDatasets,
		Data:          snap.Data,
		CurrentYear:   snap.CurrentYear,
		CurrentMonth:  snap.CurrentMonth,
		CanCreateNow:  snap.CanCreateNow,
		CanCreateNext: snap.CanCreateNext,
	})
}

// HandleNewDataset handles POST /v1/mow/datasets.
//
// Description:
//
//	Creates the dataset for the current or next month and loads it. An
//	empty body creates an empty dataset for the current month.
//
// Request Body:
//
//	NewDatasetRequest (optional)
//
// Response:
//
//	200 OK: CreatedDatasetResponse
//	409 Conflict: dataset_is_active, dataset_exists
//	423 Locked: another process holds the file
//	500 Internal Server Error: I/O or encode failure
func (h *Handlers) HandleNewDataset(c *gin.Context) {
	logger := h.requestLogger(c, "HandleNewDataset")

	var req NewDatasetRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, logger, invalidRequest(err.Error()))
			return
		}
	}

	p, err := h.sess.NewDataset(c.Request.Context(), req.NextMonth, req.CarryOver)
	if err != nil {
		h.fail(c, logger, classify(scopeGlobal, err))
		return
	}
	c.JSON(http.StatusOK, CreatedDatasetResponse{
		Variant: VariantCreatedDataset,
		Year:    p.Year,
		Month:   p.Month,
	})
}

// HandleOpenDataset handles POST /v1/mow/datasets/open.
//
// Request Body:
//
//	OpenDatasetRequest
//
// Response:
//
//	200 OK: OpenedDatasetResponse
//	400 Bad Request: request.invalid
//	404 Not Found: no_dataset
//	409 Conflict: dataset_is_active
//	423 Locked: another process holds the file
//	500 Internal Server Error: I/O or decode failure
func (h *Handlers) HandleOpenDataset(c *gin.Context) {
	logger := h.requestLogger(c, "HandleOpenDataset")

	var req OpenDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, logger, invalidRequest(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(c, logger, invalidRequest(err.Error()))
		return
	}

	info, err := h.sess.OpenDataset(c.Request.Context(), req.Year, req.Month)
	if err != nil {
		h.fail(c, logger, classify(scopeGlobal, err))
		return
	}
	c.JSON(http.StatusOK, OpenedDatasetResponse{
		Variant:  VariantOpenedDataset,
		Mismatch: info.Mismatch,
		Recovery: info.Recovery,
	})
}

// HandleState handles GET /v1/mow/state.
func (h *Handlers) HandleState(c *gin.Context) {
	st := h.sess.State()
	state := SessionState{State: "select"}
	if st.Loaded {
		state = SessionState{
			State:              "loaded",
			Year:               st.Period.Year,
			Month:              st.Period.Month,
			Mismatch:           st.Mismatch,
			Recovery:           st.Recovery,
			ExternallyModified: st.ExternallyModified,
		}
	}
	c.JSON(http.StatusOK, StateResponse{Variant: VariantGotState, State: state})
}

// HandleSave handles POST /v1/mow/save.
//
// Response:
//
//	200 OK: savedDataset
//	409 Conflict: dataset_not_active
//	500 Internal Server Error: I/O or encode failure; the dataset stays loaded
func (h *Handlers) HandleSave(c *gin.Context) {
	logger := h.requestLogger(c, "HandleSave")

	if err := h.sess.Save(c.Request.Context()); err != nil {
		h.fail(c, logger, classify(scopeGlobal, err))
		return
	}
	c.JSON(http.StatusOK, VariantResponse{Variant: VariantSavedDataset})
}

// HandleClose handles POST /v1/mow/close. Unsaved changes are discarded.
func (h *Handlers) HandleClose(c *gin.Context) {
	logger := h.requestLogger(c, "HandleClose")

	if err := h.sess.Close(); err != nil {
		h.fail(c, logger, classify(scopeGlobal, err))
		return
	}
	c.JSON(http.StatusOK, VariantResponse{Variant: VariantClosedDataset})
}

// =============================================================================
// Components
// =============================================================================

// HandleComponents handles GET /v1/mow/components.
func (h *Handlers) HandleComponents(c *gin.Context) {
	logger := h.requestLogger(c, "HandleComponents")

	data, err := h.sess.GetComponents()
	if err != nil {
		h.fail(c, logger, classify(scopeComponents, err))
		return
	}
	c.JSON(http.StatusOK, ComponentsResponse{Variant: VariantGotComponents, Data: data})
}

// HandleAddComponent handles POST /v1/mow/components.
//
// Request Body:
//
//	AddComponentRequest
//
// Response:
//
//	200 OK: AddedResponse (addedComponent)
//	400 Bad Request: components.name_empty, request.invalid
//	409 Conflict: dataset_not_active
func (h *Handlers) HandleAddComponent(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAddComponent")

	var req AddComponentRequest
	if !h.bind(c, logger, &req, req.Validate) {
		return
	}

	id, err := h.sess.AddComponent(req.Name, req.Variants, req.Options)
	if err != nil {
		h.fail(c, logger, classify(scopeComponents, err))
		return
	}
	c.JSON(http.StatusOK, AddedResponse{Variant: VariantAddedComponent, ID: id})
}

// HandleAddVariant handles POST /v1/mow/components/:component/variants.
func (h *Handlers) HandleAddVariant(c *gin.Context) {
	h.addEntry(c, "HandleAddVariant", VariantAddedVariant, h.sess.AddVariant)
}

// HandleAddOption handles POST /v1/mow/components/:component/options.
func (h *Handlers) HandleAddOption(c *gin.Context) {
	h.addEntry(c, "HandleAddOption", VariantAddedOption, h.sess.AddOption)
}

func (h *Handlers) addEntry(c *gin.Context, name, variant string, add func(uuid.UUID, string) (uuid.UUID, error)) {
	logger := h.requestLogger(c, name)

	componentID, ok := h.pathID(c, logger, "component")
	if !ok {
		return
	}
	var req AddEntryRequest
	if !h.bind(c, logger, &req, req.Validate) {
		return
	}

	id, err := add(componentID, req.Name)
	if err != nil {
		h.fail(c, logger, classify(scopeComponents, err))
		return
	}
	c.JSON(http.StatusOK, AddedResponse{Variant: variant, ID: id})
}

// HandleRemoveVariant handles DELETE /v1/mow/components/:component/variants/:variant.
//
// Response:
//
//	200 OK: RemovedResponse (removedVariant)
//	404 Not Found: components.not_found, components.does_not_exist
//	409 Conflict: components.still_in_use, dataset_not_active
func (h *Handlers) HandleRemoveVariant(c *gin.Context) {
	h.removeEntry(c, "HandleRemoveVariant", "variant", VariantRemovedVariant, h.sess.RemoveVariant)
}

// HandleRemoveOption handles DELETE /v1/mow/components/:component/options/:option.
func (h *Handlers) HandleRemoveOption(c *gin.Context) {
	h.removeEntry(c, "HandleRemoveOption", "option", VariantRemovedOption, h.sess.RemoveOption)
}

func (h *Handlers) removeEntry(c *gin.Context, name, param, variant string, remove func(uuid.UUID, uuid.UUID) (bool, error)) {
	logger := h.requestLogger(c, name)

	componentID, ok := h.pathID(c, logger, "component")
	if !ok {
		return
	}
	entryID, ok := h.pathID(c, logger, param)
	if !ok {
		return
	}

	scheduled, err := remove(componentID, entryID)
	if err != nil {
		h.fail(c, logger, classify(scopeComponents, err))
		return
	}
	logger.Info("Removed entry", "component", componentID, param, entryID, "scheduled", scheduled)
	c.JSON(http.StatusOK, RemovedResponse{Variant: variant, Scheduled: scheduled})
}

// =============================================================================
// Meals
// =============================================================================

// HandleMeals handles GET /v1/mow/meals.
func (h *Handlers) HandleMeals(c *gin.Context) {
	logger := h.requestLogger(c, "HandleMeals")

	data, err := h.sess.GetMeals()
	if err != nil {
		h.fail(c, logger, classify(scopeMeals, err))
		return
	}
	c.JSON(http.StatusOK, MealsResponse{Variant: VariantGotMeals, Data: data})
}

// HandleAddMeal handles POST /v1/mow/meals.
//
// Request Body:
//
//	AddMealRequest
//
// Response:
//
//	200 OK: AddedResponse (addedMeal)
//	400 Bad Request: meals.name_empty, meals.short_empty, request.invalid
//	404 Not Found: meals.component_not_found, meals.variant_not_found
//	409 Conflict: dataset_not_active
func (h *Handlers) HandleAddMeal(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAddMeal")

	var req AddMealRequest
	if !h.bind(c, logger, &req, req.Validate) {
		return
	}

	id, err := h.sess.AddMeal(req.Name, req.Short, req.Components)
	if err != nil {
		h.fail(c, logger, classify(scopeMeals, err))
		return
	}
	c.JSON(http.StatusOK, AddedResponse{Variant: VariantAddedMeal, ID: id})
}

// HandleRemoveMeal handles DELETE /v1/mow/meals/:meal.
func (h *Handlers) HandleRemoveMeal(c *gin.Context) {
	logger := h.requestLogger(c, "HandleRemoveMeal")

	mealID, ok := h.pathID(c, logger, "meal")
	if !ok {
		return
	}

	scheduled, err := h.sess.RemoveMeal(mealID)
	if err != nil {
		h.fail(c, logger, classify(scopeMeals, err))
		return
	}
	c.JSON(http.StatusOK, RemovedResponse{Variant: VariantRemovedMeal, Scheduled: scheduled})
}

// =============================================================================
// Events and health
// =============================================================================

// HandleEvents handles GET /v1/mow/events.
//
// Description:
//
//	Upgrades to a websocket and streams session.Event values as JSON text
//	frames until the client disconnects. Incoming frames are discarded.
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEvents")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	client := h.hub.register(conn)
	logger.Debug("Event client connected", "clients", h.hub.Len())

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.hub.unregister(client)
			logger.Debug("Event client disconnected", "clients", h.hub.Len())
			return
		}
	}
}

// HandleHealth handles GET /v1/mow/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// =============================================================================
// Helpers
// =============================================================================

// requestLogger tags the logger with the request id and handler name.
func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With("request_id", getOrCreateRequestID(c), "handler", handler)
}

// bind decodes the JSON body into req and runs validate. It writes the
// failure response and returns false on error.
func (h *Handlers) bind(c *gin.Context, logger *slog.Logger, req any, validate func() error) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.fail(c, logger, invalidRequest(err.Error()))
		return false
	}
	if err := validate(); err != nil {
		h.fail(c, logger, invalidRequest(err.Error()))
		return false
	}
	return true
}

// pathID parses a path parameter as an identifier.
func (h *Handlers) pathID(c *gin.Context, logger *slog.Logger, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		h.fail(c, logger, invalidRequest(param+" is not a valid identifier"))
		return uuid.Nil, false
	}
	return id, true
}

// fail writes a classified failure. Server errors are logged at Error,
// client errors at Warn.
func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, e apiError) {
	if e.status >= http.StatusInternalServerError {
		logger.Error("Request failed", "key", e.key, "detail", e.detail)
	} else {
		logger.Warn("Request rejected", "key", e.key, "status", e.status)
	}
	c.JSON(e.status, e.body())
}

// getOrCreateRequestID extracts or generates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
