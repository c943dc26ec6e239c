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
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/mow/services/planner/dataset"
)

// requestValidate validates request bodies after binding. Names are capped
// at 256 bytes, short codes at 32, initial entries at 256 per list, and meal
// links at 64.
var requestValidate = validator.New()

// =============================================================================
// Request types
// =============================================================================

// NewDatasetRequest is the body of POST /v1/mow/datasets.
//
// Both flags default to false: an empty dataset for the current month.
type NewDatasetRequest struct {
	NextMonth bool `json:"nextMonth"`
	CarryOver bool `json:"carryOver"`
}

// OpenDatasetRequest is the body of POST /v1/mow/datasets/open.
//
// Month is not range checked here; an out-of-range month is reported as
// error.global.no_dataset.
type OpenDatasetRequest struct {
	Year  int `json:"year" validate:"required"`
	Month int `json:"month"`
}

// Validate validates the OpenDatasetRequest fields.
func (r *OpenDatasetRequest) Validate() error {
	return requestValidate.Struct(r)
}

// AddComponentRequest is the body of POST /v1/mow/components.
type AddComponentRequest struct {
	Name     string   `json:"name" validate:"max=256"`
	Variants []string `json:"variants" validate:"max=256,dive,max=256"`
	Options  []string `json:"options" validate:"max=256,dive,max=256"`
}

// Validate validates the AddComponentRequest fields.
func (r *AddComponentRequest) Validate() error {
	return requestValidate.Struct(r)
}

// AddEntryRequest is the body of POST /v1/mow/components/:component/variants
// and /options.
type AddEntryRequest struct {
	Name string `json:"name" validate:"max=256"`
}

// Validate validates the AddEntryRequest fields.
func (r *AddEntryRequest) Validate() error {
	return requestValidate.Struct(r)
}

// AddMealRequest is the body of POST /v1/mow/meals.
//
// Components maps a component identifier to a variant identifier, or to
// null when the meal uses the component without a specific variant.
type AddMealRequest struct {
	Name       string                   `json:"name" validate:"max=256"`
	Short      string                   `json:"short" validate:"max=32"`
	Components map[uuid.UUID]*uuid.UUID `json:"components" validate:"max=64"`
}

// Validate validates the AddMealRequest fields.
func (r *AddMealRequest) Validate() error {
	return requestValidate.Struct(r)
}

// =============================================================================
// Response types
// =============================================================================
//
// Every success body carries a "variant" tag naming the result, followed by
// that result's fields. The tags are a wire contract with the UI.

// Result variant tags.
const (
	VariantGotDatasets    = "gotDatasets"
	VariantCreatedDataset = "createdDataset"
	VariantOpenedDataset  = "openedDataset"
	VariantGotState       = "gotState"
	VariantSavedDataset   = "savedDataset"
	VariantClosedDataset  = "closedDataset"
	VariantGotComponents  = "gotComponents"
	VariantAddedComponent = "addedComponent"
	VariantAddedVariant   = "addedVariant"
	VariantAddedOption    = "addedOption"
	VariantRemovedVariant = "removedVariant"
	VariantRemovedOption  = "removedOption"
	VariantGotMeals       = "gotMeals"
	VariantAddedMeal      = "addedMeal"
	VariantRemovedMeal    = "removedMeal"
)

// DatasetsResponse lists the periods that have a dataset file.
type DatasetsResponse struct {
	Variant       string        `json:"variant"`
	Data          map[int][]int `json:"data"`
	CurrentYear   *int          `json:"currentYear"`
	CurrentMonth  *int          `json:"currentMonth"`
	CanCreateNow  bool          `json:"canCreateNow"`
	CanCreateNext bool          `json:"canCreateNext"`
}

// CreatedDatasetResponse reports the period of a new dataset.
type CreatedDatasetResponse struct {
	Variant string `json:"variant"`
	Year    int    `json:"year"`
	Month   int    `json:"month"`
}

// OpenedDatasetResponse reports the anomalies found while opening.
type OpenedDatasetResponse struct {
	Variant  string `json:"variant"`
	Mismatch bool   `json:"mismatch"`
	Recovery string `json:"recovery,omitempty"`
}

// SessionState is the state object inside a gotState result.
//
// State is "select" while no dataset is loaded and "loaded" otherwise; the
// remaining fields are only set when loaded.
type SessionState struct {
	State              string `json:"state"`
	Year               int    `json:"year,omitempty"`
	Month              int    `json:"month,omitempty"`
	Mismatch           bool   `json:"mismatch,omitempty"`
	Recovery           string `json:"recovery,omitempty"`
	ExternallyModified bool   `json:"externallyModified,omitempty"`
}

// StateResponse wraps the session state.
type StateResponse struct {
	Variant string       `json:"variant"`
	State   SessionState `json:"state"`
}

// VariantResponse is a result that carries only its tag.
type VariantResponse struct {
	Variant string `json:"variant"`
}

// ComponentsResponse lists every component of the loaded dataset.
type ComponentsResponse struct {
	Variant string                              `json:"variant"`
	Data    map[uuid.UUID]dataset.ComponentView `json:"data"`
}

// MealsResponse lists every meal of the loaded dataset.
type MealsResponse struct {
	Variant string                         `json:"variant"`
	Data    map[uuid.UUID]dataset.MealView `json:"data"`
}

// AddedResponse reports the identifier of a new or already existing entity.
type AddedResponse struct {
	Variant string    `json:"variant"`
	ID      uuid.UUID `json:"id"`
}

// RemovedResponse reports whether a removal was deferred to the next purge.
type RemovedResponse struct {
	Variant   string `json:"variant"`
	Scheduled bool   `json:"scheduled"`
}

// ErrorResponse is the body of every failed request.
//
// Error is "<key>" or "<key>: <detail>"; the key is stable and the UI uses
// it as a translation key.
type ErrorResponse struct {
	// Error is the error key with optional detail.
	Error string `json:"error"`

	// Code is the error code.
	Code string `json:"code"`
}

// HealthResponse is the body of GET /v1/mow/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
