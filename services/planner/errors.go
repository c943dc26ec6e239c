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
	"errors"
	"net/http"

	"github.com/AleutianAI/mow/services/planner/dataset"
	"github.com/AleutianAI/mow/services/planner/lock"
	"github.com/AleutianAI/mow/services/planner/session"
	"github.com/AleutianAI/mow/services/planner/storage"
)

// Error keys returned to the UI.
const (
	KeyDatasetExists      = "error.global.dataset_exists"
	KeyDatasetIsActive    = "error.global.dataset_is_active"
	KeyDatasetNotActive   = "error.global.dataset_not_active"
	KeyNoDataset          = "error.global.no_dataset"
	KeyLocked             = "error.global.locked"
	KeyIO                 = "error.global.io"
	KeyDecode             = "error.global.decode"
	KeyEncode             = "error.global.encode"
	KeyComponentNotFound  = "error.components.not_found"
	KeyEntryDoesNotExist  = "error.components.does_not_exist"
	KeyComponentNameEmpty = "error.components.name_empty"
	KeyStillInUse         = "error.components.still_in_use"
	KeyMealNameEmpty      = "error.meals.name_empty"
	KeyMealShortEmpty     = "error.meals.short_empty"
	KeyMealComponent      = "error.meals.component_not_found"
	KeyMealVariant        = "error.meals.variant_not_found"
	KeyMealNotFound       = "error.meals.not_found"
	KeyInvalidRequest     = "error.request.invalid"
)

// scope selects the key family for errors shared by several entities.
type scope int

const (
	scopeGlobal scope = iota
	scopeComponents
	scopeMeals
)

// apiError is a classified failure ready to be written.
type apiError struct {
	status int
	key    string
	code   string
	detail string
}

// body renders the wire form.
func (e apiError) body() ErrorResponse {
	msg := e.key
	if e.detail != "" {
		msg += ": " + e.detail
	}
	return ErrorResponse{Error: msg, Code: e.code}
}

// classify maps an error from the session to its status, key, and code.
//
// # Description
//
// Domain errors map to 4xx with a stable key. Lock contention maps to 423
// with the holder in the detail. Anything unrecognized is an I/O failure
// and maps to 500 with the error text as detail.
//
// # Inputs
//
//   - sc: Entity family of the request, used for ErrEmptyName.
//   - err: Non-nil error.
//
// # Outputs
//
//   - apiError: Classified failure.
func classify(sc scope, err error) apiError {
	var inUse *dataset.InUseError
	var held *lock.FileLockError

	switch {
	case errors.Is(err, session.ErrDatasetExists):
		return apiError{http.StatusConflict, KeyDatasetExists, "DATASET_EXISTS", ""}
	case errors.Is(err, session.ErrDatasetIsActive):
		return apiError{http.StatusConflict, KeyDatasetIsActive, "DATASET_IS_ACTIVE", ""}
	case errors.Is(err, session.ErrDatasetNotActive):
		return apiError{http.StatusConflict, KeyDatasetNotActive, "DATASET_NOT_ACTIVE", ""}
	case errors.Is(err, session.ErrNoDataset):
		return apiError{http.StatusNotFound, KeyNoDataset, "NO_DATASET", ""}

	case errors.As(err, &held):
		return apiError{http.StatusLocked, KeyLocked, "LOCKED", held.Error()}
	case errors.Is(err, lock.ErrFileLocked):
		return apiError{http.StatusLocked, KeyLocked, "LOCKED", ""}
	case errors.Is(err, storage.ErrDecode):
		return apiError{http.StatusInternalServerError, KeyDecode, "DECODE_FAILED", err.Error()}
	case errors.Is(err, storage.ErrEncode):
		return apiError{http.StatusInternalServerError, KeyEncode, "ENCODE_FAILED", err.Error()}

	case errors.As(err, &inUse):
		return apiError{http.StatusConflict, KeyStillInUse, "STILL_IN_USE", inUse.Error()}
	case errors.Is(err, dataset.ErrNotFound):
		return apiError{http.StatusNotFound, KeyComponentNotFound, "COMPONENT_NOT_FOUND", ""}
	case errors.Is(err, dataset.ErrDoesNotExist):
		return apiError{http.StatusNotFound, KeyEntryDoesNotExist, "ENTRY_DOES_NOT_EXIST", ""}
	case errors.Is(err, dataset.ErrEmptyName) && sc == scopeMeals:
		return apiError{http.StatusBadRequest, KeyMealNameEmpty, "NAME_EMPTY", ""}
	case errors.Is(err, dataset.ErrEmptyName):
		return apiError{http.StatusBadRequest, KeyComponentNameEmpty, "NAME_EMPTY", ""}
	case errors.Is(err, dataset.ErrEmptyShort):
		return apiError{http.StatusBadRequest, KeyMealShortEmpty, "SHORT_EMPTY", ""}
	case errors.Is(err, dataset.ErrComponentNotFound):
		return apiError{http.StatusNotFound, KeyMealComponent, "COMPONENT_NOT_FOUND", ""}
	case errors.Is(err, dataset.ErrVariantNotFound):
		return apiError{http.StatusNotFound, KeyMealVariant, "VARIANT_NOT_FOUND", ""}
	case errors.Is(err, dataset.ErrMealNotFound):
		return apiError{http.StatusNotFound, KeyMealNotFound, "MEAL_NOT_FOUND", ""}
	}
	return apiError{http.StatusInternalServerError, KeyIO, "IO_FAILED", err.Error()}
}

// invalidRequest is the failure for unparseable bodies and path parameters.
func invalidRequest(detail string) apiError {
	return apiError{http.StatusBadRequest, KeyInvalidRequest, "INVALID_REQUEST", detail}
}
