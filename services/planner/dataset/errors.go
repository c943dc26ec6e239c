// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for entity operations.
var (
	// ErrEmptyName indicates a name was empty after trimming.
	ErrEmptyName = errors.New("name is empty")

	// ErrEmptyShort indicates a meal short code was empty after trimming.
	ErrEmptyShort = errors.New("short is empty")

	// ErrNotFound indicates the component does not exist in the dataset.
	ErrNotFound = errors.New("component not found")

	// ErrDoesNotExist indicates the variant or option does not exist in its component.
	ErrDoesNotExist = errors.New("entry does not exist")

	// ErrStillInUse indicates a variant is referenced by a live meal.
	ErrStillInUse = errors.New("entry is still in use")

	// ErrComponentNotFound indicates a meal referenced an unknown component.
	ErrComponentNotFound = errors.New("referenced component not found")

	// ErrVariantNotFound indicates a meal referenced a variant outside its component.
	ErrVariantNotFound = errors.New("referenced variant not found")

	// ErrMealNotFound indicates the meal does not exist in the dataset.
	ErrMealNotFound = errors.New("meal not found")
)

// InUseError reports which meals keep a variant in active use.
//
// # Description
//
// Wraps ErrStillInUse so callers can match with errors.Is and still show
// the user which meals block the removal.
type InUseError struct {
	Kind      Kind
	Component uuid.UUID
	Entry     uuid.UUID
	Meals     []uuid.UUID
}

// Error returns a human-readable error message.
func (e *InUseError) Error() string {
	return fmt.Sprintf("%s %s of component %s is used by %d meal(s)",
		e.Kind, e.Entry, e.Component, len(e.Meals))
}

// Unwrap returns ErrStillInUse for errors.Is support.
func (e *InUseError) Unwrap() error {
	return ErrStillInUse
}
