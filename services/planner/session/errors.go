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

import "errors"

// Sentinel errors for session state transitions.
var (
	// ErrDatasetIsActive indicates New or Open was called while a dataset is loaded.
	ErrDatasetIsActive = errors.New("a dataset is already active")

	// ErrDatasetNotActive indicates an operation needs a loaded dataset.
	ErrDatasetNotActive = errors.New("no dataset is active")

	// ErrDatasetExists indicates New targeted a period that already has a file.
	ErrDatasetExists = errors.New("dataset already exists")

	// ErrNoDataset indicates Open targeted an invalid month or a missing file.
	ErrNoDataset = errors.New("no dataset for this period")
)
