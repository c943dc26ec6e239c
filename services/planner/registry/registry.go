// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry enumerates the dataset periods present on disk.
//
// A scan is a pure function of the filesystem and the supplied clock. It
// never locks or reads dataset files; presence is a stat of the canonical
// primary path.
package registry

import (
	"slices"
	"time"

	"github.com/AleutianAI/mow/services/planner/dataset"
)

// Prober reports whether a dataset file exists for a period.
//
// storage.Layout implements Prober. Probe errors must be reported as absent.
type Prober interface {
	Exists(p dataset.Period) bool
}

// Snapshot is the result of a scan.
//
// # Description
//
// Data maps a year to the sorted months present in it. CurrentYear and
// CurrentMonth are set only when today's period is present. CanCreateNow and
// CanCreateNext report whether the current and the following period are
// still free.
type Snapshot struct {
	Data          map[int][]int `json:"data"`
	CurrentYear   *int          `json:"currentYear"`
	CurrentMonth  *int          `json:"currentMonth"`
	CanCreateNow  bool          `json:"canCreateNow"`
	CanCreateNext bool          `json:"canCreateNext"`
}

// Contains reports whether the snapshot lists p.
func (s Snapshot) Contains(p dataset.Period) bool {
	return slices.Contains(s.Data[p.Year], p.Month)
}

// Periods returns every listed period in chronological order.
func (s Snapshot) Periods() []dataset.Period {
	years := make([]int, 0, len(s.Data))
	for y := range s.Data {
		years = append(years, y)
	}
	slices.Sort(years)

	var out []dataset.Period
	for _, y := range years {
		for _, m := range s.Data[y] {
			out = append(out, dataset.Period{Year: y, Month: m})
		}
	}
	return out
}

// Latest returns the most recent listed period strictly before p.
func (s Snapshot) Latest(before dataset.Period) (dataset.Period, bool) {
	periods := s.Periods()
	for i := len(periods) - 1; i >= 0; i-- {
		if periods[i].Before(before) {
			return periods[i], true
		}
	}
	return dataset.Period{}, false
}

// Scan probes every period from January 1970 through the month after now.
//
// # Description
//
// Past years are probed for all twelve months. The current year is probed
// through the following month, capped at December. When now is in December,
// January of the next year is probed too.
//
// # Inputs
//
//   - prober: Existence check for a period's primary file.
//   - now: Reference time, usually the local wall clock.
//
// # Outputs
//
//   - Snapshot: Present periods and create flags. Never nil maps.
func Scan(prober Prober, now time.Time) Snapshot {
	current := dataset.PeriodOf(now)
	next := current.Next()

	data := make(map[int][]int)
	probe := func(p dataset.Period) {
		if prober.Exists(p) {
			data[p.Year] = append(data[p.Year], p.Month)
		}
	}

	for y := dataset.FirstYear; y <= current.Year; y++ {
		until := 12
		if y == current.Year {
			until = min(current.Month+1, 12)
		}
		for m := 1; m <= until; m++ {
			probe(dataset.Period{Year: y, Month: m})
		}
	}
	if current.Month == 12 {
		probe(next)
	}

	snap := Snapshot{Data: data}
	snap.CanCreateNow = !snap.Contains(current)
	snap.CanCreateNext = !snap.Contains(next)
	if !snap.CanCreateNow {
		year, month := current.Year, current.Month
		snap.CurrentYear = &year
		snap.CurrentMonth = &month
	}
	return snap
}
