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
	"fmt"
	"time"
)

// FirstYear is the earliest year a dataset can be created for.
const FirstYear = 1970

// Period identifies the (year, month) a dataset belongs to.
type Period struct {
	Year  int `json:"year" yaml:"year"`
	Month int `json:"month" yaml:"month"`
}

// PeriodOf returns the period containing t, in t's location.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// ResolvePeriod returns the period a new dataset is created for.
//
// # Description
//
// With nextMonth unset this is the period of now. With nextMonth set it is
// the following period, rolling over to January of the next year when now
// is in December.
//
// # Inputs
//
//   - now: Reference time, usually the local wall clock.
//   - nextMonth: Whether to target the month after now.
//
// # Outputs
//
//   - Period: The resolved period. Always valid.
func ResolvePeriod(now time.Time, nextMonth bool) Period {
	p := PeriodOf(now)
	if nextMonth {
		return p.Next()
	}
	return p
}

// Valid reports whether the month is in 1..12.
func (p Period) Valid() bool {
	return p.Month >= 1 && p.Month <= 12
}

// Next returns the immediately following period.
func (p Period) Next() Period {
	if p.Month == 12 {
		return Period{Year: p.Year + 1, Month: 1}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

// String formats the period as YYYY-MM.
func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}
