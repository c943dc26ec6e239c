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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolvePeriod(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		nextMonth bool
		want      Period
	}{
		{"current month", time.Date(2024, time.March, 15, 0, 0, 0, 0, time.Local), false, Period{2024, 3}},
		{"next month", time.Date(2024, time.March, 15, 0, 0, 0, 0, time.Local), true, Period{2024, 4}},
		{"november to december", time.Date(2024, time.November, 1, 0, 0, 0, 0, time.Local), true, Period{2024, 12}},
		{"december rolls over", time.Date(2024, time.December, 31, 23, 0, 0, 0, time.Local), true, Period{2025, 1}},
		{"december current", time.Date(2024, time.December, 31, 23, 0, 0, 0, time.Local), false, Period{2024, 12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePeriod(tt.now, tt.nextMonth)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestPeriod_Valid(t *testing.T) {
	assert.False(t, Period{2024, 0}.Valid())
	assert.False(t, Period{2024, 13}.Valid())
	assert.True(t, Period{2024, 1}.Valid())
	assert.True(t, Period{2024, 12}.Valid())
}

func TestPeriod_Before(t *testing.T) {
	assert.True(t, Period{2023, 12}.Before(Period{2024, 1}))
	assert.True(t, Period{2024, 1}.Before(Period{2024, 2}))
	assert.False(t, Period{2024, 2}.Before(Period{2024, 2}))
	assert.False(t, Period{2025, 1}.Before(Period{2024, 12}))
}

func TestPeriod_String(t *testing.T) {
	assert.Equal(t, "2024-03", Period{2024, 3}.String())
}
