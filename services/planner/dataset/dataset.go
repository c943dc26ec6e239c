// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset defines the month-scoped meal-planning dataset and the
// referential-integrity rules for mutating it.
//
// A Dataset owns its components and meals. Meals refer to components and
// variants by identifier only, so a dangling reference is a lookup miss and
// never a crash. Variants and options are soft-deleted with a tombstone flag
// while anything may still reach them, and are dropped by Purge when the
// next period's dataset is seeded.
//
// # Thread Safety
//
// Dataset is not safe for concurrent use. The session package guards the
// active dataset with a reader/writer lock.
package dataset

import (
	"github.com/google/uuid"
)

// Kind distinguishes the two leaf collections of a component.
type Kind int

const (
	// KindVariant selects Component.Variants.
	KindVariant Kind = iota

	// KindOption selects Component.Options.
	KindOption
)

// String returns "variant" or "option".
func (k Kind) String() string {
	switch k {
	case KindVariant:
		return "variant"
	case KindOption:
		return "option"
	default:
		return "unknown"
	}
}

// Entry is a variant or option of a component.
//
// Deleted marks a soft tombstone: the entry stays in its map so existing
// meal links remain resolvable, but it is no longer selectable.
type Entry struct {
	Name    string
	Deleted bool
}

// Component is a category of meal content, e.g. "Side".
type Component struct {
	Name     string
	Deleted  bool
	Variants map[uuid.UUID]Entry
	Options  map[uuid.UUID]Entry
}

// entries returns the map for kind.
func (c *Component) entries(kind Kind) map[uuid.UUID]Entry {
	if kind == KindOption {
		return c.Options
	}
	return c.Variants
}

// MealComponentLink records that a meal uses a component and, optionally,
// which of its variants.
type MealComponentLink struct {
	Variant *uuid.UUID
	Deleted bool
}

// Meal is a concrete menu item.
type Meal struct {
	Name       string
	Short      string
	Deleted    bool
	Components map[uuid.UUID]MealComponentLink
}

// Dataset is the root aggregate for one period.
type Dataset struct {
	Period     Period
	Components map[uuid.UUID]*Component
	Meals      map[uuid.UUID]*Meal
}

// New creates an empty dataset for the period.
func New(period Period) *Dataset {
	return &Dataset{
		Period:     period,
		Components: make(map[uuid.UUID]*Component),
		Meals:      make(map[uuid.UUID]*Meal),
	}
}

// newComponent creates a component with empty, non-nil leaf maps.
func newComponent(name string) *Component {
	return &Component{
		Name:     name,
		Variants: make(map[uuid.UUID]Entry),
		Options:  make(map[uuid.UUID]Entry),
	}
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	out := New(d.Period)
	for id, c := range d.Components {
		cc := newComponent(c.Name)
		cc.Deleted = c.Deleted
		for vid, v := range c.Variants {
			cc.Variants[vid] = v
		}
		for oid, o := range c.Options {
			cc.Options[oid] = o
		}
		out.Components[id] = cc
	}
	for id, m := range d.Meals {
		out.Meals[id] = m.clone()
	}
	return out
}

func (m *Meal) clone() *Meal {
	out := &Meal{
		Name:       m.Name,
		Short:      m.Short,
		Deleted:    m.Deleted,
		Components: make(map[uuid.UUID]MealComponentLink, len(m.Components)),
	}
	for cid, link := range m.Components {
		if link.Variant != nil {
			v := *link.Variant
			link.Variant = &v
		}
		out.Components[cid] = link
	}
	return out
}
