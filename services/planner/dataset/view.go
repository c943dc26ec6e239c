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
	"github.com/google/uuid"
)

// EntryView is the listing form of a variant or option.
type EntryView struct {
	UUID    uuid.UUID `json:"uuid"`
	Name    string    `json:"name"`
	Deleted bool      `json:"delete"`
}

// ComponentView is the listing form of a component.
//
// Variants and options are ordered by identifier. Tombstoned entries are
// included and marked; use Selectable to get only the live ones.
type ComponentView struct {
	UUID     uuid.UUID   `json:"uuid"`
	Name     string      `json:"name"`
	Deleted  bool        `json:"delete"`
	Variants []EntryView `json:"variants"`
	Options  []EntryView `json:"options"`
}

// Selectable returns the live entries of kind.
func (v ComponentView) Selectable(kind Kind) []EntryView {
	src := v.Variants
	if kind == KindOption {
		src = v.Options
	}
	out := make([]EntryView, 0, len(src))
	for _, e := range src {
		if !e.Deleted {
			out = append(out, e)
		}
	}
	return out
}

// MealLinkView is the listing form of a meal's component link.
type MealLinkView struct {
	Variant *uuid.UUID `json:"variant"`
	Deleted bool       `json:"delete"`
}

// MealView is the listing form of a meal.
type MealView struct {
	UUID       uuid.UUID                  `json:"uuid"`
	Name       string                     `json:"name"`
	Short      string                     `json:"short"`
	Deleted    bool                       `json:"delete"`
	Components map[uuid.UUID]MealLinkView `json:"components"`
}

// ComponentViews returns a view of every component keyed by identifier.
func (d *Dataset) ComponentViews() map[uuid.UUID]ComponentView {
	out := make(map[uuid.UUID]ComponentView, len(d.Components))
	for id, c := range d.Components {
		out[id] = ComponentView{
			UUID:     id,
			Name:     c.Name,
			Deleted:  c.Deleted,
			Variants: entryViews(c.Variants),
			Options:  entryViews(c.Options),
		}
	}
	return out
}

// MealViews returns a view of every meal keyed by identifier.
func (d *Dataset) MealViews() map[uuid.UUID]MealView {
	out := make(map[uuid.UUID]MealView, len(d.Meals))
	for id, m := range d.Meals {
		links := make(map[uuid.UUID]MealLinkView, len(m.Components))
		for cid, link := range m.Components {
			lv := MealLinkView{Deleted: link.Deleted}
			if link.Variant != nil {
				v := *link.Variant
				lv.Variant = &v
			}
			links[cid] = lv
		}
		out[id] = MealView{
			UUID:       id,
			Name:       m.Name,
			Short:      m.Short,
			Deleted:    m.Deleted,
			Components: links,
		}
	}
	return out
}

func entryViews(m map[uuid.UUID]Entry) []EntryView {
	out := make([]EntryView, 0, len(m))
	for _, id := range sortedIDs(m) {
		e := m[id]
		out = append(out, EntryView{UUID: id, Name: e.Name, Deleted: e.Deleted})
	}
	return out
}
