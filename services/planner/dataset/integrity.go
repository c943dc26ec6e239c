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
	"bytes"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// AddComponent adds a component with initial variants and options.
//
// # Description
//
// Names are trimmed. An empty component name or an empty entry in either
// list fails with ErrEmptyName and nothing is inserted. Duplicate names in
// the lists collapse to one entry. If a live component with the same name
// already exists, its identifier is returned and the dataset is unchanged.
//
// # Inputs
//
//   - name: Component name.
//   - variants: Initial variant names.
//   - options: Initial option names.
//
// # Outputs
//
//   - uuid.UUID: Identifier of the new or already existing component.
//   - bool: True if a component was inserted.
//   - error: ErrEmptyName on an empty name.
func (d *Dataset) AddComponent(name string, variants, options []string) (uuid.UUID, bool, error) {
	name, ok := trimmed(name)
	if !ok {
		return uuid.Nil, false, ErrEmptyName
	}
	vs, err := normalizeNames(variants)
	if err != nil {
		return uuid.Nil, false, err
	}
	os, err := normalizeNames(options)
	if err != nil {
		return uuid.Nil, false, err
	}

	for _, id := range sortedIDs(d.Components) {
		if c := d.Components[id]; !c.Deleted && c.Name == name {
			return id, false, nil
		}
	}

	c := newComponent(name)
	for _, v := range vs {
		c.Variants[uuid.New()] = Entry{Name: v}
	}
	for _, o := range os {
		c.Options[uuid.New()] = Entry{Name: o}
	}
	id := uuid.New()
	d.Components[id] = c
	return id, true, nil
}

// AddVariant adds a variant to a component. See AddEntry.
func (d *Dataset) AddVariant(componentID uuid.UUID, name string) (uuid.UUID, bool, error) {
	return d.AddEntry(KindVariant, componentID, name)
}

// AddOption adds an option to a component. See AddEntry.
func (d *Dataset) AddOption(componentID uuid.UUID, name string) (uuid.UUID, bool, error) {
	return d.AddEntry(KindOption, componentID, name)
}

// AddEntry adds a variant or option to a component.
//
// # Description
//
// The name is trimmed and must not be empty. Names are unique per component
// and kind: adding an existing name returns the existing identifier without
// inserting anything. A tombstoned entry keeps its tombstone, so a removal
// already scheduled still happens at the next purge.
//
// # Inputs
//
//   - kind: KindVariant or KindOption.
//   - componentID: Owning component.
//   - name: Entry name.
//
// # Outputs
//
//   - uuid.UUID: Identifier of the new or existing entry.
//   - bool: True if an entry was inserted.
//   - error: ErrEmptyName, or ErrNotFound if the component is missing.
func (d *Dataset) AddEntry(kind Kind, componentID uuid.UUID, name string) (uuid.UUID, bool, error) {
	name, ok := trimmed(name)
	if !ok {
		return uuid.Nil, false, ErrEmptyName
	}
	c, ok := d.Components[componentID]
	if !ok {
		return uuid.Nil, false, ErrNotFound
	}

	m := c.entries(kind)
	if id, found := findEntry(m, name); found {
		return id, false, nil
	}

	id := uuid.New()
	m[id] = Entry{Name: name}
	return id, true, nil
}

// RemoveVariant removes or schedules removal of a variant. See RemoveEntry.
func (d *Dataset) RemoveVariant(componentID, variantID uuid.UUID) (bool, error) {
	return d.RemoveEntry(KindVariant, componentID, variantID)
}

// RemoveOption removes or schedules removal of an option. See RemoveEntry.
func (d *Dataset) RemoveOption(componentID, optionID uuid.UUID) (bool, error) {
	return d.RemoveEntry(KindOption, componentID, optionID)
}

// RemoveEntry removes a variant or option, or tombstones it if it is still
// reachable.
//
// # Description
//
// The entry is in active use when a live meal links to it through a live
// link; removal is then refused with an *InUseError. Options are never in
// active use because meals do not link to options.
//
// The entry is passively referenced when it is already tombstoned, or when
// only tombstoned meals or tombstoned links still point at it. Such entries
// are tombstoned and stay in the map until Purge; scheduled is true.
//
// Otherwise the entry is deleted from the map and scheduled is false.
//
// # Outputs
//
//   - bool: True if removal was deferred to the next purge.
//   - error: ErrNotFound, ErrDoesNotExist, or an *InUseError wrapping ErrStillInUse.
func (d *Dataset) RemoveEntry(kind Kind, componentID, entryID uuid.UUID) (bool, error) {
	c, ok := d.Components[componentID]
	if !ok {
		return false, ErrNotFound
	}
	m := c.entries(kind)
	e, ok := m[entryID]
	if !ok {
		return false, ErrDoesNotExist
	}

	active, passive := d.references(kind, componentID, entryID)
	if len(active) > 0 {
		return false, &InUseError{
			Kind:      kind,
			Component: componentID,
			Entry:     entryID,
			Meals:     active,
		}
	}

	if passive || e.Deleted {
		e.Deleted = true
		m[entryID] = e
		return true, nil
	}

	delete(m, entryID)
	return false, nil
}

// references collects the live meals that use an entry and whether any
// tombstoned meal or link still points at it.
func (d *Dataset) references(kind Kind, componentID, entryID uuid.UUID) ([]uuid.UUID, bool) {
	if kind != KindVariant {
		return nil, false
	}

	var active []uuid.UUID
	passive := false
	for _, mealID := range sortedIDs(d.Meals) {
		meal := d.Meals[mealID]
		link, ok := meal.Components[componentID]
		if !ok || link.Variant == nil || *link.Variant != entryID {
			continue
		}
		if meal.Deleted || link.Deleted {
			passive = true
			continue
		}
		active = append(active, mealID)
	}
	return active, passive
}

// AddMeal adds a meal linking components and optional variants.
//
// # Description
//
// Name and short code are trimmed and must not be empty. Every component
// key must name a live component, and every non-nil variant must be a live
// variant of that component. Any failure aborts the add with the dataset
// unchanged. A live meal with the same name is returned as-is.
//
// # Inputs
//
//   - name: Meal name.
//   - short: Short code.
//   - components: Component identifier to optional variant identifier.
//
// # Outputs
//
//   - uuid.UUID: Identifier of the new or existing meal.
//   - bool: True if a meal was inserted.
//   - error: ErrEmptyName, ErrEmptyShort, ErrComponentNotFound, ErrVariantNotFound.
func (d *Dataset) AddMeal(name, short string, components map[uuid.UUID]*uuid.UUID) (uuid.UUID, bool, error) {
	name, ok := trimmed(name)
	if !ok {
		return uuid.Nil, false, ErrEmptyName
	}
	short, ok = trimmed(short)
	if !ok {
		return uuid.Nil, false, ErrEmptyShort
	}

	for _, cid := range sortedIDs(components) {
		c, ok := d.Components[cid]
		if !ok || c.Deleted {
			return uuid.Nil, false, ErrComponentNotFound
		}
		if vid := components[cid]; vid != nil {
			v, ok := c.Variants[*vid]
			if !ok || v.Deleted {
				return uuid.Nil, false, ErrVariantNotFound
			}
		}
	}

	for _, id := range sortedIDs(d.Meals) {
		if m := d.Meals[id]; !m.Deleted && m.Name == name {
			return id, false, nil
		}
	}

	links := make(map[uuid.UUID]MealComponentLink, len(components))
	for cid, vid := range components {
		var link MealComponentLink
		if vid != nil {
			v := *vid
			link.Variant = &v
		}
		links[cid] = link
	}

	id := uuid.New()
	d.Meals[id] = &Meal{
		Name:       name,
		Short:      short,
		Components: links,
	}
	return id, true, nil
}

// RemoveMeal tombstones a meal.
//
// Meals stay in the dataset as a record of the period and are dropped by
// Purge. The result is always scheduled.
func (d *Dataset) RemoveMeal(mealID uuid.UUID) (bool, error) {
	m, ok := d.Meals[mealID]
	if !ok {
		return false, ErrMealNotFound
	}
	m.Deleted = true
	return true, nil
}

// PurgeReport counts what Purge dropped.
type PurgeReport struct {
	Components int
	Variants   int
	Options    int
	Meals      int
	Links      int
}

// Total returns the number of dropped entities.
func (r PurgeReport) Total() int {
	return r.Components + r.Variants + r.Options + r.Meals + r.Links
}

// Purge drops every tombstoned entity.
//
// # Description
//
// Removes tombstoned components, variants, options, meals, and meal links.
// This makes scheduled removals permanent and runs when a dataset seeds the
// next period.
//
// # Outputs
//
//   - PurgeReport: Number of dropped entities per collection.
func (d *Dataset) Purge() PurgeReport {
	var r PurgeReport
	for id, c := range d.Components {
		if c.Deleted {
			delete(d.Components, id)
			r.Components++
			continue
		}
		r.Variants += purgeEntries(c.Variants)
		r.Options += purgeEntries(c.Options)
	}
	for id, m := range d.Meals {
		if m.Deleted {
			delete(d.Meals, id)
			r.Meals++
			continue
		}
		for cid, link := range m.Components {
			if link.Deleted {
				delete(m.Components, cid)
				r.Links++
			}
		}
	}
	return r
}

// CarryOver seeds a dataset for another period from d.
//
// The copy is purged of tombstones; d itself is not modified.
func (d *Dataset) CarryOver(period Period) (*Dataset, PurgeReport) {
	out := d.Clone()
	report := out.Purge()
	out.Period = period
	return out, report
}

func purgeEntries(m map[uuid.UUID]Entry) int {
	n := 0
	for id, e := range m {
		if e.Deleted {
			delete(m, id)
			n++
		}
	}
	return n
}

// findEntry looks up an entry by name, preferring live entries.
func findEntry(m map[uuid.UUID]Entry, name string) (uuid.UUID, bool) {
	var tombstoned uuid.UUID
	found := false
	for _, id := range sortedIDs(m) {
		e := m[id]
		if e.Name != name {
			continue
		}
		if !e.Deleted {
			return id, true
		}
		if !found {
			tombstoned, found = id, true
		}
	}
	return tombstoned, found
}

func trimmed(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}

// normalizeNames trims names, drops duplicates, and keeps first-seen order.
func normalizeNames(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n, ok := trimmed(n)
		if !ok {
			return nil, ErrEmptyName
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// sortedIDs returns the keys of m in identifier order.
func sortedIDs[V any](m map[uuid.UUID]V) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids
}
