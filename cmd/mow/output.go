// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/AleutianAI/mow/services/planner/dataset"
	"github.com/AleutianAI/mow/services/planner/lock"
	"github.com/AleutianAI/mow/services/planner/registry"
)

// Brand palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text
	ColorWarning     = lipgloss.Color("#F4D03F")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Muted     lipgloss.Style
	Highlight lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// renderRegistry formats the available periods, one line per year.
//
// The current period, when present, is highlighted.
func renderRegistry(baseDir string, snap registry.Snapshot) string {
	var b bytes.Buffer
	fmt.Fprintln(&b, Styles.Title.Render("Datasets")+" "+Styles.Muted.Render(baseDir))

	periods := snap.Periods()
	if len(periods) == 0 {
		fmt.Fprintln(&b, Styles.Muted.Render("  none yet; run `mow new` to create one"))
	}

	years := make([]int, 0, len(snap.Data))
	for y := range snap.Data {
		years = append(years, y)
	}
	slices.Sort(years)

	for _, y := range years {
		months := make([]string, 0, len(snap.Data[y]))
		for _, m := range snap.Data[y] {
			label := fmt.Sprintf("%02d", m)
			if snap.CurrentYear != nil && snap.CurrentMonth != nil &&
				*snap.CurrentYear == y && *snap.CurrentMonth == m {
				label = Styles.Highlight.Render(label)
			}
			months = append(months, label)
		}
		fmt.Fprintf(&b, "  %s  %s\n", Styles.Subtitle.Render(fmt.Sprint(y)), strings.Join(months, " "))
	}

	var can []string
	if snap.CanCreateNow {
		can = append(can, "this month")
	}
	if snap.CanCreateNext {
		can = append(can, "next month")
	}
	if len(can) > 0 {
		fmt.Fprintln(&b, Styles.Muted.Render("  can create: "+strings.Join(can, ", ")))
	}
	return b.String()
}

// renderHolder formats the process holding a period's dataset.
func renderHolder(p dataset.Period, holder *lock.LockInfo) string {
	return fmt.Sprintf("  %s %s",
		Styles.Warning.Render(p.String()),
		Styles.Muted.Render(fmt.Sprintf("in use by PID %d (session %s) since %s",
			holder.PID, holder.SessionID, holder.LockedAt.Format("2006-01-02 15:04"))))
}

// renderDataset formats a dataset's components and meals.
//
// Tombstoned entities are listed with a "(deleted)" marker.
func renderDataset(ds *dataset.Dataset) string {
	var body bytes.Buffer
	fmt.Fprintln(&body, Styles.Title.Render("Dataset "+ds.Period.String()))

	comps := ds.ComponentViews()
	fmt.Fprintln(&body, Styles.Subtitle.Render(fmt.Sprintf("Components (%d)", len(comps))))
	for _, id := range sortedByName(comps, func(v dataset.ComponentView) string { return v.Name }) {
		c := comps[id]
		fmt.Fprintf(&body, "  %s%s\n", c.Name, deletedMarker(c.Deleted))
		writeEntries(&body, "variants", c.Variants)
		writeEntries(&body, "options", c.Options)
	}

	meals := ds.MealViews()
	fmt.Fprintln(&body, Styles.Subtitle.Render(fmt.Sprintf("Meals (%d)", len(meals))))
	for _, id := range sortedByName(meals, func(v dataset.MealView) string { return v.Name }) {
		m := meals[id]
		parts := make([]string, 0, len(m.Components))
		for cid, link := range m.Components {
			parts = append(parts, describeLink(comps, cid, link))
		}
		slices.Sort(parts)
		fmt.Fprintf(&body, "  [%s] %s%s", m.Short, m.Name, deletedMarker(m.Deleted))
		if len(parts) > 0 {
			fmt.Fprintf(&body, " %s %s", Styles.Muted.Render("→"), strings.Join(parts, ", "))
		}
		fmt.Fprintln(&body)
	}

	return Styles.Box.Render(strings.TrimRight(body.String(), "\n"))
}

func writeEntries(b *bytes.Buffer, label string, entries []dataset.EntryView) {
	if len(entries) == 0 {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name+deletedMarker(e.Deleted))
	}
	slices.Sort(names)
	fmt.Fprintf(b, "    %s %s\n", Styles.Muted.Render(label+":"), strings.Join(names, ", "))
}

// describeLink renders "Component" or "Component: Variant", resolving
// dangling identifiers to "?".
func describeLink(comps map[uuid.UUID]dataset.ComponentView, cid uuid.UUID, link dataset.MealLinkView) string {
	c, ok := comps[cid]
	name := "?"
	if ok {
		name = c.Name
	}
	if link.Variant != nil {
		variant := "?"
		if ok {
			for _, v := range c.Variants {
				if v.UUID == *link.Variant {
					variant = v.Name
					break
				}
			}
		}
		name += ": " + variant
	}
	return name + deletedMarker(link.Deleted)
}

func deletedMarker(deleted bool) string {
	if !deleted {
		return ""
	}
	return " " + Styles.Warning.Render("(deleted)")
}

// sortedByName orders map keys by name, then by identifier.
func sortedByName[V any](m map[uuid.UUID]V, name func(V) string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		if c := strings.Compare(name(m[a]), name(m[b])); c != 0 {
			return c
		}
		return strings.Compare(a.String(), b.String())
	})
	return ids
}
