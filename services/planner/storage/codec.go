// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/mow/services/planner/dataset"
)

// FormatVersion is the version written into every encoded document.
const FormatVersion = 1

var (
	// ErrDecode indicates file content is not a valid dataset document.
	ErrDecode = errors.New("malformed dataset file")

	// ErrEncode indicates a dataset could not be serialized.
	ErrEncode = errors.New("cannot encode dataset")
)

// document is the on-disk form of a dataset. Identifier keys are strings so
// the encoder emits them in sorted order.
type document struct {
	Version    int                     `yaml:"version"`
	Year       int                     `yaml:"year"`
	Month      int                     `yaml:"month"`
	Components map[string]componentDoc `yaml:"components"`
	Meals      map[string]mealDoc      `yaml:"meals"`
}

type componentDoc struct {
	Name     string              `yaml:"name"`
	Deleted  bool                `yaml:"deleted,omitempty"`
	Variants map[string]entryDoc `yaml:"variants"`
	Options  map[string]entryDoc `yaml:"options"`
}

type entryDoc struct {
	Name    string `yaml:"name"`
	Deleted bool   `yaml:"deleted,omitempty"`
}

type mealDoc struct {
	Name       string             `yaml:"name"`
	Short      string             `yaml:"short"`
	Deleted    bool               `yaml:"deleted,omitempty"`
	Components map[string]linkDoc `yaml:"components"`
}

type linkDoc struct {
	Variant *string `yaml:"variant"`
	Deleted bool    `yaml:"deleted,omitempty"`
}

// Encode serializes a dataset to YAML.
//
// Output is deterministic for equal datasets: maps are emitted in key order.
func Encode(ds *dataset.Dataset) ([]byte, error) {
	doc := document{
		Version:    FormatVersion,
		Year:       ds.Period.Year,
		Month:      ds.Period.Month,
		Components: make(map[string]componentDoc, len(ds.Components)),
		Meals:      make(map[string]mealDoc, len(ds.Meals)),
	}
	for id, c := range ds.Components {
		doc.Components[id.String()] = componentDoc{
			Name:     c.Name,
			Deleted:  c.Deleted,
			Variants: encodeEntries(c.Variants),
			Options:  encodeEntries(c.Options),
		}
	}
	for id, m := range ds.Meals {
		links := make(map[string]linkDoc, len(m.Components))
		for cid, link := range m.Components {
			ld := linkDoc{Deleted: link.Deleted}
			if link.Variant != nil {
				v := link.Variant.String()
				ld.Variant = &v
			}
			links[cid.String()] = ld
		}
		doc.Meals[id.String()] = mealDoc{
			Name:       m.Name,
			Short:      m.Short,
			Deleted:    m.Deleted,
			Components: links,
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a YAML document into a dataset.
//
// # Description
//
// Unknown fields, an unsupported version, empty input, and malformed
// identifiers all fail with an error wrapping ErrDecode. The returned
// period is whatever the document declares; callers compare it with the
// period implied by the file's location.
//
// # Inputs
//
//   - data: Raw file content.
//
// # Outputs
//
//   - *dataset.Dataset: Decoded dataset with non-nil maps.
//   - error: Wraps ErrDecode on any failure.
func Decode(data []byte) (*dataset.Dataset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrDecode)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, doc.Version)
	}

	ds := dataset.New(dataset.Period{Year: doc.Year, Month: doc.Month})
	for key, cd := range doc.Components {
		id, err := parseID("component", key)
		if err != nil {
			return nil, err
		}
		c := &dataset.Component{Name: cd.Name, Deleted: cd.Deleted}
		if c.Variants, err = decodeEntries("variant", cd.Variants); err != nil {
			return nil, err
		}
		if c.Options, err = decodeEntries("option", cd.Options); err != nil {
			return nil, err
		}
		ds.Components[id] = c
	}
	for key, md := range doc.Meals {
		id, err := parseID("meal", key)
		if err != nil {
			return nil, err
		}
		m := &dataset.Meal{
			Name:       md.Name,
			Short:      md.Short,
			Deleted:    md.Deleted,
			Components: make(map[uuid.UUID]dataset.MealComponentLink, len(md.Components)),
		}
		for ckey, ld := range md.Components {
			cid, err := parseID("meal component", ckey)
			if err != nil {
				return nil, err
			}
			link := dataset.MealComponentLink{Deleted: ld.Deleted}
			if ld.Variant != nil {
				vid, err := parseID("meal variant", *ld.Variant)
				if err != nil {
					return nil, err
				}
				link.Variant = &vid
			}
			m.Components[cid] = link
		}
		ds.Meals[id] = m
	}
	return ds, nil
}

func encodeEntries(m map[uuid.UUID]dataset.Entry) map[string]entryDoc {
	out := make(map[string]entryDoc, len(m))
	for id, e := range m {
		out[id.String()] = entryDoc{Name: e.Name, Deleted: e.Deleted}
	}
	return out
}

func decodeEntries(what string, m map[string]entryDoc) (map[uuid.UUID]dataset.Entry, error) {
	out := make(map[uuid.UUID]dataset.Entry, len(m))
	for key, e := range m {
		id, err := parseID(what, key)
		if err != nil {
			return nil, err
		}
		out[id] = dataset.Entry{Name: e.Name, Deleted: e.Deleted}
	}
	return out, nil
}

func parseID(what, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s id %q: %v", ErrDecode, what, s, err)
	}
	return id, nil
}
