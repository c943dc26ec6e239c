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

import (
	"time"

	"github.com/AleutianAI/mow/services/planner/dataset"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventCreated        EventType = "created"
	EventOpened         EventType = "opened"
	EventSaved          EventType = "saved"
	EventClosed         EventType = "closed"
	EventExternalChange EventType = "external_change"
)

// Event is published to subscribers after a lifecycle transition.
type Event struct {
	Type   EventType `json:"type"`
	Year   int       `json:"year"`
	Month  int       `json:"month"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

func newEvent(t EventType, p dataset.Period, at time.Time) Event {
	return Event{Type: t, Year: p.Year, Month: p.Month, At: at}
}

// Subscribe registers fn for every future event.
//
// # Description
//
// fn runs synchronously on the goroutine that completed the operation,
// after the session lock is released. It must not block; hand the event
// off to a channel if work is needed.
//
// # Outputs
//
//   - func(): Unsubscribes fn. Safe to call more than once.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Session) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.subsMu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()

	for _, e := range events {
		for _, fn := range subs {
			fn(e)
		}
	}
}
