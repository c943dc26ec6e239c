// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the single active dataset of a process.
//
// A Session is either Unloaded or Loaded. NewDataset and OpenDataset move
// it to Loaded and hold the dataset's file pair locked until Close. Entity
// operations mutate the in-memory dataset; only Save writes it to disk.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Read-only operations share a
// read lock; every mutation, including Save, takes the write lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/mow/services/planner/dataset"
	"github.com/AleutianAI/mow/services/planner/lock"
	"github.com/AleutianAI/mow/services/planner/registry"
	"github.com/AleutianAI/mow/services/planner/storage"
)

// Config configures a Session.
type Config struct {
	// Store persists datasets. Required.
	Store *storage.Store

	// Clock returns the current local time. Defaults to time.Now.
	Clock func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Meter defaults to the global meter provider.
	Meter metric.Meter

	// Tracing enables spans for NewDataset, OpenDataset, and Save.
	Tracing bool

	// WatchExternal flags changes to the loaded file made by other programs.
	WatchExternal bool
}

// Status is a snapshot of the session state.
type Status struct {
	// Loaded is false in the Unloaded state; the other fields are then zero.
	Loaded bool

	// Period is the period of the loaded file.
	Period dataset.Period

	// Mismatch is true if the file declared a different period than its path.
	Mismatch bool

	// Recovery is the path of preserved scratch content found at open.
	Recovery string

	// ExternallyModified is true once another program changed the file
	// since the last load or save.
	ExternallyModified bool
}

// loaded is the Loaded state.
type loaded struct {
	ds                 *dataset.Dataset
	handle             *storage.Handle
	info               storage.OpenInfo
	externallyModified bool
}

// Session is the dataset state machine.
type Session struct {
	store   *storage.Store
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics
	tracer  *Tracer
	watch   bool

	mu     sync.RWMutex
	active *loaded

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates an Unloaded session.
//
// # Inputs
//
//   - cfg: Session configuration. cfg.Store is required.
//
// # Outputs
//
//   - *Session: Unloaded session.
//   - error: Non-nil if the store is missing or metrics cannot be created.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter("mow.session")
	}

	m, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating session metrics: %w", err)
	}

	logger := cfg.Logger.With("component", "session")
	return &Session{
		store:   cfg.Store,
		now:     cfg.Clock,
		logger:  logger,
		metrics: m,
		tracer:  NewTracer(logger, cfg.Tracing),
		watch:   cfg.WatchExternal,
		subs:    make(map[int]func(Event)),
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// NewDataset creates the dataset for the current or next period and loads it.
//
// # Description
//
// The period is the current local month, or the following one when
// nextMonth is set (December rolls over to January of the next year). The
// file is created exclusively and written once before the session becomes
// Loaded.
//
// With carryOver set, the most recent earlier dataset on disk seeds the new
// one: it is read under its locks, purged of tombstones, and its
// components and live meals are copied. The earlier file is not modified.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - nextMonth: Target the month after the current one.
//   - carryOver: Seed from the latest earlier dataset.
//
// # Outputs
//
//   - dataset.Period: The created period.
//   - error: ErrDatasetIsActive, ErrDatasetExists, lock errors, or I/O errors.
func (s *Session) NewDataset(ctx context.Context, nextMonth, carryOver bool) (period dataset.Period, err error) {
	ctx, span := s.tracer.Start(ctx, "new")
	defer func() {
		s.tracer.End(span, period, err)
		s.metrics.recordOperation(ctx, "new", err)
	}()

	s.mu.Lock()
	period, err = s.newLocked(ctx, nextMonth, carryOver)
	s.mu.Unlock()
	if err != nil {
		return dataset.Period{}, err
	}

	s.publish(newEvent(EventCreated, period, s.now()))
	return period, nil
}

func (s *Session) newLocked(ctx context.Context, nextMonth, carryOver bool) (dataset.Period, error) {
	if s.active != nil {
		return dataset.Period{}, ErrDatasetIsActive
	}

	now := s.now()
	p := dataset.ResolvePeriod(now, nextMonth)
	if s.store.Layout().Exists(p) {
		return dataset.Period{}, ErrDatasetExists
	}

	ds := dataset.New(p)
	if carryOver {
		seeded, err := s.seed(ctx, p, now)
		if err != nil {
			return dataset.Period{}, err
		}
		if seeded != nil {
			ds = seeded
		}
	}

	h, err := s.store.Create(ds)
	if err != nil {
		if errors.Is(err, storage.ErrExists) {
			return dataset.Period{}, ErrDatasetExists
		}
		return dataset.Period{}, fmt.Errorf("creating dataset %s: %w", p, err)
	}

	s.install(ctx, ds, h, storage.OpenInfo{})
	LoggerWithTrace(ctx, s.logger).Info("Created dataset",
		"year", p.Year,
		"month", p.Month,
		"components", len(ds.Components),
		"meals", len(ds.Meals))
	return p, nil
}

// seed builds p's dataset from the latest earlier one, or returns nil if
// there is none.
func (s *Session) seed(ctx context.Context, p dataset.Period, now time.Time) (*dataset.Dataset, error) {
	prev, ok := registry.Scan(s.store.Layout(), now).Latest(p)
	if !ok {
		return nil, nil
	}

	src, err := s.store.Read(prev)
	if err != nil {
		return nil, fmt.Errorf("reading %s for carry-over: %w", prev, err)
	}

	ds, report := src.CarryOver(p)
	LoggerWithTrace(ctx, s.logger).Info("Seeded dataset from earlier period",
		"year", p.Year,
		"month", p.Month,
		"from", prev.String(),
		"purged", report.Total())
	return ds, nil
}

// OpenDataset loads the dataset file for (year, month).
//
// # Description
//
// A month outside 1..12 fails with ErrNoDataset before any file is touched.
// Otherwise the file pair is locked and decoded. A decoded period that
// differs from (year, month) sets OpenInfo.Mismatch but does not block the
// open. A non-empty scratch file is preserved and reported in
// OpenInfo.Recovery. On any failure the session stays Unloaded.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - year, month: Period to open.
//
// # Outputs
//
//   - storage.OpenInfo: Mismatch flag and recovery path.
//   - error: ErrNoDataset, ErrDatasetIsActive, lock errors, storage.ErrDecode, or I/O errors.
func (s *Session) OpenDataset(ctx context.Context, year, month int) (info storage.OpenInfo, err error) {
	p := dataset.Period{Year: year, Month: month}

	ctx, span := s.tracer.Start(ctx, "open")
	defer func() {
		s.tracer.End(span, p, err)
		s.metrics.recordOperation(ctx, "open", err)
	}()

	if !p.Valid() {
		return storage.OpenInfo{}, ErrNoDataset
	}

	s.mu.Lock()
	info, err = s.openLocked(ctx, p)
	s.mu.Unlock()
	if err != nil {
		return storage.OpenInfo{}, err
	}

	s.publish(newEvent(EventOpened, p, s.now()))
	return info, nil
}

func (s *Session) openLocked(ctx context.Context, p dataset.Period) (storage.OpenInfo, error) {
	if s.active != nil {
		return storage.OpenInfo{}, ErrDatasetIsActive
	}

	h, ds, info, err := s.store.Open(p)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return storage.OpenInfo{}, ErrNoDataset
		}
		return storage.OpenInfo{}, fmt.Errorf("opening dataset %s: %w", p, err)
	}

	s.install(ctx, ds, h, info)
	LoggerWithTrace(ctx, s.logger).Info("Opened dataset",
		"path", h.PrimaryPath(),
		"year", p.Year,
		"month", p.Month,
		"mismatch", info.Mismatch,
		"recovery", info.Recovery)
	return info, nil
}

// install enters the Loaded state (must be called with mu held).
func (s *Session) install(ctx context.Context, ds *dataset.Dataset, h *storage.Handle, info storage.OpenInfo) {
	l := &loaded{ds: ds, handle: h, info: info}
	s.active = l
	s.metrics.incLoaded(ctx)

	if s.watch {
		h.Watch(func(e lock.ExternalChangeEvent) {
			s.onExternalChange(l, e)
		})
	}
}

// onExternalChange flags the loaded dataset when its file changes behind
// the session's back. Writes that leave the file as the last save left it
// are this session's own.
func (s *Session) onExternalChange(l *loaded, e lock.ExternalChangeEvent) {
	s.mu.Lock()
	if s.active != l || l.externallyModified {
		s.mu.Unlock()
		return
	}
	if e.EventType == lock.ChangeWrite && !l.handle.Changed() {
		s.mu.Unlock()
		return
	}
	l.externallyModified = true
	p := l.handle.Period()
	s.mu.Unlock()

	change := e.EventType.String()
	s.metrics.recordExternalChange(context.Background(), change)
	s.logger.Warn("Dataset file modified externally",
		"path", e.Path,
		"change", change,
		"error", &lock.ExternalModificationError{Path: e.Path, ChangeType: e.EventType})

	ev := newEvent(EventExternalChange, p, s.now())
	ev.Detail = change
	s.publish(ev)
}

// Save durably writes the loaded dataset.
//
// # Description
//
// Runs the storage save protocol. On failure the session stays Loaded with
// the in-memory dataset intact, so the caller can retry.
//
// # Outputs
//
//   - error: ErrDatasetNotActive, storage.ErrEncode, or I/O errors.
func (s *Session) Save(ctx context.Context) (err error) {
	var p dataset.Period
	ctx, span := s.tracer.Start(ctx, "save")
	defer func() {
		s.tracer.End(span, p, err)
		s.metrics.recordOperation(ctx, "save", err)
	}()

	s.mu.Lock()
	l := s.active
	if l == nil {
		s.mu.Unlock()
		return ErrDatasetNotActive
	}
	p = l.handle.Period()

	start := time.Now()
	err = l.handle.Save(l.ds)
	s.metrics.recordSave(ctx, time.Since(start), err)
	if err == nil {
		l.externallyModified = false
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("saving dataset %s: %w", p, err)
	}

	LoggerWithTrace(ctx, s.logger).Info("Saved dataset", "year", p.Year, "month", p.Month)
	s.publish(newEvent(EventSaved, p, s.now()))
	return nil
}

// Close releases the loaded dataset and returns to Unloaded.
//
// Unsaved changes are discarded. Closing an Unloaded session is a no-op.
// Failures to release the locks are logged; the session is Unloaded
// afterwards regardless.
func (s *Session) Close() error {
	s.mu.Lock()
	l := s.active
	if l == nil {
		s.mu.Unlock()
		return nil
	}
	s.active = nil
	err := l.handle.Close()
	s.mu.Unlock()

	ctx := context.Background()
	s.metrics.decLoaded(ctx)
	s.metrics.recordOperation(ctx, "close", nil)

	p := l.handle.Period()
	if err != nil {
		s.logger.Warn("Failed to release dataset locks", "year", p.Year, "month", p.Month, "error", err)
	}
	s.logger.Info("Closed dataset", "year", p.Year, "month", p.Month)
	s.publish(newEvent(EventClosed, p, s.now()))
	return nil
}

// State reports the current state.
func (s *Session) State() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == nil {
		return Status{}
	}
	return Status{
		Loaded:             true,
		Period:             s.active.handle.Period(),
		Mismatch:           s.active.info.Mismatch,
		Recovery:           s.active.info.Recovery,
		ExternallyModified: s.active.externallyModified,
	}
}

// AvailableDatasets scans the store for existing periods.
//
// Does not take the session lock; the scan only stats files.
func (s *Session) AvailableDatasets() registry.Snapshot {
	return registry.Scan(s.store.Layout(), s.now())
}

// =============================================================================
// Entity operations
// =============================================================================

// GetComponents lists every component, tombstones included and marked.
func (s *Session) GetComponents() (map[uuid.UUID]dataset.ComponentView, error) {
	var out map[uuid.UUID]dataset.ComponentView
	err := s.read(func(ds *dataset.Dataset) {
		out = ds.ComponentViews()
	})
	return out, err
}

// GetMeals lists every meal, tombstones included and marked.
func (s *Session) GetMeals() (map[uuid.UUID]dataset.MealView, error) {
	var out map[uuid.UUID]dataset.MealView
	err := s.read(func(ds *dataset.Dataset) {
		out = ds.MealViews()
	})
	return out, err
}

// AddComponent adds a component. See dataset.Dataset.AddComponent.
func (s *Session) AddComponent(name string, variants, options []string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.mutate("add_component", func(ds *dataset.Dataset) (err error) {
		id, _, err = ds.AddComponent(name, variants, options)
		return err
	})
	return id, err
}

// AddVariant adds a variant. See dataset.Dataset.AddEntry.
func (s *Session) AddVariant(componentID uuid.UUID, name string) (uuid.UUID, error) {
	return s.addEntry("add_variant", dataset.KindVariant, componentID, name)
}

// AddOption adds an option. See dataset.Dataset.AddEntry.
func (s *Session) AddOption(componentID uuid.UUID, name string) (uuid.UUID, error) {
	return s.addEntry("add_option", dataset.KindOption, componentID, name)
}

func (s *Session) addEntry(op string, kind dataset.Kind, componentID uuid.UUID, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.mutate(op, func(ds *dataset.Dataset) (err error) {
		id, _, err = ds.AddEntry(kind, componentID, name)
		return err
	})
	return id, err
}

// RemoveVariant removes or schedules removal of a variant.
// See dataset.Dataset.RemoveEntry.
func (s *Session) RemoveVariant(componentID, variantID uuid.UUID) (bool, error) {
	return s.removeEntry("remove_variant", dataset.KindVariant, componentID, variantID)
}

// RemoveOption removes or schedules removal of an option.
// See dataset.Dataset.RemoveEntry.
func (s *Session) RemoveOption(componentID, optionID uuid.UUID) (bool, error) {
	return s.removeEntry("remove_option", dataset.KindOption, componentID, optionID)
}

func (s *Session) removeEntry(op string, kind dataset.Kind, componentID, entryID uuid.UUID) (bool, error) {
	var scheduled bool
	err := s.mutate(op, func(ds *dataset.Dataset) (err error) {
		scheduled, err = ds.RemoveEntry(kind, componentID, entryID)
		return err
	})
	if err == nil {
		s.metrics.recordRemoval(context.Background(), kind.String(), scheduled)
	}
	return scheduled, err
}

// AddMeal adds a meal. See dataset.Dataset.AddMeal.
func (s *Session) AddMeal(name, short string, components map[uuid.UUID]*uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.mutate("add_meal", func(ds *dataset.Dataset) (err error) {
		id, _, err = ds.AddMeal(name, short, components)
		return err
	})
	return id, err
}

// RemoveMeal tombstones a meal. The result is always scheduled.
func (s *Session) RemoveMeal(mealID uuid.UUID) (bool, error) {
	var scheduled bool
	err := s.mutate("remove_meal", func(ds *dataset.Dataset) (err error) {
		scheduled, err = ds.RemoveMeal(mealID)
		return err
	})
	if err == nil {
		s.metrics.recordRemoval(context.Background(), "meal", scheduled)
	}
	return scheduled, err
}

// read runs fn under the read lock.
func (s *Session) read(fn func(ds *dataset.Dataset)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == nil {
		return ErrDatasetNotActive
	}
	fn(s.active.ds)
	return nil
}

// mutate runs fn under the write lock and counts the operation.
func (s *Session) mutate(op string, fn func(ds *dataset.Dataset) error) error {
	s.mu.Lock()
	var err error
	if s.active == nil {
		err = ErrDatasetNotActive
	} else {
		err = fn(s.active.ds)
	}
	s.mu.Unlock()

	s.metrics.recordOperation(context.Background(), op, err)
	return err
}
