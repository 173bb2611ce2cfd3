// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package arbiter drives the submission scoring pipeline: collecting
// source snapshots, reconciling them into a canonical state, filtering
// newly revealed work, and dispatching it to per-category scoring
// engines on a fixed epoch cadence.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/dispatch"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/engine"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/reconcile"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/registry"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/resultcache"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/reveal"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/roster"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/source"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/storage"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/telemetry"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/tracker"
)

const tracerName = "arbiter.service"

// Options holds tunables for the service loop.
type Options struct {
	// Epoch is the pass cadence.
	Epoch time.Duration

	// ShutdownJoin bounds how long Stop waits for an in-flight pass.
	ShutdownJoin time.Duration

	// WarmStartLimit caps per-category results seeded into the cache
	// at startup.
	WarmStartLimit int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Epoch:          5 * time.Minute,
		ShutdownJoin:   5 * time.Second,
		WarmStartLimit: resultcache.DefaultMaxPerCategory,
	}
}

// Deps collects the service's collaborators.
type Deps struct {
	Registry  *registry.Registry
	Roster    *roster.Client
	Collector *source.Collector
	Cache     *resultcache.Cache
	Store     *storage.Manager

	// Metrics may be nil when the meter provider is disabled.
	Metrics *telemetry.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// PassSummary is the outcome of one scoring pass, retained for the
// status surface and folded into the published state export.
type PassSummary struct {
	PassID    string    `json:"pass_id"`
	StartedAt time.Time `json:"started_at"`
	Duration  float64   `json:"duration_seconds"`

	Sources  int             `json:"sources"`
	Entities int             `json:"entities"`
	Records  int             `json:"records"`
	Merge    reconcile.Stats `json:"merge"`

	Revealed int `json:"revealed"`
	Existing int `json:"existing"`
	Skipped  int `json:"skipped"`

	// Categories maps category name to its dispatch outcome. Categories
	// with no revealed work in this pass are absent.
	Categories map[string]dispatch.Outcome `json:"categories"`

	ScoresUploaded int `json:"scores_uploaded"`
	ScoresDropped  int `json:"scores_dropped"`

	// Error is set when the pass aborted before finishing all
	// categories. Earlier categories remain persisted.
	Error string `json:"error,omitempty"`
}

// StateExport is the consolidated, externally readable view of the
// arbiter: public standings per category, the last pass outcome, and
// cache occupancy. Published to remote storage after each pass and
// served from the HTTP surface.
type StateExport struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Pass        *PassSummary      `json:"pass,omitempty"`
	Categories  []tracker.State   `json:"categories"`
	Cache       resultcache.Stats `json:"cache"`
}

// Service is the pass supervisor.
//
// # Description
//
// Owns the canonical state, the per-category trackers, and the pass
// worker lifecycle. One supervisor goroutine ticks on the epoch; each
// tick refreshes the roster and, when no pass worker is active, starts
// one. Worker panics are recovered; the supervisor schedules a fresh
// pass on the next tick.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. The canonical
// state and trackers are mutated only by the active pass worker; the
// HTTP surface reads them through snapshot accessors.
type Service struct {
	opts Options

	registry   *registry.Registry
	roster     *roster.Client
	collector  *source.Collector
	cache      *resultcache.Cache
	store      *storage.Manager
	dispatcher *dispatch.Dispatcher
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	mu         sync.Mutex
	running    bool
	done       chan struct{}
	workerDone chan struct{}

	// stateMu guards the snapshot state read by the HTTP surface.
	stateMu    sync.RWMutex
	canonical  *datatypes.CanonicalState
	trackers   map[string]tracker.Tracker
	lastPass   *PassSummary
	lastExport *StateExport
	ready      bool

	// factories and maxRefs are touched only by Start and the pass
	// worker, never concurrently.
	factories map[string]engine.Factory
	maxRefs   map[string]int
}

// New builds a Service from its collaborators.
func New(opts Options, deps Deps) (*Service, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Roster == nil {
		return nil, fmt.Errorf("roster client is required")
	}
	if deps.Collector == nil {
		return nil, fmt.Errorf("source collector is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("result cache is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("storage manager is required")
	}
	if opts.Epoch <= 0 {
		opts.Epoch = DefaultOptions().Epoch
	}
	if opts.ShutdownJoin <= 0 {
		opts.ShutdownJoin = DefaultOptions().ShutdownJoin
	}
	if opts.WarmStartLimit <= 0 {
		opts.WarmStartLimit = DefaultOptions().WarmStartLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		opts:       opts,
		registry:   deps.Registry,
		roster:     deps.Roster,
		collector:  deps.Collector,
		cache:      deps.Cache,
		store:      deps.Store,
		dispatcher: dispatch.New(deps.Cache, deps.Store, logger),
		metrics:    deps.Metrics,
		logger:     logger,
		canonical:  datatypes.NewCanonicalState(),
		trackers:   make(map[string]tracker.Tracker),
		factories:  make(map[string]engine.Factory),
		maxRefs:    make(map[string]int),
	}, nil
}

// Start performs warm start and launches the supervisor loop.
//
// # Description
//
// Synchronizes the category set from the registry, attempts an initial
// roster refresh, seeds the result cache from durable storage, repairs
// local store inconsistencies, and then starts the epoch loop. The
// service reports ready once Start returns.
//
// # Inputs
//
//   - ctx: Context governing the loop and every pass. Cancelling it
//     stops the loop and aborts an in-flight pass.
//
// # Outputs
//
//   - error: ErrAlreadyRunning if the loop is active.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{}) // reset for restart
	s.mu.Unlock()

	categories := s.syncCategories()

	if err := s.roster.Refresh(ctx); err != nil {
		s.logger.Warn("initial roster refresh failed, first pass may see no sources",
			"error", err)
	}

	s.warmStart(ctx, categories)

	s.stateMu.Lock()
	s.ready = true
	s.stateMu.Unlock()

	s.logger.Info("arbiter service starting",
		"epoch", s.opts.Epoch.String(),
		"categories", len(categories),
		"roster_entities", s.roster.Size(),
	)

	go s.runLoop(ctx)
	return nil
}

// Stop closes the supervisor loop and joins an in-flight pass.
//
// # Description
//
// Signals the loop to exit, then waits up to ShutdownJoin for the
// current pass worker. A worker still running after the join bound is
// abandoned with a warning; its context is expected to be cancelled by
// the caller right after Stop returns.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	close(s.done)
	s.running = false
	wd := s.workerDone
	s.mu.Unlock()

	if wd != nil {
		select {
		case <-wd:
		case <-time.After(s.opts.ShutdownJoin):
			s.logger.Warn("in-flight pass did not finish within the shutdown join",
				"join", s.opts.ShutdownJoin.String())
		}
	}

	s.logger.Info("arbiter service stopped")
	return nil
}

// RunNow executes a single pass synchronously.
//
// # Description
//
// Runs one full pass on the caller's goroutine, outside the epoch
// cadence. Intended for manual invocation and tests; the supervisor
// loop never calls it.
func (s *Service) RunNow(ctx context.Context) (PassSummary, error) {
	return s.runPass(ctx)
}

// Ready reports whether warm start has completed.
func (s *Service) Ready() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.ready
}

// Running reports whether the supervisor loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastPass returns the most recent pass summary, or nil before the
// first pass completes.
func (s *Service) LastPass() *PassSummary {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.lastPass == nil {
		return nil
	}
	cp := *s.lastPass
	return &cp
}

// ExportState returns the consolidated public state.
//
// # Description
//
// Serves the export retained from the last pass when one exists;
// otherwise builds a fresh snapshot of the current standings. The
// returned value is a point-in-time copy, never a live view.
func (s *Service) ExportState() StateExport {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.lastExport != nil {
		return *s.lastExport
	}
	return s.buildExportLocked(nil)
}

// CacheStats returns result cache occupancy and traffic counters.
func (s *Service) CacheStats() resultcache.Stats {
	return s.cache.Stats()
}

// CategoryCount returns the number of categories currently tracked.
func (s *Service) CategoryCount() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return len(s.trackers)
}

// RosterSize returns the number of entities in the validity roster.
func (s *Service) RosterSize() int {
	return s.roster.Size()
}

// runLoop is the supervisor goroutine.
//
// Each tick refreshes the roster and starts a pass worker unless the
// previous one is still active. Roster and pass failures are isolated
// from each other.
func (s *Service) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Epoch)
	defer ticker.Stop()

	// First pass immediately on start.
	s.spawnPass(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("arbiter loop stopped (context cancelled)")
			return
		case <-s.done:
			s.logger.Info("arbiter loop stopped (stop requested)")
			return
		case <-ticker.C:
			if err := s.roster.Refresh(ctx); err != nil {
				s.logger.Warn("roster resync failed", "error", err)
			}
			if s.workerActive() {
				s.logger.Warn("previous pass still running, skipping this epoch")
				continue
			}
			s.spawnPass(ctx)
		}
	}
}

// spawnPass starts a pass worker and tracks its completion channel.
func (s *Service) spawnPass(ctx context.Context) {
	done := make(chan struct{})
	s.mu.Lock()
	s.workerDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("pass worker panicked",
					"panic", r,
					"stack", string(debug.Stack()),
				)
				s.countPass(context.Background(), "panic")
			}
		}()
		if _, err := s.runPass(ctx); err != nil {
			s.logger.Error("pass failed", "error", err)
		}
	}()
}

// workerActive reports whether the last spawned worker is still running.
func (s *Service) workerActive() bool {
	s.mu.Lock()
	wd := s.workerDone
	s.mu.Unlock()
	if wd == nil {
		return false
	}
	select {
	case <-wd:
		return false
	default:
		return true
	}
}

// runPass executes the scoring pipeline once.
//
// # Description
//
// Steps, in order: sync the category set from the registry; collect
// snapshots from valid sources; merge into the next canonical state and
// swap it in; refresh tracker participants; filter newly revealed work;
// dispatch each category ascending, persisting records and uploading
// scores per category before moving on; publish the consolidated
// export. A dispatch or persist failure aborts the remaining categories
// but keeps everything already persisted.
func (s *Service) runPass(ctx context.Context) (PassSummary, error) {
	passID := uuid.NewString()
	logger := s.logger.With("pass_id", passID)
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, tracerName, "Service.runPass",
		trace.WithAttributes(attribute.String("pass_id", passID)))
	defer span.End()

	summary := PassSummary{
		PassID:     passID,
		StartedAt:  start,
		Categories: make(map[string]dispatch.Outcome),
	}

	// (a) category set
	categories := s.syncCategories()

	// (b) source snapshots
	sources := s.roster.Sources()
	summary.Sources = len(sources)
	snapshots := s.collector.Collect(ctx, sources, categories)

	// (c) reconcile and swap
	s.stateMu.RLock()
	prev := s.canonical
	s.stateMu.RUnlock()

	next, mergeStats := reconcile.Merge(prev, snapshots, s.roster.HasEntity)
	summary.Merge = mergeStats
	summary.Entities = next.Entities()
	summary.Records = next.Len()

	s.stateMu.Lock()
	s.canonical = next
	s.stateMu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordsReconciled.Add(ctx, int64(next.Len()))
	}

	// (d) participant refresh
	for _, category := range categories {
		if tr := s.trackerFor(category); tr != nil {
			tr.UpdateParticipants(next.CategoryRecords(category))
		}
	}

	// (e) reveal filter
	outcome := reveal.Partition(next, func(category string) map[string]bool {
		if tr := s.trackerFor(category); tr != nil {
			return tr.ScoredContentIDs()
		}
		return nil
	})
	summary.Revealed = len(outcome.Revealed)
	summary.Existing = len(outcome.Existing)
	summary.Skipped = len(outcome.Skipped)
	s.countReveal(ctx, outcome)

	// (f) per-category dispatch, ascending, partial durability
	passErr := s.dispatchCategories(ctx, logger, categories, outcome, &summary)
	if passErr != nil {
		summary.Error = passErr.Error()
		telemetry.RecordError(span, passErr)
	} else {
		telemetry.SetSpanOK(span)
	}

	// Existing identities with a cached result replay their evidence
	// onto the canonical record, covering resubmitted content and the
	// warm-started cache. No score credit moves here; the tracker only
	// credits dispatched work.
	if replayed := s.replayCachedResults(next); replayed > 0 {
		logger.Debug("cached results replayed onto canonical records", "replayed", replayed)
	}

	summary.Duration = time.Since(start).Seconds()

	// (g) consolidated export: publish and retain
	s.stateMu.Lock()
	s.lastPass = &summary
	export := s.buildExportLocked(&summary)
	s.lastExport = &export
	s.stateMu.Unlock()

	if err := s.store.PublishState(ctx, export); err != nil {
		logger.Warn("state export publish failed", "error", err)
	}

	span.SetAttributes(
		attribute.Int("records", summary.Records),
		attribute.Int("revealed", summary.Revealed),
		attribute.Int("scores_uploaded", summary.ScoresUploaded),
	)

	status := "success"
	if passErr != nil {
		status = "error"
	}
	s.countPass(ctx, status)
	if s.metrics != nil {
		s.metrics.PassDuration.Record(ctx, summary.Duration)
	}

	logger.Info("pass complete",
		"status", status,
		"duration_s", summary.Duration,
		"sources", summary.Sources,
		"entities", summary.Entities,
		"records", summary.Records,
		"revealed", summary.Revealed,
		"existing", summary.Existing,
		"skipped", summary.Skipped,
		"scores_uploaded", summary.ScoresUploaded,
		"scores_dropped", summary.ScoresDropped,
	)

	return summary, passErr
}

// dispatchCategories runs step (f): each category with revealed work,
// in ascending name order, scored then persisted then uploaded before
// the next category starts.
func (s *Service) dispatchCategories(ctx context.Context, logger *slog.Logger,
	categories []string, outcome reveal.Outcome, summary *PassSummary) error {

	for _, category := range categories {
		revealed := outcome.ByCategory[category]
		if len(revealed) == 0 {
			continue
		}
		tr := s.trackerFor(category)
		factory := s.factories[category]
		if tr == nil || factory == nil {
			logger.Warn("revealed work for unregistered category, skipping",
				"category", category, "records", len(revealed))
			continue
		}

		runStart := time.Now()
		out, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
			Category:      category,
			Revealed:      revealed,
			Tracker:       tr,
			Factory:       factory,
			MaxReferences: s.maxRefs[category],
		})
		s.countEngineRun(ctx, category, time.Since(runStart), err, out.NewScored)
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", category, err)
		}
		summary.Categories[category] = out

		if err := s.store.PersistRecords(ctx, category, revealed); err != nil {
			return fmt.Errorf("persist %s: %w", category, err)
		}

		attempted := scorable(revealed)
		dropped, err := s.store.UploadScores(ctx, category, revealed)
		if err != nil {
			return fmt.Errorf("upload scores %s: %w", category, err)
		}
		summary.ScoresUploaded += attempted - dropped
		summary.ScoresDropped += dropped
		s.countScores(ctx, attempted-dropped, dropped)
	}
	return nil
}

// syncCategories reconciles the in-memory category set with the
// registry: new categories get a cache shard, a tracker, and an engine
// factory; engine endpoints and reference caps follow registry edits.
// Returns the active category names ascending.
func (s *Service) syncCategories() []string {
	active := s.registry.Active()
	names := make([]string, 0, len(active))

	s.stateMu.Lock()
	for _, cat := range active {
		names = append(names, cat.Name)
		s.cache.EnsureCategory(cat.Name)
		if _, ok := s.trackers[cat.Name]; !ok {
			s.trackers[cat.Name] = tracker.NewStandings(cat.Name)
		}
		s.factories[cat.Name] = engine.HTTPFactory(cat.EngineURL, s.logger)
		s.maxRefs[cat.Name] = cat.MaxReferences
	}
	s.stateMu.Unlock()

	sort.Strings(names)
	return names
}

// warmStart seeds the result cache from durable storage and repairs
// the local store. Warm start is best effort and never blocks startup.
// Trackers are not touched here; the first pass rebuilds the scored
// sets through the dispatcher's cache-hit path.
func (s *Service) warmStart(ctx context.Context, categories []string) {
	seeded := 0
	for category, results := range s.store.WarmStart(ctx, categories, s.opts.WarmStartLimit) {
		for contentID, res := range results {
			s.cache.Set(category, contentID, res)
			seeded++
		}
	}

	repaired, deleted := 0, 0
	for _, category := range categories {
		cat := category
		r, d, err := s.store.Repair(ctx, cat, func(contentID string) (datatypes.CachedResult, bool) {
			return s.cache.Get(cat, contentID)
		})
		if err != nil {
			s.logger.Warn("storage repair failed", "category", cat, "error", err)
			continue
		}
		repaired += r
		deleted += d
	}

	s.logger.Info("warm start complete",
		"seeded", seeded,
		"repaired", repaired,
		"deleted", deleted,
	)
}

// replayCachedResults copies cached evaluation evidence onto canonical
// records that carry a known content identity but no scoring logs:
// resubmissions of already-evaluated content and records restored by
// warm start. Returns how many records were populated.
func (s *Service) replayCachedResults(state *datatypes.CanonicalState) int {
	replayed := 0
	state.ForEach(func(_ datatypes.EntityKey, category string, rec *datatypes.CommitRecord) {
		if rec.ContentID == "" || len(rec.ScoringLogs) > 0 {
			return
		}
		res, ok := s.cache.Get(category, rec.ContentID)
		if !ok {
			return
		}
		rec.ApplyResult(res)
		replayed++
	})
	return replayed
}

// trackerFor returns the category tracker, or nil when unknown.
func (s *Service) trackerFor(category string) tracker.Tracker {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.trackers[category]
}

// buildExportLocked assembles the public state export. Caller holds
// stateMu (read or write).
func (s *Service) buildExportLocked(pass *PassSummary) StateExport {
	names := make([]string, 0, len(s.trackers))
	for name := range s.trackers {
		names = append(names, name)
	}
	sort.Strings(names)

	states := make([]tracker.State, 0, len(names))
	for _, name := range names {
		states = append(states, s.trackers[name].ExportState(true))
	}

	return StateExport{
		GeneratedAt: time.Now().UTC(),
		Pass:        pass,
		Categories:  states,
		Cache:       s.cache.Stats(),
	}
}

// scorable counts records carrying uploadable evaluation evidence.
func scorable(records []*datatypes.CommitRecord) int {
	n := 0
	for _, rec := range records {
		if rec != nil && rec.ContentID != "" && len(rec.ScoringLogs) > 0 {
			n++
		}
	}
	return n
}

func (s *Service) countPass(ctx context.Context, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.PassesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (s *Service) countReveal(ctx context.Context, outcome reveal.Outcome) {
	if s.metrics == nil {
		return
	}
	add := func(kind string, n int) {
		if n == 0 {
			return
		}
		s.metrics.RevealOutcomesTotal.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("outcome", kind),
		))
	}
	add(reveal.ClassRevealed, len(outcome.Revealed))
	add(reveal.ClassExisting, len(outcome.Existing))
	add(reveal.ClassSkipped, len(outcome.Skipped))
}

func (s *Service) countEngineRun(ctx context.Context, category string, d time.Duration, err error, newScored int) {
	if s.metrics == nil {
		return
	}
	if newScored > 0 || err != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.EngineRunsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("category", category),
			attribute.String("status", status),
		))
		s.metrics.EngineRunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("category", category),
		))
	}
}

func (s *Service) countScores(ctx context.Context, uploaded, dropped int) {
	if s.metrics == nil {
		return
	}
	if uploaded > 0 {
		s.metrics.ScoresUploadedTotal.Add(ctx, int64(uploaded))
	}
	if dropped > 0 {
		s.metrics.ScoresDroppedTotal.Add(ctx, int64(dropped))
	}
}
