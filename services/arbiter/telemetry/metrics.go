// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the Aleutian Arbiter service.
//
// Description:
//
//	Provides standard counters, histograms, and gauges for scoring passes,
//	reveal filtering, result caching, engine runs, and score uploads.
//	All metrics use the "arbiter_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Pass Metrics ---

	// PassesTotal counts completed scoring passes by status.
	PassesTotal metric.Int64Counter

	// PassDuration records scoring pass duration in seconds.
	PassDuration metric.Float64Histogram

	// RecordsReconciled counts records surviving commit reconciliation per pass.
	RecordsReconciled metric.Int64Counter

	// --- Reveal Metrics ---

	// RevealOutcomesTotal counts reveal filter outcomes by kind
	// (revealed, existing, skipped).
	RevealOutcomesTotal metric.Int64Counter

	// --- Cache Metrics ---

	// CacheHitsTotal counts result cache hits by category.
	CacheHitsTotal metric.Int64Counter

	// CacheMissesTotal counts result cache misses by category.
	CacheMissesTotal metric.Int64Counter

	// CacheEntries tracks the number of cached results across all categories.
	CacheEntries metric.Int64ObservableGauge

	// --- Engine Metrics ---

	// EngineRunsTotal counts scoring engine invocations by category and status.
	EngineRunsTotal metric.Int64Counter

	// EngineRunDuration records scoring engine run duration in seconds.
	EngineRunDuration metric.Float64Histogram

	// --- Storage Metrics ---

	// ScoresUploadedTotal counts score entries accepted by remote storage.
	ScoresUploadedTotal metric.Int64Counter

	// ScoresDroppedTotal counts score entries dropped after retry exhaustion.
	ScoresDroppedTotal metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts total errors by component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	meter := otel.Meter("arbiter")
//	metrics, err := telemetry.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.PassesTotal.Add(ctx, 1, ...)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Pass Metrics ---
	m.PassesTotal, err = meter.Int64Counter(
		"arbiter_passes_total",
		metric.WithDescription("Total scoring passes by status"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create passes_total: %w", err)
	}

	m.PassDuration, err = meter.Float64Histogram(
		"arbiter_pass_duration_seconds",
		metric.WithDescription("Scoring pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create pass_duration: %w", err)
	}

	m.RecordsReconciled, err = meter.Int64Counter(
		"arbiter_records_reconciled_total",
		metric.WithDescription("Records surviving commit reconciliation"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create records_reconciled: %w", err)
	}

	// --- Reveal Metrics ---
	m.RevealOutcomesTotal, err = meter.Int64Counter(
		"arbiter_reveal_outcomes_total",
		metric.WithDescription("Reveal filter outcomes by kind"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reveal_outcomes_total: %w", err)
	}

	// --- Cache Metrics ---
	m.CacheHitsTotal, err = meter.Int64Counter(
		"arbiter_cache_hits_total",
		metric.WithDescription("Result cache hits"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_hits_total: %w", err)
	}

	m.CacheMissesTotal, err = meter.Int64Counter(
		"arbiter_cache_misses_total",
		metric.WithDescription("Result cache misses"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_misses_total: %w", err)
	}

	// Note: CacheEntries requires a callback registration, handled separately

	// --- Engine Metrics ---
	m.EngineRunsTotal, err = meter.Int64Counter(
		"arbiter_engine_runs_total",
		metric.WithDescription("Scoring engine invocations by category and status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create engine_runs_total: %w", err)
	}

	m.EngineRunDuration, err = meter.Float64Histogram(
		"arbiter_engine_run_duration_seconds",
		metric.WithDescription("Scoring engine run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create engine_run_duration: %w", err)
	}

	// --- Storage Metrics ---
	m.ScoresUploadedTotal, err = meter.Int64Counter(
		"arbiter_scores_uploaded_total",
		metric.WithDescription("Score entries accepted by remote storage"),
		metric.WithUnit("{score}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scores_uploaded_total: %w", err)
	}

	m.ScoresDroppedTotal, err = meter.Int64Counter(
		"arbiter_scores_dropped_total",
		metric.WithDescription("Score entries dropped after retry exhaustion"),
		metric.WithUnit("{score}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scores_dropped_total: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"arbiter_errors_total",
		metric.WithDescription("Total errors by component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterCacheEntries registers a callback for the cache entries gauge.
//
// Description:
//
//	Sets up an observable gauge that reports the total number of cached
//	results. The callback is invoked each time metrics are scraped.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	sizeFunc - A function that returns the current total cache entry count.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterCacheEntries(meter metric.Meter, sizeFunc func() int64) (metric.Registration, error) {
	var err error
	m.CacheEntries, err = meter.Int64ObservableGauge(
		"arbiter_cache_entries",
		metric.WithDescription("Cached scoring results across all categories"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_entries: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.CacheEntries, sizeFunc())
		return nil
	}, m.CacheEntries)
}
