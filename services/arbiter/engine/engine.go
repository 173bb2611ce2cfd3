// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine defines the evaluation engine contract and ships the
// HTTP adapter.
//
// An engine is constructed per category per pass and runs exactly once.
// Run blocks for the whole evaluation, however long that takes; there
// is deliberately no internal deadline. Scoring a category can run for
// minutes, and cutting it off half-done would waste the whole run. The
// only way to stop an engine early is cancelling its context.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

var tracer = otel.Tracer("arbiter.engine")

// Params carries everything one engine run needs.
type Params struct {
	// Category being evaluated.
	Category string

	// Records are the newly revealed submissions to score. Run mutates
	// them in place: scoring logs, comparison logs, score, penalty,
	// accepted.
	Records []*datatypes.CommitRecord

	// References is the advisory pool of previously scored submissions
	// the engine may compare against.
	References []*datatypes.CommitRecord

	// SeedInputs are input payloads from earlier evaluations, so the
	// engine can rerun known cases instead of generating fresh ones.
	SeedInputs []json.RawMessage
}

// Engine scores one category's new records.
type Engine interface {
	// Run blocks until the evaluation finishes or ctx is cancelled.
	// On success the params records carry their results.
	Run(ctx context.Context) error
}

// Factory builds an engine for one category run.
type Factory func(params Params) Engine

// =============================================================================
// HTTP adapter
// =============================================================================

type runRequest struct {
	Category   string                    `json:"category"`
	Records    []*datatypes.CommitRecord `json:"records"`
	References []*datatypes.CommitRecord `json:"references,omitempty"`
	SeedInputs []json.RawMessage         `json:"seed_inputs,omitempty"`
}

type runResult struct {
	ContentID      string                               `json:"content_id"`
	ScoringLogs    []datatypes.ScoringLog               `json:"scoring_logs,omitempty"`
	ComparisonLogs map[string][]datatypes.ComparisonLog `json:"comparison_logs,omitempty"`
	Score          float64                              `json:"score"`
	Penalty        float64                              `json:"penalty"`
	Accepted       bool                                 `json:"accepted"`
}

type runResponse struct {
	Results []runResult `json:"results"`
}

// httpEngine posts a run to a category's evaluator endpoint and folds
// the results back into the records.
type httpEngine struct {
	httpClient *http.Client
	endpoint   string
	params     Params
	logger     *slog.Logger
}

// HTTPFactory returns a Factory bound to one evaluator endpoint.
//
// The underlying client carries no timeout; the run lives and dies with
// its context.
func HTTPFactory(endpoint string, logger *slog.Logger) Factory {
	client := &http.Client{}
	return func(params Params) Engine {
		return &httpEngine{
			httpClient: client,
			endpoint:   endpoint,
			params:     params,
			logger:     logger,
		}
	}
}

// Run implements Engine.
func (e *httpEngine) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Engine.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("category", e.params.Category),
		attribute.Int("records", len(e.params.Records)),
		attribute.Int("references", len(e.params.References)),
		attribute.Int("seed_inputs", len(e.params.SeedInputs)),
	)

	payload, err := json.Marshal(runRequest{
		Category:   e.params.Category,
		Records:    e.params.Records,
		References: e.params.References,
		SeedInputs: e.params.SeedInputs,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshaling engine request: %w", err)
	}

	url := e.endpoint + "/arbiter/evaluate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("building engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("engine call for %s failed: %w", e.params.Category, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reading engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("engine for %s returned status %d: %s",
			e.params.Category, resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var parsed runResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("parsing engine response: %w", err)
	}

	e.fold(parsed.Results)
	return nil
}

// fold writes the engine's results back onto the records, matched by
// content identity. Records the engine returned nothing for are left
// untouched; they will show up as new again next pass.
func (e *httpEngine) fold(results []runResult) {
	byID := make(map[string]runResult, len(results))
	for _, res := range results {
		if res.ContentID != "" {
			byID[res.ContentID] = res
		}
	}

	unscored := 0
	for _, rec := range e.params.Records {
		res, ok := byID[rec.ContentID]
		if !ok {
			unscored++
			continue
		}
		rec.ScoringLogs = res.ScoringLogs
		rec.ComparisonLogs = res.ComparisonLogs
		rec.Score = res.Score
		rec.Penalty = res.Penalty
		rec.Accepted = res.Accepted
	}
	if unscored > 0 {
		e.logger.Warn("engine returned no result for some records",
			"category", e.params.Category, "unscored", unscored)
	}
}
