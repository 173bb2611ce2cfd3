// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package source fetches submission snapshots from roster sources.
//
// A pass asks every trusted source for its current view of submissions.
// Sources are independent nodes over unreliable networks, so the
// collector treats every per-source failure the same way: log it and
// substitute an empty contribution. One dead source never blocks or
// fails a pass.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/roster"
)

var tracer = otel.Tracer("arbiter.source")

const (
	// DefaultConcurrency bounds how many sources are fetched at once.
	DefaultConcurrency = 8

	// DefaultPerSourceTimeout bounds one snapshot fetch. Slow sources
	// degrade to empty contributions instead of stretching the pass.
	DefaultPerSourceTimeout = 30 * time.Second
)

// snapshotRequest asks a source for its view of the given categories.
type snapshotRequest struct {
	Categories []string `json:"categories"`
}

// snapshotResponse is the wire shape a source serves: a flat record
// list, grouped locally by entity and category.
type snapshotResponse struct {
	Records []*datatypes.CommitRecord `json:"records"`
}

// Client fetches a snapshot from a single source endpoint.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a snapshot client. The HTTP client carries no
// timeout of its own; the collector applies a per-fetch deadline.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Fetch retrieves one source's snapshot.
//
// # Inputs
//
//   - ctx: carries the per-fetch deadline.
//   - src: the roster source, key and endpoint.
//   - categories: the category names the caller wants reported.
//
// # Outputs
//
//   - SourceSnapshot: the grouped view. Records with no category are
//     dropped; duplicate (entity, category) rows overwrite earlier ones.
//   - error: non-nil on transport, status, or decode failure. The
//     caller substitutes an empty contribution.
func (c *Client) Fetch(ctx context.Context, src roster.Source, categories []string) (datatypes.SourceSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Source.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("source.key", src.Key.String()))

	payload, err := json.Marshal(snapshotRequest{Categories: categories})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.SourceSnapshot{}, fmt.Errorf("marshaling snapshot request: %w", err)
	}

	url := src.Endpoint + "/arbiter/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.SourceSnapshot{}, fmt.Errorf("building snapshot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.SourceSnapshot{}, fmt.Errorf("snapshot fetch from %s failed: %w", src.Key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.SourceSnapshot{}, fmt.Errorf("reading snapshot from %s: %w", src.Key, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("source %s returned status %d: %s", src.Key, resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.SourceSnapshot{}, err
	}

	var parsed snapshotResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return datatypes.SourceSnapshot{}, fmt.Errorf("parsing snapshot from %s: %w", src.Key, err)
	}

	snap := datatypes.SourceSnapshot{
		Source:  src.Key,
		Records: make(map[datatypes.EntityKey]map[string]*datatypes.CommitRecord),
	}
	dropped := 0
	for _, rec := range parsed.Records {
		if rec == nil || rec.Category == "" {
			dropped++
			continue
		}
		entity := rec.Entity()
		byCategory, ok := snap.Records[entity]
		if !ok {
			byCategory = make(map[string]*datatypes.CommitRecord)
			snap.Records[entity] = byCategory
		}
		byCategory[rec.Category] = rec
	}
	if dropped > 0 {
		c.logger.Debug("dropped malformed snapshot rows", "source", src.Key, "dropped", dropped)
	}

	span.SetAttributes(attribute.Int("snapshot.records", snap.Len()))
	return snap, nil
}

// Collector fans snapshot fetches out across sources.
type Collector struct {
	client      *Client
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

// CollectorConfig configures the fan-out.
type CollectorConfig struct {
	Concurrency      int
	PerSourceTimeout time.Duration
}

// NewCollector builds a collector. Zero config fields fall back to the
// package defaults.
func NewCollector(client *Client, cfg CollectorConfig, logger *slog.Logger) *Collector {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	timeout := cfg.PerSourceTimeout
	if timeout <= 0 {
		timeout = DefaultPerSourceTimeout
	}
	return &Collector{
		client:      client,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
	}
}

// Collect fetches snapshots from every source concurrently.
//
// The returned slice is position-aligned with sources: slot i is source
// i's snapshot, or its empty contribution when the fetch failed. Collect
// itself never fails; only ctx cancellation cuts it short, and even then
// every slot is a valid (possibly empty) snapshot.
func (c *Collector) Collect(ctx context.Context, sources []roster.Source, categories []string) []datatypes.SourceSnapshot {
	ctx, span := tracer.Start(ctx, "Collector.Collect")
	defer span.End()
	span.SetAttributes(attribute.Int("sources.total", len(sources)))

	results := make([]datatypes.SourceSnapshot, len(sources))
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)

	for i, src := range sources {
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			snap, err := c.client.Fetch(fetchCtx, src, categories)
			if err != nil {
				c.logger.Warn("source snapshot failed, contributing empty",
					"source", src.Key.String(), "error", err)
				results[i] = datatypes.EmptySnapshot(src.Key)
				return nil
			}
			results[i] = snap
			return nil
		})
	}
	g.Wait()

	total := 0
	failed := 0
	for _, snap := range results {
		n := snap.Len()
		total += n
		if n == 0 {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("snapshot.records_total", total))
	c.logger.Info("snapshots collected",
		"sources", len(sources), "empty", failed, "records", total)
	return results
}
