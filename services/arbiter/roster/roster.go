// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package roster tracks the authoritative set of participating
// entities and the subset trusted to serve submission snapshots.
//
// The roster is fetched from an external roster service and refreshed
// once per pass cycle. A failed refresh keeps the previous roster; the
// arbiter would rather run a pass against a slightly stale entity set
// than against no entity set.
package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

var tracer = otel.Tracer("arbiter.roster")

// Source is an entity the arbiter pulls snapshots from.
type Source struct {
	Key      datatypes.EntityKey
	Endpoint string
}

// Entry is one roster row as served by the roster service.
type Entry struct {
	UID      int     `json:"uid"`
	PubKey   string  `json:"pubkey"`
	Weight   float64 `json:"weight"`
	Endpoint string  `json:"endpoint,omitempty"`
}

type rosterResponse struct {
	Entities []Entry `json:"entities"`
}

// Config configures the roster client.
type Config struct {
	// BaseURL of the roster service, without trailing slash.
	BaseURL string

	// MinSourceWeight is the weight an entity needs before the arbiter
	// trusts it as a snapshot source. Entities below it stay on the
	// roster but are never fetched from.
	MinSourceWeight float64

	// Timeout for a single refresh call.
	Timeout time.Duration
}

// Client holds the current roster and refreshes it on demand.
//
// # Thread Safety
//
// Safe for concurrent use. Refresh swaps the roster atomically under a
// write lock; readers see either the old set or the new one.
type Client struct {
	httpClient *http.Client
	baseURL    string
	minWeight  float64
	logger     *slog.Logger

	mu          sync.RWMutex
	entities    map[datatypes.EntityKey]Entry
	sources     []Source
	refreshedAt time.Time
}

// New builds a roster client. The roster starts empty; call Refresh
// before the first pass.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("roster base URL not set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		minWeight:  cfg.MinSourceWeight,
		logger:     logger,
		entities:   make(map[datatypes.EntityKey]Entry),
	}, nil
}

// Refresh fetches the roster and swaps it in. On error the previous
// roster stays active.
func (c *Client) Refresh(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Roster.Refresh")
	defer span.End()

	url := c.baseURL + "/arbiter/roster"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("building roster request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("roster fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reading roster response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("roster service returned status %d: %s", resp.StatusCode, string(body))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var parsed rosterResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("parsing roster response: %w", err)
	}

	entities := make(map[datatypes.EntityKey]Entry, len(parsed.Entities))
	var sources []Source
	for _, e := range parsed.Entities {
		key := datatypes.EntityKey{UID: e.UID, PubKey: e.PubKey}
		entities[key] = e
		if e.Weight >= c.minWeight && e.Endpoint != "" {
			sources = append(sources, Source{Key: key, Endpoint: strings.TrimSuffix(e.Endpoint, "/")})
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Key.Less(sources[j].Key) })

	c.mu.Lock()
	c.entities = entities
	c.sources = sources
	c.refreshedAt = time.Now()
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Int("roster.entities", len(entities)),
		attribute.Int("roster.sources", len(sources)),
	)
	c.logger.Info("roster refreshed", "entities", len(entities), "sources", len(sources))
	return nil
}

// HasEntity reports whether the key is on the current roster. This is
// the validity filter reconciliation runs under: records from entities
// that left the roster are dropped from canonical state.
func (c *Client) HasEntity(key datatypes.EntityKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entities[key]
	return ok
}

// Sources returns the snapshot sources, sorted by entity key.
func (c *Client) Sources() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Source, len(c.sources))
	copy(out, c.sources)
	return out
}

// Size reports the number of entities on the roster.
func (c *Client) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}

// LastRefresh reports when the roster last refreshed successfully.
// Zero until the first success.
func (c *Client) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
