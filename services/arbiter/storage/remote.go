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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

var tracer = otel.Tracer("arbiter.storage")

const (
	// ScoreBatchSize is how many score entries go in one upload call.
	ScoreBatchSize = 5

	// defaultMaxRetries is the retry budget per remote call. Retries
	// use exponential backoff with jitter.
	defaultMaxRetries = 3

	// defaultInitialRetryDelay is the delay before the first retry.
	// Subsequent retries double it.
	defaultInitialRetryDelay = 1 * time.Second
)

// RemoteError is a non-2xx response from the remote storage API.
type RemoteError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface for RemoteError.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("storage error (status %d): %s", e.StatusCode, e.Message)
}

// ScoreEntry is one uploaded score document.
type ScoreEntry struct {
	ContentID      string                               `json:"content_id"`
	ScoringLogs    []datatypes.ScoringLog               `json:"scoring_logs,omitempty"`
	ComparisonLogs map[string][]datatypes.ComparisonLog `json:"comparison_logs,omitempty"`
}

// StoredResult is one warm-start document fetched from remote storage.
type StoredResult struct {
	Category       string                               `json:"category"`
	ContentID      string                               `json:"content_id"`
	ScoringLogs    []datatypes.ScoringLog               `json:"scoring_logs,omitempty"`
	ComparisonLogs map[string][]datatypes.ComparisonLog `json:"comparison_logs,omitempty"`
}

// Result converts the stored document into a cacheable result.
func (s StoredResult) Result() datatypes.CachedResult {
	return datatypes.CachedResult{
		ScoringLogs:    s.ScoringLogs,
		ComparisonLogs: s.ComparisonLogs,
	}
}

// RemoteConfig configures the remote storage API client.
type RemoteConfig struct {
	// BaseURL of the storage API, without trailing slash.
	BaseURL string

	// Timeout for a single HTTP attempt.
	Timeout time.Duration

	// RequestsPerSecond paces all outgoing calls. Zero means the
	// default of 5.
	RequestsPerSecond float64

	// Burst is the pacing burst size. Zero means 5.
	Burst int

	// MaxRetries is the retry budget per call. Negative disables
	// retries; zero means the default of 3.
	MaxRetries int

	// InitialRetryDelay is the first backoff step. Zero means 1s.
	InitialRetryDelay time.Duration
}

// Remote talks to the cold storage API. All calls are paced by a shared
// rate limiter and retried on transient failures with exponential
// backoff and jitter.
//
// # Thread Safety
//
// Safe for concurrent use.
type Remote struct {
	httpClient   *http.Client
	baseURL      string
	limiter      *rate.Limiter
	maxRetries   int
	initialDelay time.Duration
	logger       *slog.Logger
}

// NewRemote builds the storage API client.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("storage base URL not set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	initialDelay := cfg.InitialRetryDelay
	if initialDelay <= 0 {
		initialDelay = defaultInitialRetryDelay
	}
	return &Remote{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		logger:       logger,
	}, nil
}

// AppendRecords appends a category's reconciled records to the remote
// store.
func (r *Remote) AppendRecords(ctx context.Context, category string, records []*datatypes.CommitRecord) error {
	if len(records) == 0 {
		return nil
	}
	payload := struct {
		Category string                    `json:"category"`
		Records  []*datatypes.CommitRecord `json:"records"`
	}{Category: category, Records: records}
	return r.postJSON(ctx, "/arbiter/records", payload, nil)
}

// UploadScores posts score entries in batches of ScoreBatchSize. A
// batch that still fails after the retry budget is logged and dropped;
// remaining batches are still attempted. Only ctx cancellation stops
// the upload early.
//
// Outputs:
//
//	int - Number of entries dropped.
//	error - Non-nil only when ctx ended before all batches were tried.
func (r *Remote) UploadScores(ctx context.Context, category string, entries []ScoreEntry) (int, error) {
	ctx, span := tracer.Start(ctx, "Remote.UploadScores")
	defer span.End()
	span.SetAttributes(
		attribute.String("category", category),
		attribute.Int("entries", len(entries)),
	)

	dropped := 0
	for start := 0; start < len(entries); start += ScoreBatchSize {
		end := start + ScoreBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		payload := struct {
			Category string       `json:"category"`
			Scores   []ScoreEntry `json:"scores"`
		}{Category: category, Scores: batch}

		err := r.postJSON(ctx, "/arbiter/scores", payload, nil)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			return dropped + (len(entries) - start), ctx.Err()
		}
		dropped += len(batch)
		r.logger.Error("score batch dropped after retries",
			"category", category, "batch_size", len(batch), "error", err)
	}
	span.SetAttributes(attribute.Int("dropped", dropped))
	return dropped, nil
}

// FetchRecent pulls the most recent stored results for the given
// categories, newest first, at most limit per category. With detailed
// set the documents carry full scoring and comparison logs.
func (r *Remote) FetchRecent(ctx context.Context, categories []string, limit int, detailed bool) ([]StoredResult, error) {
	payload := struct {
		Categories []string `json:"categories"`
		Limit      int      `json:"limit"`
		Detailed   bool     `json:"detailed"`
	}{Categories: categories, Limit: limit, Detailed: detailed}

	var out struct {
		Results []StoredResult `json:"results"`
	}
	if err := r.postJSON(ctx, "/arbiter/recent", payload, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// PublishState uploads the consolidated public state document.
func (r *Remote) PublishState(ctx context.Context, doc any) error {
	return r.postJSON(ctx, "/arbiter/state", doc, nil)
}

// postJSON performs one logical call: pace, post, decode, with the
// retry loop around the transient failures.
func (r *Remote) postJSON(ctx context.Context, path string, payload, out any) error {
	ctx, span := tracer.Start(ctx, "Remote.postJSON")
	defer span.End()
	span.SetAttributes(attribute.String("storage.path", path))

	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshaling storage payload: %w", err)
	}

	var lastErr error
	retryDelay := r.initialDelay

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			// Jittered exponential backoff, context-aware.
			delay := retryDelay + time.Duration(rand.Int63n(int64(retryDelay/2+1)))
			r.logger.Info("retrying storage call",
				"path", path, "attempt", attempt, "delay", delay, "lastError", lastErr)
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled during retry")
				return ctx.Err()
			case <-time.After(delay):
			}
			retryDelay *= 2
		}

		if err := r.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("waiting for storage rate limit: %w", err)
		}

		err := r.doOnce(ctx, path, body, out)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "non-retryable error")
			return err
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all retries exhausted")
	return fmt.Errorf("storage call %s failed after %d attempts: %w", path, r.maxRetries+1, lastErr)
}

// doOnce is a single HTTP attempt.
func (r *Remote) doOnce(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building storage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storage call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading storage response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			Retryable:  isRetryableStatusCode(resp.StatusCode),
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing storage response: %w", err)
		}
	}
	return nil
}

// isRetryableStatusCode reports whether a status indicates a transient
// failure worth retrying: overload (429, 503), bad gateway (502),
// gateway timeout (504).
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isRetryableError treats transport failures as transient and defers to
// the status classification for API errors.
func isRetryableError(err error) bool {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Retryable
	}
	// Network-level failures (connection refused, reset, timeout).
	return true
}
