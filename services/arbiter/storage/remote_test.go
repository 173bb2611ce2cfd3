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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/datatypes"
)

// fastRemote builds a client with millisecond backoff so retry tests
// stay quick.
func fastRemote(t *testing.T, baseURL string, maxRetries int) *Remote {
	t.Helper()
	r, err := NewRemote(RemoteConfig{
		BaseURL:           baseURL,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             1000,
		MaxRetries:        maxRetries,
		InitialRetryDelay: time.Millisecond,
	}, testLogger())
	require.NoError(t, err)
	return r
}

func scoreEntries(n int) []ScoreEntry {
	entries := make([]ScoreEntry, n)
	for i := range entries {
		entries[i] = ScoreEntry{
			ContentID:   datatypes.DeriveContentID(string(rune('a' + i))),
			ScoringLogs: []datatypes.ScoringLog{{InputHash: "h", Score: 1}},
		}
	}
	return entries
}

// TestNewRemote_RequiresBaseURL verifies construction fails without a URL.
func TestNewRemote_RequiresBaseURL(t *testing.T) {
	_, err := NewRemote(RemoteConfig{}, testLogger())
	assert.Error(t, err)
}

// TestUploadScores_Batches verifies entries are split into batches of five.
func TestUploadScores_Batches(t *testing.T) {
	var batches [][]ScoreEntry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/arbiter/scores", r.URL.Path)
		var payload struct {
			Category string       `json:"category"`
			Scores   []ScoreEntry `json:"scores"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, "c1", payload.Category)
		batches = append(batches, payload.Scores)
	}))
	defer srv.Close()

	remote := fastRemote(t, srv.URL, 0)
	dropped, err := remote.UploadScores(context.Background(), "c1", scoreEntries(12))
	require.NoError(t, err)
	assert.Zero(t, dropped)

	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 5)
	assert.Len(t, batches[1], 5)
	assert.Len(t, batches[2], 2)
}

// TestPostJSON_RetriesTransientFailures verifies 503s are retried until
// the server recovers.
func TestPostJSON_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	remote := fastRemote(t, srv.URL, 3)
	err := remote.AppendRecords(context.Background(), "c1",
		[]*datatypes.CommitRecord{{UID: 1, Category: "c1", Sealed: "s"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

// TestPostJSON_DoesNotRetryClientErrors verifies a 400 fails immediately.
func TestPostJSON_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	remote := fastRemote(t, srv.URL, 3)
	err := remote.AppendRecords(context.Background(), "c1",
		[]*datatypes.CommitRecord{{UID: 1, Category: "c1", Sealed: "s"}})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusBadRequest, remoteErr.StatusCode)
	assert.False(t, remoteErr.Retryable)
}

// TestUploadScores_DropsFailedBatchAndContinues verifies one failing
// batch does not block the rest of the upload.
func TestUploadScores_DropsFailedBatchAndContinues(t *testing.T) {
	var batchCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First logical batch fails every attempt; the rest succeed.
		var payload struct {
			Scores []ScoreEntry `json:"scores"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		if len(payload.Scores) == 5 && payload.Scores[0].ContentID == datatypes.DeriveContentID("a") {
			batchCount.Add(1)
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	remote := fastRemote(t, srv.URL, 1)
	dropped, err := remote.UploadScores(context.Background(), "c1", scoreEntries(7))
	require.NoError(t, err)
	assert.Equal(t, 5, dropped, "failed batch is dropped whole")
	assert.Equal(t, int32(2), batchCount.Load(), "initial attempt plus one retry")
}

// TestFetchRecent_ParsesResults verifies the warm-start fetch contract.
func TestFetchRecent_ParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/arbiter/recent", r.URL.Path)
		var req struct {
			Categories []string `json:"categories"`
			Limit      int      `json:"limit"`
			Detailed   bool     `json:"detailed"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"c1"}, req.Categories)
		assert.Equal(t, 256, req.Limit)
		assert.True(t, req.Detailed)

		json.NewEncoder(w).Encode(map[string]any{
			"results": []StoredResult{
				{Category: "c1", ContentID: "id1",
					ScoringLogs: []datatypes.ScoringLog{{InputHash: "h", Score: 0.5}}},
			},
		})
	}))
	defer srv.Close()

	remote := fastRemote(t, srv.URL, 0)
	results, err := remote.FetchRecent(context.Background(), []string{"c1"}, 256, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "id1", results[0].ContentID)
	assert.False(t, results[0].Result().Empty())
}

// TestPublishState_PostsDocument verifies the state export call.
func TestPublishState_PostsDocument(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/arbiter/state", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	remote := fastRemote(t, srv.URL, 0)
	err := remote.PublishState(context.Background(), map[string]any{"pass_id": "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", got["pass_id"])
}

// TestPostJSON_ContextCancelDuringRetry verifies ctx cuts the backoff
// sleep short.
func TestPostJSON_ContextCancelDuringRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	remote, err := NewRemote(RemoteConfig{
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		Burst:             1000,
		MaxRetries:        5,
		InitialRetryDelay: 10 * time.Second,
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = remote.AppendRecords(ctx, "c1",
		[]*datatypes.CommitRecord{{UID: 1, Category: "c1", Sealed: "s"}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
