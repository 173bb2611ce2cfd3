// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import "time"

// Config is the top-level arbiter service configuration.
type Config struct {
	// Server: HTTP surface bind address
	Server ServerConfig `yaml:"server"`

	// Pass: scoring pass cadence and shutdown behavior
	Pass PassConfig `yaml:"pass"`

	// Registry: category registry file location
	Registry RegistryConfig `yaml:"registry"`

	// Roster: validity roster endpoint and source gating
	Roster RosterConfig `yaml:"roster"`

	// Sources: snapshot collection fan-out
	Sources SourcesConfig `yaml:"sources"`

	// Storage: local badger store plus optional remote storage API
	Storage StorageConfig `yaml:"storage"`

	// Cache: per-category result cache bound
	Cache CacheConfig `yaml:"cache"`

	// Log: structured logging output
	Log LogConfig `yaml:"log"`

	// Telemetry: trace/metric exporter selection
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"` // e.g. :9300
}

type PassConfig struct {
	EpochSeconds        int `yaml:"epoch_seconds" validate:"min=1"`         // pass cadence
	ShutdownJoinSeconds int `yaml:"shutdown_join_seconds" validate:"min=1"` // in-flight pass join bound
}

// Epoch returns the pass cadence as a duration.
func (c PassConfig) Epoch() time.Duration {
	return time.Duration(c.EpochSeconds) * time.Second
}

// ShutdownJoin returns the bounded wait for an in-flight pass on Stop.
func (c PassConfig) ShutdownJoin() time.Duration {
	return time.Duration(c.ShutdownJoinSeconds) * time.Second
}

type RegistryConfig struct {
	// Path to the category registry YAML. Empty uses the embedded default set.
	Path string `yaml:"path"`
}

type RosterConfig struct {
	BaseURL         string  `yaml:"base_url" validate:"required,url"`
	MinSourceWeight float64 `yaml:"min_source_weight" validate:"min=0"`
	TimeoutSeconds  int     `yaml:"timeout_seconds" validate:"min=1"`
}

// Timeout returns the roster request timeout.
func (c RosterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type SourcesConfig struct {
	Concurrency             int `yaml:"concurrency" validate:"min=1"`
	PerSourceTimeoutSeconds int `yaml:"per_source_timeout_seconds" validate:"min=1"`
}

// PerSourceTimeout returns the per-source snapshot fetch bound.
func (c SourcesConfig) PerSourceTimeout() time.Duration {
	return time.Duration(c.PerSourceTimeoutSeconds) * time.Second
}

type StorageConfig struct {
	Local  LocalStorageConfig  `yaml:"local"`
	Remote RemoteStorageConfig `yaml:"remote"`
}

type LocalStorageConfig struct {
	Path     string `yaml:"path"`      // badger directory; required unless in_memory
	InMemory bool   `yaml:"in_memory"` // ephemeral store, test and dev use
}

type RemoteStorageConfig struct {
	// BaseURL of the remote storage API. Empty runs the arbiter local-only.
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"min=0"`
	Burst             int     `yaml:"burst" validate:"min=0"`
	MaxRetries        int     `yaml:"max_retries"`
	TimeoutSeconds    int     `yaml:"timeout_seconds" validate:"min=1"`
}

// Timeout returns the per-request remote storage timeout.
func (c RemoteStorageConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type CacheConfig struct {
	MaxPerCategory int `yaml:"max_per_category" validate:"min=1"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"` // empty disables file output
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	TraceExporter  string  `yaml:"trace_exporter" validate:"oneof=otlp jaeger stdout none"`
	MetricExporter string  `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRate     float64 `yaml:"sample_rate" validate:"min=0,max=1"`
}

// DefaultConfig returns development defaults. Remote storage is disabled
// until a base_url is configured.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":9300",
		},
		Pass: PassConfig{
			EpochSeconds:        300,
			ShutdownJoinSeconds: 5,
		},
		Registry: RegistryConfig{
			Path: "",
		},
		Roster: RosterConfig{
			BaseURL:         "http://localhost:9100",
			MinSourceWeight: 0,
			TimeoutSeconds:  30,
		},
		Sources: SourcesConfig{
			Concurrency:             8,
			PerSourceTimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			Local: LocalStorageConfig{
				Path: "data/arbiter",
			},
			Remote: RemoteStorageConfig{
				BaseURL:           "",
				RequestsPerSecond: 4,
				Burst:             8,
				MaxRetries:        3,
				TimeoutSeconds:    30,
			},
		},
		Cache: CacheConfig{
			MaxPerCategory: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "otlp",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			SampleRate:     1.0,
		},
	}
}
