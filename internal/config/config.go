// Package config provides the configuration structure for the narration
// service.
package config

import (
	"fmt"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                       string `toml:"url"`
	NarrationRequestedSubject string `toml:"narration_requested_subject"`
	ObjectStoreBucket         string `toml:"object_store_bucket"`
}

// ProviderConfig holds the configuration for the GPU inference provider.
type ProviderConfig struct {
	BaseURL                 string  `toml:"base_url"`
	APIKey                  string  `toml:"api_key"`
	PollIntervalSeconds     float64 `toml:"poll_interval_seconds"`
	SubmitTimeoutSeconds    int     `toml:"submit_timeout_seconds"`
	ColdStartTimeoutSeconds int     `toml:"cold_start_timeout_seconds"`
	JobTimeoutSeconds       int     `toml:"job_timeout_seconds"`
	MaxAttempts             int     `toml:"max_attempts"`
	BackoffBaseSeconds      int     `toml:"backoff_base_seconds"`
	BackoffMaxSeconds       int     `toml:"backoff_max_seconds"`
}

// ChunkerConfig holds the configuration for text segmentation.
type ChunkerConfig struct {
	MaxChunkChars int `toml:"max_chunk_chars"`
}

// CacheConfig holds the configuration for the voice embedding cache.
type CacheConfig struct {
	Capacity        int    `toml:"capacity"`
	MaxBytes        int64  `toml:"max_bytes"`
	TTLMinutes      int    `toml:"ttl_minutes"`
	StoreDir        string `toml:"store_dir"`
	DefaultVoiceKey string `toml:"default_voice_key"`
}

// OrchestratorConfig holds the dispatch and retention policy.
type OrchestratorConfig struct {
	MaxParallelChunks   int `toml:"max_parallel_chunks"`
	TaskTimeoutMinutes  int `toml:"task_timeout_minutes"`
	RetentionMinutes    int `toml:"retention_minutes"`
	ParagraphPauseMilli int `toml:"paragraph_pause_ms"`
}

// HTTPConfig holds the configuration for the task-status API.
type HTTPConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS         NATSConfig         `toml:"nats"`
	Provider     ProviderConfig     `toml:"provider"`
	Chunker      ChunkerConfig      `toml:"chunker"`
	Cache        CacheConfig        `toml:"cache"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	HTTP         HTTPConfig         `toml:"http"`
	Paths        PathsConfig        `toml:"paths"`
}

// Load loads the configuration for the narration service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}
