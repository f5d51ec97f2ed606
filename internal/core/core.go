// Package core defines the domain types and interfaces shared by the
// narration pipeline: task and chunk state machines, voice embeddings,
// audio segments, and the contracts for blob storage and speech synthesis.
package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
// Voice samples are read from it and narration artifacts are written to it.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// MetadataUploader is an optional ObjectStore extension for stores that can
// attach descriptive metadata (duration, watermark tag) to uploaded objects.
type MetadataUploader interface {
	UploadWithMetadata(ctx context.Context, key string, data []byte, metadata map[string]string) error
}

// SynthesisSettings holds the per-request tuning parameters forwarded to the
// GPU inference provider. They also participate in the embedding cache key,
// since an embedding computed with one exaggeration value is not valid for
// another.
type SynthesisSettings struct {
	Exaggeration float64 `json:"exaggeration"`
	Temperature  float64 `json:"temperature"`
	CFGWeight    float64 `json:"cfg_weight"`
	Language     string  `json:"language"`
}

// Default synthesis parameters, matching the provider's documented defaults.
const (
	DefaultExaggeration = 0.3
	DefaultTemperature  = 0.6
	DefaultCFGWeight    = 0.3
	DefaultLanguage     = "en"
)

// WithDefaults fills zero-valued settings with the provider defaults.
func (s SynthesisSettings) WithDefaults() SynthesisSettings {
	if s.Exaggeration == 0 {
		s.Exaggeration = DefaultExaggeration
	}

	if s.Temperature == 0 {
		s.Temperature = DefaultTemperature
	}

	if s.CFGWeight == 0 {
		s.CFGWeight = DefaultCFGWeight
	}

	if s.Language == "" {
		s.Language = DefaultLanguage
	}

	return s
}

// VoiceEmbedding is a cached numeric representation of a speaker's vocal
// characteristics. It is shared across tasks whose voice sample hash and
// synthesis settings match; its lifetime is governed by the cache, not by
// any single task.
type VoiceEmbedding struct {
	Key        string    `json:"key"        msgpack:"key"`
	Payload    []byte    `json:"payload"    msgpack:"payload"`
	SampleRate int       `json:"sampleRate" msgpack:"sample_rate"`
	CreatedAt  time.Time `json:"createdAt"  msgpack:"created_at"`
	LastUsedAt time.Time `json:"lastUsedAt" msgpack:"last_used_at"`
}

// Size returns the approximate in-memory footprint of the embedding in bytes.
func (e *VoiceEmbedding) Size() int64 {
	return int64(len(e.Payload) + len(e.Key))
}

// AudioSegment is the audio produced for one chunk. Data holds a complete WAV
// file as returned by the provider; the assembler decodes and validates it.
type AudioSegment struct {
	Index        int
	Data         []byte
	ParagraphEnd bool
}

// NarrationArtifact is the assembled final output of a successful task.
// Created once by the assembler; immutable thereafter.
type NarrationArtifact struct {
	StoryID    string        `json:"storyId"`
	Key        string        `json:"key"`
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sampleRate"`
	Watermark  string        `json:"watermark"`
}

// ChunkUpdate reports a chunk job transition from the synthesizer back to the
// orchestrator: the provider-side job handle and the attempt number that
// produced the transition.
type ChunkUpdate struct {
	State   ChunkState
	JobID   string
	Attempt int
}

// SynthesisRequest carries one chunk of text through the synthesizer.
// OnUpdate, when non-nil, is invoked on every job state transition; it must
// be safe to call from the synthesizer's polling goroutine.
type SynthesisRequest struct {
	Text      string
	Embedding *VoiceEmbedding
	Settings  SynthesisSettings
	OnUpdate  func(ChunkUpdate)
}

// SynthesisResult is the audio produced for one synthesis request.
type SynthesisResult struct {
	Audio      []byte
	SampleRate int
}

// SpeechSynthesizer defines the contract for the external GPU inference
// provider: chunk synthesis and voice embedding computation. Implementations
// own submission retries, poll cadence, and cold-start handling; a returned
// error is a permanent failure from the caller's point of view.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error)
	ComputeEmbedding(
		ctx context.Context,
		sample []byte,
		settings SynthesisSettings,
	) (*VoiceEmbedding, error)
}
