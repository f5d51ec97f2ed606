// Package inference_test tests the provider client against a stub job API.
package inference_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/story-narrator/narration-service/internal/core"
	"github.com/story-narrator/narration-service/internal/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "inference-test.log")
	require.NoError(t, err)

	return log
}

func fastConfig() inference.Config {
	return inference.Config{
		PollInterval:     5 * time.Millisecond,
		SubmitTimeout:    2 * time.Second,
		ColdStartTimeout: time.Second,
		JobTimeout:       2 * time.Second,
		MaxAttempts:      1,
		BackoffBase:      time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
	}
}

// providerStub is a minimal in-process job API: submissions get sequential
// ids and a scripted sequence of status responses.
type providerStub struct {
	t *testing.T

	mu        sync.Mutex
	nextJob   int
	script    func(jobID string, poll int) stubStatus
	polls     map[string]int
	submits   atomic.Int64
	cancelled atomic.Int64
}

type stubStatus struct {
	status       string
	audioB64     string
	embeddingB64 string
	sampleRate   int
	errMsg       string
}

func newProviderStub(t *testing.T, script func(jobID string, poll int) stubStatus) *providerStub {
	t.Helper()

	return &providerStub{
		t:       t,
		nextJob: 0,
		script:  script,
		polls:   make(map[string]int),
	}
}

func (p *providerStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", p.handleRun)
	mux.HandleFunc("GET /status/{id}", p.handleStatus)
	mux.HandleFunc("POST /cancel/{id}", p.handleCancel)

	return mux
}

func (p *providerStub) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input map[string]any `json:"input"`
	}

	err := json.NewDecoder(r.Body).Decode(&req)
	require.NoError(p.t, err)

	p.mu.Lock()
	p.nextJob++
	jobID := jobName(p.nextJob)
	p.mu.Unlock()

	p.submits.Add(1)
	writeJSON(p.t, w, map[string]any{"id": jobID, "status": "IN_QUEUE"})
}

func (p *providerStub) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	p.mu.Lock()
	p.polls[jobID]++
	poll := p.polls[jobID]
	p.mu.Unlock()

	st := p.script(jobID, poll)

	resp := map[string]any{"id": jobID, "status": st.status}
	if st.errMsg != "" {
		resp["error"] = st.errMsg
	}

	if st.status == "COMPLETED" {
		resp["output"] = map[string]any{
			"audio_b64":     st.audioB64,
			"embedding_b64": st.embeddingB64,
			"sample_rate":   st.sampleRate,
		}
	}

	writeJSON(p.t, w, resp)
}

func (p *providerStub) handleCancel(w http.ResponseWriter, _ *http.Request) {
	p.cancelled.Add(1)
	writeJSON(p.t, w, map[string]any{"status": "CANCELLED"})
}

func jobName(n int) string {
	return "job-" + string(rune('a'+n-1))
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func testEmbedding() *core.VoiceEmbedding {
	return &core.VoiceEmbedding{
		Key:        "voice-a",
		Payload:    []byte("conditionals"),
		SampleRate: 24000,
		CreatedAt:  time.Time{},
		LastUsedAt: time.Time{},
	}
}

func TestSynthesize_Success(t *testing.T) {
	t.Parallel()

	audio := []byte("RIFF-audio-bytes")
	stub := newProviderStub(t, func(_ string, poll int) stubStatus {
		if poll < 2 {
			return stubStatus{status: "IN_PROGRESS"}
		}

		return stubStatus{
			status:     "COMPLETED",
			audioB64:   base64.StdEncoding.EncodeToString(audio),
			sampleRate: 24000,
		}
	})

	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := inference.New(server.URL, "test-key", fastConfig(), newTestLogger(t))

	var (
		mu      sync.Mutex
		updates []core.ChunkUpdate
	)

	result, err := client.Synthesize(context.Background(), core.SynthesisRequest{
		Text:      "Once upon a time.",
		Embedding: testEmbedding(),
		Settings:  core.SynthesisSettings{},
		OnUpdate: func(u core.ChunkUpdate) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, audio, result.Audio)
	assert.Equal(t, 24000, result.SampleRate)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, updates, 2)
	assert.Equal(t, core.ChunkSubmitted, updates[0].State)
	assert.Equal(t, "job-a", updates[0].JobID)
	assert.Equal(t, 1, updates[0].Attempt)
	assert.Equal(t, core.ChunkPolling, updates[1].State)
}

func TestSynthesize_RidesOutColdStart(t *testing.T) {
	t.Parallel()

	// The job sits in the provider queue for several polls before a worker
	// picks it up. The client must keep waiting, not error out.
	stub := newProviderStub(t, func(_ string, poll int) stubStatus {
		switch {
		case poll < 5:
			return stubStatus{status: "IN_QUEUE"}
		case poll < 7:
			return stubStatus{status: "IN_PROGRESS"}
		default:
			return stubStatus{
				status:     "COMPLETED",
				audioB64:   base64.StdEncoding.EncodeToString([]byte("x")),
				sampleRate: 24000,
			}
		}
	})

	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := inference.New(server.URL, "", fastConfig(), newTestLogger(t))

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{
		Text:      "hello",
		Embedding: testEmbedding(),
		Settings:  core.SynthesisSettings{},
		OnUpdate:  nil,
	})
	require.NoError(t, err)
}

func TestSynthesize_ColdStartBudgetExceeded(t *testing.T) {
	t.Parallel()

	stub := newProviderStub(t, func(_ string, _ int) stubStatus {
		return stubStatus{status: "IN_QUEUE"}
	})

	server := httptest.NewServer(stub.handler())
	defer server.Close()

	cfg := fastConfig()
	cfg.ColdStartTimeout = 30 * time.Millisecond

	client := inference.New(server.URL, "", cfg, newTestLogger(t))

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{
		Text:      "hello",
		Embedding: testEmbedding(),
		Settings:  core.SynthesisSettings{},
		OnUpdate:  nil,
	})
	require.ErrorIs(t, err, inference.ErrJobTimeout)
	require.ErrorIs(t, err, inference.ErrRetriesExhausted)
}

func TestSynthesize_RetriesFailedJob(t *testing.T) {
	t.Parallel()

	// First job fails on the provider side; the second succeeds. Both the
	// retry and the attempt number in the update must reflect that.
	stub := newProviderStub(t, func(jobID string, _ int) stubStatus {
		if jobID == "job-a" {
			return stubStatus{status: "FAILED", errMsg: "CUDA out of memory"}
		}

		return stubStatus{
			status:     "COMPLETED",
			audioB64:   base64.StdEncoding.EncodeToString([]byte("x")),
			sampleRate: 24000,
		}
	})

	server := httptest.NewServer(stub.handler())
	defer server.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 2

	client := inference.New(server.URL, "", cfg, newTestLogger(t))

	var lastUpdate atomic.Value

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{
		Text:      "hello",
		Embedding: testEmbedding(),
		Settings:  core.SynthesisSettings{},
		OnUpdate: func(u core.ChunkUpdate) {
			lastUpdate.Store(u)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stub.submits.Load())

	update, ok := lastUpdate.Load().(core.ChunkUpdate)
	require.True(t, ok)
	assert.Equal(t, 2, update.Attempt)
	assert.Equal(t, "job-b", update.JobID)
}

func TestSynthesize_AttemptBudgetIsBounded(t *testing.T) {
	t.Parallel()

	stub := newProviderStub(t, func(_ string, _ int) stubStatus {
		return stubStatus{status: "FAILED", errMsg: "model crashed"}
	})

	server := httptest.NewServer(stub.handler())
	defer server.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 3

	client := inference.New(server.URL, "", cfg, newTestLogger(t))

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{
		Text:      "hello",
		Embedding: testEmbedding(),
		Settings:  core.SynthesisSettings{},
		OnUpdate:  nil,
	})
	require.ErrorIs(t, err, inference.ErrRetriesExhausted)
	require.ErrorIs(t, err, inference.ErrJobFailed)
	assert.Equal(t, int64(3), stub.submits.Load())
}

func TestSynthesize_RetriesRejectedSubmission(t *testing.T) {
	t.Parallel()

	var submits atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", func(w http.ResponseWriter, _ *http.Request) {
		submits.Add(1)
		http.Error(w, "worker pool exhausted", http.StatusServiceUnavailable)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 2

	client := inference.New(server.URL, "", cfg, newTestLogger(t))

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{
		Text:      "hello",
		Embedding: testEmbedding(),
		Settings:  core.SynthesisSettings{},
		OnUpdate:  nil,
	})
	require.ErrorIs(t, err, inference.ErrRetriesExhausted)
	require.ErrorIs(t, err, inference.ErrSubmitRejected)
	assert.Equal(t, int64(2), submits.Load())
}

func TestSynthesize_CancellationStopsPollingAndCancelsJob(t *testing.T) {
	t.Parallel()

	stub := newProviderStub(t, func(_ string, _ int) stubStatus {
		return stubStatus{status: "IN_PROGRESS"}
	})

	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := inference.New(server.URL, "", fastConfig(), newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := client.Synthesize(ctx, core.SynthesisRequest{
		Text:      "hello",
		Embedding: testEmbedding(),
		Settings:  core.SynthesisSettings{},
		OnUpdate:  nil,
	})
	require.ErrorIs(t, err, context.Canceled)

	// The provider-side job is released, not orphaned.
	assert.Eventually(t, func() bool {
		return stub.cancelled.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSynthesize_ValidatesInput(t *testing.T) {
	t.Parallel()

	client := inference.New("http://unused", "", fastConfig(), newTestLogger(t))

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{
		Text:      "",
		Embedding: testEmbedding(),
		Settings:  core.SynthesisSettings{},
		OnUpdate:  nil,
	})
	require.ErrorIs(t, err, inference.ErrTextEmpty)

	_, err = client.Synthesize(context.Background(), core.SynthesisRequest{
		Text:      "hello",
		Embedding: nil,
		Settings:  core.SynthesisSettings{},
		OnUpdate:  nil,
	})
	require.ErrorIs(t, err, inference.ErrEmbeddingNil)
}

func TestComputeEmbedding_Success(t *testing.T) {
	t.Parallel()

	payload := []byte("voice-conditionals")
	stub := newProviderStub(t, func(_ string, _ int) stubStatus {
		return stubStatus{
			status:       "COMPLETED",
			embeddingB64: base64.StdEncoding.EncodeToString(payload),
			sampleRate:   24000,
		}
	})

	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := inference.New(server.URL, "", fastConfig(), newTestLogger(t))

	embedding, err := client.ComputeEmbedding(
		context.Background(),
		[]byte("wav sample"),
		core.SynthesisSettings{},
	)
	require.NoError(t, err)
	assert.Equal(t, payload, embedding.Payload)
	assert.Equal(t, 24000, embedding.SampleRate)
}

func TestComputeEmbedding_RequiresSample(t *testing.T) {
	t.Parallel()

	client := inference.New("http://unused", "", fastConfig(), newTestLogger(t))

	_, err := client.ComputeEmbedding(context.Background(), nil, core.SynthesisSettings{})
	require.ErrorIs(t, err, inference.ErrSampleEmpty)
}

func TestCancel_ReachesProvider(t *testing.T) {
	t.Parallel()

	stub := newProviderStub(t, func(_ string, _ int) stubStatus {
		return stubStatus{status: "IN_PROGRESS"}
	})

	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := inference.New(server.URL, "", fastConfig(), newTestLogger(t))

	err := client.Cancel(context.Background(), "job-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stub.cancelled.Load())
}
