// Package inference provides the client for the external serverless GPU
// inference provider.
//
// The provider exposes an asynchronous job API: a submission endpoint that
// returns a job handle, a status endpoint polled until the job reaches a
// terminal state, and a best-effort cancel endpoint. The client owns
// submission retries with exponential backoff, a longer first-poll budget to
// absorb provider cold starts, and an absolute wall-clock ceiling per job.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/story-narrator/narration-service/internal/core"
)

// API endpoints.
const (
	apiRun    = "/run"
	apiStatus = "/status/"
	apiCancel = "/cancel/"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
)

// Job task types accepted by the provider.
const (
	taskSynthesize = "tts"
	taskEmbed      = "embed"
)

// Provider job states.
const (
	stateInQueue    = "IN_QUEUE"
	stateInProgress = "IN_PROGRESS"
	stateCompleted  = "COMPLETED"
	stateFailed     = "FAILED"
	stateCancelled  = "CANCELLED"
)

// Static errors.
var (
	// ErrTextEmpty indicates that the chunk text is empty.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrEmbeddingNil indicates that no voice embedding was supplied.
	ErrEmbeddingNil = errors.New("voice embedding cannot be nil")
	// ErrSampleEmpty indicates that the voice sample is empty.
	ErrSampleEmpty = errors.New("voice sample cannot be empty")
	// ErrSubmitRejected indicates that the provider rejected the job
	// submission; the submission is retried with backoff.
	ErrSubmitRejected = errors.New("provider rejected job submission")
	// ErrJobFailed indicates that the provider reported the job as failed.
	ErrJobFailed = errors.New("provider job failed")
	// ErrJobTimeout indicates that the job exceeded its wall-clock budget.
	ErrJobTimeout = errors.New("provider job timed out")
	// ErrEmptyResult indicates a completed job without output payload.
	ErrEmptyResult = errors.New("provider returned empty result")
	// ErrRetriesExhausted indicates the configured attempt budget ran out.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Defaults applied by Config.withDefaults.
const (
	defaultPollInterval     = time.Second
	defaultSubmitTimeout    = 30 * time.Second
	defaultColdStartTimeout = 90 * time.Second
	defaultJobTimeout       = 5 * time.Minute
	defaultMaxAttempts      = 3
	defaultBackoffBase      = 2 * time.Second
	defaultBackoffMax       = 30 * time.Second
)

// Config holds the client's retry and timing policy.
type Config struct {
	// PollInterval is the fixed cadence between status polls.
	PollInterval time.Duration
	// SubmitTimeout bounds one submission HTTP call.
	SubmitTimeout time.Duration
	// ColdStartTimeout is the budget for a job to leave the provider's
	// queue after submission. It is deliberately longer than the poll
	// interval: the first poll after an idle period pays for GPU
	// provisioning.
	ColdStartTimeout time.Duration
	// JobTimeout is the absolute wall-clock ceiling for one job.
	JobTimeout time.Duration
	// MaxAttempts is the total submission attempt budget per chunk.
	MaxAttempts int
	// BackoffBase and BackoffMax shape the exponential retry backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}

	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = defaultSubmitTimeout
	}

	if c.ColdStartTimeout <= 0 {
		c.ColdStartTimeout = defaultColdStartTimeout
	}

	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}

	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}

	return c
}

// Client talks to the GPU inference provider. It implements
// core.SpeechSynthesizer.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	cfg        Config
	log        *logger.Logger
}

// New creates a client for the provider at baseURL. The API key is sent as a
// bearer token; an empty key omits the header (self-hosted providers).
func New(baseURL, apiKey string, cfg Config, log *logger.Logger) *Client {
	cfg = cfg.withDefaults()

	return &Client{
		httpClient: &http.Client{Timeout: cfg.SubmitTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		cfg:        cfg,
		log:        log,
	}
}

// jobInput is the provider's job payload.
type jobInput struct {
	Task         string  `json:"task"`
	Text         string  `json:"text,omitempty"`
	EmbeddingB64 string  `json:"embedding_b64,omitempty"`
	SampleB64    string  `json:"sample_b64,omitempty"`
	Exaggeration float64 `json:"exaggeration"`
	Temperature  float64 `json:"temperature"`
	CFGWeight    float64 `json:"cfg_weight"`
	Language     string  `json:"language"`
}

type jobRequest struct {
	Input jobInput `json:"input"`
}

type jobOutput struct {
	AudioB64     string `json:"audio_b64,omitempty"`
	EmbeddingB64 string `json:"embedding_b64,omitempty"`
	SampleRate   int    `json:"sample_rate"`
}

// JobStatus is one status-poll response from the provider.
type JobStatus struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Output        *jobOutput `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	DelayTimeMS   int64      `json:"delayTime"`
	ExecutionTime int64      `json:"executionTime"`
}

// Synthesize converts one chunk of text to audio with the given voice
// embedding. A returned error is permanent: the retry budget is exhausted or
// the context was cancelled.
func (c *Client) Synthesize(
	ctx context.Context,
	req core.SynthesisRequest,
) (*core.SynthesisResult, error) {
	if req.Text == "" {
		return nil, ErrTextEmpty
	}

	if req.Embedding == nil {
		return nil, ErrEmbeddingNil
	}

	settings := req.Settings.WithDefaults()
	input := jobInput{
		Task:         taskSynthesize,
		Text:         req.Text,
		EmbeddingB64: base64.StdEncoding.EncodeToString(req.Embedding.Payload),
		SampleB64:    "",
		Exaggeration: settings.Exaggeration,
		Temperature:  settings.Temperature,
		CFGWeight:    settings.CFGWeight,
		Language:     settings.Language,
	}

	output, err := c.runJob(ctx, input, req.OnUpdate)
	if err != nil {
		return nil, err
	}

	if output.AudioB64 == "" {
		return nil, ErrEmptyResult
	}

	audio, err := base64.StdEncoding.DecodeString(output.AudioB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}

	return &core.SynthesisResult{Audio: audio, SampleRate: output.SampleRate}, nil
}

// ComputeEmbedding asks the provider to derive voice conditionals from a raw
// voice sample. The result is cached by the caller; the provider recomputes
// from scratch every call.
func (c *Client) ComputeEmbedding(
	ctx context.Context,
	sample []byte,
	settings core.SynthesisSettings,
) (*core.VoiceEmbedding, error) {
	if len(sample) == 0 {
		return nil, ErrSampleEmpty
	}

	settings = settings.WithDefaults()
	input := jobInput{
		Task:         taskEmbed,
		Text:         "",
		EmbeddingB64: "",
		SampleB64:    base64.StdEncoding.EncodeToString(sample),
		Exaggeration: settings.Exaggeration,
		Temperature:  settings.Temperature,
		CFGWeight:    settings.CFGWeight,
		Language:     settings.Language,
	}

	output, err := c.runJob(ctx, input, nil)
	if err != nil {
		return nil, err
	}

	if output.EmbeddingB64 == "" {
		return nil, ErrEmptyResult
	}

	payload, err := base64.StdEncoding.DecodeString(output.EmbeddingB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode embedding payload: %w", err)
	}

	return &core.VoiceEmbedding{
		Key:        "",
		Payload:    payload,
		SampleRate: output.SampleRate,
		CreatedAt:  time.Time{},
		LastUsedAt: time.Time{},
	}, nil
}

// runJob drives one job through submit and poll, retrying the whole cycle
// with exponential backoff until it succeeds, the attempt budget runs out,
// or the context is cancelled.
func (c *Client) runJob(
	ctx context.Context,
	input jobInput,
	onUpdate func(core.ChunkUpdate),
) (*jobOutput, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoffErr := c.backoff(ctx, attempt)
			if backoffErr != nil {
				return nil, backoffErr
			}
		}

		jobID, submitErr := c.submit(ctx, input)
		if submitErr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("job submission aborted: %w", ctx.Err())
			}

			lastErr = submitErr

			c.log.Warn("Job submission attempt %d/%d failed: %v",
				attempt, c.cfg.MaxAttempts, submitErr)

			continue
		}

		notify(onUpdate, core.ChunkUpdate{
			State:   core.ChunkSubmitted,
			JobID:   jobID,
			Attempt: attempt,
		})

		output, pollErr := c.pollUntilTerminal(ctx, jobID, attempt, onUpdate)
		if pollErr == nil {
			return output, nil
		}

		if ctx.Err() != nil {
			// The caller cancelled; stop polling immediately and tell
			// the provider to drop the job.
			c.cancelBestEffort(jobID)

			return nil, fmt.Errorf("job cancelled: %w", ctx.Err())
		}

		lastErr = pollErr

		c.log.Warn("Job %s attempt %d/%d failed: %v",
			jobID, attempt, c.cfg.MaxAttempts, pollErr)
	}

	return nil, fmt.Errorf("%w after %d attempts: %w",
		ErrRetriesExhausted, c.cfg.MaxAttempts, lastErr)
}

// submit sends one job to the provider and returns its handle.
func (c *Client) submit(ctx context.Context, input jobInput) (string, error) {
	body, err := json.Marshal(jobRequest{Input: input})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job request: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(
		submitCtx,
		http.MethodPost,
		c.baseURL+apiRun,
		bytes.NewReader(body),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create submit request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to reach provider at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)

		return "", fmt.Errorf("%w: status %s, body: %s",
			ErrSubmitRejected, resp.Status, string(raw))
	}

	var status JobStatus

	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}

	if status.ID == "" {
		return "", fmt.Errorf("%w: response carried no job id", ErrSubmitRejected)
	}

	return status.ID, nil
}

// Poll fetches the current status of a job.
func (c *Client) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+apiStatus+jobID,
		http.NoBody,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to poll job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)

		return nil, fmt.Errorf("poll for job %s returned status %s, body: %s",
			jobID, resp.Status, string(raw))
	}

	var status JobStatus

	err = json.NewDecoder(resp.Body).Decode(&status)
	if err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}

	return &status, nil
}

// Cancel asks the provider to drop a job. Best effort: local polling stops
// regardless of the provider's acknowledgement.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiCancel+jobID,
		http.NoBody,
	)
	if err != nil {
		return fmt.Errorf("failed to create cancel request: %w", err)
	}

	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel for job %s returned status %s", jobID, resp.Status)
	}

	return nil
}

// pollUntilTerminal polls at the configured cadence until the job completes,
// fails, or overruns its budget. The time a job may spend queued is bounded
// by the cold-start budget; the whole job by the wall-clock ceiling.
func (c *Client) pollUntilTerminal(
	ctx context.Context,
	jobID string,
	attempt int,
	onUpdate func(core.ChunkUpdate),
) (*jobOutput, error) {
	var (
		started  = time.Now()
		queued   = true
		notified bool
	)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("polling aborted: %w", ctx.Err())
		case <-ticker.C:
		}

		elapsed := time.Since(started)
		if elapsed > c.cfg.JobTimeout {
			return nil, fmt.Errorf("%w: exceeded %v", ErrJobTimeout, c.cfg.JobTimeout)
		}

		if queued && elapsed > c.cfg.ColdStartTimeout {
			return nil, fmt.Errorf("%w: still queued after cold-start budget %v",
				ErrJobTimeout, c.cfg.ColdStartTimeout)
		}

		status, pollErr := c.Poll(ctx, jobID)
		if pollErr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("polling aborted: %w", ctx.Err())
			}

			// Transient poll errors ride on the wall-clock budget.
			c.log.Warn("Poll for job %s failed: %v", jobID, pollErr)

			continue
		}

		if !notified && status.Status != stateInQueue {
			notify(onUpdate, core.ChunkUpdate{
				State:   core.ChunkPolling,
				JobID:   jobID,
				Attempt: attempt,
			})

			notified = true
		}

		switch status.Status {
		case stateCompleted:
			if status.DelayTimeMS > 0 {
				c.log.Info("Job %s completed (queued %dms, ran %dms)",
					jobID, status.DelayTimeMS, status.ExecutionTime)
			}

			if status.Output == nil {
				return nil, ErrEmptyResult
			}

			return status.Output, nil
		case stateFailed:
			return nil, fmt.Errorf("%w: %s", ErrJobFailed, status.Error)
		case stateCancelled:
			return nil, fmt.Errorf("%w: cancelled by provider", ErrJobFailed)
		case stateInQueue:
			// Cold start: keep waiting within the first-poll budget.
		case stateInProgress:
			queued = false
		default:
			return nil, fmt.Errorf("%w: unexpected state %q", ErrJobFailed, status.Status)
		}
	}
}

// backoff sleeps for the exponential delay before the given attempt, bailing
// out early when the context is cancelled.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.BackoffBase << (attempt - 2)
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff aborted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// cancelBestEffort tells the provider to drop a job after the caller went
// away. It runs on a fresh short-lived context because the caller's is
// already cancelled.
func (c *Client) cancelBestEffort(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SubmitTimeout)
	defer cancel()

	cancelErr := c.Cancel(ctx, jobID)
	if cancelErr != nil {
		c.log.Warn("Best-effort cancel for job %s failed: %v", jobID, cancelErr)
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set(headerContentType, contentTypeJSON)

	if c.apiKey != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	}
}

func notify(onUpdate func(core.ChunkUpdate), update core.ChunkUpdate) {
	if onUpdate != nil {
		onUpdate(update)
	}
}
