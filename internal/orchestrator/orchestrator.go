// Package orchestrator owns the lifecycle of narration tasks. Each submitted
// story is chunked, given a voice embedding from the cache, synthesized chunk
// by chunk under a bounded parallelism budget, and assembled into one
// artifact. The orchestrator is the single writer of task state; callers see
// immutable snapshots.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/story-narrator/narration-service/internal/assembler"
	"github.com/story-narrator/narration-service/internal/chunker"
	"github.com/story-narrator/narration-service/internal/core"
	"github.com/story-narrator/narration-service/internal/inference"
	"github.com/story-narrator/narration-service/internal/voicecache"
)

// Static errors.
var (
	// ErrTaskNotFound indicates an unknown or already evicted task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrStoryIDEmpty indicates a submission without a story id.
	ErrStoryIDEmpty = errors.New("story id cannot be empty")
	// ErrVoiceRefEmpty indicates a submission without a voice reference.
	ErrVoiceRefEmpty = errors.New("voice reference cannot be empty")
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxParallelChunks = 3
	DefaultTaskTimeout       = 30 * time.Minute
	DefaultRetention         = time.Hour
	defaultSweepInterval     = time.Minute
)

const progressComplete = 100

// Config holds the orchestrator's dispatch and retention policy.
type Config struct {
	// MaxParallelChunks bounds simultaneously in-flight provider jobs.
	MaxParallelChunks int
	// MaxChunkChars is passed through to the chunker. Zero uses the
	// chunker's own default.
	MaxChunkChars int
	// TaskTimeout is the aggregate wall-clock ceiling per task. Exceeding
	// it cancels remaining chunks and fails the task.
	TaskTimeout time.Duration
	// Retention is how long terminal tasks stay queryable before the
	// sweeper drops them.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallelChunks <= 0 {
		c.MaxParallelChunks = DefaultMaxParallelChunks
	}

	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}

	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}

	return c
}

// Request is one narration submission.
type Request struct {
	// StoryID identifies the story being narrated.
	StoryID string
	// Text is the full story text. Empty text completes as a no-op.
	Text string
	// VoiceRef is the object store key of the uploaded voice sample.
	VoiceRef string
	// Settings tune the synthesis. Zero values take provider defaults.
	Settings core.SynthesisSettings
}

// task is the orchestrator's mutable record behind caller snapshots.
type task struct {
	mu sync.Mutex

	id          string
	storyID     string
	status      core.TaskStatus
	progress    int
	currentStep string
	errMsg      string
	audioRef    string
	chunks      []core.ChunkJob
	createdAt   time.Time
	updatedAt   time.Time
	terminalAt  time.Time

	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
}

// Orchestrator manages all narration tasks in the process.
type Orchestrator struct {
	mu    sync.Mutex
	tasks map[string]*task

	chunker *chunker.Chunker
	cache   *voicecache.Cache
	synth   core.SpeechSynthesizer
	asm     *assembler.Assembler
	store   core.ObjectStore
	cfg     Config
	log     *logger.Logger
}

// New creates an orchestrator wiring the pipeline components together.
func New(
	cache *voicecache.Cache,
	synth core.SpeechSynthesizer,
	asm *assembler.Assembler,
	store core.ObjectStore,
	cfg Config,
	log *logger.Logger,
) *Orchestrator {
	cfg = cfg.withDefaults()

	return &Orchestrator{
		mu:      sync.Mutex{},
		tasks:   make(map[string]*task),
		chunker: chunker.New(cfg.MaxChunkChars),
		cache:   cache,
		synth:   synth,
		asm:     asm,
		store:   store,
		cfg:     cfg,
		log:     log,
	}
}

// Submit registers a narration task and starts processing it in the
// background. The returned id is immediately queryable via Status.
func (o *Orchestrator) Submit(req Request) (string, error) {
	if req.StoryID == "" {
		return "", ErrStoryIDEmpty
	}

	if req.VoiceRef == "" {
		return "", ErrVoiceRefEmpty
	}

	segments := o.chunker.Split(req.Text)
	now := time.Now()

	tsk := &task{
		mu:              sync.Mutex{},
		id:              uuid.NewString(),
		storyID:         req.StoryID,
		status:          core.TaskPending,
		progress:        0,
		currentStep:     "queued",
		errMsg:          "",
		audioRef:        "",
		chunks:          make([]core.ChunkJob, 0, len(segments)),
		createdAt:       now,
		updatedAt:       now,
		terminalAt:      time.Time{},
		cancel:          nil,
		cancelRequested: false,
		done:            make(chan struct{}),
	}

	for _, segment := range segments {
		tsk.chunks = append(tsk.chunks, core.ChunkJob{
			Index:    segment.Index,
			Text:     segment.Text,
			State:    core.ChunkQueued,
			StateStr: core.ChunkQueued.String(),
			JobID:    "",
			Attempts: 0,
		})
	}

	o.mu.Lock()
	o.tasks[tsk.id] = tsk
	o.mu.Unlock()

	o.log.Info("Task %s submitted for story %s (%d chunks)",
		tsk.id, req.StoryID, len(segments))

	go o.run(tsk, req, segments)

	return tsk.id, nil
}

// Status returns a snapshot of the task. Snapshots are copies; mutating one
// has no effect on the task.
func (o *Orchestrator) Status(taskID string) (core.NarrationTask, error) {
	tsk, err := o.lookup(taskID)
	if err != nil {
		return core.NarrationTask{}, err
	}

	return tsk.snapshot(), nil
}

// Cancel requests cancellation of a running task. In-flight chunk jobs are
// cancelled and no artifact is produced. Cancelling a terminal task is a
// no-op.
func (o *Orchestrator) Cancel(taskID string) error {
	tsk, err := o.lookup(taskID)
	if err != nil {
		return err
	}

	tsk.mu.Lock()
	defer tsk.mu.Unlock()

	if tsk.status.Terminal() {
		return nil
	}

	tsk.cancelRequested = true
	if tsk.cancel != nil {
		tsk.cancel()
	}

	o.log.Info("Task %s cancellation requested", taskID)

	return nil
}

// Wait blocks until the task reaches a terminal state or ctx expires, and
// returns the final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (core.NarrationTask, error) {
	tsk, err := o.lookup(taskID)
	if err != nil {
		return core.NarrationTask{}, err
	}

	select {
	case <-ctx.Done():
		return core.NarrationTask{}, fmt.Errorf("wait aborted: %w", ctx.Err())
	case <-tsk.done:
		return tsk.snapshot(), nil
	}
}

func (o *Orchestrator) lookup(taskID string) (*task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	tsk, ok := o.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	return tsk, nil
}

// run drives one task from pending to a terminal state.
func (o *Orchestrator) run(tsk *task, req Request, segments []chunker.Chunk) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TaskTimeout)
	defer cancel()

	tsk.mu.Lock()
	tsk.cancel = cancel
	alreadyCancelled := tsk.cancelRequested
	tsk.mu.Unlock()

	if alreadyCancelled {
		o.finish(tsk, core.TaskCancelled, "", "")

		return
	}

	if len(segments) == 0 {
		// Nothing to narrate. The task completes without an artifact.
		tsk.mu.Lock()
		tsk.progress = progressComplete
		tsk.mu.Unlock()

		o.finish(tsk, core.TaskCompleted, "", "")

		return
	}

	embedding, err := o.resolveEmbedding(ctx, req)
	if err != nil {
		if tsk.isCancelRequested() {
			o.finish(tsk, core.TaskCancelled, "", "")

			return
		}

		o.log.Error("Task %s embedding step failed: %v", tsk.id, err)
		o.finish(tsk, core.TaskFailed, "voice embedding could not be computed", "")

		return
	}

	tsk.setProcessing(len(segments))

	audio, synthErr := o.synthesizeAll(ctx, tsk, req, segments, embedding)

	if tsk.isCancelRequested() {
		o.finish(tsk, core.TaskCancelled, "", "")

		return
	}

	if synthErr != nil {
		o.log.Error("Task %s failed: %v", tsk.id, synthErr)
		o.finish(tsk, core.TaskFailed, conciseError(ctx, synthErr), "")

		return
	}

	tsk.setStep("assembling audio")

	artifact, asmErr := o.asm.Assemble(ctx, req.StoryID, audio)
	if asmErr != nil {
		if tsk.isCancelRequested() {
			o.finish(tsk, core.TaskCancelled, "", "")

			return
		}

		o.log.Error("Task %s assembly failed: %v", tsk.id, asmErr)
		o.finish(tsk, core.TaskFailed, "audio assembly failed", "")

		return
	}

	o.log.Info("Task %s completed: %s (%.1fs)",
		tsk.id, artifact.Key, artifact.Duration.Seconds())
	o.finish(tsk, core.TaskCompleted, "", artifact.Key)
}

// resolveEmbedding downloads the voice sample and returns its embedding,
// computing and caching it on a miss.
func (o *Orchestrator) resolveEmbedding(
	ctx context.Context,
	req Request,
) (*core.VoiceEmbedding, error) {
	sample, err := o.store.Download(ctx, req.VoiceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to download voice sample '%s': %w",
			req.VoiceRef, err)
	}

	key := voicecache.Key(sample, req.Settings)

	embedding, err := o.cache.GetOrCompute(ctx, key,
		func(computeCtx context.Context) (*core.VoiceEmbedding, error) {
			return o.synth.ComputeEmbedding(computeCtx, sample, req.Settings)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve voice embedding: %w", err)
	}

	return embedding, nil
}

// synthesizeAll fans the chunks out to the provider under the parallelism
// budget. The first permanent chunk failure cancels the siblings; completed
// audio comes back ordered by chunk index.
func (o *Orchestrator) synthesizeAll(
	ctx context.Context,
	tsk *task,
	req Request,
	segments []chunker.Chunk,
	embedding *core.VoiceEmbedding,
) ([]core.AudioSegment, error) {
	chunkCtx, cancelChunks := context.WithCancel(ctx)
	defer cancelChunks()

	// Let an external Cancel reach in-flight chunk jobs too.
	tsk.mu.Lock()
	tsk.cancel = cancelChunks
	tsk.mu.Unlock()

	var (
		waitGroup sync.WaitGroup
		failOnce  sync.Once
		firstErr  error
	)

	audio := make([]core.AudioSegment, len(segments))
	semaphore := make(chan struct{}, o.cfg.MaxParallelChunks)

	for _, segment := range segments {
		select {
		case semaphore <- struct{}{}:
		case <-chunkCtx.Done():
		}

		if chunkCtx.Err() != nil {
			break
		}

		waitGroup.Add(1)

		go func(segment chunker.Chunk) {
			defer waitGroup.Done()
			defer func() { <-semaphore }()

			result, err := o.synth.Synthesize(chunkCtx, core.SynthesisRequest{
				Text:      segment.Text,
				Embedding: embedding,
				Settings:  req.Settings,
				OnUpdate: func(update core.ChunkUpdate) {
					tsk.applyChunkUpdate(segment.Index, update)
				},
			})
			if err != nil {
				if chunkCtx.Err() == nil {
					tsk.markChunkFailed(segment.Index)
					failOnce.Do(func() {
						firstErr = fmt.Errorf("chunk %d: %w", segment.Index, err)
						cancelChunks()
					})
				}

				return
			}

			audio[segment.Index] = core.AudioSegment{
				Index:        segment.Index,
				Data:         result.Audio,
				ParagraphEnd: segment.ParagraphEnd,
			}
			tsk.markChunkSucceeded(segment.Index, len(segments))
		}(segment)
	}

	waitGroup.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("task aborted: %w", ctx.Err())
	}

	return audio, nil
}

// finish moves the task to a terminal state. Terminal states are absorbing;
// a second call is a no-op.
func (o *Orchestrator) finish(tsk *task, status core.TaskStatus, errMsg, audioRef string) {
	tsk.mu.Lock()
	defer tsk.mu.Unlock()

	if tsk.status.Terminal() {
		return
	}

	tsk.status = status
	tsk.errMsg = errMsg
	tsk.audioRef = audioRef
	tsk.updatedAt = time.Now()
	tsk.terminalAt = tsk.updatedAt

	switch status {
	case core.TaskCompleted:
		tsk.progress = progressComplete
		tsk.currentStep = "completed"
	case core.TaskCancelled:
		tsk.currentStep = "cancelled"
	case core.TaskFailed:
		tsk.currentStep = "failed"
	case core.TaskPending, core.TaskProcessing:
	}

	close(tsk.done)
}

// Sweep drops terminal tasks older than the retention window and returns how
// many were removed.
func (o *Orchestrator) Sweep(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0

	for id, tsk := range o.tasks {
		tsk.mu.Lock()
		expired := tsk.status.Terminal() && now.Sub(tsk.terminalAt) > o.cfg.Retention
		tsk.mu.Unlock()

		if expired {
			delete(o.tasks, id)

			removed++
		}
	}

	if removed > 0 {
		o.log.Info("Swept %d retired tasks", removed)
	}

	return removed
}

// RunSweeper periodically evicts retired tasks until ctx is cancelled.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(time.Now())
		}
	}
}

// conciseError maps an internal failure to the short reason surfaced to
// callers. Provider response bodies and retry counts stay in the logs; the
// status API only ever sees these fixed strings.
func conciseError(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "narration timed out"
	case errors.Is(err, inference.ErrJobTimeout):
		return "speech synthesis timed out"
	default:
		return "speech synthesis failed"
	}
}

func (t *task) isCancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cancelRequested
}

func (t *task) setProcessing(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = core.TaskProcessing
	t.currentStep = fmt.Sprintf("synthesizing segment 1 of %d", total)
	t.updatedAt = time.Now()
}

func (t *task) setStep(step string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return
	}

	t.currentStep = step
	t.updatedAt = time.Now()
}

// applyChunkUpdate records a job transition reported by the synthesizer.
func (t *task) applyChunkUpdate(index int, update core.ChunkUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.chunks) {
		return
	}

	chunk := &t.chunks[index]
	chunk.State = update.State
	chunk.StateStr = update.State.String()
	chunk.JobID = update.JobID
	chunk.Attempts = update.Attempt
	t.updatedAt = time.Now()
}

func (t *task) markChunkSucceeded(index, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.chunks) {
		return
	}

	t.chunks[index].State = core.ChunkSucceeded
	t.chunks[index].StateStr = core.ChunkSucceeded.String()

	succeeded := 0

	for i := range t.chunks {
		if t.chunks[i].State == core.ChunkSucceeded {
			succeeded++
		}
	}

	t.progress = succeeded * progressComplete / total

	if succeeded < total {
		t.currentStep = fmt.Sprintf("synthesizing segment %d of %d", succeeded+1, total)
	}

	t.updatedAt = time.Now()
}

func (t *task) markChunkFailed(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.chunks) {
		return
	}

	t.chunks[index].State = core.ChunkFailed
	t.chunks[index].StateStr = core.ChunkFailed.String()
	t.updatedAt = time.Now()
}

// snapshot copies the task for callers. The chunk slice is cloned so callers
// never alias orchestrator-owned memory.
func (t *task) snapshot() core.NarrationTask {
	t.mu.Lock()
	defer t.mu.Unlock()

	chunks := make([]core.ChunkJob, len(t.chunks))
	copy(chunks, t.chunks)

	return core.NarrationTask{
		ID:          t.id,
		StoryID:     t.storyID,
		Status:      t.status,
		StatusStr:   t.status.String(),
		Progress:    t.progress,
		CurrentStep: t.currentStep,
		Error:       t.errMsg,
		AudioRef:    t.audioRef,
		Chunks:      chunks,
		CreatedAt:   t.createdAt,
		UpdatedAt:   t.updatedAt,
	}
}
