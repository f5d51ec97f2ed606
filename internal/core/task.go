package core

import "time"

// TaskStatus is the lifecycle state of a narration task. It is a closed set
// of tagged variants; the orchestrator is the only writer and terminal states
// are absorbing.
type TaskStatus uint8

const (
	// TaskPending is the state before the first chunk dispatch.
	TaskPending TaskStatus = iota
	// TaskProcessing is the state while chunk jobs are in flight.
	TaskProcessing
	// TaskCompleted means every chunk succeeded and assembly finished.
	TaskCompleted
	// TaskFailed means a chunk exhausted its retries, the embedding step
	// failed, or assembly failed.
	TaskFailed
	// TaskCancelled means the caller cancelled the task before completion.
	TaskCancelled
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskProcessing:
		return "processing"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ChunkState is the lifecycle state of one dispatched chunk job.
type ChunkState uint8

const (
	// ChunkQueued means the chunk is waiting for worker capacity.
	ChunkQueued ChunkState = iota
	// ChunkSubmitted means the job was accepted by the provider.
	ChunkSubmitted
	// ChunkPolling means the provider is being polled for completion.
	ChunkPolling
	// ChunkSucceeded means audio was produced for the chunk.
	ChunkSucceeded
	// ChunkFailed means the chunk exhausted its retry budget.
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkQueued:
		return "queued"
	case ChunkSubmitted:
		return "submitted"
	case ChunkPolling:
		return "polling"
	case ChunkSucceeded:
		return "succeeded"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChunkJob is a caller-visible snapshot of one unit of dispatched work.
// Indices are contiguous starting at zero and unique within a task.
type ChunkJob struct {
	Index    int        `json:"index"`
	Text     string     `json:"-"`
	State    ChunkState `json:"-"`
	StateStr string     `json:"state"`
	JobID    string     `json:"jobId,omitempty"`
	Attempts int        `json:"attempts"`
}

// NarrationTask is a caller-visible snapshot of one end-to-end narration
// request. Snapshots are copies; mutating one has no effect on the task.
type NarrationTask struct {
	ID          string     `json:"id"`
	StoryID     string     `json:"storyId"`
	Status      TaskStatus `json:"-"`
	StatusStr   string     `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep"`
	Error       string     `json:"error,omitempty"`
	AudioRef    string     `json:"audioRef,omitempty"`
	Chunks      []ChunkJob `json:"chunks,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
