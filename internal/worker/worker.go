// Package worker provides a NATS worker that processes narration requests
// published by the story pipeline. Each request event names a story text
// object and a voice sample object; the worker drives the narration to a
// terminal state and replies with the outcome.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/story-narrator/narration-service/internal/core"
	"github.com/story-narrator/narration-service/internal/orchestrator"
)

// DefaultNarrationDeadline bounds one event's end-to-end narration.
const DefaultNarrationDeadline = 30 * time.Minute

var (
	// ErrTextKeyEmpty indicates a request event without a story text key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrVoiceKeyEmpty indicates a request event without a voice sample key.
	ErrVoiceKeyEmpty = errors.New("voice key cannot be empty")
)

// NarrationRequestedEvent asks the service to narrate one story.
type NarrationRequestedEvent struct {
	Header       events.EventHeader `json:"header"`
	StoryID      string             `json:"story_id"`
	TextKey      string             `json:"text_key"`
	VoiceKey     string             `json:"voice_key"`
	Exaggeration float64            `json:"exaggeration"`
	Temperature  float64            `json:"temperature"`
	CFGWeight    float64            `json:"cfg_weight"`
	Language     string             `json:"language"`
}

// NarrationCompletedEvent reports the terminal outcome of a request.
type NarrationCompletedEvent struct {
	Header   events.EventHeader `json:"header"`
	StoryID  string             `json:"story_id"`
	TaskID   string             `json:"task_id"`
	Status   string             `json:"status"`
	AudioKey string             `json:"audio_key,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// NarrationService is the slice of the orchestrator the worker needs.
type NarrationService interface {
	Submit(req orchestrator.Request) (string, error)
	Wait(ctx context.Context, taskID string) (core.NarrationTask, error)
}

// NatsWorker listens for narration requests on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	narrations     NarrationService
	deadline       time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a worker. A non-positive deadline takes the default.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	narrations NarrationService,
	deadline time.Duration,
	log *logger.Logger,
) *NatsWorker {
	if deadline <= 0 {
		deadline = DefaultNarrationDeadline
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		narrations:     narrations,
		deadline:       deadline,
		log:            log,
	}
}

// Run subscribes and blocks until ctx is cancelled, then drains.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.deadline)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		return
	}

	final, runErr := w.runNarration(ctx, event)
	if runErr != nil {
		w.log.Error("Failed to run narration for workflow %s: %v",
			event.Header.WorkflowID, runErr)

		replyErr := w.publishReply(msg, &NarrationCompletedEvent{
			Header:   event.Header,
			StoryID:  event.StoryID,
			TaskID:   "",
			Status:   core.TaskFailed.String(),
			AudioKey: "",
			Error:    runErr.Error(),
		})
		if replyErr != nil {
			w.log.Error("Failed to publish failure reply for workflow %s: %v",
				event.Header.WorkflowID, replyErr)
		}

		return
	}

	err = w.publishReply(msg, &NarrationCompletedEvent{
		Header:   event.Header,
		StoryID:  event.StoryID,
		TaskID:   final.ID,
		Status:   final.StatusStr,
		AudioKey: final.AudioRef,
		Error:    final.Error,
	})
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v",
			event.Header.WorkflowID, err)
	}
}

// runNarration downloads the story text, submits the narration, and waits
// for its terminal state.
func (w *NatsWorker) runNarration(
	ctx context.Context,
	event *NarrationRequestedEvent,
) (core.NarrationTask, error) {
	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return core.NarrationTask{}, fmt.Errorf(
			"failed to download story text for key '%s': %w", event.TextKey, err)
	}

	taskID, err := w.narrations.Submit(orchestrator.Request{
		StoryID:  event.StoryID,
		Text:     string(textData),
		VoiceRef: event.VoiceKey,
		Settings: core.SynthesisSettings{
			Exaggeration: event.Exaggeration,
			Temperature:  event.Temperature,
			CFGWeight:    event.CFGWeight,
			Language:     event.Language,
		},
	})
	if err != nil {
		return core.NarrationTask{}, fmt.Errorf("failed to submit narration: %w", err)
	}

	final, err := w.narrations.Wait(ctx, taskID)
	if err != nil {
		return core.NarrationTask{}, fmt.Errorf("failed to await narration %s: %w", taskID, err)
	}

	return final, nil
}

func (w *NatsWorker) publishReply(msg *nats.Msg, reply *NarrationCompletedEvent) error {
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*NarrationRequestedEvent, error) {
	var event NarrationRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.TextKey == "" {
		return nil, ErrTextKeyEmpty
	}

	if event.VoiceKey == "" {
		return nil, ErrVoiceKeyEmpty
	}

	return &event, nil
}
