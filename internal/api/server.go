// Package api exposes the task-status HTTP surface consumed by calling UIs:
// submit a narration, poll its status at roughly one-second intervals, and
// cancel it. Terminal statuses are final; clients stop polling on them.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/book-expert/logger"
	"github.com/story-narrator/narration-service/internal/core"
	"github.com/story-narrator/narration-service/internal/orchestrator"
)

const (
	routeSubmit = "POST /api/v1/narrations"
	routeStatus = "GET /api/v1/narrations/{id}"
	routeCancel = "POST /api/v1/narrations/{id}/cancel"
)

// TaskService is the slice of the orchestrator the HTTP surface needs.
type TaskService interface {
	Submit(req orchestrator.Request) (string, error)
	Status(taskID string) (core.NarrationTask, error)
	Cancel(taskID string) error
}

// Server serves the narration task API.
type Server struct {
	tasks TaskService
	log   *logger.Logger
}

// New creates the API server around a task service.
func New(tasks TaskService, log *logger.Logger) *Server {
	return &Server{tasks: tasks, log: log}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(routeSubmit, s.handleSubmit)
	mux.HandleFunc(routeStatus, s.handleStatus)
	mux.HandleFunc(routeCancel, s.handleCancel)

	return mux
}

// submitRequest is the JSON body of a narration submission.
type submitRequest struct {
	StoryID  string                 `json:"storyId"`
	Text     string                 `json:"text"`
	VoiceRef string                 `json:"voiceRef"`
	Settings core.SynthesisSettings `json:"settings"`
}

type submitResponse struct {
	TaskID string `json:"taskId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	taskID, err := s.tasks.Submit(orchestrator.Request{
		StoryID:  req.StoryID,
		Text:     req.Text,
		VoiceRef: req.VoiceRef,
		Settings: req.Settings,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.tasks.Status(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")

			return
		}

		s.log.Error("Status lookup failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")

		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.tasks.Cancel(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")

			return
		}

		s.log.Error("Cancel failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		s.log.Error("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
