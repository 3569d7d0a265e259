package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/privacypoint/docflow/bus"
	"github.com/privacypoint/docflow/core"
	"github.com/privacypoint/docflow/engine"
)

// Server exposes the workflow controller over HTTP.
type Server struct {
	ctrl   *engine.Controller
	events bus.EventStore
	log    *slog.Logger
}

// NewServer builds a Server. The event store is optional; without one the
// events endpoint serves the stage audit trail only.
func NewServer(ctrl *engine.Controller, events bus.EventStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ctrl: ctrl, events: events, log: logger}
}

// Handler returns the daemon's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/documents", s.handleCreateDocument)
	mux.HandleFunc("GET /api/v1/documents", s.handleListDocuments)
	mux.HandleFunc("GET /api/v1/documents/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/documents/{id}/content", s.handleContent)
	mux.HandleFunc("GET /api/v1/documents/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/v1/documents/{id}/review", s.handleReview)
	mux.HandleFunc("POST /api/v1/documents/{id}/cancel", s.handleCancel)
	return mux
}

type apiErrorResponse struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createDocumentRequest struct {
	DocumentID string       `json:"document_id,omitempty"`
	Request    core.Request `json:"request"`
}

type createDocumentResponse struct {
	RunID      string         `json:"run_id"`
	DocumentID string         `json:"document_id"`
	Status     core.RunStatus `json:"status"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	documentID := req.DocumentID
	if documentID == "" {
		documentID = req.Request.ExternalSystemID
	}
	if documentID == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "document_id is required", nil)
		return
	}

	runID, err := s.ctrl.CreateRun(r.Context(), documentID, req.Request)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createDocumentResponse{
		RunID:      runID,
		DocumentID: documentID,
		Status:     core.StatusCreated,
	})
}

type listDocumentsResponse struct {
	RunIDs []string `json:"run_ids"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	status := core.RunStatus(queryParam(r, "status"))
	runIDs, err := s.ctrl.Runs(r.Context(), status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if runIDs == nil {
		runIDs = []string{}
	}
	writeJSON(w, http.StatusOK, listDocumentsResponse{RunIDs: runIDs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctrl.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctrl.GetContent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type eventsResponse struct {
	RunID       string            `json:"run_id"`
	StageEvents []core.StageEvent `json:"stage_events"`
	RunEvents   []apiEvent        `json:"run_events,omitempty"`
}

// apiEvent is the wire form of an engine event.
type apiEvent struct {
	Seq     uint64         `json:"seq"`
	Kind    string         `json:"kind"`
	Stage   core.StageName `json:"stage,omitempty"`
	Status  core.RunStatus `json:"status,omitempty"`
	Time    time.Time      `json:"time"`
	Attempt int            `json:"attempt,omitempty"`
	Elapsed string         `json:"elapsed,omitempty"`
	Version int            `json:"version,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func toAPIEvent(event engine.Event) apiEvent {
	out := apiEvent{
		Seq:     event.Seq,
		Kind:    string(event.Kind),
		Stage:   event.Stage,
		Status:  event.Status,
		Time:    event.Time,
		Attempt: event.Attempt,
		Version: event.Version,
		Payload: event.Payload,
	}
	if event.Elapsed > 0 {
		out.Elapsed = event.Elapsed.String()
	}
	return out
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	stageEvents, err := s.ctrl.Events(r.Context(), runID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if stageEvents == nil {
		stageEvents = []core.StageEvent{}
	}

	resp := eventsResponse{RunID: runID, StageEvents: stageEvents}
	if s.events != nil {
		afterSeq, err := queryUint(r, "after_seq")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		runEvents, err := s.events.List(r.Context(), runID, afterSeq, limit)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		resp.RunEvents = make([]apiEvent, 0, len(runEvents))
		for _, event := range runEvents {
			resp.RunEvents = append(resp.RunEvents, toAPIEvent(event))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type reviewRequest struct {
	Decision   core.Decision `json:"decision"`
	ReviewerID string        `json:"reviewer_id"`
	Feedback   string        `json:"feedback,omitempty"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var req reviewRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	err := s.ctrl.SubmitReview(r.Context(), core.ReviewDecision{
		RunID:       runID,
		Decision:    req.Decision,
		ReviewerID:  req.ReviewerID,
		Feedback:    req.Feedback,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	view, err := s.ctrl.GetStatus(r.Context(), runID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.ctrl.Cancel(r.Context(), runID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	view, err := s.ctrl.GetStatus(r.Context(), runID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// writeServiceError maps controller errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *core.ValidationError
	if errors.As(err, &validationErr) {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", validationErr.Error(), map[string]string{"field": validationErr.Field})
		return
	}
	var notFoundErr *core.NotFoundError
	if errors.As(err, &notFoundErr) {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", notFoundErr.Error(), nil)
		return
	}
	var notReadyErr *core.NotReadyError
	if errors.As(err, &notReadyErr) {
		writeJSONError(w, http.StatusConflict, "NOT_READY", notReadyErr.Error(), map[string]string{"status": string(notReadyErr.Status)})
		return
	}
	var transitionErr *core.InvalidTransitionError
	if errors.As(err, &transitionErr) {
		writeJSONError(w, http.StatusConflict, "INVALID_TRANSITION", transitionErr.Error(), nil)
		return
	}
	var staleErr *core.StaleStateConflict
	if errors.As(err, &staleErr) {
		writeJSONError(w, http.StatusConflict, "STALE_STATE", staleErr.Error(), nil)
		return
	}
	s.log.Error("request failed", "error", err)
	writeJSONError(w, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, apiErrorResponse{Error: apiErrorDetail{Code: code, Message: message, Details: details}})
}

func decodeJSONBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body must not be empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func queryParam(r *http.Request, name string) string {
	return r.URL.Query().Get(name)
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := queryParam(r, name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("query parameter %q must be a non-negative integer", name)
	}
	return value, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := queryParam(r, name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("query parameter %q must be a non-negative integer", name)
	}
	return value, nil
}
