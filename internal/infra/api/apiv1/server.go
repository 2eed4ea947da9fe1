// Package apiv1 exposes the job engine over HTTP: submission, cancellation,
// status (single-shot and SSE stream) and the notification feed.
package apiv1

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"score-conversion-service/internal/domain"
	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/infra/logging"
	"score-conversion-service/internal/usecase"
)

type Server struct {
	convUC  usecase.ConversionUseCase
	notifUC usecase.NotificationUseCase
	log     *zerolog.Logger
}

func NewServer(convUC usecase.ConversionUseCase, notifUC usecase.NotificationUseCase, logger *zerolog.Logger) *Server {
	return &Server{convUC: convUC, notifUC: notifUC, log: logger}
}

func (s *Server) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/conversions", s.handleSubmit)
		r.Get("/conversions/{sessionID}", s.handleStatus)
		r.Post("/conversions/{sessionID}/cancel", s.handleCancel)
		r.Get("/notifications", s.handleNotifications)
		r.Patch("/notifications/read", s.handleMarkAllRead)
	})
}

// IsStreamRequest reports whether the request opted into SSE delivery; such
// requests are exempt from the request timeout middleware.
func IsStreamRequest(r *http.Request) bool {
	return r.URL.Query().Get("watch") == "1"
}

type submitRequest struct {
	SessionID   string `json:"sessionId,omitempty"`
	DocumentRef string `json:"documentRef"`
	Filename    string `json:"filename"`
	Title       string `json:"title,omitempty"`
	Composer    string `json:"composer,omitempty"`
}

type jobSnapshot struct {
	SessionID string           `json:"sessionId"`
	Status    model.JobStatus  `json:"status"`
	Progress  int              `json:"progress"`
	Stage     string           `json:"stage,omitempty"`
	ResultRef string           `json:"resultRef,omitempty"`
	ErrorInfo *model.ErrorInfo `json:"errorInfo,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func snapshot(j *model.ConversionJob) jobSnapshot {
	return jobSnapshot{
		SessionID: j.SessionID,
		Status:    j.Status,
		Progress:  j.Progress,
		Stage:     j.Stage,
		ResultRef: j.ResultRef,
		ErrorInfo: j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := logging.UserID(r.Context())
	job, err := s.convUC.Submit(r.Context(), userID, req.SessionID, model.JobSpec{
		DocumentRef: req.DocumentRef,
		Filename:    req.Filename,
		Title:       req.Title,
		Composer:    req.Composer,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"sessionId": job.SessionID,
		"status":    job.Status,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID := logging.UserID(r.Context())
	ok, err := s.convUC.Cancel(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := logging.UserID(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	if IsStreamRequest(r) {
		s.streamStatus(w, r, sessionID, userID)
		return
	}

	job, err := s.convUC.Status(r.Context(), sessionID, userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot(job))
}

// streamStatus delivers snapshots as server-sent events until the job turns
// terminal or the client disconnects.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, err := s.convUC.Watch(r.Context(), sessionID, userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for job := range updates {
		data, err := json.Marshal(snapshot(job))
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID := logging.UserID(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, err := s.notifUC.List(r.Context(), userID, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	type notifDTO struct {
		ID               string    `json:"id"`
		Type             string    `json:"type"`
		Message          string    `json:"message"`
		RelatedSessionID string    `json:"relatedSessionId"`
		Read             bool      `json:"read"`
		CreatedAt        time.Time `json:"createdAt"`
	}
	out := make([]notifDTO, 0, len(items))
	for _, n := range items {
		out = append(out, notifDTO{
			ID:               n.ID,
			Type:             string(n.Type),
			Message:          n.Message,
			RelatedSessionID: n.RelatedSessionID,
			Read:             n.Read,
			CreatedAt:        n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := logging.UserID(r.Context())
	count, err := s.notifUC.MarkAllRead(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"markedCount": count})
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid job specification")
	case errors.Is(err, domain.ErrDuplicateSession):
		writeError(w, http.StatusConflict, "session already exists")
	case errors.Is(err, domain.ErrConcurrencyLimit):
		writeError(w, http.StatusTooManyRequests, "too many active jobs, retry later")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "service unavailable, retry later")
	default:
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Msg("unhandled api error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
