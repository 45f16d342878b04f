package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bountyhub/bountyhub/internal/infrastructure/sse"
)

// Queue handlers

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queueSvc.Stats(r.Context())
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.queueSvc.DeadLetters(r.Context(), parseLimit(r, 50, 500))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": dls, "count": len(dls)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.queueSvc.GetTask(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + actorFromContext(r.Context())
	}
	t, err := s.queueSvc.CancelTask(r.Context(), chi.URLParam(r, "taskId"), req.Reason)
	if err != nil && t == nil {
		s.respondServiceError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("cancel not fully recorded")
	}
	respondJSON(w, http.StatusOK, t)
}

// Audit handlers

func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	res, err := s.auditSvc.VerifyIntegrity(r.Context(), chi.URLParam(r, "auditId"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) resourceTrail(w http.ResponseWriter, r *http.Request) {
	events, err := s.auditSvc.GetAuditTrail(r.Context(),
		chi.URLParam(r, "resourceType"), chi.URLParam(r, "resourceId"), parseLimit(r, 50, 1000))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": events, "count": len(events)})
}

func (s *Server) userTrail(w http.ResponseWriter, r *http.Request) {
	events, err := s.auditSvc.GetUserAuditTrail(r.Context(), chi.URLParam(r, "userId"), parseLimit(r, 50, 1000))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": events, "count": len(events)})
}

// Notification stream

func (s *Server) notificationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := sse.NewClient(clientID, chi.URLParam(r, "userId"), 32)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.Messages:
			if !open {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("event: notification\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
