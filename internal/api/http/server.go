package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	appAudit "github.com/bountyhub/bountyhub/internal/application/audit"
	appDispute "github.com/bountyhub/bountyhub/internal/application/dispute"
	appMarketplace "github.com/bountyhub/bountyhub/internal/application/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/dispute"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
	"github.com/bountyhub/bountyhub/internal/domain/task"
	"github.com/bountyhub/bountyhub/internal/infrastructure/sse"
)

// QueueService is the queue runtime as seen by operators.
type QueueService interface {
	Stats(ctx context.Context) (task.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]*task.DeadLetter, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CancelTask(ctx context.Context, id, reason string) (*task.Task, error)
}

// AuditService verifies and lists audit events.
type AuditService interface {
	VerifyIntegrity(ctx context.Context, id string) (*appAudit.VerifyResult, error)
	GetAuditTrail(ctx context.Context, resourceType, resourceID string, limit int) ([]*audit.Event, error)
	GetUserAuditTrail(ctx context.Context, userID string, limit int) ([]*audit.Event, error)
}

// DisputeService is the admin side of dispute handling.
type DisputeService interface {
	Get(ctx context.Context, id string) (*dispute.Dispute, error)
	ChangeStatus(ctx context.Context, id string, to dispute.Status, actor, reason string) (*dispute.Dispute, error)
	Resolve(ctx context.Context, id string, req appDispute.ResolveRequest) (*dispute.Dispute, error)
}

// MarketplaceService covers the operator interventions on bounties and
// payments.
type MarketplaceService interface {
	CancelBounty(ctx context.Context, bountyID, actor string, role sm.Role, reason string) error
	RequestEscrowRelease(ctx context.Context, in appMarketplace.ReleaseInput) (string, error)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	queueSvc       QueueService
	auditSvc       AuditService
	disputeSvc     DisputeService
	marketplaceSvc MarketplaceService
	sseHub         *sse.Hub
	metrics        http.Handler
	ready          func(ctx context.Context) error
	adminToken     string
	jwtSecret      []byte
	logger         zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAdminToken requires a bearer token on every /v1 route.
func WithAdminToken(token string) Option { return func(s *Server) { s.adminToken = token } }

// WithJWTSecret accepts HS256 operator tokens signed with secret on /v1.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.jwtSecret = []byte(secret)
		}
	}
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithReadiness makes /healthz report 503 while check fails.
func WithReadiness(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// WithDisputes serves the dispute admin routes.
func WithDisputes(svc DisputeService) Option { return func(s *Server) { s.disputeSvc = svc } }

// WithMarketplace serves the bounty and payment admin routes.
func WithMarketplace(svc MarketplaceService) Option {
	return func(s *Server) { s.marketplaceSvc = svc }
}

// WithNotificationStream serves notification streams from hub.
func WithNotificationStream(hub *sse.Hub) Option { return func(s *Server) { s.sseHub = hub } }

func NewServer(queueSvc QueueService, auditSvc AuditService, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		queueSvc: queueSvc,
		auditSvc: auditSvc,
		logger:   logger.With().Str("service", "httpapi").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/queue", func(r chi.Router) {
				r.Get("/stats", s.queueStats)
				r.Get("/dead-letters", s.listDeadLetters)
				r.Get("/tasks/{taskId}", s.getTask)
				r.Post("/tasks/{taskId}/cancel", s.cancelTask)
			})

			r.Route("/audit", func(r chi.Router) {
				r.Get("/{auditId}/verify", s.verifyAudit)
				r.Get("/resources/{resourceType}/{resourceId}", s.resourceTrail)
				r.Get("/users/{userId}", s.userTrail)
			})

			if s.disputeSvc != nil {
				r.Route("/disputes/{disputeId}", func(r chi.Router) {
					r.Get("/", s.getDispute)
					r.Post("/status", s.changeDisputeStatus)
					r.Post("/resolve", s.resolveDispute)
				})
			}

			if s.marketplaceSvc != nil {
				r.Post("/bounties/{bountyId}/cancel", s.cancelBounty)
				r.Post("/payments/{paymentId}/release", s.releasePayment)
			}
		})

		if s.sseHub != nil {
			r.Get("/notifications/{userId}/stream", s.notificationStream)
		}
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondServiceError maps domain errors onto status codes.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound), errors.Is(err, audit.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound), errors.Is(err, appMarketplace.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, dispute.ErrInvalidInput), errors.Is(err, appMarketplace.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, task.ErrNotCancellable), errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, dispute.ErrClosed), errors.Is(err, dispute.ErrResolutionRequired),
		errors.Is(err, sm.ErrIllegalTransition), errors.Is(err, sm.ErrValidation):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// decodeBody decodes an optional JSON body; an empty body leaves v as is.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}
