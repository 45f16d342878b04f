package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/pkg/retry"
	"github.com/bountyhub/bountyhub/pkg/telemetry"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second

	defaultLimit = 50
	maxLimit     = 200
)

// Service writes and reads tamper-evident audit events.
type Service struct {
	repo       audit.Repository
	logger     zerolog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSleep replaces the backoff wait between write attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = fn }
}

func WithRetries(n int, delay time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = n
		s.retryDelay = delay
	}
}

// NewService creates a new audit service
func NewService(repo audit.Repository, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		logger:     logger.With().Str("service", "audit").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      retry.Sleep,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LogEvent sanitizes, hashes and persists an audit event, retrying transient
// write failures with exponential backoff. It returns the event id or the
// last write error; it never drops an event silently.
func (s *Service) LogEvent(ctx context.Context, entry audit.Entry) (string, error) {
	event, err := audit.NewEvent(uuid.NewString(), s.now(), entry)
	if err != nil {
		return "", fmt.Errorf("failed to build audit event: %w", err)
	}

	_, err = retry.Do(ctx, retry.Config{
		MaxRetries: s.maxRetries,
		BaseDelay:  s.retryDelay,
		Sleep:      s.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			s.logger.Warn().Err(err).
				Str("auditId", event.ID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("audit write failed, retrying")
		},
	}, func(int) error {
		return s.repo.Create(ctx, event)
	})
	if err != nil {
		telemetry.AuditWriteFailures.Inc()
		s.logger.Error().Err(err).
			Str("auditId", event.ID).
			Str("action", event.Action).
			Str("resourceType", event.ResourceType).
			Str("resourceId", event.ResourceID).
			Msg("failed to persist audit event")
		return "", fmt.Errorf("failed to save audit event: %w", err)
	}

	s.logged(event)
	return event.ID, nil
}

// LogEventTx persists an audit event inside the caller's transaction so it
// commits atomically with the change it describes. Retries are left to the
// enclosing transaction.
func (s *Service) LogEventTx(ctx context.Context, tx document.Tx, entry audit.Entry) (string, error) {
	event, err := audit.NewEvent(uuid.NewString(), s.now(), entry)
	if err != nil {
		return "", fmt.Errorf("failed to build audit event: %w", err)
	}
	if err := s.repo.CreateTx(ctx, tx, event); err != nil {
		return "", fmt.Errorf("failed to save audit event: %w", err)
	}
	s.logged(event)
	return event.ID, nil
}

func (s *Service) logged(event *audit.Event) {
	telemetry.AuditEventsWritten.WithLabelValues(event.ResourceType).Inc()
	s.logger.Debug().
		Str("auditId", event.ID).
		Str("action", event.Action).
		Str("resourceType", event.ResourceType).
		Str("resourceId", event.ResourceID).
		Str("userId", event.UserID).
		Msg("audit event created")
}

// VerifyResult reports the integrity check of one event.
type VerifyResult struct {
	AuditID  string `json:"auditId"`
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
}

// VerifyAuditEvent re-fetches an event and recomputes its hash.
func (s *Service) VerifyAuditEvent(ctx context.Context, id string) (bool, error) {
	res, err := s.VerifyIntegrity(ctx, id)
	if err != nil {
		return false, err
	}
	return res.Verified, nil
}

// VerifyIntegrity is VerifyAuditEvent with a descriptive result.
func (s *Service) VerifyIntegrity(ctx context.Context, id string) (*VerifyResult, error) {
	event, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	verified, err := audit.Verify(event)
	if err != nil {
		return nil, fmt.Errorf("failed to verify audit event: %w", err)
	}

	result := &VerifyResult{AuditID: id, Verified: verified}
	if verified {
		result.Message = "Audit event integrity verified"
	} else {
		result.Message = "Audit event hash mismatch - possible tampering detected"
		s.logger.Warn().Str("auditId", id).Msg("audit event hash verification failed")
	}
	return result, nil
}

// GetAuditTrail returns the newest events for a resource.
func (s *Service) GetAuditTrail(ctx context.Context, resourceType, resourceID string, limit int) ([]*audit.Event, error) {
	events, err := s.repo.ListByResource(ctx, resourceType, resourceID, clampLimit(limit))
	if err != nil {
		s.logger.Error().Err(err).
			Str("resourceType", resourceType).
			Str("resourceId", resourceID).
			Msg("failed to get audit trail")
		return nil, fmt.Errorf("failed to get audit trail: %w", err)
	}
	return events, nil
}

// GetUserAuditTrail returns the newest events produced by a user.
func (s *Service) GetUserAuditTrail(ctx context.Context, userID string, limit int) ([]*audit.Event, error) {
	events, err := s.repo.ListByUser(ctx, userID, clampLimit(limit))
	if err != nil {
		s.logger.Error().Err(err).Str("userId", userID).Msg("failed to get user audit trail")
		return nil, fmt.Errorf("failed to get user audit trail: %w", err)
	}
	return events, nil
}

// PurgeBefore deletes events older than cutoff in batches. It is a retention
// task, never part of a business operation.
func (s *Service) PurgeBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	total := 0
	for {
		n, err := s.repo.DeleteBefore(ctx, cutoff, batchSize)
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to purge audit events: %w", err)
		}
		if n < batchSize {
			break
		}
	}
	s.logger.Info().Int("deleted", total).Time("cutoff", cutoff).Msg("audit events purged")
	return total, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
