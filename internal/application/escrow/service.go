package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bountyhub/bountyhub/internal/application/queue"
	"github.com/bountyhub/bountyhub/internal/application/statemachine"
	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/notification"
	"github.com/bountyhub/bountyhub/internal/domain/payment"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrNotReleasable   = errors.New("payment is not held in escrow")
	ErrNotRefundable   = errors.New("payment cannot be refunded")
)

// Auditor writes business audit records inside a transaction.
type Auditor interface {
	LogEventTx(ctx context.Context, tx document.Tx, entry audit.Entry) (string, error)
}

// Enqueuer adds follow-up tasks.
type Enqueuer interface {
	AddTask(ctx context.Context, payload task.Payload, priority task.Priority, opts ...queue.AddOption) (string, error)
}

// Service moves escrowed funds: it calls the payment provider, then commits
// the payment transition, the bounty counters and the audit record in one
// transaction.
type Service struct {
	engine   *txn.Engine
	provider payment.Provider
	payments *statemachine.Engine
	bounties *statemachine.Engine
	auditor  Auditor
	notifier Enqueuer
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier enqueues creator notifications after releases and refunds.
func WithNotifier(e Enqueuer) Option { return func(s *Service) { s.notifier = e } }

func NewService(
	engine *txn.Engine,
	provider payment.Provider,
	payments, bounties *statemachine.Engine,
	auditor Auditor,
	logger zerolog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		engine:   engine,
		provider: provider,
		payments: payments,
		bounties: bounties,
		auditor:  auditor,
		logger:   logger.With().Str("service", "escrow").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReleaseRequest identifies a payment to release. Role defaults to system.
type ReleaseRequest struct {
	PaymentID    string
	BountyID     string
	SubmissionID string
	CreatorID    string
	Actor        string
	Role         sm.Role
}

// ReleaseResult reports what a release changed.
type ReleaseResult struct {
	PaymentID         string `json:"paymentId"`
	TransferID        string `json:"transferId"`
	BountyID          string `json:"bountyId,omitempty"`
	BountyStatus      string `json:"bountyStatus,omitempty"`
	PaidCreatorsCount int    `json:"paidCreatorsCount,omitempty"`
	AlreadyReleased   bool   `json:"alreadyReleased,omitempty"`

	creatorID string
	earnings  float64
	currency  string
}

// Release pays a held escrow payment out to the creator. Releasing an
// already released payment is a no-op. A transfer id recorded on the payment
// by an earlier attempt is reused instead of calling the provider again.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	role := roleOrSystem(req.Role)
	doc, err := s.getPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	status := sm.State(doc.GetString("status"))
	if status == payment.StatusReleased {
		return &ReleaseResult{PaymentID: req.PaymentID, TransferID: doc.GetString("transferId"), AlreadyReleased: true}, nil
	}
	if status != payment.StatusHeldInEscrow {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReleasable, req.PaymentID, status)
	}
	if !s.payments.CanTransition(status, payment.StatusReleased, sm.Context{EntityID: req.PaymentID, Actor: req.Actor, Role: role, Data: doc.Data}) {
		return nil, &sm.TransitionError{
			EntityType: payment.EntityType,
			From:       status,
			To:         payment.StatusReleased,
			Reason:     fmt.Sprintf("role %q not allowed", role),
		}
	}

	transferID := doc.GetString("transferId")
	if transferID == "" {
		transferID, err = s.provider.ReleaseFunds(ctx, req.PaymentID)
		if err != nil {
			return nil, fmt.Errorf("release funds for %s: %w", req.PaymentID, err)
		}
		s.remember(ctx, doc, req.Actor, "transferId", transferID)
	}

	res := txn.Execute(ctx, s.engine, "escrow.release", func(ctx context.Context, tx document.Tx) (*ReleaseResult, error) {
		return s.releaseIn(ctx, tx, req, role, transferID)
	})
	if !res.Success {
		return nil, res.Err
	}
	out := res.Data
	if !out.AlreadyReleased {
		if s.notifier != nil && out.creatorID != "" {
			s.notify(ctx, out.creatorID, "Payment released",
				fmt.Sprintf("%.2f %s has been released to you.", out.earnings, out.currency),
				map[string]any{"paymentId": out.PaymentID, "bountyId": out.BountyID, "transferId": out.TransferID})
		}
		s.logger.Info().
			Str("paymentId", out.PaymentID).
			Str("transferId", out.TransferID).
			Str("bountyId", out.BountyID).
			Str("bountyStatus", out.BountyStatus).
			Msg("escrow released")
	}
	return out, nil
}

func (s *Service) releaseIn(ctx context.Context, tx document.Tx, req ReleaseRequest, role sm.Role, transferID string) (*ReleaseResult, error) {
	pdoc, err := tx.Get(ctx, payment.Collection, req.PaymentID)
	if err != nil {
		return nil, err
	}
	from := sm.State(pdoc.GetString("status"))
	if from == payment.StatusReleased {
		return &ReleaseResult{PaymentID: req.PaymentID, TransferID: pdoc.GetString("transferId"), AlreadyReleased: true}, nil
	}

	now := s.engine.Now()
	updates := map[string]any{
		"status":     string(payment.StatusReleased),
		"transferId": transferID,
		"releasedAt": now.UnixMilli(),
	}
	creatorID := pdoc.GetString("creatorId")
	if creatorID == "" && req.CreatorID != "" {
		creatorID = req.CreatorID
		updates["creatorId"] = creatorID
	}
	data := document.Merge(pdoc.Data, updates)
	data["status"] = string(from)

	if _, err := s.payments.TransitionTx(ctx, tx, from, payment.StatusReleased, sm.Context{
		EntityID:  req.PaymentID,
		Actor:     req.Actor,
		Role:      role,
		Data:      data,
		Automated: true,
		Now:       now,
		Metadata:  map[string]any{"transferId": transferID},
	}, "escrow released"); err != nil {
		return nil, err
	}
	if _, err := s.engine.UpdateIn(ctx, tx, req.Actor, payment.Collection, req.PaymentID, updates, txn.Update{ExpectedVersion: pdoc.Version}); err != nil {
		return nil, err
	}

	out := &ReleaseResult{PaymentID: req.PaymentID, TransferID: transferID}
	bountyID := req.BountyID
	if bountyID == "" {
		bountyID = pdoc.GetString("bountyId")
	}
	if bountyID != "" {
		amount := pdoc.GetNumber("amount")
		status, paid, err := s.creditBounty(ctx, tx, bountyID, amount, req.Actor, now)
		if err != nil {
			return nil, err
		}
		out.BountyID, out.BountyStatus, out.PaidCreatorsCount = bountyID, status, paid
	}

	if _, err := s.auditor.LogEventTx(ctx, tx, audit.Entry{
		UserID:       actorOrSystem(req.Actor),
		Action:       audit.ActionEscrowReleased,
		ResourceType: payment.EntityType,
		ResourceID:   req.PaymentID,
		OldData:      map[string]any{"status": string(from)},
		NewData: map[string]any{
			"status":          string(payment.StatusReleased),
			"transferId":      transferID,
			"creatorId":       creatorID,
			"creatorEarnings": pdoc.GetNumber("creatorEarnings"),
		},
		Metadata: map[string]any{
			"bountyId":     bountyID,
			"submissionId": req.SubmissionID,
			"role":         string(role),
		},
	}); err != nil {
		return nil, err
	}

	out.creatorID = creatorID
	out.earnings = pdoc.GetNumber("creatorEarnings")
	out.currency = pdoc.GetString("currency")
	return out, nil
}

// creditBounty records a paid creator and advances the bounty as far as
// its guards allow.
func (s *Service) creditBounty(ctx context.Context, tx document.Tx, bountyID string, amount float64, actor string, now time.Time) (string, int, error) {
	bdoc, err := tx.Get(ctx, marketplace.BountyCollection, bountyID)
	if err != nil {
		return "", 0, fmt.Errorf("load bounty %s: %w", bountyID, err)
	}
	paid := int(bdoc.GetNumber("paidCreatorsCount")) + 1
	updates := map[string]any{
		"paidCreatorsCount": paid,
		"remainingBudget":   bdoc.GetNumber("remainingBudget") - amount,
	}
	data := document.Merge(bdoc.Data, updates)

	status := sm.State(bdoc.GetString("status"))
	for _, next := range []sm.State{marketplace.BountyInProgress, marketplace.BountyCompleted} {
		c := sm.Context{EntityID: bountyID, Actor: actor, Role: sm.RoleSystem, Data: data, Automated: true, Now: now}
		if s.bounties.Check(status, next, c) != nil {
			continue
		}
		if _, err := s.bounties.TransitionTx(ctx, tx, status, next, c, "creator paid"); err != nil {
			return "", 0, err
		}
		status = next
		data["status"] = string(status)
	}
	updates["status"] = string(status)

	if _, err := s.engine.UpdateIn(ctx, tx, actor, marketplace.BountyCollection, bountyID, updates, txn.Update{ExpectedVersion: bdoc.Version}); err != nil {
		return "", 0, err
	}
	return string(status), paid, nil
}

// RefundRequest identifies a payment to refund. Role defaults to system,
// which the payment lifecycle does not allow to refund.
type RefundRequest struct {
	PaymentID string
	Reason    string
	Actor     string
	Role      sm.Role
}

// RefundResult reports a refund.
type RefundResult struct {
	PaymentID       string `json:"paymentId"`
	RefundID        string `json:"refundId"`
	From            string `json:"from,omitempty"`
	AlreadyRefunded bool   `json:"alreadyRefunded,omitempty"`

	businessID string
	amount     float64
	currency   string
}

// Refund returns a held or released payment to the business.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	role := roleOrSystem(req.Role)
	doc, err := s.getPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	from := sm.State(doc.GetString("status"))
	if from == payment.StatusRefunded {
		return &RefundResult{PaymentID: req.PaymentID, RefundID: doc.GetString("refundId"), AlreadyRefunded: true}, nil
	}
	if from != payment.StatusHeldInEscrow && from != payment.StatusReleased {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRefundable, req.PaymentID, from)
	}
	if !s.payments.CanTransition(from, payment.StatusRefunded, sm.Context{EntityID: req.PaymentID, Actor: req.Actor, Role: role, Data: doc.Data}) {
		return nil, &sm.TransitionError{
			EntityType: payment.EntityType,
			From:       from,
			To:         payment.StatusRefunded,
			Reason:     fmt.Sprintf("role %q not allowed", role),
		}
	}

	refundID := doc.GetString("refundId")
	if refundID == "" {
		refundID, err = s.provider.Refund(ctx, req.PaymentID, req.Reason)
		if err != nil {
			return nil, fmt.Errorf("refund %s: %w", req.PaymentID, err)
		}
		s.remember(ctx, doc, req.Actor, "refundId", refundID)
	}

	res := txn.Execute(ctx, s.engine, "escrow.refund", func(ctx context.Context, tx document.Tx) (*RefundResult, error) {
		pdoc, err := tx.Get(ctx, payment.Collection, req.PaymentID)
		if err != nil {
			return nil, err
		}
		cur := sm.State(pdoc.GetString("status"))
		if cur == payment.StatusRefunded {
			return &RefundResult{PaymentID: req.PaymentID, RefundID: pdoc.GetString("refundId"), AlreadyRefunded: true}, nil
		}
		now := s.engine.Now()
		updates := map[string]any{
			"status":       string(payment.StatusRefunded),
			"refundId":     refundID,
			"refundReason": req.Reason,
			"refundedAt":   now.UnixMilli(),
		}
		if _, err := s.payments.TransitionTx(ctx, tx, cur, payment.StatusRefunded, sm.Context{
			EntityID: req.PaymentID,
			Actor:    req.Actor,
			Role:     role,
			Data:     pdoc.Data,
			Now:      now,
			Metadata: map[string]any{"refundId": refundID},
		}, req.Reason); err != nil {
			return nil, err
		}
		if _, err := s.engine.UpdateIn(ctx, tx, req.Actor, payment.Collection, req.PaymentID, updates, txn.Update{ExpectedVersion: pdoc.Version}); err != nil {
			return nil, err
		}
		if err := s.markBountyRefunded(ctx, tx, pdoc, req.Actor); err != nil {
			return nil, err
		}
		if _, err := s.auditor.LogEventTx(ctx, tx, audit.Entry{
			UserID:       actorOrSystem(req.Actor),
			Action:       audit.ActionPaymentRefunded,
			ResourceType: payment.EntityType,
			ResourceID:   req.PaymentID,
			OldData:      map[string]any{"status": string(cur)},
			NewData:      map[string]any{"status": string(payment.StatusRefunded), "refundId": refundID},
			Metadata:     map[string]any{"reason": req.Reason, "role": string(role)},
		}); err != nil {
			return nil, err
		}
		return &RefundResult{
			PaymentID:  req.PaymentID,
			RefundID:   refundID,
			From:       string(cur),
			businessID: pdoc.GetString("businessId"),
			amount:     pdoc.GetNumber("amount"),
			currency:   pdoc.GetString("currency"),
		}, nil
	})
	if !res.Success {
		return nil, res.Err
	}
	out := res.Data
	if !out.AlreadyRefunded && s.notifier != nil && out.businessID != "" {
		s.notify(ctx, out.businessID, "Payment refunded",
			fmt.Sprintf("%.2f %s has been refunded.", out.amount, out.currency),
			map[string]any{"paymentId": out.PaymentID, "refundId": out.RefundID})
	}
	if !out.AlreadyRefunded {
		s.logger.Info().Str("paymentId", req.PaymentID).Str("refundId", refundID).Msg("payment refunded")
	}
	return out, nil
}

// markBountyRefunded mirrors the refund onto the bounty funded by the payment.
func (s *Service) markBountyRefunded(ctx context.Context, tx document.Tx, pdoc *document.Document, actor string) error {
	bountyID := pdoc.GetString("bountyId")
	if bountyID == "" {
		return nil
	}
	bdoc, err := tx.Get(ctx, marketplace.BountyCollection, bountyID)
	if errors.Is(err, document.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if bdoc.GetString("escrowPaymentId") != pdoc.ID {
		return nil
	}
	_, err = s.engine.UpdateIn(ctx, tx, actor, marketplace.BountyCollection, bountyID,
		map[string]any{"paymentStatus": string(payment.StatusRefunded)},
		txn.Update{ExpectedVersion: bdoc.Version})
	return err
}

// remember records a provider reference on the payment before the state
// change commits, so a retry after a failed commit does not move money twice.
func (s *Service) remember(ctx context.Context, doc *document.Document, actor, field, value string) {
	res := s.engine.UpdateVersioned(ctx, actor, payment.Collection, doc.ID,
		map[string]any{field: value},
		txn.Update{ExpectedVersion: doc.Version, Strategy: txn.Merge})
	if !res.Success {
		s.logger.Warn().Err(res.Err).Str("paymentId", doc.ID).Str(field, value).Msg("failed to record provider reference")
	}
}

// notify enqueues a notification. The money movement has already been
// decided, so an enqueue failure is logged rather than returned.
func (s *Service) notify(ctx context.Context, userID, title, message string, data map[string]any) {
	_, err := s.notifier.AddTask(ctx, task.NotificationSend{
		UserID:  userID,
		Type:    string(notification.TypePayment),
		Title:   title,
		Message: message,
		Data:    data,
	}, task.PriorityHigh)
	if err != nil {
		s.logger.Error().Err(err).Str("userId", userID).Msg("failed to enqueue payment notification")
	}
}

func (s *Service) getPayment(ctx context.Context, id string) (*document.Document, error) {
	doc, err := s.engine.Store().Get(ctx, payment.Collection, id)
	if errors.Is(err, document.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, id)
	}
	return doc, err
}

func roleOrSystem(r sm.Role) sm.Role {
	if r == "" {
		return sm.RoleSystem
	}
	return r
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return document.SystemActor
	}
	return actor
}
