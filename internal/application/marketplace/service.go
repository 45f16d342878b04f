package marketplace

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bountyhub/bountyhub/internal/application/queue"
	"github.com/bountyhub/bountyhub/internal/application/statemachine"
	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/payment"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// DefaultPlatformFeeRate is the share of a payment kept by the platform.
const DefaultPlatformFeeRate = 0.05

const (
	defaultMaxApplications = 5
	defaultMaxCreators     = 1
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrBountyClosed = errors.New("bounty is not accepting applications")
	ErrBountyFull   = errors.New("bounty has reached its application limit")
	ErrDuplicate    = errors.New("creator already applied to this bounty")
)

// Enqueuer adds follow-up tasks.
type Enqueuer interface {
	AddTask(ctx context.Context, payload task.Payload, priority task.Priority, opts ...queue.AddOption) (string, error)
}

// Machines groups the lifecycle engines the service drives.
type Machines struct {
	Bounties     *statemachine.Engine
	Applications *statemachine.Engine
	Payments     *statemachine.Engine
}

// Service runs the marketplace flows that feed the escrow core: funding a
// bounty, collecting applications and requesting payouts. Every state change
// goes through the lifecycle engines inside the transaction that writes it.
type Service struct {
	engine  *txn.Engine
	sm      Machines
	queue   Enqueuer
	feeRate float64
	newID   func() string
	logger  zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPlatformFeeRate overrides DefaultPlatformFeeRate.
func WithPlatformFeeRate(rate float64) Option { return func(s *Service) { s.feeRate = rate } }

// WithIDGenerator replaces the uuid-based id source.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func NewService(engine *txn.Engine, machines Machines, queue Enqueuer, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		engine:  engine,
		sm:      machines,
		queue:   queue,
		feeRate: DefaultPlatformFeeRate,
		newID:   uuid.NewString,
		logger:  logger.With().Str("service", "marketplace").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BountyInput describes a new bounty.
type BountyInput struct {
	BusinessID      string
	Title           string
	Budget          float64
	MaxApplications int
	MaxCreators     int
}

// CreateBounty stores a pending bounty awaiting escrow funding.
func (s *Service) CreateBounty(ctx context.Context, in BountyInput) (string, error) {
	if in.BusinessID == "" || in.Title == "" || in.Budget <= 0 {
		return "", fmt.Errorf("%w: bounty needs a business, a title and a positive budget", ErrInvalidInput)
	}
	if in.MaxApplications <= 0 {
		in.MaxApplications = defaultMaxApplications
	}
	if in.MaxCreators <= 0 {
		in.MaxCreators = defaultMaxCreators
	}
	id := "bty_" + s.newID()
	data, err := document.Encode(marketplace.Bounty{
		Title:           in.Title,
		BusinessID:      in.BusinessID,
		Status:          string(marketplace.BountyPending),
		PaymentStatus:   string(payment.StatusPending),
		Budget:          in.Budget,
		RemainingBudget: in.Budget,
		MaxApplications: in.MaxApplications,
		MaxCreators:     in.MaxCreators,
		CreatedAt:       s.engine.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	if res := s.engine.CreateVersioned(ctx, in.BusinessID, marketplace.BountyCollection, id, data); !res.Success {
		return "", res.Err
	}
	s.logger.Info().Str("bountyId", id).Str("businessId", in.BusinessID).Float64("budget", in.Budget).Msg("bounty created")
	return id, nil
}

// MarkBountyFunded activates a bounty whose escrow payment is held.
func (s *Service) MarkBountyFunded(ctx context.Context, bountyID, actor string) error {
	return s.transitionBounty(ctx, bountyID, marketplace.BountyActive, sm.Context{Actor: actor, Role: sm.RoleBusiness}, "escrow funded")
}

// CancelBounty cancels a bounty. Admins may force-cancel from any open state;
// a business may only cancel an unfunded bounty past its funding window.
func (s *Service) CancelBounty(ctx context.Context, bountyID, actor string, role sm.Role, reason string) error {
	c := sm.Context{Actor: actor, Role: role, Forced: role == sm.RoleAdmin}
	return s.transitionBounty(ctx, bountyID, marketplace.BountyCancelled, c, reason)
}

func (s *Service) transitionBounty(ctx context.Context, bountyID string, to sm.State, c sm.Context, reason string) error {
	res := txn.Execute(ctx, s.engine, "marketplace.bounty_"+string(to), func(ctx context.Context, tx document.Tx) (struct{}, error) {
		doc, err := s.load(ctx, tx, marketplace.BountyCollection, bountyID)
		if err != nil {
			return struct{}{}, err
		}
		from := sm.State(doc.GetString("status"))
		c.EntityID, c.Data, c.Now = bountyID, doc.Data, s.engine.Now()
		if _, err := s.sm.Bounties.TransitionTx(ctx, tx, from, to, c, reason); err != nil {
			return struct{}{}, err
		}
		_, err = s.engine.UpdateIn(ctx, tx, c.Actor, marketplace.BountyCollection, bountyID,
			map[string]any{"status": string(to)}, txn.Update{ExpectedVersion: doc.Version})
		return struct{}{}, err
	})
	return res.Err
}

// PaymentInput describes the escrow charge funding a bounty.
type PaymentInput struct {
	BountyID   string
	BusinessID string
	Amount     float64
	Currency   string
}

// CreatePayment stores a pending escrow payment and splits it into the
// creator's earnings and the platform fee.
func (s *Service) CreatePayment(ctx context.Context, in PaymentInput) (string, error) {
	if in.BountyID == "" || in.BusinessID == "" || in.Amount <= 0 || in.Currency == "" {
		return "", fmt.Errorf("%w: payment needs a bounty, a business, a positive amount and a currency", ErrInvalidInput)
	}
	fee := math.Round(in.Amount*s.feeRate*100) / 100
	id := "pay_" + s.newID()
	data, err := document.Encode(payment.Payment{
		BountyID:        in.BountyID,
		BusinessID:      in.BusinessID,
		Status:          string(payment.StatusPending),
		Amount:          in.Amount,
		Currency:        in.Currency,
		PlatformFee:     fee,
		CreatorEarnings: in.Amount - fee,
		CreatedAt:       s.engine.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	if res := s.engine.CreateVersioned(ctx, in.BusinessID, payment.Collection, id, data); !res.Success {
		return "", res.Err
	}
	return id, nil
}

// StartPaymentProcessing attaches the provider's payment intent and moves
// the payment to processing.
func (s *Service) StartPaymentProcessing(ctx context.Context, paymentID, intentID, actor string) error {
	if intentID == "" {
		return fmt.Errorf("%w: payment intent id is required", ErrInvalidInput)
	}
	return s.transitionPayment(ctx, paymentID, payment.StatusProcessing, actor, "payment intent created",
		map[string]any{"paymentIntentId": intentID}, nil)
}

// ConfirmPaymentHeld records the provider's charge status. A succeeded
// charge puts the payment in escrow and marks the bounty funded by it; any
// other status fails the payment.
func (s *Service) ConfirmPaymentHeld(ctx context.Context, paymentID, providerStatus, actor string) error {
	if providerStatus != payment.ProviderSucceeded {
		return s.transitionPayment(ctx, paymentID, payment.StatusFailed, actor, "charge "+providerStatus,
			map[string]any{"providerStatus": providerStatus}, nil)
	}
	return s.transitionPayment(ctx, paymentID, payment.StatusHeldInEscrow, actor, "charge succeeded",
		map[string]any{"providerStatus": providerStatus},
		func(ctx context.Context, tx document.Tx, pdoc *document.Document) error {
			bountyID := pdoc.GetString("bountyId")
			bdoc, err := s.load(ctx, tx, marketplace.BountyCollection, bountyID)
			if err != nil {
				return err
			}
			_, err = s.engine.UpdateIn(ctx, tx, actor, marketplace.BountyCollection, bountyID, map[string]any{
				"paymentStatus":   string(payment.StatusHeldInEscrow),
				"escrowPaymentId": paymentID,
			}, txn.Update{ExpectedVersion: bdoc.Version})
			return err
		})
}

func (s *Service) transitionPayment(
	ctx context.Context,
	paymentID string,
	to sm.State,
	actor, reason string,
	updates map[string]any,
	after func(ctx context.Context, tx document.Tx, pdoc *document.Document) error,
) error {
	res := txn.Execute(ctx, s.engine, "marketplace.payment_"+string(to), func(ctx context.Context, tx document.Tx) (struct{}, error) {
		doc, err := s.load(ctx, tx, payment.Collection, paymentID)
		if err != nil {
			return struct{}{}, err
		}
		from := sm.State(doc.GetString("status"))
		data := document.Merge(doc.Data, updates)
		c := sm.Context{EntityID: paymentID, Actor: actor, Role: sm.RoleSystem, Data: data, Automated: true, Now: s.engine.Now()}
		if _, err := s.sm.Payments.TransitionTx(ctx, tx, from, to, c, reason); err != nil {
			return struct{}{}, err
		}
		changes := document.CloneData(updates)
		changes["status"] = string(to)
		if _, err := s.engine.UpdateIn(ctx, tx, actor, payment.Collection, paymentID, changes, txn.Update{ExpectedVersion: doc.Version}); err != nil {
			return struct{}{}, err
		}
		if after != nil {
			return struct{}{}, after(ctx, tx, doc)
		}
		return struct{}{}, nil
	})
	return res.Err
}

// ApplicationResult reports a new application and the bounty status it left.
type ApplicationResult struct {
	ApplicationID     string
	ApplicationsCount int
	BountyStatus      string
}

// CreateApplication files a creator's application. The application that
// fills the bounty's quota moves it to in-progress in the same transaction.
func (s *Service) CreateApplication(ctx context.Context, bountyID, creatorID, pitch string) (*ApplicationResult, error) {
	if bountyID == "" || creatorID == "" {
		return nil, fmt.Errorf("%w: application needs a bounty and a creator", ErrInvalidInput)
	}
	appID := bountyID + "_" + creatorID
	res := txn.Execute(ctx, s.engine, "marketplace.create_application", func(ctx context.Context, tx document.Tx) (*ApplicationResult, error) {
		bdoc, err := s.load(ctx, tx, marketplace.BountyCollection, bountyID)
		if err != nil {
			return nil, err
		}
		status := sm.State(bdoc.GetString("status"))
		if status != marketplace.BountyActive {
			return nil, fmt.Errorf("%w: %s is %s", ErrBountyClosed, bountyID, status)
		}
		count := int(bdoc.GetNumber("applicationsCount"))
		if limit := int(bdoc.GetNumber("maxApplications")); limit > 0 && count >= limit {
			return nil, fmt.Errorf("%w: %d of %d", ErrBountyFull, count, limit)
		}

		data, err := document.Encode(marketplace.Application{
			BountyID:  bountyID,
			CreatorID: creatorID,
			Pitch:     pitch,
			Status:    string(marketplace.ApplicationPending),
			CreatedAt: s.engine.Now().UnixMilli(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := s.engine.CreateIn(ctx, tx, creatorID, marketplace.ApplicationCollection, appID, data); err != nil {
			if errors.Is(err, document.ErrAlreadyExists) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicate, appID)
			}
			return nil, err
		}

		count++
		updates := map[string]any{"applicationsCount": count}
		next, err := s.advance(ctx, tx, bdoc, updates, creatorID, "application quota reached")
		if err != nil {
			return nil, err
		}
		return &ApplicationResult{ApplicationID: appID, ApplicationsCount: count, BountyStatus: string(next)}, nil
	})
	if !res.Success {
		return nil, res.Err
	}
	s.logger.Info().Str("bountyId", bountyID).Str("applicationId", appID).
		Int("applicationsCount", res.Data.ApplicationsCount).Str("bountyStatus", res.Data.BountyStatus).Msg("application created")
	return res.Data, nil
}

// DecideApplication accepts or rejects a pending application. Accepting
// counts toward the bounty's creator quota.
func (s *Service) DecideApplication(ctx context.Context, applicationID string, accept bool, actor string, role sm.Role) error {
	to := marketplace.ApplicationRejected
	if accept {
		to = marketplace.ApplicationAccepted
	}
	return s.transitionApplication(ctx, applicationID, to, actor, role, func(ctx context.Context, tx document.Tx, bdoc *document.Document, _ sm.State) error {
		if !accept {
			return nil
		}
		updates := map[string]any{"acceptedCount": int(bdoc.GetNumber("acceptedCount")) + 1}
		_, err := s.advance(ctx, tx, bdoc, updates, actor, "creator quota reached")
		return err
	})
}

// WithdrawApplication lets the creator pull a pending or accepted
// application.
func (s *Service) WithdrawApplication(ctx context.Context, applicationID, creatorID string) error {
	return s.transitionApplication(ctx, applicationID, marketplace.ApplicationWithdrawn, creatorID, sm.RoleCreator, func(ctx context.Context, tx document.Tx, bdoc *document.Document, from sm.State) error {
		if from != marketplace.ApplicationAccepted {
			return nil
		}
		accepted := int(bdoc.GetNumber("acceptedCount")) - 1
		if accepted < 0 {
			accepted = 0
		}
		_, err := s.engine.UpdateIn(ctx, tx, creatorID, marketplace.BountyCollection, bdoc.ID,
			map[string]any{"acceptedCount": accepted}, txn.Update{ExpectedVersion: bdoc.Version})
		return err
	})
}

type bountyHook func(ctx context.Context, tx document.Tx, bdoc *document.Document, from sm.State) error

func (s *Service) transitionApplication(ctx context.Context, applicationID string, to sm.State, actor string, role sm.Role, hook bountyHook) error {
	res := txn.Execute(ctx, s.engine, "marketplace.application_"+string(to), func(ctx context.Context, tx document.Tx) (struct{}, error) {
		adoc, err := s.load(ctx, tx, marketplace.ApplicationCollection, applicationID)
		if err != nil {
			return struct{}{}, err
		}
		if role == sm.RoleCreator && adoc.GetString("creatorId") != actor {
			return struct{}{}, &sm.TransitionError{
				EntityType: marketplace.EntityApplication,
				From:       sm.State(adoc.GetString("status")),
				To:         to,
				Reason:     "only the applicant may withdraw",
			}
		}
		bdoc, err := s.load(ctx, tx, marketplace.BountyCollection, adoc.GetString("bountyId"))
		if err != nil {
			return struct{}{}, err
		}
		from := sm.State(adoc.GetString("status"))
		c := sm.Context{EntityID: applicationID, Actor: actor, Role: role, Data: adoc.Data, Now: s.engine.Now()}
		if _, err := s.sm.Applications.TransitionTx(ctx, tx, from, to, c, ""); err != nil {
			return struct{}{}, err
		}
		if _, err := s.engine.UpdateIn(ctx, tx, actor, marketplace.ApplicationCollection, applicationID,
			map[string]any{"status": string(to)}, txn.Update{ExpectedVersion: adoc.Version}); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, hook(ctx, tx, bdoc, from)
	})
	return res.Err
}

// advance writes updates to the bounty and moves it to in-progress when the
// new counters satisfy the lifecycle guard.
func (s *Service) advance(ctx context.Context, tx document.Tx, bdoc *document.Document, updates map[string]any, actor, reason string) (sm.State, error) {
	status := sm.State(bdoc.GetString("status"))
	data := document.Merge(bdoc.Data, updates)
	c := sm.Context{EntityID: bdoc.ID, Actor: actor, Role: sm.RoleSystem, Data: data, Automated: true, Now: s.engine.Now()}
	if status == marketplace.BountyActive && s.sm.Bounties.Check(status, marketplace.BountyInProgress, c) == nil {
		if _, err := s.sm.Bounties.TransitionTx(ctx, tx, status, marketplace.BountyInProgress, c, reason); err != nil {
			return "", err
		}
		status = marketplace.BountyInProgress
		updates["status"] = string(status)
	}
	if _, err := s.engine.UpdateIn(ctx, tx, actor, marketplace.BountyCollection, bdoc.ID, updates, txn.Update{ExpectedVersion: bdoc.Version}); err != nil {
		return "", err
	}
	return status, nil
}

// ReleaseInput asks for a held payment to be paid out for a submission.
type ReleaseInput struct {
	PaymentID    string
	SubmissionID string
	CreatorID    string
	RequestedBy  string
}

// RequestEscrowRelease queues the payout of a held payment and returns the
// task id. The release itself runs in the escrow_release processor.
func (s *Service) RequestEscrowRelease(ctx context.Context, in ReleaseInput) (string, error) {
	doc, err := s.engine.Store().Get(ctx, payment.Collection, in.PaymentID)
	if errors.Is(err, document.ErrNotFound) {
		return "", fmt.Errorf("%w: payment %s", ErrNotFound, in.PaymentID)
	}
	if err != nil {
		return "", err
	}
	if status := sm.State(doc.GetString("status")); status != payment.StatusHeldInEscrow {
		return "", &sm.TransitionError{EntityType: payment.EntityType, From: status, To: payment.StatusReleased, Reason: "payment is not held in escrow"}
	}
	id, err := s.queue.AddTask(ctx, task.EscrowRelease{
		PaymentID:    in.PaymentID,
		BountyID:     doc.GetString("bountyId"),
		SubmissionID: in.SubmissionID,
		CreatorID:    in.CreatorID,
		RequestedBy:  in.RequestedBy,
	}, task.PriorityUrgent, queue.WithMetadata(map[string]any{"requestedBy": in.RequestedBy}))
	if err != nil {
		return "", fmt.Errorf("enqueue escrow release for %s: %w", in.PaymentID, err)
	}
	s.logger.Info().Str("paymentId", in.PaymentID).Str("taskId", id).Msg("escrow release requested")
	return id, nil
}

func (s *Service) load(ctx context.Context, tx document.Tx, collection, id string) (*document.Document, error) {
	doc, err := tx.Get(ctx, collection, id)
	if errors.Is(err, document.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return doc, err
}
