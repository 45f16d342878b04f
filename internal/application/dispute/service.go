package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bountyhub/bountyhub/internal/application/queue"
	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/dispute"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// Auditor writes audit records inside a transaction.
type Auditor interface {
	LogEventTx(ctx context.Context, tx document.Tx, entry audit.Entry) (string, error)
}

// Enqueuer adds follow-up tasks.
type Enqueuer interface {
	AddTask(ctx context.Context, payload task.Payload, priority task.Priority, opts ...queue.AddOption) (string, error)
}

// ActionExecutor applies one resolution action.
type ActionExecutor interface {
	Execute(ctx context.Context, d *dispute.Dispute, a dispute.Action) error
}

// Service manages disputes under the version protocol. Every status change
// is audited in the same transaction that writes it.
type Service struct {
	engine   *txn.Engine
	auditor  Auditor
	executor ActionExecutor
	notifier Enqueuer
	newID    func() string
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier enqueues dispute_notification tasks for the parties.
func WithNotifier(e Enqueuer) Option { return func(s *Service) { s.notifier = e } }

// WithIDGenerator replaces the uuid-based id source.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

func NewService(engine *txn.Engine, auditor Auditor, executor ActionExecutor, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		auditor:  auditor,
		executor: executor,
		newID:    uuid.NewString,
		logger:   logger.With().Str("service", "dispute").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest opens a dispute.
type CreateRequest struct {
	Type         dispute.Type
	InitiatorID  string
	RespondentID string
	BountyID     string
	PaymentID    string
	SubmissionID string
	Title        string
	Description  string
}

// Create opens a dispute. Its priority follows from the type and sets the
// response deadline.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*dispute.Dispute, error) {
	if req.InitiatorID == "" || strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: initiator and title are required", dispute.ErrInvalidInput)
	}
	if req.Type == "" {
		req.Type = dispute.TypeOther
	}
	id := "dsp_" + s.newID()

	res := txn.Execute(ctx, s.engine, "dispute.create", func(ctx context.Context, tx document.Tx) (*dispute.Dispute, error) {
		now := s.engine.Now()
		priority := dispute.PriorityFor(req.Type)
		d := &dispute.Dispute{
			ID:           id,
			Type:         req.Type,
			Status:       dispute.StatusOpen,
			Priority:     priority,
			InitiatorID:  req.InitiatorID,
			RespondentID: req.RespondentID,
			BountyID:     req.BountyID,
			PaymentID:    req.PaymentID,
			SubmissionID: req.SubmissionID,
			Title:        req.Title,
			Description:  req.Description,
			Evidence:     []dispute.Evidence{},
			Messages:     []dispute.Message{},
			Deadline:     now.Add(dispute.ResponseWindow(priority)),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		data, err := document.Encode(d)
		if err != nil {
			return nil, err
		}
		doc, err := s.engine.CreateIn(ctx, tx, req.InitiatorID, dispute.Collection, id, data)
		if err != nil {
			return nil, err
		}
		d.Version = doc.Version
		if _, err := s.auditor.LogEventTx(ctx, tx, audit.Entry{
			UserID:       req.InitiatorID,
			Action:       audit.ActionDisputeCreated,
			ResourceType: dispute.EntityType,
			ResourceID:   id,
			NewData: map[string]any{
				"status":   string(d.Status),
				"type":     string(d.Type),
				"priority": string(d.Priority),
				"deadline": d.Deadline.UnixMilli(),
			},
			Metadata: map[string]any{"bountyId": req.BountyID, "paymentId": req.PaymentID},
		}); err != nil {
			return nil, err
		}
		return d, nil
	})
	if !res.Success {
		return nil, res.Err
	}
	d := res.Data
	s.notify(ctx, d, "opened", fmt.Sprintf("A dispute was opened: %s", d.Title), d.RespondentID)
	s.logger.Info().Str("disputeId", id).Str("type", string(d.Type)).Str("priority", string(d.Priority)).Msg("dispute created")
	return d, nil
}

// Get loads a dispute.
func (s *Service) Get(ctx context.Context, id string) (*dispute.Dispute, error) {
	doc, err := s.engine.Store().Get(ctx, dispute.Collection, id)
	if errors.Is(err, document.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", dispute.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

// EvidenceInput is evidence submitted by a party.
type EvidenceInput struct {
	SubmittedBy string
	Kind        string
	Description string
	URL         string
}

// AddEvidence appends evidence to an unresolved dispute.
func (s *Service) AddEvidence(ctx context.Context, id string, in EvidenceInput) (*dispute.Evidence, error) {
	if in.SubmittedBy == "" || (in.Description == "" && in.URL == "") {
		return nil, fmt.Errorf("%w: evidence needs a submitter and a description or url", dispute.ErrInvalidInput)
	}
	ev := &dispute.Evidence{
		ID:          "evd_" + s.newID(),
		SubmittedBy: in.SubmittedBy,
		Kind:        in.Kind,
		Description: in.Description,
		URL:         in.URL,
	}
	_, err := s.mutate(ctx, "dispute.add_evidence", id, in.SubmittedBy, func(ctx context.Context, tx document.Tx, d *dispute.Dispute, now time.Time) (map[string]any, error) {
		if !d.Accepting() {
			return nil, fmt.Errorf("%w: %s is %s", dispute.ErrClosed, id, d.Status)
		}
		ev.SubmittedAt = now
		list, err := encodeList(append(d.Evidence, *ev))
		if err != nil {
			return nil, err
		}
		if _, err := s.auditor.LogEventTx(ctx, tx, audit.Entry{
			UserID:       in.SubmittedBy,
			Action:       audit.ActionEvidenceAdded,
			ResourceType: dispute.EntityType,
			ResourceID:   id,
			NewData:      map[string]any{"evidenceId": ev.ID, "kind": ev.Kind, "url": ev.URL},
		}); err != nil {
			return nil, err
		}
		return map[string]any{"evidence": list}, nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// AddMessage appends a message to the dispute thread.
func (s *Service) AddMessage(ctx context.Context, id, senderID, content string, internal bool) (*dispute.Message, error) {
	if senderID == "" || strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: message needs a sender and content", dispute.ErrInvalidInput)
	}
	msg := &dispute.Message{ID: "msg_" + s.newID(), SenderID: senderID, Content: content, Internal: internal}
	_, err := s.mutate(ctx, "dispute.add_message", id, senderID, func(_ context.Context, _ document.Tx, d *dispute.Dispute, now time.Time) (map[string]any, error) {
		if d.Status == dispute.StatusClosed {
			return nil, fmt.Errorf("%w: %s is closed", dispute.ErrClosed, id)
		}
		msg.SentAt = now
		list, err := encodeList(append(d.Messages, *msg))
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": list}, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ChangeStatus moves a dispute along the adjacency table. Resolving goes
// through Resolve.
func (s *Service) ChangeStatus(ctx context.Context, id string, to dispute.Status, actor, reason string) (*dispute.Dispute, error) {
	if to == dispute.StatusResolved {
		return nil, dispute.ErrResolutionRequired
	}
	var from dispute.Status
	d, err := s.mutate(ctx, "dispute.change_status", id, actor, func(ctx context.Context, tx document.Tx, d *dispute.Dispute, _ time.Time) (map[string]any, error) {
		from = d.Status
		if err := dispute.ValidateTransition(d.Status, to); err != nil {
			return nil, err
		}
		if _, err := s.auditor.LogEventTx(ctx, tx, audit.Entry{
			UserID:       actor,
			Action:       audit.ActionDisputeUpdated,
			ResourceType: dispute.EntityType,
			ResourceID:   id,
			OldData:      map[string]any{"status": string(d.Status)},
			NewData:      map[string]any{"status": string(to)},
			Metadata:     map[string]any{"reason": reason},
		}); err != nil {
			return nil, err
		}
		return map[string]any{"status": string(to)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, d, "status_changed", fmt.Sprintf("Dispute moved from %s to %s.", from, to), d.Parties()...)
	return d, nil
}

// ActionInput is one requested resolution step.
type ActionInput struct {
	Type         dispute.ActionType
	TargetUserID string
	PaymentID    string
	Note         string
	Params       map[string]any
}

// ResolveRequest records the decision on a dispute.
type ResolveRequest struct {
	Outcome      dispute.Outcome
	Summary      string
	Actions      []ActionInput
	Compensation float64
	Penalties    []string
	ResolvedBy   string
}

// Resolve records the resolution and then runs its actions one by one. An
// action's failure is recorded on that action and does not undo the others;
// the returned dispute reports every action's status.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*dispute.Dispute, error) {
	if req.Outcome == "" || req.ResolvedBy == "" {
		return nil, fmt.Errorf("%w: outcome and resolver are required", dispute.ErrInvalidInput)
	}
	actions := make([]dispute.Action, 0, len(req.Actions))
	for _, a := range req.Actions {
		if !a.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown action %q", dispute.ErrInvalidInput, a.Type)
		}
		actions = append(actions, dispute.Action{
			Type:         a.Type,
			TargetUserID: a.TargetUserID,
			PaymentID:    a.PaymentID,
			Note:         a.Note,
			Params:       a.Params,
			Status:       dispute.ActionPending,
		})
	}

	d, err := s.mutate(ctx, "dispute.resolve", id, req.ResolvedBy, func(ctx context.Context, tx document.Tx, d *dispute.Dispute, now time.Time) (map[string]any, error) {
		if err := dispute.ValidateTransition(d.Status, dispute.StatusResolved); err != nil {
			return nil, err
		}
		resolution := dispute.Resolution{
			Outcome:      req.Outcome,
			Summary:      req.Summary,
			Actions:      actions,
			Compensation: req.Compensation,
			Penalties:    req.Penalties,
			ResolvedBy:   req.ResolvedBy,
			ResolvedAt:   now,
		}
		encoded, err := document.Encode(resolution)
		if err != nil {
			return nil, err
		}
		if _, err := s.auditor.LogEventTx(ctx, tx, audit.Entry{
			UserID:       req.ResolvedBy,
			Action:       audit.ActionDisputeResolved,
			ResourceType: dispute.EntityType,
			ResourceID:   id,
			OldData:      map[string]any{"status": string(d.Status)},
			NewData: map[string]any{
				"status":  string(dispute.StatusResolved),
				"outcome": string(req.Outcome),
				"actions": len(actions),
			},
			Metadata: map[string]any{"compensation": req.Compensation},
		}); err != nil {
			return nil, err
		}
		return map[string]any{"status": string(dispute.StatusResolved), "resolution": encoded}, nil
	})
	if err != nil {
		return nil, err
	}

	for i := range d.Resolution.Actions {
		a := d.Resolution.Actions[i]
		execErr := s.executor.Execute(ctx, d, a)
		executed := s.engine.Now()
		a.ExecutedAt = &executed
		a.Status = dispute.ActionCompleted
		if execErr != nil {
			a.Status = dispute.ActionFailed
			a.Error = execErr.Error()
			s.logger.Warn().Err(execErr).Str("disputeId", id).Str("action", string(a.Type)).Msg("resolution action failed")
		}
		d.Resolution.Actions[i] = a
		if err := s.recordAction(ctx, id, i, a); err != nil {
			s.logger.Error().Err(err).Str("disputeId", id).Int("action", i).Msg("failed to record action status")
		}
	}

	s.notify(ctx, d, "resolved", fmt.Sprintf("The dispute was resolved: %s", req.Summary), d.Parties()...)
	s.logger.Info().Str("disputeId", id).Str("outcome", string(req.Outcome)).
		Int("actions", len(d.Resolution.Actions)).Int("failed", d.Resolution.Failed()).Msg("dispute resolved")
	return d, nil
}

// recordAction stores the outcome of action i under the version protocol.
func (s *Service) recordAction(ctx context.Context, id string, i int, a dispute.Action) error {
	_, err := s.mutate(ctx, "dispute.record_action", id, document.SystemActor, func(_ context.Context, _ document.Tx, d *dispute.Dispute, _ time.Time) (map[string]any, error) {
		if d.Resolution == nil || i >= len(d.Resolution.Actions) {
			return nil, fmt.Errorf("dispute %s has no action %d", id, i)
		}
		d.Resolution.Actions[i] = a
		encoded, err := document.Encode(d.Resolution)
		if err != nil {
			return nil, err
		}
		return map[string]any{"resolution": encoded}, nil
	})
	return err
}

type mutation func(ctx context.Context, tx document.Tx, d *dispute.Dispute, now time.Time) (map[string]any, error)

// mutate reads the dispute inside a transaction, lets fn compute the
// changes and writes them against the version that was read.
func (s *Service) mutate(ctx context.Context, op, id, actor string, fn mutation) (*dispute.Dispute, error) {
	res := txn.Execute(ctx, s.engine, op, func(ctx context.Context, tx document.Tx) (*dispute.Dispute, error) {
		doc, err := tx.Get(ctx, dispute.Collection, id)
		if errors.Is(err, document.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", dispute.ErrNotFound, id)
		}
		if err != nil {
			return nil, err
		}
		d, err := decode(doc)
		if err != nil {
			return nil, err
		}
		now := s.engine.Now()
		updates, err := fn(ctx, tx, d, now)
		if err != nil {
			return nil, err
		}
		updates["updatedAt"] = now.Format(time.RFC3339Nano)
		next, err := s.engine.UpdateIn(ctx, tx, actor, dispute.Collection, id, updates, txn.Update{ExpectedVersion: doc.Version})
		if err != nil {
			return nil, err
		}
		return decode(next)
	})
	if !res.Success {
		return nil, res.Err
	}
	return res.Data, nil
}

func (s *Service) notify(ctx context.Context, d *dispute.Dispute, event, message string, recipients ...string) {
	if s.notifier == nil {
		return
	}
	to := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r != "" {
			to = append(to, r)
		}
	}
	if len(to) == 0 {
		return
	}
	if _, err := s.notifier.AddTask(ctx, task.DisputeNotification{
		DisputeID:  d.ID,
		Recipients: to,
		Event:      event,
		Message:    message,
	}, task.PriorityHigh); err != nil {
		s.logger.Error().Err(err).Str("disputeId", d.ID).Str("event", event).Msg("failed to enqueue dispute notification")
	}
}

func decode(doc *document.Document) (*dispute.Dispute, error) {
	var d dispute.Dispute
	if err := document.Decode(doc.Data, &d); err != nil {
		return nil, err
	}
	d.ID = doc.ID
	d.Version = doc.Version
	return &d, nil
}

func encodeList[T any](items []T) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, it := range items {
		m, err := document.Encode(it)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
