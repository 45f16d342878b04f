package dispute

import (
	"errors"
	"fmt"
	"time"
)

const (
	Collection = "disputes"
	EntityType = "dispute"
)

var (
	ErrNotFound           = errors.New("dispute not found")
	ErrInvalidTransition  = errors.New("invalid dispute status transition")
	ErrClosed             = errors.New("dispute is closed to changes")
	ErrResolutionRequired = errors.New("resolving a dispute requires a resolution")
	ErrInvalidInput       = errors.New("invalid dispute input")
)

// Status is the lifecycle position of a dispute.
type Status string

const (
	StatusOpen               Status = "open"
	StatusUnderReview        Status = "under_review"
	StatusEvidenceCollection Status = "evidence_collection"
	StatusMediation          Status = "mediation"
	StatusEscalated          Status = "escalated"
	StatusResolved           Status = "resolved"
	StatusClosed             Status = "closed"
)

var transitions = map[Status][]Status{
	StatusOpen:               {StatusUnderReview, StatusEvidenceCollection, StatusClosed},
	StatusUnderReview:        {StatusEvidenceCollection, StatusMediation, StatusEscalated, StatusResolved},
	StatusEvidenceCollection: {StatusUnderReview, StatusMediation, StatusEscalated},
	StatusMediation:          {StatusUnderReview, StatusEscalated, StatusResolved},
	StatusEscalated:          {StatusUnderReview, StatusResolved},
	StatusResolved:           {StatusClosed},
	StatusClosed:             {},
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusOpen, StatusUnderReview, StatusEvidenceCollection, StatusMediation,
		StatusEscalated, StatusResolved, StatusClosed,
	}
}

// NextStatuses returns the statuses reachable from s.
func NextStatuses(s Status) []Status {
	return append([]Status(nil), transitions[s]...)
}

// CanTransition reports whether the adjacency table allows from→to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for a move the table does
// not list.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Type classifies what the dispute is about.
type Type string

const (
	TypePaymentDispute   Type = "payment_dispute"
	TypeRefundRequest    Type = "refund_request"
	TypeContentQuality   Type = "content_quality"
	TypeDeliveryTimeline Type = "delivery_timeline"
	TypeCommunication    Type = "communication_issue"
	TypeTermsViolation   Type = "terms_violation"
	TypeOther            Type = "other"
)

// Priority orders the review queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// PriorityFor derives the priority of a new dispute from its type.
func PriorityFor(t Type) Priority {
	switch t {
	case TypePaymentDispute, TypeRefundRequest:
		return PriorityHigh
	case TypeContentQuality, TypeDeliveryTimeline:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// ResponseWindow is how long the platform has to respond at priority p.
func ResponseWindow(p Priority) time.Duration {
	switch p {
	case PriorityUrgent:
		return 24 * time.Hour
	case PriorityHigh:
		return 3 * 24 * time.Hour
	case PriorityMedium:
		return 7 * 24 * time.Hour
	default:
		return 14 * 24 * time.Hour
	}
}

// Evidence is a document or link submitted by a party. Evidence is only
// ever appended.
type Evidence struct {
	ID          string    `json:"id"`
	SubmittedBy string    `json:"submittedBy"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	URL         string    `json:"url,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Message is one entry of the dispute thread.
type Message struct {
	ID       string    `json:"id"`
	SenderID string    `json:"senderId"`
	Content  string    `json:"content"`
	Internal bool      `json:"internal,omitempty"`
	SentAt   time.Time `json:"sentAt"`
}

// ActionType is a remedy applied when a dispute is resolved.
type ActionType string

const (
	ActionRefund            ActionType = "refund"
	ActionPaymentRelease    ActionType = "payment_release"
	ActionContentRevision   ActionType = "content_revision"
	ActionAccountSuspension ActionType = "account_suspension"
	ActionWarning           ActionType = "warning"
)

// Valid reports whether t is a known action.
func (t ActionType) Valid() bool {
	switch t {
	case ActionRefund, ActionPaymentRelease, ActionContentRevision, ActionAccountSuspension, ActionWarning:
		return true
	}
	return false
}

// ActionStatus tracks one action of a resolution.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// Action is one step of a resolution. Actions run independently: a failed
// action does not undo the ones before it.
type Action struct {
	Type         ActionType     `json:"type"`
	TargetUserID string         `json:"targetUserId,omitempty"`
	PaymentID    string         `json:"paymentId,omitempty"`
	Note         string         `json:"note,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Status       ActionStatus   `json:"status"`
	Error        string         `json:"error,omitempty"`
	ExecutedAt   *time.Time     `json:"executedAt,omitempty"`
}

// Outcome is the decision recorded by a resolution.
type Outcome string

const (
	OutcomeFavorInitiator  Outcome = "favor_initiator"
	OutcomeFavorRespondent Outcome = "favor_respondent"
	OutcomeSplit           Outcome = "split"
	OutcomeDismissed       Outcome = "dismissed"
)

// Resolution closes out the substance of a dispute.
type Resolution struct {
	Outcome      Outcome   `json:"outcome"`
	Summary      string    `json:"summary"`
	Actions      []Action  `json:"actions"`
	Compensation float64   `json:"compensation,omitempty"`
	Penalties    []string  `json:"penalties,omitempty"`
	ResolvedBy   string    `json:"resolvedBy"`
	ResolvedAt   time.Time `json:"resolvedAt"`
}

// Failed counts the actions that did not complete.
func (r *Resolution) Failed() int {
	n := 0
	for _, a := range r.Actions {
		if a.Status == ActionFailed {
			n++
		}
	}
	return n
}

// Dispute is a disagreement between a business and a creator over a bounty.
type Dispute struct {
	ID           string      `json:"-"`
	Type         Type        `json:"type"`
	Status       Status      `json:"status"`
	Priority     Priority    `json:"priority"`
	InitiatorID  string      `json:"initiatorId"`
	RespondentID string      `json:"respondentId"`
	BountyID     string      `json:"bountyId,omitempty"`
	PaymentID    string      `json:"paymentId,omitempty"`
	SubmissionID string      `json:"submissionId,omitempty"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	AssignedTo   string      `json:"assignedTo,omitempty"`
	Evidence     []Evidence  `json:"evidence"`
	Messages     []Message   `json:"messages"`
	Resolution   *Resolution `json:"resolution,omitempty"`
	Deadline     time.Time   `json:"deadline"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	Version      int64       `json:"-"`
}

// Parties returns the initiator and respondent.
func (d *Dispute) Parties() []string {
	out := []string{d.InitiatorID}
	if d.RespondentID != "" && d.RespondentID != d.InitiatorID {
		out = append(out, d.RespondentID)
	}
	return out
}

// Accepting reports whether evidence and messages may still be added.
func (d *Dispute) Accepting() bool {
	return d.Status != StatusResolved && d.Status != StatusClosed
}
