package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the type-specific body of a task. Each Type has exactly one
// payload struct.
type Payload interface {
	TaskType() Type
}

// EscrowRelease releases a held escrow payment to the creator.
type EscrowRelease struct {
	PaymentID    string `json:"paymentId"`
	BountyID     string `json:"bountyId"`
	SubmissionID string `json:"submissionId,omitempty"`
	CreatorID    string `json:"creatorId,omitempty"`
	RequestedBy  string `json:"requestedBy,omitempty"`
}

// NotificationSend delivers an in-app notification.
type NotificationSend struct {
	UserID  string         `json:"userId"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// AnalyticsProcess records a product analytics event.
type AnalyticsProcess struct {
	Event      string         `json:"event"`
	UserID     string         `json:"userId,omitempty"`
	EntityType string         `json:"entityType,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// ContentVerification checks a submission's published content.
type ContentVerification struct {
	SubmissionID string `json:"submissionId"`
	ContentURL   string `json:"contentUrl"`
	Platform     string `json:"platform"`
}

// DisputeNotification tells dispute parties about a change.
type DisputeNotification struct {
	DisputeID  string   `json:"disputeId"`
	Recipients []string `json:"recipients"`
	Event      string   `json:"event"`
	Message    string   `json:"message"`
}

// Payment operations re-driven by payment_retry.
const (
	PaymentOpRelease = "release"
	PaymentOpRefund  = "refund"
)

// PaymentRetry re-runs a release or refund against the provider.
type PaymentRetry struct {
	PaymentID string `json:"paymentId"`
	Operation string `json:"operation"`
	Reason    string `json:"reason,omitempty"`
	Actor     string `json:"actor,omitempty"`
	// Role is the resolved role the operation runs as; empty means system.
	Role string `json:"role,omitempty"`
}

// UserCleanup removes documents owned by a deleted user.
type UserCleanup struct {
	UserID      string   `json:"userId"`
	Collections []string `json:"collections,omitempty"`
}

// AuditCleanup purges audit events past retention.
type AuditCleanup struct {
	RetentionDays int `json:"retentionDays"`
	BatchSize     int `json:"batchSize,omitempty"`
}

// EmailSend sends a plain-text email.
type EmailSend struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// WebhookRetry redelivers an outbound webhook.
type WebhookRetry struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

func (EscrowRelease) TaskType() Type       { return TypeEscrowRelease }
func (NotificationSend) TaskType() Type    { return TypeNotificationSend }
func (AnalyticsProcess) TaskType() Type    { return TypeAnalyticsProcess }
func (ContentVerification) TaskType() Type { return TypeContentVerification }
func (DisputeNotification) TaskType() Type { return TypeDisputeNotification }
func (PaymentRetry) TaskType() Type        { return TypePaymentRetry }
func (UserCleanup) TaskType() Type         { return TypeUserCleanup }
func (AuditCleanup) TaskType() Type        { return TypeAuditCleanup }
func (EmailSend) TaskType() Type           { return TypeEmailSend }
func (WebhookRetry) TaskType() Type        { return TypeWebhookRetry }

// DecodePayload rebuilds the typed payload for t from its JSON form.
func DecodePayload(t Type, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeEscrowRelease:
		p = &EscrowRelease{}
	case TypeNotificationSend:
		p = &NotificationSend{}
	case TypeAnalyticsProcess:
		p = &AnalyticsProcess{}
	case TypeContentVerification:
		p = &ContentVerification{}
	case TypeDisputeNotification:
		p = &DisputeNotification{}
	case TypePaymentRetry:
		p = &PaymentRetry{}
	case TypeUserCleanup:
		p = &UserCleanup{}
	case TypeAuditCleanup:
		p = &AuditCleanup{}
	case TypeEmailSend:
		p = &EmailSend{}
	case TypeWebhookRetry:
		p = &WebhookRetry{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return p, nil
}

// PayloadAs returns the payload of t as P, accepting value or pointer form.
func PayloadAs[P Payload](t *Task) (P, error) {
	var zero P
	switch v := any(t.Payload).(type) {
	case P:
		return v, nil
	case *P:
		if v != nil {
			return *v, nil
		}
	}
	return zero, Permanentf("task %s: payload %T is not %T", t.ID, t.Payload, zero)
}
