package audit

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("audit event not found")

// Event is a tamper-evident audit record.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"userId"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	OldData      any            `json:"oldData,omitempty"`
	NewData      any            `json:"newData,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Hash         string         `json:"hash"`
}

// Entry is the caller-supplied content of an audit event.
type Entry struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	OldData      any
	NewData      any
	Metadata     map[string]any
}

// NewEvent builds a sanitized, hashed event from an entry.
func NewEvent(id string, at time.Time, entry Entry) (*Event, error) {
	e := &Event{
		ID:           id,
		Timestamp:    at.UTC().Truncate(time.Millisecond),
		UserID:       entry.UserID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		OldData:      Sanitize(entry.OldData),
		NewData:      Sanitize(entry.NewData),
	}
	if entry.Metadata != nil {
		if m, ok := Sanitize(entry.Metadata).(map[string]any); ok && len(m) > 0 {
			e.Metadata = m
		}
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return nil, err
	}
	e.Hash = hash
	return e, nil
}

// Well-known actions.
const (
	ActionEscrowReleased   = "escrow_released"
	ActionPaymentRefunded  = "payment_refunded"
	ActionTaskDeadLettered = "task_dead_lettered"
	ActionTaskCancelled    = "task_cancelled"
	ActionDisputeCreated   = "dispute_created"
	ActionDisputeUpdated   = "dispute_status_changed"
	ActionDisputeResolved  = "dispute_resolved"
	ActionEvidenceAdded    = "dispute_evidence_added"
	ActionUserCleanup      = "user_data_cleaned"
	ActionAuditPurged      = "audit_events_purged"
)

// TransitionAction names the action recorded for a state machine transition.
func TransitionAction(entityType string) string {
	return entityType + "_state_transition"
}
