package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies what a task does. Every type needs a processor and a
// max-attempts policy entry.
type Type string

const (
	TypeEscrowRelease       Type = "escrow_release"
	TypeNotificationSend    Type = "notification_send"
	TypeAnalyticsProcess    Type = "analytics_process"
	TypeContentVerification Type = "content_verification"
	TypeDisputeNotification Type = "dispute_notification"
	TypePaymentRetry        Type = "payment_retry"
	TypeUserCleanup         Type = "user_cleanup"
	TypeAuditCleanup        Type = "audit_cleanup"
	TypeEmailSend           Type = "email_send"
	TypeWebhookRetry        Type = "webhook_retry"
)

// EntityType names tasks in audit records.
const EntityType = "task"

// Types lists every task type.
var Types = []Type{
	TypeEscrowRelease,
	TypeNotificationSend,
	TypeAnalyticsProcess,
	TypeContentVerification,
	TypeDisputeNotification,
	TypePaymentRetry,
	TypeUserCleanup,
	TypeAuditCleanup,
	TypeEmailSend,
	TypeWebhookRetry,
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := maxAttempts[t]
	return ok
}

// Priority orders dequeueing.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank is the numeric sort key of a priority; higher dequeues first.
func (p Priority) Rank() int { return priorityRank[p] }

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	for p, r := range priorityRank {
		if r == rank {
			return p
		}
	}
	return PriorityNormal
}

// Status is the lifecycle position of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status.
var Statuses = []Status{
	StatusPending, StatusScheduled, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled,
}

// Recurrence describes a repeating task: either a fixed interval or a
// standard five-field cron expression, optionally bounded by EndDate.
type Recurrence struct {
	Interval time.Duration `json:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty"`
	EndDate  *time.Time    `json:"endDate,omitempty"`
}

// Validate rejects recurrences with no schedule.
func (r Recurrence) Validate() error {
	if r.Interval <= 0 && r.Cron == "" {
		return errors.New("recurrence needs an interval or a cron expression")
	}
	return nil
}

// Task is a unit of queued work.
type Task struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	Priority     Priority        `json:"priority"`
	Status       Status          `json:"status"`
	Payload      Payload         `json:"-"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	FailedAt     *time.Time      `json:"failedAt,omitempty"`
	CancelledAt  *time.Time      `json:"cancelledAt,omitempty"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Recurrence   *Recurrence     `json:"recurrence,omitempty"`
}

// New builds a task in pending state, or scheduled when scheduledFor lies in
// the future.
func New(id string, payload Payload, priority Priority, now time.Time, scheduledFor *time.Time) (*Task, error) {
	if payload == nil {
		return nil, errors.New("task payload is required")
	}
	typ := payload.TaskType()
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown task priority %q", priority)
	}
	t := &Task{
		ID:          id,
		Type:        typ,
		Priority:    priority,
		Status:      StatusPending,
		Payload:     payload,
		MaxAttempts: MaxAttempts(typ),
		CreatedAt:   now,
	}
	if scheduledFor != nil && scheduledFor.After(now) {
		at := *scheduledFor
		t.Status = StatusScheduled
		t.ScheduledFor = &at
	}
	return t, nil
}

// NewRecurring builds a scheduled task that first runs at first and carries
// its recurrence.
func NewRecurring(id string, payload Payload, priority Priority, now, first time.Time, rec Recurrence) (*Task, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	t, err := New(id, payload, priority, now, nil)
	if err != nil {
		return nil, err
	}
	t.Status = StatusScheduled
	t.ScheduledFor = &first
	r := rec
	t.Recurrence = &r
	return t, nil
}

// CanTransitionTo validates task status transition.
func (t *Task) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPending:    {StatusProcessing, StatusCancelled},
		StatusScheduled:  {StatusProcessing, StatusCancelled},
		StatusProcessing: {StatusCompleted, StatusFailed, StatusScheduled},
		StatusCompleted:  {},
		StatusFailed:     {},
		StatusCancelled:  {},
	}
	for _, s := range transitions[t.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// Eligible reports whether the task may be claimed at now.
func (t *Task) Eligible(now time.Time) bool {
	switch t.Status {
	case StatusPending:
		return true
	case StatusScheduled:
		return t.ScheduledFor == nil || !t.ScheduledFor.After(now)
	}
	return false
}

// EligibleAt is when the task became claimable; it orders the merged
// pending and scheduled pools inside one priority band.
func (t *Task) EligibleAt() time.Time {
	if t.Status == StatusScheduled && t.ScheduledFor != nil {
		return *t.ScheduledFor
	}
	return t.CreatedAt
}

// Claim moves an eligible task to processing.
func (t *Task) Claim(now time.Time) error {
	if !t.Eligible(now) {
		return fmt.Errorf("%w: %s is %s", ErrNotClaimable, t.ID, t.Status)
	}
	t.Status = StatusProcessing
	t.StartedAt = &now
	return nil
}

// Complete records a successful run.
func (t *Task) Complete(now time.Time, result json.RawMessage) error {
	if !t.CanTransitionTo(StatusCompleted) {
		return ErrInvalidTransition
	}
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.Result = result
	t.Error = ""
	return nil
}

// Reschedule records a retryable failure and schedules the next attempt.
func (t *Task) Reschedule(at time.Time, cause error) error {
	if !t.CanTransitionTo(StatusScheduled) {
		return ErrInvalidTransition
	}
	t.Status = StatusScheduled
	t.Attempts++
	t.ScheduledFor = &at
	t.Error = cause.Error()
	return nil
}

// Fail records a terminal failure.
func (t *Task) Fail(now time.Time, cause error) error {
	if !t.CanTransitionTo(StatusFailed) {
		return ErrInvalidTransition
	}
	t.Status = StatusFailed
	t.Attempts++
	t.FailedAt = &now
	t.Error = cause.Error()
	return nil
}

// Cancel stops a task that has not started.
func (t *Task) Cancel(now time.Time, reason string) error {
	if !t.CanTransitionTo(StatusCancelled) {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, t.ID, t.Status)
	}
	t.Status = StatusCancelled
	t.CancelledAt = &now
	t.Error = reason
	return nil
}

// Clone returns a deep copy, sharing only the immutable payload.
func (t *Task) Clone() *Task {
	c := *t
	c.ScheduledFor = cloneTime(t.ScheduledFor)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.FailedAt = cloneTime(t.FailedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Recurrence != nil {
		r := *t.Recurrence
		r.EndDate = cloneTime(r.EndDate)
		c.Recurrence = &r
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DeadLetter is a write-once snapshot of a task that will not be retried.
type DeadLetter struct {
	ID             string    `json:"id"`
	OriginalTaskID string    `json:"originalTaskId"`
	Task           *Task     `json:"task"`
	FailureReason  string    `json:"failureReason"`
	FailureCount   int       `json:"failureCount"`
	LastAttemptAt  time.Time `json:"lastAttemptAt"`
}

// NewDeadLetter snapshots a failed task.
func NewDeadLetter(t *Task, now time.Time) *DeadLetter {
	return &DeadLetter{
		ID:             t.ID,
		OriginalTaskID: t.ID,
		Task:           t.Clone(),
		FailureReason:  t.Error,
		FailureCount:   t.Attempts,
		LastAttemptAt:  now,
	}
}

// Stats summarises the live queue.
type Stats struct {
	Counts      map[Status]int `json:"counts"`
	Total       int            `json:"total"`
	SuccessRate float64        `json:"successRate"`
	DeadLetters int            `json:"deadLetters"`
}

// NewStats derives totals and the success rate from per-status counts.
// Success rate is completed / (completed + failed + pending + processing).
func NewStats(counts map[Status]int, deadLetters int) Stats {
	s := Stats{Counts: map[Status]int{}, DeadLetters: deadLetters}
	for _, st := range Statuses {
		s.Counts[st] = counts[st]
		s.Total += counts[st]
	}
	denom := counts[StatusCompleted] + counts[StatusFailed] + counts[StatusPending] + counts[StatusProcessing]
	if denom > 0 {
		s.SuccessRate = float64(counts[StatusCompleted]) / float64(denom)
	}
	return s
}
