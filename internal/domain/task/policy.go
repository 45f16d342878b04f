package task

import "time"

var maxAttempts = map[Type]int{
	TypeEscrowRelease:       5,
	TypePaymentRetry:        5,
	TypeWebhookRetry:        5,
	TypeNotificationSend:    3,
	TypeContentVerification: 3,
	TypeDisputeNotification: 3,
	TypeEmailSend:           3,
	TypeAnalyticsProcess:    2,
	TypeUserCleanup:         2,
	TypeAuditCleanup:        2,
}

var timeouts = map[Type]time.Duration{
	TypeEscrowRelease:       60 * time.Second,
	TypePaymentRetry:        60 * time.Second,
	TypeWebhookRetry:        30 * time.Second,
	TypeNotificationSend:    30 * time.Second,
	TypeContentVerification: 90 * time.Second,
	TypeDisputeNotification: 30 * time.Second,
	TypeEmailSend:           30 * time.Second,
	TypeAnalyticsProcess:    30 * time.Second,
	TypeUserCleanup:         120 * time.Second,
	TypeAuditCleanup:        120 * time.Second,
}

// DefaultTimeout applies to types without a table entry.
const DefaultTimeout = 30 * time.Second

// MaxAttempts is the attempt ceiling for a task type.
func MaxAttempts(t Type) int {
	if n, ok := maxAttempts[t]; ok {
		return n
	}
	return 3
}

// Timeout is the per-run deadline for a task type.
func Timeout(t Type) time.Duration {
	if d, ok := timeouts[t]; ok {
		return d
	}
	return DefaultTimeout
}
