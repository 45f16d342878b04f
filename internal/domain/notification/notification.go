package notification

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_sink.go -package=mocks . Sink

import (
	"context"
	"errors"
	"time"
)

const Collection = "notifications"

// Type groups notifications for the user's inbox.
type Type string

const (
	TypeBounty      Type = "bounty_update"
	TypeApplication Type = "application_update"
	TypePayment     Type = "payment_update"
	TypeSubmission  Type = "submission_update"
	TypeDispute     Type = "dispute_update"
	TypeSystem      Type = "system"
)

var (
	ErrMissingRecipient = errors.New("notification recipient is required")
	ErrMissingTitle     = errors.New("notification title is required")
)

// Notification is an in-app message for one user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      Type           `json:"type"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
}

// New builds an unread notification. An empty type defaults to system.
func New(id, userID string, typ Type, title, message string, data map[string]any, now time.Time) (*Notification, error) {
	if userID == "" {
		return nil, ErrMissingRecipient
	}
	if title == "" {
		return nil, ErrMissingTitle
	}
	if typ == "" {
		typ = TypeSystem
	}
	return &Notification{
		ID:        id,
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: now,
	}, nil
}

// Sink delivers notifications.
type Sink interface {
	CreateNotification(ctx context.Context, n *Notification) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, n *Notification) error

func (f SinkFunc) CreateNotification(ctx context.Context, n *Notification) error { return f(ctx, n) }

// Fanout delivers to every sink and joins their errors. A failure in one
// sink does not stop delivery to the others.
type Fanout []Sink

func (f Fanout) CreateNotification(ctx context.Context, n *Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.CreateNotification(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
