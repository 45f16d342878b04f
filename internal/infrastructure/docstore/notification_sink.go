package docstore

import (
	"context"
	"fmt"

	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/notification"
)

// NotificationSink persists notifications into the user's inbox collection.
type NotificationSink struct {
	store document.Store
}

func NewNotificationSink(store document.Store) *NotificationSink {
	return &NotificationSink{store: store}
}

func (s *NotificationSink) CreateNotification(ctx context.Context, n *notification.Notification) error {
	data := map[string]any{
		"id":        n.ID,
		"userId":    n.UserID,
		"type":      string(n.Type),
		"title":     n.Title,
		"message":   n.Message,
		"read":      n.Read,
		"createdAt": n.CreatedAt.UnixMilli(),
	}
	if n.Data != nil {
		data["data"] = n.Data
	}
	err := s.store.Set(ctx, &document.Document{
		Collection:   notification.Collection,
		ID:           n.ID,
		Data:         data,
		Version:      1,
		LastModified: n.CreatedAt,
		ModifiedBy:   document.SystemActor,
	})
	if err != nil {
		return fmt.Errorf("store notification %s: %w", n.ID, err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *NotificationSink) ListNotifications(ctx context.Context, userID string, limit int) ([]*notification.Notification, error) {
	q := document.Query{Collection: notification.Collection, Limit: limit}.
		Where("userId", document.OpEqual, userID).
		Sort("createdAt", document.Desc)
	docs, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*notification.Notification, 0, len(docs))
	for _, d := range docs {
		v, _ := d.Field("read")
		read, _ := v.(bool)
		n := &notification.Notification{
			ID:        d.GetString("id"),
			UserID:    d.GetString("userId"),
			Type:      notification.Type(d.GetString("type")),
			Title:     d.GetString("title"),
			Message:   d.GetString("message"),
			Read:      read,
			CreatedAt: millisToTime(d.GetNumber("createdAt")),
		}
		if m, ok := d.Data["data"].(map[string]any); ok {
			n.Data = m
		}
		out = append(out, n)
	}
	return out, nil
}
