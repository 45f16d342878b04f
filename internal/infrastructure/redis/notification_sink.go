package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bountyhub/bountyhub/internal/domain/notification"
)

const (
	defaultInboxSize = 100
	inboxTTL         = 30 * 24 * time.Hour
)

func channelKey(userID string) string { return "notifications:" + userID }
func inboxKey(userID string) string   { return "inbox:" + userID }

// NotificationSink publishes notifications to a per-user channel for live
// clients and keeps a capped inbox list for clients that reconnect.
type NotificationSink struct {
	client    *redis.Client
	inboxSize int64
}

// Option configures a NotificationSink.
type Option func(*NotificationSink)

// WithInboxSize caps the per-user inbox list.
func WithInboxSize(n int) Option {
	return func(s *NotificationSink) {
		if n > 0 {
			s.inboxSize = int64(n)
		}
	}
}

func NewNotificationSink(client *redis.Client, opts ...Option) *NotificationSink {
	s := &NotificationSink{client: client, inboxSize: defaultInboxSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}

func (s *NotificationSink) CreateNotification(ctx context.Context, n *notification.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	inbox := inboxKey(n.UserID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, inbox, data)
		p.LTrim(ctx, inbox, 0, s.inboxSize-1)
		p.Expire(ctx, inbox, inboxTTL)
		p.Publish(ctx, channelKey(n.UserID), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish notification %s: %w", n.ID, err)
	}
	return nil
}

// Inbox returns the newest notifications kept for userID.
func (s *NotificationSink) Inbox(ctx context.Context, userID string, limit int) ([]*notification.Notification, error) {
	if limit <= 0 || int64(limit) > s.inboxSize {
		limit = int(s.inboxSize)
	}
	raw, err := s.client.LRange(ctx, inboxKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read inbox for %s: %w", userID, err)
	}
	out := make([]*notification.Notification, 0, len(raw))
	for _, r := range raw {
		var n notification.Notification
		if err := json.Unmarshal([]byte(r), &n); err != nil {
			return nil, fmt.Errorf("unmarshal notification: %w", err)
		}
		out = append(out, &n)
	}
	return out, nil
}

// Subscribe returns a subscription to userID's live channel.
func (s *NotificationSink) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return s.client.Subscribe(ctx, channelKey(userID))
}
