package processors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bountyhub/bountyhub/internal/domain/notification"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// NotificationSend delivers one in-app notification. The notification id is
// derived from the task id so a retried delivery overwrites the first one.
type NotificationSend struct {
	sink notification.Sink
	now  func() time.Time
}

func NewNotificationSend(sink notification.Sink, now func() time.Time) *NotificationSend {
	return &NotificationSend{sink: sink, now: now}
}

func (p *NotificationSend) TaskType() task.Type { return task.TypeNotificationSend }

func (p *NotificationSend) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.NotificationSend](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	n, err := notification.New("ntf_"+t.ID, in.UserID, notification.Type(in.Type), in.Title, in.Message, in.Data, p.now())
	if err != nil {
		return nil, spanError(span, task.Permanent(err))
	}
	span.SetAttributes(attribute.String("notification.user", n.UserID))
	if err := p.sink.CreateNotification(ctx, n); err != nil {
		return nil, spanError(span, fmt.Errorf("deliver notification to %s: %w", n.UserID, err))
	}
	return map[string]any{"notificationId": n.ID}, nil
}

// DisputeNotification tells every party of a dispute about a change. One
// failed recipient fails the task; the retry rewrites the notifications that
// already went out under the same ids.
type DisputeNotification struct {
	sink notification.Sink
	now  func() time.Time
}

func NewDisputeNotification(sink notification.Sink, now func() time.Time) *DisputeNotification {
	return &DisputeNotification{sink: sink, now: now}
}

func (p *DisputeNotification) TaskType() task.Type { return task.TypeDisputeNotification }

func (p *DisputeNotification) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.DisputeNotification](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	if len(in.Recipients) == 0 {
		return nil, spanError(span, task.Permanentf("dispute %s: no recipients", in.DisputeID))
	}
	span.SetAttributes(attribute.String("dispute.id", in.DisputeID), attribute.Int("recipients", len(in.Recipients)))

	title := "Dispute update"
	if in.Event != "" {
		title = fmt.Sprintf("Dispute %s", in.Event)
	}
	now := p.now()
	var errs []error
	delivered := 0
	for _, userID := range in.Recipients {
		if userID == "" {
			continue
		}
		n, err := notification.New(t.ID+"-"+userID, userID, notification.TypeDispute, title, in.Message,
			map[string]any{"disputeId": in.DisputeID, "event": in.Event}, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.sink.CreateNotification(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", userID, err))
			continue
		}
		delivered++
	}
	if err := errors.Join(errs...); err != nil {
		return nil, spanError(span, err)
	}
	return map[string]any{"delivered": delivered}, nil
}
