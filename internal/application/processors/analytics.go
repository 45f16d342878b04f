package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// AnalyticsCollection holds one counter document per event per day.
const AnalyticsCollection = "analytics_daily"

// AnalyticsEvent is the message published for an analytics_process task.
type AnalyticsEvent struct {
	TaskID     string         `json:"taskId"`
	Event      string         `json:"event"`
	UserID     string         `json:"userId,omitempty"`
	EntityType string         `json:"entityType,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt int64          `json:"occurredAt"`
}

// Analytics counts events per day in the store and forwards them to the
// event bus when a publisher is configured.
type Analytics struct {
	engine    *txn.Engine
	publisher EventPublisher
	logger    zerolog.Logger
}

func NewAnalytics(engine *txn.Engine, publisher EventPublisher, logger zerolog.Logger) *Analytics {
	return &Analytics{
		engine:    engine,
		publisher: publisher,
		logger:    logger.With().Str("processor", string(task.TypeAnalyticsProcess)).Logger(),
	}
}

func (p *Analytics) TaskType() task.Type { return task.TypeAnalyticsProcess }

func (p *Analytics) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.AnalyticsProcess](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	if in.Event == "" {
		return nil, spanError(span, task.Permanentf("analytics: event name is required"))
	}
	at := in.OccurredAt
	if at.IsZero() {
		at = p.engine.Now()
	}
	span.SetAttributes(attribute.String("analytics.event", in.Event))

	day := at.UTC().Format("2006-01-02")
	count, err := p.increment(ctx, day, in.Event)
	if err != nil {
		return nil, spanError(span, classify(err))
	}

	published := false
	if p.publisher != nil {
		key := in.EntityID
		if key == "" {
			key = in.UserID
		}
		ev := AnalyticsEvent{
			TaskID:     t.ID,
			Event:      in.Event,
			UserID:     in.UserID,
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			Properties: in.Properties,
			OccurredAt: at.UnixMilli(),
		}
		if err := p.publisher.PublishEvent(ctx, key, ev); err != nil {
			return nil, spanError(span, fmt.Errorf("publish analytics event %s: %w", in.Event, err))
		}
		published = true
	}
	p.logger.Debug().Str("event", in.Event).Str("day", day).Int("count", count).Msg("analytics event recorded")
	return map[string]any{"day": day, "count": count, "published": published}, nil
}

// increment bumps the day's counter for event under the version protocol.
func (p *Analytics) increment(ctx context.Context, day, event string) (int, error) {
	id := day + "_" + event
	res := txn.Execute(ctx, p.engine, "analytics.increment", func(ctx context.Context, tx document.Tx) (int, error) {
		doc, err := tx.Get(ctx, AnalyticsCollection, id)
		if errors.Is(err, document.ErrNotFound) {
			_, err := p.engine.CreateIn(ctx, tx, document.SystemActor, AnalyticsCollection, id,
				map[string]any{"day": day, "event": event, "count": 1})
			return 1, err
		}
		if err != nil {
			return 0, err
		}
		n := int(doc.GetNumber("count")) + 1
		_, err = p.engine.UpdateIn(ctx, tx, document.SystemActor, AnalyticsCollection, id,
			map[string]any{"count": n}, txn.Update{ExpectedVersion: doc.Version})
		return n, err
	})
	return res.Data, res.Err
}
