package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	segkafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bountyhub/bountyhub/internal/domain/task"
)

type fakeWriter struct {
	msgs []segkafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...segkafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducer_PublishEvent(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, zerolog.Nop(), WithTopics("analytics", ""))

	require.NoError(t, p.PublishEvent(context.Background(), "b-1", map[string]any{"event": "bounty_viewed"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "analytics", w.msgs[0].Topic)
	assert.Equal(t, "b-1", string(w.msgs[0].Key))
	assert.JSONEq(t, `{"event":"bounty_viewed"}`, string(w.msgs[0].Value))
	assert.Equal(t, DefaultDeadLetterTopic, p.deadLetterTopic)
}

func TestProducer_PublishDeadLetter(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, zerolog.Nop())
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tk := &task.Task{ID: "task-9", Type: task.TypeWebhookRetry, Attempts: 3, Error: "HTTP 500"}

	require.NoError(t, p.PublishDeadLetter(context.Background(), task.NewDeadLetter(tk, now)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, DefaultDeadLetterTopic, w.msgs[0].Topic)
	assert.Equal(t, "task-9", string(w.msgs[0].Key))

	var got task.DeadLetter
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "HTTP 500", got.FailureReason)
	assert.Equal(t, 3, got.FailureCount)
}

func TestProducer_WriteError(t *testing.T) {
	p := newProducer(&fakeWriter{err: errors.New("broker down")}, zerolog.Nop())
	err := p.PublishEvent(context.Background(), "k", map[string]any{})
	assert.ErrorContains(t, err, "broker down")
}

func TestHeaderCarrier(t *testing.T) {
	c := HeaderCarrier{}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("tracestate", "x")
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, c.Keys())
	assert.Equal(t, "", c.Get("missing"))
}
