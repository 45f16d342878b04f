// Package processors holds the task handlers the queue runtime dispatches to.
package processors

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bountyhub/bountyhub/internal/application/escrow"
	"github.com/bountyhub/bountyhub/internal/application/queue"
	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/notification"
	"github.com/bountyhub/bountyhub/internal/domain/payment"
	"github.com/bountyhub/bountyhub/internal/domain/task"
	"github.com/bountyhub/bountyhub/pkg/telemetry"
)

// Registrar is the part of the queue runtime processors are registered on.
type Registrar interface {
	RegisterProcessor(p queue.Processor, opts ...queue.ProcessorOption)
}

// Enqueuer adds follow-up tasks.
type Enqueuer interface {
	AddTask(ctx context.Context, payload task.Payload, priority task.Priority, opts ...queue.AddOption) (string, error)
}

// Escrow releases and refunds escrowed payments.
type Escrow interface {
	Release(ctx context.Context, req escrow.ReleaseRequest) (*escrow.ReleaseResult, error)
	Refund(ctx context.Context, req escrow.RefundRequest) (*escrow.RefundResult, error)
}

// EventPublisher ships analytics events to the event bus.
type EventPublisher interface {
	PublishEvent(ctx context.Context, key string, event any) error
}

// EmailSender delivers plain-text email.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Auditor records maintenance actions and purges expired audit events.
type Auditor interface {
	LogEvent(ctx context.Context, entry audit.Entry) (string, error)
	PurgeBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

// Deps are the collaborators of the built-in processors. Publisher and
// Email are optional; without an Email sender email_send is not registered.
type Deps struct {
	Engine     *txn.Engine
	Escrow     Escrow
	Sink       notification.Sink
	Enqueuer   Enqueuer
	Publisher  EventPublisher
	Email      EmailSender
	Audit      Auditor
	HTTPClient *http.Client
	Content    ContentRules
	Cleanup    map[string]string
	Logger     zerolog.Logger
}

// Register wires every built-in processor into r. The cleanup processors
// are registered non-retryable.
func Register(r Registrar, d Deps) {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	r.RegisterProcessor(NewEscrowRelease(d.Escrow))
	r.RegisterProcessor(NewPaymentRetry(d.Escrow))
	r.RegisterProcessor(NewNotificationSend(d.Sink, d.Engine.Now))
	r.RegisterProcessor(NewDisputeNotification(d.Sink, d.Engine.Now))
	r.RegisterProcessor(NewAnalytics(d.Engine, d.Publisher, d.Logger))
	r.RegisterProcessor(NewContentVerification(d.Engine, d.HTTPClient, d.Enqueuer, d.Content, d.Logger))
	r.RegisterProcessor(NewWebhook(d.HTTPClient))
	if d.Email != nil {
		r.RegisterProcessor(NewEmail(d.Email))
	}
	r.RegisterProcessor(NewUserCleanup(d.Engine, d.Audit, d.Cleanup, d.Logger), queue.NonRetryable())
	r.RegisterProcessor(NewAuditCleanup(d.Audit, d.Engine.Now, d.Logger), queue.NonRetryable())
}

// classify keeps transient failures retryable and marks every other error
// permanent so the queue dead-letters it straight away.
func classify(err error) error {
	if err == nil || task.IsPermanent(err) {
		return err
	}
	if payment.IsRetryable(err) || txn.IsRetryable(err) {
		return err
	}
	return task.Permanent(err)
}

// retryableStatus reports whether an HTTP status is worth another attempt.
func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

func startSpan(ctx context.Context, t *task.Task) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, "processor."+string(t.Type),
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.Int("task.attempt", t.Attempts+1),
		))
}

func spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
