package processors

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// Email sends an email_send task through the configured sender.
type Email struct {
	sender EmailSender
}

func NewEmail(sender EmailSender) *Email { return &Email{sender: sender} }

func (p *Email) TaskType() task.Type { return task.TypeEmailSend }

func (p *Email) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.EmailSend](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	if len(in.To) == 0 {
		return nil, spanError(span, task.Permanentf("email payload missing required field 'to'"))
	}
	span.SetAttributes(attribute.StringSlice("email.to", in.To))
	if err := p.sender.Send(ctx, in.To, in.Subject, in.Body); err != nil {
		return nil, spanError(span, fmt.Errorf("send email: %w", err))
	}
	return map[string]any{"recipients": len(in.To)}, nil
}
