package processors

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bountyhub/bountyhub/internal/application/escrow"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// EscrowRelease pays a held escrow payment out to the creator.
type EscrowRelease struct {
	escrow Escrow
}

func NewEscrowRelease(e Escrow) *EscrowRelease { return &EscrowRelease{escrow: e} }

func (p *EscrowRelease) TaskType() task.Type { return task.TypeEscrowRelease }

func (p *EscrowRelease) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.EscrowRelease](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	if in.PaymentID == "" {
		return nil, spanError(span, task.Permanentf("escrow release: paymentId is required"))
	}
	span.SetAttributes(attribute.String("payment.id", in.PaymentID), attribute.String("bounty.id", in.BountyID))

	res, err := p.escrow.Release(ctx, escrow.ReleaseRequest{
		PaymentID:    in.PaymentID,
		BountyID:     in.BountyID,
		SubmissionID: in.SubmissionID,
		CreatorID:    in.CreatorID,
		Actor:        in.RequestedBy,
		Role:         sm.RoleSystem,
	})
	if err != nil {
		return nil, spanError(span, classify(err))
	}
	return res, nil
}

// PaymentRetry re-drives a release or refund that failed earlier.
type PaymentRetry struct {
	escrow Escrow
}

func NewPaymentRetry(e Escrow) *PaymentRetry { return &PaymentRetry{escrow: e} }

func (p *PaymentRetry) TaskType() task.Type { return task.TypePaymentRetry }

func (p *PaymentRetry) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.PaymentRetry](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	if in.PaymentID == "" {
		return nil, spanError(span, task.Permanentf("payment retry: paymentId is required"))
	}
	span.SetAttributes(attribute.String("payment.id", in.PaymentID), attribute.String("payment.operation", in.Operation))

	var (
		res   any
		opErr error
	)
	switch in.Operation {
	case task.PaymentOpRelease:
		res, opErr = p.escrow.Release(ctx, escrow.ReleaseRequest{
			PaymentID: in.PaymentID,
			Actor:     in.Actor,
			Role:      sm.Role(in.Role),
		})
	case task.PaymentOpRefund:
		res, opErr = p.escrow.Refund(ctx, escrow.RefundRequest{
			PaymentID: in.PaymentID,
			Reason:    in.Reason,
			Actor:     in.Actor,
			Role:      sm.Role(in.Role),
		})
	default:
		return nil, spanError(span, task.Permanent(fmt.Errorf("payment retry: unknown operation %q", in.Operation)))
	}
	if opErr != nil {
		return nil, spanError(span, classify(opErr))
	}
	return res, nil
}
