package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/dispute"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/notification"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// TaskActionExecutor carries out resolution actions. Money movement and
// messages go through the task queue; suspensions are written directly.
type TaskActionExecutor struct {
	engine *txn.Engine
	queue  Enqueuer
}

func NewTaskActionExecutor(engine *txn.Engine, queue Enqueuer) *TaskActionExecutor {
	return &TaskActionExecutor{engine: engine, queue: queue}
}

func (x *TaskActionExecutor) Execute(ctx context.Context, d *dispute.Dispute, a dispute.Action) error {
	switch a.Type {
	case dispute.ActionRefund:
		paymentID := firstNonEmpty(a.PaymentID, d.PaymentID)
		if paymentID == "" {
			return errors.New("refund: no payment on dispute")
		}
		_, err := x.queue.AddTask(ctx, task.PaymentRetry{
			PaymentID: paymentID,
			Operation: task.PaymentOpRefund,
			Reason:    "dispute " + d.ID,
			Actor:     d.Resolution.ResolvedBy,
			Role:      string(sm.RoleAdmin),
		}, task.PriorityUrgent)
		return err

	case dispute.ActionPaymentRelease:
		paymentID := firstNonEmpty(a.PaymentID, d.PaymentID)
		if paymentID == "" {
			return errors.New("payment release: no payment on dispute")
		}
		_, err := x.queue.AddTask(ctx, task.EscrowRelease{
			PaymentID:    paymentID,
			BountyID:     d.BountyID,
			SubmissionID: d.SubmissionID,
			RequestedBy:  d.Resolution.ResolvedBy,
		}, task.PriorityUrgent)
		return err

	case dispute.ActionContentRevision, dispute.ActionWarning:
		target := firstNonEmpty(a.TargetUserID, d.RespondentID)
		if target == "" {
			return fmt.Errorf("%s: no target user", a.Type)
		}
		title := "Content revision requested"
		if a.Type == dispute.ActionWarning {
			title = "Account warning"
		}
		_, err := x.queue.AddTask(ctx, task.NotificationSend{
			UserID:  target,
			Type:    string(notification.TypeDispute),
			Title:   title,
			Message: firstNonEmpty(a.Note, d.Resolution.Summary),
			Data:    map[string]any{"disputeId": d.ID, "action": string(a.Type)},
		}, task.PriorityHigh)
		return err

	case dispute.ActionAccountSuspension:
		target := firstNonEmpty(a.TargetUserID, d.RespondentID)
		if target == "" {
			return errors.New("account suspension: no target user")
		}
		return x.suspend(ctx, d, target)
	}
	return fmt.Errorf("unknown action %q", a.Type)
}

func (x *TaskActionExecutor) suspend(ctx context.Context, d *dispute.Dispute, userID string) error {
	res := txn.Execute(ctx, x.engine, "dispute.suspend_user", func(ctx context.Context, tx document.Tx) (struct{}, error) {
		doc, err := tx.Get(ctx, marketplace.UserCollection, userID)
		if err != nil {
			return struct{}{}, fmt.Errorf("load user %s: %w", userID, err)
		}
		_, err = x.engine.UpdateIn(ctx, tx, d.Resolution.ResolvedBy, marketplace.UserCollection, userID, map[string]any{
			"suspended":       true,
			"suspendedReason": "dispute " + d.ID,
			"suspendedAt":     x.engine.Now().UnixMilli(),
		}, txn.Update{ExpectedVersion: doc.Version})
		return struct{}{}, err
	})
	return res.Err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
