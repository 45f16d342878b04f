package marketplace_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditapp "github.com/bountyhub/bountyhub/internal/application/audit"
	mkt "github.com/bountyhub/bountyhub/internal/application/marketplace"
	"github.com/bountyhub/bountyhub/internal/application/queue"
	"github.com/bountyhub/bountyhub/internal/application/statemachine"
	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/payment"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
	"github.com/bountyhub/bountyhub/internal/domain/task"
	"github.com/bountyhub/bountyhub/internal/infrastructure/docstore"
	"github.com/bountyhub/bountyhub/internal/infrastructure/memory"
)

func noSleep(context.Context, time.Duration) error { return nil }

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []task.Payload
	prios []task.Priority
}

func (r *recordingEnqueuer) AddTask(_ context.Context, p task.Payload, prio task.Priority, _ ...queue.AddOption) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, p)
	r.prios = append(r.prios, prio)
	return fmt.Sprintf("task-%d", len(r.tasks)), nil
}

type harness struct {
	store *memory.Store
	audit *auditapp.Service
	queue *recordingEnqueuer
	svc   *mkt.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore()
	engine := txn.NewEngine(store, zerolog.Nop(), txn.WithSleep(noSleep))
	auditor := auditapp.NewService(docstore.NewAuditRepository(store), zerolog.Nop(), auditapp.WithSleep(noSleep))
	machine := func(cfg sm.Config) *statemachine.Engine {
		e, err := statemachine.NewEngine(cfg, auditor, zerolog.Nop())
		require.NoError(t, err)
		return e
	}
	q := &recordingEnqueuer{}
	n := 0
	svc := mkt.NewService(engine, mkt.Machines{
		Bounties:     machine(statemachine.BountyConfig()),
		Applications: machine(statemachine.ApplicationConfig()),
		Payments:     machine(statemachine.PaymentConfig()),
	}, q, zerolog.Nop(), mkt.WithIDGenerator(func() string { n++; return fmt.Sprintf("%d", n) }))
	return &harness{store: store, audit: auditor, queue: q, svc: svc}
}

// fund creates a bounty and walks its escrow payment to held_in_escrow.
func (h *harness) fund(t *testing.T, maxApplications, maxCreators int) (bountyID, paymentID string) {
	t.Helper()
	ctx := context.Background()
	bountyID, err := h.svc.CreateBounty(ctx, mkt.BountyInput{
		BusinessID:      "biz-1",
		Title:           "Unboxing video",
		Budget:          200,
		MaxApplications: maxApplications,
		MaxCreators:     maxCreators,
	})
	require.NoError(t, err)
	paymentID, err = h.svc.CreatePayment(ctx, mkt.PaymentInput{BountyID: bountyID, BusinessID: "biz-1", Amount: 200, Currency: "usd"})
	require.NoError(t, err)
	require.NoError(t, h.svc.StartPaymentProcessing(ctx, paymentID, "pi_1", "biz-1"))
	require.NoError(t, h.svc.ConfirmPaymentHeld(ctx, paymentID, payment.ProviderSucceeded, "system"))
	require.NoError(t, h.svc.MarkBountyFunded(ctx, bountyID, "biz-1"))
	return bountyID, paymentID
}

func (h *harness) status(t *testing.T, collection, id string) string {
	t.Helper()
	doc, err := h.store.Get(context.Background(), collection, id)
	require.NoError(t, err)
	return doc.GetString("status")
}

func TestFundingFlow(t *testing.T) {
	h := newHarness(t)
	bountyID, paymentID := h.fund(t, 0, 0)

	assert.Equal(t, "bty_1", bountyID)
	assert.Equal(t, string(payment.StatusHeldInEscrow), h.status(t, payment.Collection, paymentID))
	assert.Equal(t, string(marketplace.BountyActive), h.status(t, marketplace.BountyCollection, bountyID))

	pay, err := h.store.Get(context.Background(), payment.Collection, paymentID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, pay.GetNumber("platformFee"))
	assert.Equal(t, 190.0, pay.GetNumber("creatorEarnings"))
	assert.Equal(t, "pi_1", pay.GetString("paymentIntentId"))

	bounty, err := h.store.Get(context.Background(), marketplace.BountyCollection, bountyID)
	require.NoError(t, err)
	assert.Equal(t, paymentID, bounty.GetString("escrowPaymentId"))
	assert.Equal(t, 5.0, bounty.GetNumber("maxApplications"))

	trail, err := h.audit.GetAuditTrail(context.Background(), payment.EntityType, paymentID, 10)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
	for _, e := range trail {
		assert.Equal(t, audit.TransitionAction(payment.EntityType), e.Action)
	}
}

func TestFundingFlow_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.CreateBounty(ctx, mkt.BountyInput{BusinessID: "biz-1", Title: "x"})
	assert.ErrorIs(t, err, mkt.ErrInvalidInput)

	bountyID, err := h.svc.CreateBounty(ctx, mkt.BountyInput{BusinessID: "biz-1", Title: "x", Budget: 50})
	require.NoError(t, err)
	var te *sm.TransitionError
	assert.ErrorAs(t, h.svc.MarkBountyFunded(ctx, bountyID, "biz-1"), &te, "no escrow yet")

	paymentID, err := h.svc.CreatePayment(ctx, mkt.PaymentInput{BountyID: bountyID, BusinessID: "biz-1", Amount: 50, Currency: "usd"})
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.StartPaymentProcessing(ctx, paymentID, "", "biz-1"), mkt.ErrInvalidInput)
	assert.ErrorAs(t, h.svc.ConfirmPaymentHeld(ctx, paymentID, payment.ProviderSucceeded, "system"), &te, "pending cannot be held")

	require.NoError(t, h.svc.StartPaymentProcessing(ctx, paymentID, "pi_9", "biz-1"))
	require.NoError(t, h.svc.ConfirmPaymentHeld(ctx, paymentID, "requires_payment_method", "system"))
	assert.Equal(t, string(payment.StatusFailed), h.status(t, payment.Collection, paymentID))
	assert.Equal(t, string(marketplace.BountyPending), h.status(t, marketplace.BountyCollection, bountyID))

	assert.ErrorIs(t, h.svc.MarkBountyFunded(ctx, "bty_missing", "biz-1"), mkt.ErrNotFound)
}

func TestCreateApplication_FifthFillsBounty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bountyID, _ := h.fund(t, 5, 2)

	for i := 1; i <= 4; i++ {
		res, err := h.svc.CreateApplication(ctx, bountyID, fmt.Sprintf("c-%d", i), "pick me")
		require.NoError(t, err)
		assert.Equal(t, i, res.ApplicationsCount)
		assert.Equal(t, string(marketplace.BountyActive), res.BountyStatus)
	}
	_, err := h.svc.CreateApplication(ctx, bountyID, "c-1", "again")
	assert.ErrorIs(t, err, mkt.ErrDuplicate)

	res, err := h.svc.CreateApplication(ctx, bountyID, "c-5", "last one")
	require.NoError(t, err)
	assert.Equal(t, 5, res.ApplicationsCount)
	assert.Equal(t, string(marketplace.BountyInProgress), res.BountyStatus)
	assert.Equal(t, string(marketplace.BountyInProgress), h.status(t, marketplace.BountyCollection, bountyID))

	_, err = h.svc.CreateApplication(ctx, bountyID, "c-6", "too late")
	assert.ErrorIs(t, err, mkt.ErrBountyClosed)

	trail, err := h.audit.GetAuditTrail(ctx, marketplace.EntityBounty, bountyID, 10)
	require.NoError(t, err)
	reasons := make([]any, 0, len(trail))
	for _, e := range trail {
		reasons = append(reasons, e.Metadata["reason"])
	}
	assert.Contains(t, reasons, "application quota reached")
}

func TestDecideAndWithdraw(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bountyID, _ := h.fund(t, 5, 2)

	a1, err := h.svc.CreateApplication(ctx, bountyID, "c-1", "")
	require.NoError(t, err)
	a2, err := h.svc.CreateApplication(ctx, bountyID, "c-2", "")
	require.NoError(t, err)

	var te *sm.TransitionError
	assert.ErrorAs(t, h.svc.DecideApplication(ctx, a1.ApplicationID, true, "c-1", sm.RoleCreator), &te)

	require.NoError(t, h.svc.DecideApplication(ctx, a1.ApplicationID, true, "biz-1", sm.RoleBusiness))
	assert.Equal(t, string(marketplace.ApplicationAccepted), h.status(t, marketplace.ApplicationCollection, a1.ApplicationID))
	bounty, err := h.store.Get(ctx, marketplace.BountyCollection, bountyID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, bounty.GetNumber("acceptedCount"))
	assert.Equal(t, string(marketplace.BountyActive), bounty.GetString("status"))

	assert.ErrorAs(t, h.svc.WithdrawApplication(ctx, a1.ApplicationID, "c-2"), &te, "only the applicant")
	require.NoError(t, h.svc.WithdrawApplication(ctx, a1.ApplicationID, "c-1"))
	bounty, err = h.store.Get(ctx, marketplace.BountyCollection, bountyID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, bounty.GetNumber("acceptedCount"))

	require.NoError(t, h.svc.DecideApplication(ctx, a2.ApplicationID, false, "biz-1", sm.RoleBusiness))
	assert.ErrorAs(t, h.svc.DecideApplication(ctx, a2.ApplicationID, true, "biz-1", sm.RoleBusiness), &te, "rejected is final")
}

func TestAcceptingLastCreatorStartsBounty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bountyID, _ := h.fund(t, 5, 1)
	a, err := h.svc.CreateApplication(ctx, bountyID, "c-1", "")
	require.NoError(t, err)

	require.NoError(t, h.svc.DecideApplication(ctx, a.ApplicationID, true, "biz-1", sm.RoleBusiness))
	assert.Equal(t, string(marketplace.BountyInProgress), h.status(t, marketplace.BountyCollection, bountyID))
}

func TestCancelBounty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bountyID, _ := h.fund(t, 0, 0)

	var te *sm.TransitionError
	assert.ErrorAs(t, h.svc.CancelBounty(ctx, bountyID, "biz-1", sm.RoleBusiness, "changed my mind"), &te)
	require.NoError(t, h.svc.CancelBounty(ctx, bountyID, "admin-1", sm.RoleAdmin, "policy violation"))
	assert.Equal(t, string(marketplace.BountyCancelled), h.status(t, marketplace.BountyCollection, bountyID))
	assert.ErrorAs(t, h.svc.CancelBounty(ctx, bountyID, "admin-1", sm.RoleAdmin, "again"), &te, "cancelled is final")
}

func TestRequestEscrowRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bountyID, paymentID := h.fund(t, 0, 0)

	id, err := h.svc.RequestEscrowRelease(ctx, mkt.ReleaseInput{PaymentID: paymentID, SubmissionID: "s-1", CreatorID: "c-1", RequestedBy: "biz-1"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	require.Len(t, h.queue.tasks, 1)
	assert.Equal(t, task.EscrowRelease{PaymentID: paymentID, BountyID: bountyID, SubmissionID: "s-1", CreatorID: "c-1", RequestedBy: "biz-1"}, h.queue.tasks[0])
	assert.Equal(t, task.PriorityUrgent, h.queue.prios[0])

	_, err = h.svc.RequestEscrowRelease(ctx, mkt.ReleaseInput{PaymentID: "pay_missing"})
	assert.ErrorIs(t, err, mkt.ErrNotFound)

	other, err := h.svc.CreatePayment(ctx, mkt.PaymentInput{BountyID: bountyID, BusinessID: "biz-1", Amount: 10, Currency: "usd"})
	require.NoError(t, err)
	var te *sm.TransitionError
	_, err = h.svc.RequestEscrowRelease(ctx, mkt.ReleaseInput{PaymentID: other})
	assert.ErrorAs(t, err, &te)
}
