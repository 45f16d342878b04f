package processors_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	auditapp "github.com/bountyhub/bountyhub/internal/application/audit"
	"github.com/bountyhub/bountyhub/internal/application/escrow"
	"github.com/bountyhub/bountyhub/internal/application/processors"
	"github.com/bountyhub/bountyhub/internal/application/queue"
	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/notification"
	"github.com/bountyhub/bountyhub/internal/domain/notification/mocks"
	"github.com/bountyhub/bountyhub/internal/domain/payment"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
	"github.com/bountyhub/bountyhub/internal/domain/task"
	"github.com/bountyhub/bountyhub/internal/infrastructure/docstore"
	"github.com/bountyhub/bountyhub/internal/infrastructure/memory"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func noSleep(context.Context, time.Duration) error { return nil }

func fixedNow() time.Time { return t0 }

func newTask(t *testing.T, id string, p task.Payload) *task.Task {
	t.Helper()
	tk, err := task.New(id, p, task.PriorityNormal, t0, nil)
	require.NoError(t, err)
	return tk
}

func newEngine(store *memory.Store) *txn.Engine {
	return txn.NewEngine(store, zerolog.Nop(), txn.WithSleep(noSleep))
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []task.Payload
}

func (r *recordingEnqueuer) AddTask(_ context.Context, p task.Payload, _ task.Priority, _ ...queue.AddOption) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, p)
	return "follow-up", nil
}

type fakeEscrow struct {
	releases []escrow.ReleaseRequest
	refunds  []escrow.RefundRequest
	err      error
}

func (f *fakeEscrow) Release(_ context.Context, req escrow.ReleaseRequest) (*escrow.ReleaseResult, error) {
	f.releases = append(f.releases, req)
	if f.err != nil {
		return nil, f.err
	}
	return &escrow.ReleaseResult{PaymentID: req.PaymentID, TransferID: "tr_1"}, nil
}

func (f *fakeEscrow) Refund(_ context.Context, req escrow.RefundRequest) (*escrow.RefundResult, error) {
	f.refunds = append(f.refunds, req)
	if f.err != nil {
		return nil, f.err
	}
	return &escrow.RefundResult{PaymentID: req.PaymentID, RefundID: "re_1"}, nil
}

func TestEscrowRelease(t *testing.T) {
	ctx := context.Background()

	f := &fakeEscrow{}
	p := processors.NewEscrowRelease(f)
	assert.Equal(t, task.TypeEscrowRelease, p.TaskType())

	res, err := p.Process(ctx, newTask(t, "t-1", task.EscrowRelease{PaymentID: "pay-1", BountyID: "b-1", RequestedBy: "biz-1"}))
	require.NoError(t, err)
	assert.Equal(t, "tr_1", res.(*escrow.ReleaseResult).TransferID)
	require.Len(t, f.releases, 1)
	assert.Equal(t, sm.RoleSystem, f.releases[0].Role)
	assert.Equal(t, "biz-1", f.releases[0].Actor)

	_, err = p.Process(ctx, newTask(t, "t-2", task.EscrowRelease{}))
	assert.True(t, task.IsPermanent(err))

	f.err = &payment.ProviderError{Code: "api_connection_error"}
	_, err = p.Process(ctx, newTask(t, "t-3", task.EscrowRelease{PaymentID: "pay-1"}))
	require.Error(t, err)
	assert.False(t, task.IsPermanent(err))

	f.err = &payment.ProviderError{Code: "account_invalid", StatusCode: 400}
	_, err = p.Process(ctx, newTask(t, "t-4", task.EscrowRelease{PaymentID: "pay-1"}))
	assert.True(t, task.IsPermanent(err))
}

func TestPaymentRetry(t *testing.T) {
	ctx := context.Background()
	f := &fakeEscrow{}
	p := processors.NewPaymentRetry(f)

	_, err := p.Process(ctx, newTask(t, "t-1", task.PaymentRetry{PaymentID: "pay-1", Operation: task.PaymentOpRelease}))
	require.NoError(t, err)
	require.Len(t, f.releases, 1)
	assert.Equal(t, sm.Role(""), f.releases[0].Role)

	res, err := p.Process(ctx, newTask(t, "t-2", task.PaymentRetry{
		PaymentID: "pay-1", Operation: task.PaymentOpRefund, Reason: "dispute", Actor: "admin-1", Role: "admin",
	}))
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.(*escrow.RefundResult).RefundID)
	require.Len(t, f.refunds, 1)
	assert.Equal(t, escrow.RefundRequest{PaymentID: "pay-1", Reason: "dispute", Actor: "admin-1", Role: sm.RoleAdmin}, f.refunds[0])

	_, err = p.Process(ctx, newTask(t, "t-3", task.PaymentRetry{PaymentID: "pay-1", Operation: "chargeback"}))
	assert.True(t, task.IsPermanent(err))

	f.err = escrow.ErrNotRefundable
	_, err = p.Process(ctx, newTask(t, "t-4", task.PaymentRetry{PaymentID: "pay-1", Operation: task.PaymentOpRefund}))
	assert.True(t, task.IsPermanent(err))
	assert.ErrorIs(t, err, escrow.ErrNotRefundable)
}

func TestNotificationSend(t *testing.T) {
	ctx := context.Background()
	sink := mocks.NewMockSink(gomock.NewController(t))
	p := processors.NewNotificationSend(sink, fixedNow)

	sink.EXPECT().CreateNotification(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, n *notification.Notification) error {
		assert.Equal(t, "ntf_t-1", n.ID)
		assert.Equal(t, "u-1", n.UserID)
		assert.Equal(t, notification.TypePayment, n.Type)
		assert.Equal(t, t0, n.CreatedAt)
		return nil
	})
	res, err := p.Process(ctx, newTask(t, "t-1", task.NotificationSend{UserID: "u-1", Type: "payment_update", Title: "Paid", Message: "done"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"notificationId": "ntf_t-1"}, res)

	sink.EXPECT().CreateNotification(gomock.Any(), gomock.Any()).Return(errors.New("redis down"))
	_, err = p.Process(ctx, newTask(t, "t-2", task.NotificationSend{UserID: "u-1", Title: "Paid"}))
	require.Error(t, err)
	assert.False(t, task.IsPermanent(err))

	_, err = p.Process(ctx, newTask(t, "t-3", task.NotificationSend{Title: "no recipient"}))
	assert.True(t, task.IsPermanent(err))
	assert.ErrorIs(t, err, notification.ErrMissingRecipient)
}

func TestDisputeNotification(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	got := map[string]*notification.Notification{}
	sink := notification.SinkFunc(func(_ context.Context, n *notification.Notification) error {
		if n.UserID == "u-bad" {
			return errors.New("unreachable")
		}
		mu.Lock()
		got[n.ID] = n
		mu.Unlock()
		return nil
	})
	p := processors.NewDisputeNotification(sink, fixedNow)

	res, err := p.Process(ctx, newTask(t, "t-1", task.DisputeNotification{
		DisputeID: "d-1", Recipients: []string{"u-1", "", "u-2"}, Event: "resolved", Message: "The dispute was resolved.",
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"delivered": 2}, res)
	require.Contains(t, got, "t-1-u-1")
	assert.Equal(t, "Dispute resolved", got["t-1-u-1"].Title)
	assert.Equal(t, notification.TypeDispute, got["t-1-u-2"].Type)
	assert.Equal(t, "d-1", got["t-1-u-2"].Data["disputeId"])

	_, err = p.Process(ctx, newTask(t, "t-2", task.DisputeNotification{DisputeID: "d-1", Recipients: []string{"u-1", "u-bad"}}))
	require.Error(t, err)
	assert.False(t, task.IsPermanent(err))
	assert.Contains(t, err.Error(), "u-bad")
	assert.Contains(t, got, "t-2-u-1")

	_, err = p.Process(ctx, newTask(t, "t-3", task.DisputeNotification{DisputeID: "d-1"}))
	assert.True(t, task.IsPermanent(err))
}

type recordingBus struct {
	mu     sync.Mutex
	keys   []string
	events []any
	err    error
}

func (b *recordingBus) PublishEvent(_ context.Context, key string, event any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.keys = append(b.keys, key)
	b.events = append(b.events, event)
	return nil
}

func TestAnalytics(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(memory.WithClock(fixedNow))
	bus := &recordingBus{}
	p := processors.NewAnalytics(newEngine(store), bus, zerolog.Nop())

	for i, id := range []string{"t-1", "t-2"} {
		res, err := p.Process(ctx, newTask(t, id, task.AnalyticsProcess{
			Event: "bounty_viewed", UserID: "u-1", EntityType: "bounty", EntityID: "b-1", OccurredAt: t0,
		}))
		require.NoError(t, err)
		assert.Equal(t, i+1, res.(map[string]any)["count"])
	}

	doc, err := store.Get(ctx, processors.AnalyticsCollection, "2024-05-01_bounty_viewed")
	require.NoError(t, err)
	assert.Equal(t, 2.0, doc.GetNumber("count"))
	assert.Equal(t, int64(2), doc.Version)

	require.Len(t, bus.events, 2)
	assert.Equal(t, []string{"b-1", "b-1"}, bus.keys)
	ev := bus.events[1].(processors.AnalyticsEvent)
	assert.Equal(t, "t-2", ev.TaskID)
	assert.Equal(t, t0.UnixMilli(), ev.OccurredAt)

	bus.err = errors.New("broker unavailable")
	_, err = p.Process(ctx, newTask(t, "t-3", task.AnalyticsProcess{Event: "bounty_viewed", UserID: "u-1"}))
	require.Error(t, err)
	assert.False(t, task.IsPermanent(err))

	_, err = p.Process(ctx, newTask(t, "t-4", task.AnalyticsProcess{}))
	assert.True(t, task.IsPermanent(err))

	noBus := processors.NewAnalytics(newEngine(store), nil, zerolog.Nop())
	res, err := noBus.Process(ctx, newTask(t, "t-5", task.AnalyticsProcess{Event: "signup"}))
	require.NoError(t, err)
	assert.Equal(t, false, res.(map[string]any)["published"])
}

type recordingMailer struct {
	to      []string
	subject string
	err     error
}

func (m *recordingMailer) Send(_ context.Context, to []string, subject, _ string) error {
	m.to, m.subject = to, subject
	return m.err
}

func TestEmail(t *testing.T) {
	ctx := context.Background()
	m := &recordingMailer{}
	p := processors.NewEmail(m)

	_, err := p.Process(ctx, newTask(t, "t-1", task.EmailSend{To: []string{"a@example.com"}, Subject: "Hi", Body: "hello"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, m.to)
	assert.Equal(t, "Hi", m.subject)

	_, err = p.Process(ctx, newTask(t, "t-2", task.EmailSend{Subject: "Hi"}))
	require.Error(t, err)
	assert.True(t, task.IsPermanent(err))
	assert.Contains(t, err.Error(), "to")

	m.err = errors.New("smtp: 421 try again later")
	_, err = p.Process(ctx, newTask(t, "t-3", task.EmailSend{To: []string{"a@example.com"}}))
	require.Error(t, err)
	assert.False(t, task.IsPermanent(err))
}

func TestWebhook(t *testing.T) {
	ctx := context.Background()
	var (
		mu       sync.Mutex
		lastBody string
		lastHdr  http.Header
	)
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		lastBody, lastHdr = string(b), r.Header.Clone()
		code := status
		mu.Unlock()
		w.WriteHeader(code)
	}))
	defer srv.Close()

	p := processors.NewWebhook(srv.Client())
	assert.Equal(t, task.TypeWebhookRetry, p.TaskType())

	res, err := p.Process(ctx, newTask(t, "t-1", task.WebhookRetry{
		URL:     srv.URL,
		Headers: map[string]string{"X-Signature": "abc"},
		Body:    json.RawMessage(`{"event":"escrow_released"}`),
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"statusCode": 200}, res)
	assert.JSONEq(t, `{"event":"escrow_released"}`, lastBody)
	assert.Equal(t, "abc", lastHdr.Get("X-Signature"))
	assert.Equal(t, "application/json", lastHdr.Get("Content-Type"))
	assert.Equal(t, "t-1", lastHdr.Get("X-Task-ID"))

	for code, permanent := range map[int]bool{
		http.StatusInternalServerError: false,
		http.StatusTooManyRequests:     false,
		http.StatusRequestTimeout:      false,
		http.StatusNotFound:            true,
		http.StatusUnauthorized:        true,
	} {
		mu.Lock()
		status = code
		mu.Unlock()
		_, err := p.Process(ctx, newTask(t, "t-2", task.WebhookRetry{URL: srv.URL}))
		require.Error(t, err, code)
		assert.Equal(t, permanent, task.IsPermanent(err), code)
	}

	_, err = p.Process(ctx, newTask(t, "t-3", task.WebhookRetry{Method: http.MethodPost}))
	assert.True(t, task.IsPermanent(err))

	_, err = p.Process(ctx, newTask(t, "t-4", task.WebhookRetry{URL: "http://127.0.0.1:1/unreachable"}))
	require.Error(t, err)
	assert.False(t, task.IsPermanent(err))
}

func seedSubmission(t *testing.T, engine *txn.Engine, id string, data map[string]any) {
	t.Helper()
	base := map[string]any{
		"bountyId":           "b-1",
		"creatorId":          "c-1",
		"platform":           "tiktok",
		"caption":            "launch video #ad",
		"verificationStatus": marketplace.VerificationPending,
	}
	for k, v := range data {
		base[k] = v
	}
	require.True(t, engine.CreateVersioned(context.Background(), "c-1", marketplace.SubmissionCollection, id, base).Success)
}

func TestContentVerification(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/live":
			w.WriteHeader(http.StatusOK)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	store := memory.NewStore()
	engine := newEngine(store)
	enq := &recordingEnqueuer{}
	p := processors.NewContentVerification(engine, srv.Client(), enq, processors.ContentRules{}, zerolog.Nop())

	seedSubmission(t, engine, "s-live", map[string]any{"contentUrl": srv.URL + "/live"})
	seedSubmission(t, engine, "s-gone", map[string]any{"contentUrl": srv.URL + "/gone"})
	seedSubmission(t, engine, "s-flaky", map[string]any{"contentUrl": srv.URL + "/flaky"})
	seedSubmission(t, engine, "s-rules", map[string]any{"contentUrl": "ftp://example.com/x", "platform": "myspace", "caption": " "})
	seedSubmission(t, engine, "s-done", map[string]any{"verificationStatus": marketplace.VerificationVerified})

	run := func(id string) (*processors.Verification, error) {
		res, err := p.Process(ctx, newTask(t, "t-"+id, task.ContentVerification{SubmissionID: id}))
		if err != nil {
			return nil, err
		}
		return res.(*processors.Verification), nil
	}

	v, err := run("s-live")
	require.NoError(t, err)
	assert.Equal(t, marketplace.VerificationVerified, v.Status)
	assert.Equal(t, http.StatusOK, v.HTTPStatus)
	doc, err := store.Get(ctx, marketplace.SubmissionCollection, "s-live")
	require.NoError(t, err)
	assert.Equal(t, marketplace.VerificationVerified, doc.GetString("verificationStatus"))
	assert.Equal(t, int64(2), doc.Version)

	v, err = run("s-gone")
	require.NoError(t, err)
	assert.Equal(t, marketplace.VerificationFailed, v.Status)
	assert.Equal(t, []string{"content returned HTTP 404"}, v.Problems)

	_, err = run("s-flaky")
	require.Error(t, err)
	assert.False(t, task.IsPermanent(err))
	doc, err = store.Get(ctx, marketplace.SubmissionCollection, "s-flaky")
	require.NoError(t, err)
	assert.Equal(t, marketplace.VerificationPending, doc.GetString("verificationStatus"))

	v, err = run("s-rules")
	require.NoError(t, err)
	assert.Equal(t, marketplace.VerificationFailed, v.Status)
	assert.Len(t, v.Problems, 3)
	assert.Zero(t, v.HTTPStatus)

	v, err = run("s-done")
	require.NoError(t, err)
	assert.True(t, v.Skipped)

	_, err = run("s-missing")
	assert.True(t, task.IsPermanent(err))
	assert.ErrorIs(t, err, document.ErrNotFound)

	require.Len(t, enq.tasks, 3)
	first := enq.tasks[0].(task.NotificationSend)
	assert.Equal(t, "c-1", first.UserID)
	assert.Equal(t, "Submission verified", first.Title)
	assert.Equal(t, "Submission needs attention", enq.tasks[1].(task.NotificationSend).Title)
}

func TestUserCleanup(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	engine := newEngine(store)
	auditor := auditapp.NewService(docstore.NewAuditRepository(store), zerolog.Nop(), auditapp.WithSleep(noSleep))
	p := processors.NewUserCleanup(engine, auditor, nil, zerolog.Nop())

	for _, d := range []struct{ coll, id, field, owner string }{
		{marketplace.ApplicationCollection, "a-1", "creatorId", "u-1"},
		{marketplace.ApplicationCollection, "a-2", "creatorId", "u-2"},
		{marketplace.SubmissionCollection, "s-1", "creatorId", "u-1"},
		{notification.Collection, "n-1", "userId", "u-1"},
		{notification.Collection, "n-2", "userId", "u-1"},
	} {
		require.True(t, engine.CreateVersioned(ctx, d.owner, d.coll, d.id, map[string]any{d.field: d.owner}).Success)
	}

	res, err := p.Process(ctx, newTask(t, "t-1", task.UserCleanup{UserID: "u-1"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		marketplace.ApplicationCollection: 1,
		marketplace.SubmissionCollection:  1,
		notification.Collection:           2,
	}, res.(map[string]any)["deleted"])

	_, err = store.Get(ctx, marketplace.ApplicationCollection, "a-1")
	assert.ErrorIs(t, err, document.ErrNotFound)
	_, err = store.Get(ctx, marketplace.ApplicationCollection, "a-2")
	assert.NoError(t, err)

	trail, err := auditor.GetAuditTrail(ctx, marketplace.EntityUser, "u-1", 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, audit.ActionUserCleanup, trail[0].Action)

	res, err = p.Process(ctx, newTask(t, "t-2", task.UserCleanup{UserID: "u-2", Collections: []string{notification.Collection}}))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{notification.Collection: 0}, res.(map[string]any)["deleted"])

	_, err = p.Process(ctx, newTask(t, "t-3", task.UserCleanup{}))
	assert.True(t, task.IsPermanent(err))
}

func TestAuditCleanup(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := docstore.NewAuditRepository(store)

	old := t0.Add(-100 * 24 * time.Hour)
	writer := auditapp.NewService(repo, zerolog.Nop(), auditapp.WithClock(func() time.Time { return old }))
	for i := 0; i < 3; i++ {
		_, err := writer.LogEvent(ctx, audit.Entry{UserID: "u-1", Action: "bounty_state_transition", ResourceType: "bounty", ResourceID: "b-1"})
		require.NoError(t, err)
	}
	auditor := auditapp.NewService(repo, zerolog.Nop(), auditapp.WithClock(fixedNow))
	_, err := auditor.LogEvent(ctx, audit.Entry{UserID: "u-1", Action: "bounty_state_transition", ResourceType: "bounty", ResourceID: "b-2"})
	require.NoError(t, err)

	p := processors.NewAuditCleanup(auditor, fixedNow, zerolog.Nop())
	res, err := p.Process(ctx, newTask(t, "t-1", task.AuditCleanup{RetentionDays: 90, BatchSize: 2}))
	require.NoError(t, err)
	assert.Equal(t, 3, res.(map[string]any)["deleted"])

	left, err := auditor.GetAuditTrail(ctx, "bounty", "b-2", 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
	gone, err := auditor.GetAuditTrail(ctx, "bounty", "b-1", 10)
	require.NoError(t, err)
	assert.Empty(t, gone)

	purges, err := auditor.GetUserAuditTrail(ctx, document.SystemActor, 10)
	require.NoError(t, err)
	require.Len(t, purges, 1)
	assert.Equal(t, audit.ActionAuditPurged, purges[0].Action)

	_, err = p.Process(ctx, newTask(t, "t-2", task.AuditCleanup{}))
	assert.True(t, task.IsPermanent(err))
}

type recordingRegistrar struct {
	types        []task.Type
	nonRetryable int
}

func (r *recordingRegistrar) RegisterProcessor(p queue.Processor, opts ...queue.ProcessorOption) {
	r.types = append(r.types, p.TaskType())
	if len(opts) > 0 {
		r.nonRetryable++
	}
}

func TestRegister(t *testing.T) {
	reg := &recordingRegistrar{}
	processors.Register(reg, processors.Deps{Engine: newEngine(memory.NewStore()), Email: &recordingMailer{}})
	assert.ElementsMatch(t, []task.Type{
		task.TypeEscrowRelease, task.TypePaymentRetry, task.TypeNotificationSend, task.TypeDisputeNotification,
		task.TypeAnalyticsProcess, task.TypeContentVerification, task.TypeWebhookRetry, task.TypeEmailSend,
		task.TypeUserCleanup, task.TypeAuditCleanup,
	}, reg.types)
	assert.Equal(t, 2, reg.nonRetryable)

	noMail := &recordingRegistrar{}
	processors.Register(noMail, processors.Deps{Engine: newEngine(memory.NewStore())})
	assert.NotContains(t, noMail.types, task.TypeEmailSend)
}
