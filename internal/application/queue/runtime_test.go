package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/task"
	"github.com/bountyhub/bountyhub/internal/infrastructure/docstore"
	"github.com/bountyhub/bountyhub/internal/infrastructure/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAuditor) LogEvent(_ context.Context, e audit.Entry) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return fmt.Sprintf("audit-%d", len(a.entries)), nil
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	letters []*task.DeadLetter
}

func (p *recordingPublisher) PublishDeadLetter(_ context.Context, dl *task.DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters = append(p.letters, dl)
	return nil
}

type fixture struct {
	rt        *Runtime
	repo      *docstore.TaskRepository
	clock     *clock
	auditor   *recordingAuditor
	publisher *recordingPublisher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		repo:      docstore.NewTaskRepository(memory.NewStore()),
		clock:     newClock(),
		auditor:   &recordingAuditor{},
		publisher: &recordingPublisher{},
	}
	seq := 0
	var mu sync.Mutex
	f.rt = NewRuntime(f.repo, cfg, zerolog.Nop(),
		WithClock(f.clock.Now),
		WithAuditor(f.auditor),
		WithDeadLetterPublisher(f.publisher),
		WithIDGenerator(func(time.Time) string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("task-%02d", seq)
		}),
	)
	return f
}

// drain polls once and waits for the started tasks.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n, err := f.rt.Poll(context.Background())
	require.NoError(t, err)
	f.rt.Wait()
	return n
}

func TestRuntime_PriorityOrder(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeEmailSend, Fn: func(_ context.Context, tk *task.Task) (any, error) {
		p, err := task.PayloadAs[task.EmailSend](tk)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		order = append(order, p.Subject)
		mu.Unlock()
		return nil, nil
	}})

	for _, p := range []task.Priority{task.PriorityLow, task.PriorityNormal, task.PriorityHigh, task.PriorityUrgent} {
		_, err := f.rt.AddTask(ctx, task.EmailSend{Subject: string(p)}, p)
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		assert.Equal(t, 1, f.drain(t))
	}
	assert.Equal(t, 0, f.drain(t))
	assert.Equal(t, []string{"urgent", "high", "normal", "low"}, order)
}

func TestRuntime_FIFOWithinPriority(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 1})
	ctx := context.Background()

	var order []string
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeEmailSend, Fn: func(_ context.Context, tk *task.Task) (any, error) {
		order = append(order, tk.ID)
		return nil, nil
	}})
	for i := 0; i < 3; i++ {
		_, err := f.rt.AddTask(ctx, task.EmailSend{}, task.PriorityNormal)
		require.NoError(t, err)
		f.clock.Advance(time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		f.drain(t)
	}
	assert.Equal(t, []string{"task-01", "task-02", "task-03"}, order)
}

func TestRuntime_BackoffThenDeadLetter(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	runs := 0
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeEscrowRelease, Fn: func(context.Context, *task.Task) (any, error) {
		runs++
		return nil, errors.New("provider unavailable")
	}})

	id, err := f.rt.AddTask(ctx, task.EscrowRelease{PaymentID: "pay-1"}, task.PriorityUrgent)
	require.NoError(t, err)

	var delays []time.Duration
	for attempt := 1; attempt <= 4; attempt++ {
		require.Equal(t, 1, f.drain(t), "attempt %d", attempt)
		tk, err := f.rt.GetTask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, task.StatusScheduled, tk.Status)
		assert.Equal(t, attempt, tk.Attempts)
		assert.Equal(t, "provider unavailable", tk.Error)
		delay := tk.ScheduledFor.Sub(f.clock.Now())
		delays = append(delays, delay)

		// Not yet due.
		assert.Equal(t, 0, f.drain(t))
		f.clock.Advance(delay)
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}, delays)

	require.Equal(t, 1, f.drain(t))
	assert.Equal(t, 5, runs)

	_, err = f.rt.GetTask(ctx, id)
	assert.ErrorIs(t, err, task.ErrNotFound)

	dls, err := f.rt.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].OriginalTaskID)
	assert.Equal(t, 5, dls[0].FailureCount)
	assert.Equal(t, "provider unavailable", dls[0].FailureReason)
	assert.Equal(t, task.StatusFailed, dls[0].Task.Status)

	assert.Equal(t, []string{audit.ActionTaskDeadLettered}, f.auditor.actions())
	require.Len(t, f.publisher.letters, 1)
	assert.Equal(t, id, f.publisher.letters[0].OriginalTaskID)

	stats, err := f.rt.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetters)
	assert.Zero(t, stats.Total)
}

func TestRuntime_NonRetryableFailures(t *testing.T) {
	t.Run("non-retryable processor", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeWebhookRetry, Fn: func(context.Context, *task.Task) (any, error) {
			return nil, errors.New("bad request")
		}}, NonRetryable())

		id, err := f.rt.AddTask(context.Background(), task.WebhookRetry{URL: "https://example.com"}, task.PriorityNormal)
		require.NoError(t, err)
		f.drain(t)

		dls, err := f.rt.DeadLetters(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Equal(t, id, dls[0].ID)
		assert.Equal(t, 1, dls[0].FailureCount)
	})

	t.Run("permanent error", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypePaymentRetry, Fn: func(context.Context, *task.Task) (any, error) {
			return nil, task.Permanentf("payment %s not found", "pay-9")
		}})

		_, err := f.rt.AddTask(context.Background(), task.PaymentRetry{PaymentID: "pay-9"}, task.PriorityHigh)
		require.NoError(t, err)
		f.drain(t)

		dls, err := f.rt.DeadLetters(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, dls, 1)
		assert.Contains(t, dls[0].FailureReason, "pay-9")
	})

	t.Run("dead letter disabled keeps failed task", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DeadLetter = false
		f := newFixture(t, cfg)
		f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeEmailSend, Fn: func(context.Context, *task.Task) (any, error) {
			return nil, errors.New("rejected")
		}}, NonRetryable())

		id, err := f.rt.AddTask(context.Background(), task.EmailSend{}, task.PriorityNormal)
		require.NoError(t, err)
		f.drain(t)

		tk, err := f.rt.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, tk.Status)
		assert.NotNil(t, tk.FailedAt)
		assert.Empty(t, f.publisher.letters)
	})
}

func TestRuntime_Timeout(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	release := make(chan struct{})
	defer close(release)

	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeContentVerification, Fn: func(context.Context, *task.Task) (any, error) {
		<-release
		return nil, nil
	}}, WithTimeout(20*time.Millisecond), NonRetryable())

	id, err := f.rt.AddTask(context.Background(), task.ContentVerification{SubmissionID: "s-1"}, task.PriorityNormal)
	require.NoError(t, err)
	f.drain(t)

	dls, err := f.rt.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].ID)
	assert.Contains(t, dls[0].FailureReason, task.ErrTimeout.Error())
	assert.Zero(t, f.rt.InFlight())
}

func TestRuntime_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeAnalyticsProcess, Fn: func(context.Context, *task.Task) (any, error) {
		panic("boom")
	}})

	id, err := f.rt.AddTask(context.Background(), task.AnalyticsProcess{Event: "view"}, task.PriorityLow)
	require.NoError(t, err)
	f.drain(t)

	tk, err := f.rt.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusScheduled, tk.Status)
	assert.Contains(t, tk.Error, "boom")
}

func TestRuntime_CompleteStoresResult(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeNotificationSend, Fn: func(context.Context, *task.Task) (any, error) {
		return map[string]any{"delivered": true}, nil
	}})

	id, err := f.rt.AddTask(context.Background(), task.NotificationSend{UserID: "u-1"}, task.PriorityNormal,
		WithMetadata(map[string]any{"source": "test"}))
	require.NoError(t, err)
	assert.Equal(t, 1, f.drain(t))

	tk, err := f.rt.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.JSONEq(t, `{"delivered":true}`, string(tk.Result))
	assert.Equal(t, "test", tk.Metadata["source"])
	assert.NotNil(t, tk.CompletedAt)
}

func TestRuntime_UnregisteredTypeDeadLetters(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	id, err := f.rt.AddTask(ctx, task.UserCleanup{UserID: "u-1"}, task.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, 1, f.drain(t))

	_, err = f.rt.GetTask(ctx, id)
	assert.ErrorIs(t, err, task.ErrNotFound)
	dls, err := f.rt.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].OriginalTaskID)
	assert.Equal(t, 1, dls[0].FailureCount)
	assert.Contains(t, dls[0].FailureReason, task.ErrNoProcessor.Error())
}

func TestRuntime_UnregisteredTypesDoNotStarveQueue(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2, DeadLetter: true})
	ctx := context.Background()
	runs := 0
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeNotificationSend, Fn: func(context.Context, *task.Task) (any, error) {
		runs++
		return nil, nil
	}})

	for i := 0; i < 5; i++ {
		_, err := f.rt.AddTask(ctx, task.EmailSend{}, task.PriorityHigh)
		require.NoError(t, err)
	}
	id, err := f.rt.AddTask(ctx, task.NotificationSend{UserID: "u-1"}, task.PriorityNormal)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		f.drain(t)
	}

	tk, err := f.rt.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Equal(t, 1, runs)
	dead, err := f.rt.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, dead, 5)
}

func TestRuntime_ScheduledTask(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeEmailSend, Fn: func(context.Context, *task.Task) (any, error) {
		return nil, nil
	}})

	at := f.clock.Now().Add(time.Minute)
	id, err := f.rt.AddTask(context.Background(), task.EmailSend{}, task.PriorityNormal, At(at))
	require.NoError(t, err)
	assert.Equal(t, 0, f.drain(t))

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.drain(t))
	tk, err := f.rt.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
}

func TestRuntime_CancelTask(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	ran := false
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeEmailSend, Fn: func(context.Context, *task.Task) (any, error) {
		ran = true
		return nil, nil
	}})

	id, err := f.rt.AddTask(ctx, task.EmailSend{}, task.PriorityNormal, At(f.clock.Now().Add(time.Hour)))
	require.NoError(t, err)

	tk, err := f.rt.CancelTask(ctx, id, "bounty withdrawn")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, tk.Status)
	assert.Equal(t, "bounty withdrawn", tk.Error)

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 0, f.drain(t))
	assert.False(t, ran)

	_, err = f.rt.CancelTask(ctx, id, "again")
	assert.ErrorIs(t, err, task.ErrNotCancellable)
	_, err = f.rt.CancelTask(ctx, "missing", "x")
	assert.ErrorIs(t, err, task.ErrNotFound)

	require.Len(t, f.auditor.entries, 1)
	e := f.auditor.entries[0]
	assert.Equal(t, audit.ActionTaskCancelled, e.Action)
	assert.Equal(t, task.EntityType, e.ResourceType)
	assert.Equal(t, id, e.ResourceID)
	assert.Equal(t, map[string]any{"status": "scheduled"}, e.OldData)
}

func TestRuntime_Stats(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeEmailSend, Fn: func(context.Context, *task.Task) (any, error) {
		return nil, nil
	}})

	for i := 0; i < 3; i++ {
		_, err := f.rt.AddTask(ctx, task.EmailSend{}, task.PriorityNormal)
		require.NoError(t, err)
	}
	f.drain(t)
	_, err := f.rt.AddTask(ctx, task.NotificationSend{}, task.PriorityNormal)
	require.NoError(t, err)
	_, err = f.rt.AddTask(ctx, task.EmailSend{}, task.PriorityNormal, At(f.clock.Now().Add(time.Hour)))
	require.NoError(t, err)

	s, err := f.rt.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Counts[task.StatusCompleted])
	assert.Equal(t, 1, s.Counts[task.StatusPending])
	assert.Equal(t, 1, s.Counts[task.StatusScheduled])
	assert.Equal(t, 5, s.Total)
	assert.InDelta(t, 0.75, s.SuccessRate, 1e-9)
}

func TestRuntime_Cleanup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupBatch = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeEmailSend, Fn: func(context.Context, *task.Task) (any, error) {
		return nil, nil
	}})

	for i := 0; i < 5; i++ {
		_, err := f.rt.AddTask(ctx, task.EmailSend{}, task.PriorityNormal)
		require.NoError(t, err)
	}
	f.drain(t)
	cancelledID, err := f.rt.AddTask(ctx, task.EmailSend{}, task.PriorityNormal, At(f.clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	_, err = f.rt.CancelTask(ctx, cancelledID, "superseded")
	require.NoError(t, err)
	pendingID, err := f.rt.AddTask(ctx, task.NotificationSend{}, task.PriorityNormal)
	require.NoError(t, err)

	n, err := f.rt.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(25 * time.Hour)
	n, err = f.rt.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = f.rt.GetTask(ctx, cancelledID)
	assert.ErrorIs(t, err, task.ErrNotFound)
	_, err = f.rt.GetTask(ctx, pendingID)
	assert.NoError(t, err)
	s, err := f.rt.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Total)
}

func TestRuntime_Recurrence(t *testing.T) {
	ctx := context.Background()

	t.Run("next occurrence enqueued", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EnableRecurrence = true
		f := newFixture(t, cfg)
		f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeAuditCleanup, Fn: func(context.Context, *task.Task) (any, error) {
			return nil, nil
		}})

		start := f.clock.Now()
		id, err := f.rt.ScheduleRecurringTask(ctx, task.AuditCleanup{RetentionDays: 90}, task.PriorityLow,
			task.Recurrence{Interval: time.Hour}, time.Time{})
		require.NoError(t, err)

		first, err := f.rt.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusScheduled, first.Status)
		assert.Equal(t, start.Add(time.Hour), *first.ScheduledFor)
		assert.Equal(t, true, first.Metadata["recurring"])

		f.clock.Advance(time.Hour)
		require.Equal(t, 1, f.drain(t))

		due, err := f.repo.ListDue(ctx, start.Add(24*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		next := due[0]
		assert.NotEqual(t, id, next.ID)
		assert.Equal(t, start.Add(2*time.Hour), *next.ScheduledFor)
		assert.Equal(t, id, next.Metadata["previousTaskId"])
		require.NotNil(t, next.Recurrence)
		assert.Equal(t, time.Hour, next.Recurrence.Interval)

		p, err := task.PayloadAs[task.AuditCleanup](next)
		require.NoError(t, err)
		assert.Equal(t, 90, p.RetentionDays)
	})

	t.Run("end date stops recurrence", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EnableRecurrence = true
		f := newFixture(t, cfg)
		f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeAuditCleanup, Fn: func(context.Context, *task.Task) (any, error) {
			return nil, nil
		}})

		start := f.clock.Now()
		end := start.Add(90 * time.Minute)
		_, err := f.rt.ScheduleRecurringTask(ctx, task.AuditCleanup{}, task.PriorityLow,
			task.Recurrence{Interval: time.Hour, EndDate: &end}, start.Add(time.Hour))
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		require.Equal(t, 1, f.drain(t))
		due, err := f.repo.ListDue(ctx, start.Add(24*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("disabled runs once", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.rt.RegisterProcessor(ProcessorFunc{Type: task.TypeAuditCleanup, Fn: func(context.Context, *task.Task) (any, error) {
			return nil, nil
		}})
		start := f.clock.Now()
		_, err := f.rt.ScheduleRecurringTask(ctx, task.AuditCleanup{}, task.PriorityLow,
			task.Recurrence{Cron: "CRON_TZ=UTC 0 * * * *"}, time.Time{})
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		require.Equal(t, 1, f.drain(t))
		due, err := f.repo.ListDue(ctx, start.Add(24*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("invalid recurrence", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		_, err := f.rt.ScheduleRecurringTask(ctx, task.AuditCleanup{}, task.PriorityLow, task.Recurrence{}, time.Time{})
		assert.Error(t, err)
		_, err = f.rt.ScheduleRecurringTask(ctx, task.AuditCleanup{}, task.PriorityLow, task.Recurrence{Cron: "not cron"}, time.Time{})
		assert.Error(t, err)
	})
}

func TestRuntime_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	repo := docstore.NewTaskRepository(memory.NewStore())
	rt := NewRuntime(repo, cfg, zerolog.Nop())
	rt.RegisterProcessor(ProcessorFunc{Type: task.TypeEmailSend, Fn: func(context.Context, *task.Task) (any, error) {
		return "sent", nil
	}})

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	assert.True(t, rt.Running())
	assert.ErrorIs(t, rt.Start(ctx), ErrAlreadyRunning)

	id, err := rt.AddTask(ctx, task.EmailSend{To: []string{"a@example.com"}}, task.PriorityNormal)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		tk, err := rt.GetTask(ctx, id)
		return err == nil && tk.Status == task.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rt.Stop()
	assert.False(t, rt.Running())
	assert.Zero(t, rt.InFlight())
	rt.Stop()
}
