package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/task"
	"github.com/bountyhub/bountyhub/pkg/retry"
	"github.com/bountyhub/bountyhub/pkg/telemetry"
)

var ErrAlreadyRunning = errors.New("queue runtime already running")

// Config controls polling, retry and housekeeping.
type Config struct {
	PollInterval    time.Duration
	Concurrency     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	CleanupBatch    int
	// DeadLetter moves terminally failed tasks to the dead-letter queue.
	DeadLetter bool
	// EnableRecurrence enqueues the next occurrence of a recurring task when
	// the current one finishes. Off, recurrence is metadata only.
	EnableRecurrence bool
}

// DefaultConfig returns the standard queue policy.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		Concurrency:     5,
		BaseDelay:       5 * time.Second,
		MaxDelay:        5 * time.Minute,
		CleanupInterval: time.Hour,
		Retention:       24 * time.Hour,
		CleanupBatch:    100,
		DeadLetter:      true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.CleanupBatch <= 0 {
		c.CleanupBatch = d.CleanupBatch
	}
	return c
}

// Auditor records dead letters and cancellations.
type Auditor interface {
	LogEvent(ctx context.Context, entry audit.Entry) (string, error)
}

// DeadLetterPublisher mirrors dead letters to an external bus.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl *task.DeadLetter) error
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithClock(now func() time.Time) Option { return func(r *Runtime) { r.now = now } }

func WithIDGenerator(fn func(now time.Time) string) Option {
	return func(r *Runtime) { r.newID = fn }
}

func WithAuditor(a Auditor) Option { return func(r *Runtime) { r.auditor = a } }

func WithDeadLetterPublisher(p DeadLetterPublisher) Option {
	return func(r *Runtime) { r.publisher = p }
}

// Runtime owns the processor registry and the polling loop. Construct one
// per process and pass it to whatever enqueues work.
type Runtime struct {
	repo      task.Repository
	cfg       Config
	registry  *registry
	auditor   Auditor
	publisher DeadLetterPublisher
	logger    zerolog.Logger
	now       func() time.Time
	newID     func(now time.Time) string

	mu       sync.Mutex
	inFlight int
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	cron     *cron.Cron
	wg       sync.WaitGroup
}

// NewRuntime creates a queue runtime over repo.
func NewRuntime(repo task.Repository, cfg Config, logger zerolog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		repo:     repo,
		cfg:      cfg.withDefaults(),
		registry: newRegistry(),
		logger:   logger.With().Str("service", "queue").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    newTaskID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newTaskID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("task_%d_%s", now.UnixMilli(), suffix)
}

// Config returns the effective configuration.
func (r *Runtime) Config() Config { return r.cfg }

// RegisterProcessor installs p for its task type, replacing any previous one.
// Failures are retryable unless NonRetryable is given.
func (r *Runtime) RegisterProcessor(p Processor, opts ...ProcessorOption) {
	reg := &registration{processor: p, retryable: true}
	for _, opt := range opts {
		opt(reg)
	}
	r.registry.register(reg)
	r.logger.Debug().Str("task_type", string(p.TaskType())).Bool("retryable", reg.retryable).Msg("processor registered")
}

// AddOption configures AddTask.
type AddOption func(*addOptions)

type addOptions struct {
	scheduledFor *time.Time
	metadata     map[string]any
}

// At delays the task until t.
func At(t time.Time) AddOption {
	return func(o *addOptions) { o.scheduledFor = &t }
}

// WithMetadata attaches free-form metadata.
func WithMetadata(m map[string]any) AddOption {
	return func(o *addOptions) { o.metadata = m }
}

// AddTask enqueues payload and returns the task id.
func (r *Runtime) AddTask(ctx context.Context, payload task.Payload, priority task.Priority, opts ...AddOption) (string, error) {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	now := r.now()
	t, err := task.New(r.newID(now), payload, priority, now, o.scheduledFor)
	if err != nil {
		return "", err
	}
	t.Metadata = o.metadata
	if err := r.repo.Create(ctx, t); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", t.Type, err)
	}
	telemetry.QueueTasksEnqueued.WithLabelValues(string(t.Type), string(t.Priority)).Inc()
	r.logger.Debug().
		Str("task_id", t.ID).
		Str("task_type", string(t.Type)).
		Str("priority", string(t.Priority)).
		Str("status", string(t.Status)).
		Msg("task enqueued")
	return t.ID, nil
}

// ScheduleRecurringTask enqueues a scheduled task carrying rec. With
// EnableRecurrence off the queue runs it once and leaves the schedule to an
// external scheduler. A zero startAt means the first occurrence after now.
func (r *Runtime) ScheduleRecurringTask(ctx context.Context, payload task.Payload, priority task.Priority, rec task.Recurrence, startAt time.Time) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	now := r.now()
	first := startAt
	if first.IsZero() {
		next, ok, err := nextOccurrence(rec, now)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errors.New("recurrence ends before its first occurrence")
		}
		first = next
	} else if _, err := schedule(rec); err != nil {
		return "", err
	}
	t, err := task.NewRecurring(r.newID(now), payload, priority, now, first, rec)
	if err != nil {
		return "", err
	}
	t.Metadata = recurrenceMetadata(rec, nil)
	if err := r.repo.Create(ctx, t); err != nil {
		return "", fmt.Errorf("enqueue recurring %s: %w", t.Type, err)
	}
	telemetry.QueueTasksEnqueued.WithLabelValues(string(t.Type), string(t.Priority)).Inc()
	r.logger.Info().
		Str("task_id", t.ID).
		Str("task_type", string(t.Type)).
		Time("first_run", first).
		Msg("recurring task scheduled")
	return t.ID, nil
}

func recurrenceMetadata(rec task.Recurrence, base map[string]any) map[string]any {
	m := make(map[string]any, len(base)+3)
	for k, v := range base {
		m[k] = v
	}
	m["recurring"] = true
	if rec.Cron != "" {
		m["cron"] = rec.Cron
	} else {
		m["interval"] = rec.Interval.String()
	}
	if rec.EndDate != nil {
		m["endDate"] = rec.EndDate.UTC().Format(time.RFC3339)
	}
	return m
}

func schedule(rec task.Recurrence) (cron.Schedule, error) {
	if rec.Cron != "" {
		s, err := cron.ParseStandard(rec.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse recurrence %q: %w", rec.Cron, err)
		}
		return s, nil
	}
	return cron.Every(rec.Interval), nil
}

// nextOccurrence returns the first run after from, or false when the
// recurrence has ended.
func nextOccurrence(rec task.Recurrence, from time.Time) (time.Time, bool, error) {
	s, err := schedule(rec)
	if err != nil {
		return time.Time{}, false, err
	}
	next := s.Next(from)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	if rec.EndDate != nil && next.After(*rec.EndDate) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// Start launches the polling loop and the cleanup job.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", r.cfg.CleanupInterval), func() {
		if _, err := r.Cleanup(loopCtx); err != nil {
			r.logger.Error().Err(err).Msg("queue cleanup failed")
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	c.Start()

	r.running = true
	r.cancel = cancel
	r.cron = c
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.logger.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("concurrency", r.cfg.Concurrency).
		Msg("queue processor started")
	return nil
}

// Stop halts polling and waits for in-flight tasks to finish.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, c, done := r.cancel, r.cron, r.done
	r.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	<-done
	r.wg.Wait()
	r.logger.Info().Msg("queue processor stopped")
}

// Running reports whether the polling loop is active.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Wait blocks until every in-flight task has finished.
func (r *Runtime) Wait() { r.wg.Wait() }

// InFlight is the number of tasks currently executing.
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

func (r *Runtime) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runtime) tick(ctx context.Context) {
	if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error().Err(err).Msg("queue poll failed")
	}
}

// Poll runs one dequeue cycle: it claims up to the free concurrency of
// eligible tasks and starts them without waiting for them to finish.
// It returns the number of tasks started.
func (r *Runtime) Poll(ctx context.Context) (int, error) {
	capacity := r.cfg.Concurrency - r.InFlight()
	if capacity <= 0 {
		return 0, nil
	}
	now := r.now()

	pending, err := r.repo.ListPending(ctx, capacity)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}
	due, err := r.repo.ListDue(ctx, now, capacity)
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}

	// Unregistered types stay candidates so run fails them with
	// ErrNoProcessor instead of holding the fetch window forever.
	candidates := append(pending, due...)
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].EligibleAt().Before(candidates[j].EligibleAt())
	})

	started := 0
	for _, c := range candidates {
		if !r.reserve() {
			break
		}
		claimed, err := r.repo.Modify(ctx, c.ID, func(t *task.Task) error { return t.Claim(now) })
		if err != nil {
			r.release()
			if errors.Is(err, task.ErrNotClaimable) || errors.Is(err, task.ErrNotFound) || errors.Is(err, document.ErrAborted) {
				continue
			}
			return started, fmt.Errorf("claim task %s: %w", c.ID, err)
		}
		reg, _ := r.registry.get(claimed.Type)
		r.wg.Add(1)
		go r.execute(ctx, claimed, reg)
		started++
	}
	return started, nil
}

func (r *Runtime) reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight >= r.cfg.Concurrency {
		return false
	}
	r.inFlight++
	return true
}

func (r *Runtime) release() {
	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
}

func (r *Runtime) execute(parent context.Context, t *task.Task, reg *registration) {
	defer r.wg.Done()
	defer r.release()

	// Outcome writes must land even when the loop is stopping.
	ctx, span := telemetry.Tracer().Start(context.WithoutCancel(parent), "queue.process_task",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.type", string(t.Type)),
			attribute.String("task.priority", string(t.Priority)),
			attribute.Int("task.attempt", t.Attempts+1),
		))
	defer span.End()

	log := r.logger.With().
		Str("task_id", t.ID).
		Str("task_type", string(t.Type)).
		Int("attempt", t.Attempts+1).
		Logger()

	typ := string(t.Type)
	telemetry.QueueTasksInFlight.WithLabelValues(typ).Inc()
	defer telemetry.QueueTasksInFlight.WithLabelValues(typ).Dec()

	start := time.Now()
	result, err := r.run(ctx, t, reg)
	telemetry.QueueTaskDurationSeconds.WithLabelValues(typ).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.handleFailure(ctx, t, reg, err, log)
		return
	}
	r.handleSuccess(ctx, t, result, log)
}

// run executes the processor under the task's timeout. A timeout counts as
// a failure even if the processor ignores cancellation.
func (r *Runtime) run(ctx context.Context, t *task.Task, reg *registration) (any, error) {
	if reg == nil {
		return nil, task.Permanent(fmt.Errorf("%w for %s", task.ErrNoProcessor, t.Type))
	}
	timeout := reg.timeout
	if timeout <= 0 {
		timeout = task.Timeout(t.Type)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("processor panic: %v", p)}
			}
		}()
		res, err := reg.processor.Process(runCtx, t.Clone())
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("%w after %s", task.ErrTimeout, timeout)
	}
}

func (r *Runtime) handleSuccess(ctx context.Context, t *task.Task, result any, log zerolog.Logger) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			log.Warn().Err(err).Msg("task result not serialisable, dropping it")
		} else {
			raw = b
		}
	}
	now := r.now()
	done, err := r.repo.Modify(ctx, t.ID, func(cur *task.Task) error { return cur.Complete(now, raw) })
	if err != nil {
		log.Error().Err(err).Msg("failed to mark task completed")
		return
	}
	telemetry.QueueTasksProcessed.WithLabelValues(string(t.Type), string(task.StatusCompleted)).Inc()
	log.Info().Msg("task completed")
	r.scheduleNext(ctx, done, log)
}

func (r *Runtime) handleFailure(ctx context.Context, t *task.Task, reg *registration, cause error, log zerolog.Logger) {
	retryable := reg != nil && reg.retryable && !task.IsPermanent(cause)
	now := r.now()

	if retryable && t.Attempts+1 < t.MaxAttempts {
		delay := retry.Backoff(r.cfg.BaseDelay, r.cfg.MaxDelay, t.Attempts+1)
		if _, err := r.repo.Modify(ctx, t.ID, func(cur *task.Task) error {
			return cur.Reschedule(now.Add(delay), cause)
		}); err != nil {
			log.Error().Err(err).AnErr("cause", cause).Msg("failed to reschedule task")
			return
		}
		telemetry.QueueRetriesTotal.WithLabelValues(string(t.Type)).Inc()
		log.Warn().Err(cause).Dur("retry_in", delay).Msg("task failed, retry scheduled")
		return
	}

	failed, err := r.repo.Modify(ctx, t.ID, func(cur *task.Task) error { return cur.Fail(now, cause) })
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("failed to mark task failed")
		return
	}
	telemetry.QueueTasksProcessed.WithLabelValues(string(t.Type), string(task.StatusFailed)).Inc()
	log.Error().Err(cause).Bool("retryable", retryable).Int("attempts", failed.Attempts).Msg("task failed")

	if r.cfg.DeadLetter {
		r.deadLetter(ctx, failed, log)
	}
	r.scheduleNext(ctx, failed, log)
}

func (r *Runtime) deadLetter(ctx context.Context, t *task.Task, log zerolog.Logger) {
	dl := task.NewDeadLetter(t, r.now())
	if err := r.repo.MoveToDeadLetter(ctx, dl); err != nil {
		log.Error().Err(err).Msg("failed to move task to dead-letter queue")
		return
	}
	telemetry.QueueDeadLetterTotal.WithLabelValues(string(t.Type)).Inc()

	var errs []error
	if r.auditor != nil {
		_, err := r.auditor.LogEvent(ctx, audit.Entry{
			UserID:       document.SystemActor,
			Action:       audit.ActionTaskDeadLettered,
			ResourceType: task.EntityType,
			ResourceID:   t.ID,
			OldData:      map[string]any{"status": string(task.StatusProcessing)},
			NewData: map[string]any{
				"status":        string(task.StatusFailed),
				"type":          string(t.Type),
				"failureReason": dl.FailureReason,
				"failureCount":  dl.FailureCount,
			},
			Metadata: map[string]any{"maxAttempts": t.MaxAttempts, "priority": string(t.Priority)},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}
	if r.publisher != nil {
		if err := r.publisher.PublishDeadLetter(ctx, dl); err != nil {
			errs = append(errs, fmt.Errorf("publish: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("dead letter recorded with errors")
		return
	}
	log.Warn().Str("reason", dl.FailureReason).Msg("task moved to dead-letter queue")
}

// scheduleNext enqueues the following occurrence of a finished recurring
// task when recurrence is enabled.
func (r *Runtime) scheduleNext(ctx context.Context, prev *task.Task, log zerolog.Logger) {
	if !r.cfg.EnableRecurrence || prev.Recurrence == nil {
		return
	}
	from := prev.CreatedAt
	if prev.ScheduledFor != nil {
		from = *prev.ScheduledFor
	}
	next, ok, err := nextOccurrence(*prev.Recurrence, from)
	if err != nil {
		log.Error().Err(err).Msg("invalid recurrence")
		return
	}
	if !ok {
		log.Info().Msg("recurrence ended")
		return
	}
	now := r.now()
	nt, err := task.NewRecurring(r.newID(now), prev.Payload, prev.Priority, now, next, *prev.Recurrence)
	if err != nil {
		log.Error().Err(err).Msg("failed to build next occurrence")
		return
	}
	nt.Metadata = recurrenceMetadata(*prev.Recurrence, prev.Metadata)
	nt.Metadata["previousTaskId"] = prev.ID
	if err := r.repo.Create(ctx, nt); err != nil {
		log.Error().Err(err).Msg("failed to enqueue next occurrence")
		return
	}
	telemetry.QueueTasksEnqueued.WithLabelValues(string(nt.Type), string(nt.Priority)).Inc()
	log.Info().Str("next_task_id", nt.ID).Time("next_run", next).Msg("next occurrence scheduled")
}

// CancelTask cancels a pending or scheduled task.
func (r *Runtime) CancelTask(ctx context.Context, id, reason string) (*task.Task, error) {
	now := r.now()
	var from task.Status
	t, err := r.repo.Modify(ctx, id, func(cur *task.Task) error {
		from = cur.Status
		return cur.Cancel(now, reason)
	})
	if err != nil {
		return nil, err
	}
	telemetry.QueueTasksProcessed.WithLabelValues(string(t.Type), string(task.StatusCancelled)).Inc()
	r.logger.Info().Str("task_id", id).Str("reason", reason).Msg("task cancelled")

	if r.auditor != nil {
		if _, err := r.auditor.LogEvent(ctx, audit.Entry{
			UserID:       document.SystemActor,
			Action:       audit.ActionTaskCancelled,
			ResourceType: task.EntityType,
			ResourceID:   id,
			OldData:      map[string]any{"status": string(from)},
			NewData:      map[string]any{"status": string(task.StatusCancelled)},
			Metadata:     map[string]any{"reason": reason, "type": string(t.Type)},
		}); err != nil {
			return t, fmt.Errorf("task %s cancelled but not audited: %w", id, err)
		}
	}
	return t, nil
}

// GetTask returns a live task.
func (r *Runtime) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return r.repo.GetByID(ctx, id)
}

// DeadLetters lists the most recent dead letters.
func (r *Runtime) DeadLetters(ctx context.Context, limit int) ([]*task.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.repo.ListDeadLetters(ctx, limit)
}

// Stats reports per-status counts and the derived success rate.
func (r *Runtime) Stats(ctx context.Context) (task.Stats, error) {
	counts, err := r.repo.CountByStatus(ctx)
	if err != nil {
		return task.Stats{}, err
	}
	dead, err := r.repo.CountDeadLetters(ctx)
	if err != nil {
		return task.Stats{}, err
	}
	return task.NewStats(counts, dead), nil
}

// Cleanup deletes completed, failed and cancelled tasks older than the retention
// window, one batch at a time.
func (r *Runtime) Cleanup(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.Retention)
	total := 0
	for {
		n, err := r.repo.DeleteFinishedBefore(ctx, cutoff, r.cfg.CleanupBatch)
		total += n
		if err != nil {
			telemetry.QueueCleanupDeleted.Add(float64(total))
			return total, err
		}
		if n < r.cfg.CleanupBatch {
			break
		}
	}
	telemetry.QueueCleanupDeleted.Add(float64(total))
	if total > 0 {
		r.logger.Info().Int("deleted", total).Time("cutoff", cutoff).Msg("old tasks cleaned up")
	}
	return total, nil
}
