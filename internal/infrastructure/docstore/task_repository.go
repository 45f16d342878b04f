package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

const (
	TaskCollection       = "task_queue"
	DeadLetterCollection = "dead_letter_queue"
)

// TaskRepository stores queue tasks as documents.
type TaskRepository struct {
	store document.Store
}

func NewTaskRepository(store document.Store) *TaskRepository {
	return &TaskRepository{store: store}
}

// taskRecord is the persisted shape of a task. Times are unix milliseconds
// and priority carries a numeric rank so every backend can sort on them.
type taskRecord struct {
	ID                   string          `json:"id"`
	Type                 task.Type       `json:"type"`
	Priority             task.Priority   `json:"priority"`
	PriorityRank         int             `json:"priorityRank"`
	Status               task.Status     `json:"status"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Attempts             int             `json:"attempts"`
	MaxAttempts          int             `json:"maxAttempts"`
	ScheduledFor         *int64          `json:"scheduledFor,omitempty"`
	CreatedAt            int64           `json:"createdAt"`
	StartedAt            *int64          `json:"startedAt,omitempty"`
	CompletedAt          *int64          `json:"completedAt,omitempty"`
	FailedAt             *int64          `json:"failedAt,omitempty"`
	CancelledAt          *int64          `json:"cancelledAt,omitempty"`
	FinishedAt           *int64          `json:"finishedAt,omitempty"`
	Error                string          `json:"error,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
	RecurrenceIntervalMs int64           `json:"recurrenceIntervalMs,omitempty"`
	RecurrenceCron       string          `json:"recurrenceCron,omitempty"`
	RecurrenceEndDate    *int64          `json:"recurrenceEndDate,omitempty"`
}

type deadLetterRecord struct {
	ID             string     `json:"id"`
	OriginalTaskID string     `json:"originalTaskId"`
	Type           task.Type  `json:"type"`
	Task           taskRecord `json:"task"`
	FailureReason  string     `json:"failureReason"`
	FailureCount   int        `json:"failureCount"`
	LastAttemptAt  int64      `json:"lastAttemptAt"`
}

func (r *TaskRepository) Create(ctx context.Context, t *task.Task) error {
	doc, err := taskToDocument(t, 1)
	if err != nil {
		return err
	}
	return r.store.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		if _, err := tx.Get(ctx, TaskCollection, t.ID); err == nil {
			return fmt.Errorf("%w: task %s", document.ErrAlreadyExists, t.ID)
		} else if !errors.Is(err, document.ErrNotFound) {
			return err
		}
		return tx.Set(ctx, doc)
	})
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*task.Task, error) {
	doc, err := r.store.Get(ctx, TaskCollection, id)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
		}
		return nil, err
	}
	return documentToTask(doc)
}

func (r *TaskRepository) Modify(ctx context.Context, id string, fn func(t *task.Task) error) (*task.Task, error) {
	var out *task.Task
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		doc, err := tx.Get(ctx, TaskCollection, id)
		if err != nil {
			if errors.Is(err, document.ErrNotFound) {
				return fmt.Errorf("%w: %s", task.ErrNotFound, id)
			}
			return err
		}
		t, err := documentToTask(doc)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		updated, err := taskToDocument(t, doc.Version+1)
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, updated); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *TaskRepository) ListPending(ctx context.Context, limit int) ([]*task.Task, error) {
	q := document.Query{Collection: TaskCollection, Limit: limit}.
		Where("status", document.OpEqual, string(task.StatusPending)).
		Sort("priorityRank", document.Desc).
		Sort("createdAt", document.Asc)
	return r.list(ctx, q)
}

func (r *TaskRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	q := document.Query{Collection: TaskCollection, Limit: limit}.
		Where("status", document.OpEqual, string(task.StatusScheduled)).
		Where("scheduledFor", document.OpLessEqual, now.UnixMilli()).
		Sort("scheduledFor", document.Asc)
	return r.list(ctx, q)
}

func (r *TaskRepository) MoveToDeadLetter(ctx context.Context, dl *task.DeadLetter) error {
	rec := deadLetterRecord{
		ID:             dl.ID,
		OriginalTaskID: dl.OriginalTaskID,
		Type:           dl.Task.Type,
		FailureReason:  dl.FailureReason,
		FailureCount:   dl.FailureCount,
		LastAttemptAt:  dl.LastAttemptAt.UnixMilli(),
	}
	tr, err := toRecord(dl.Task)
	if err != nil {
		return err
	}
	rec.Task = tr
	data, err := document.Encode(rec)
	if err != nil {
		return err
	}
	return r.store.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		if _, err := tx.Get(ctx, DeadLetterCollection, dl.ID); err == nil {
			return fmt.Errorf("%w: dead letter %s", document.ErrAlreadyExists, dl.ID)
		} else if !errors.Is(err, document.ErrNotFound) {
			return err
		}
		if err := tx.Set(ctx, &document.Document{
			Collection:   DeadLetterCollection,
			ID:           dl.ID,
			Data:         data,
			Version:      1,
			LastModified: dl.LastAttemptAt,
			ModifiedBy:   document.SystemActor,
		}); err != nil {
			return err
		}
		return tx.Delete(ctx, TaskCollection, dl.OriginalTaskID)
	})
}

func (r *TaskRepository) ListDeadLetters(ctx context.Context, limit int) ([]*task.DeadLetter, error) {
	q := document.Query{Collection: DeadLetterCollection, Limit: limit}.
		Sort("lastAttemptAt", document.Desc)
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*task.DeadLetter, 0, len(docs))
	for _, d := range docs {
		var rec deadLetterRecord
		if err := document.Decode(d.Data, &rec); err != nil {
			return nil, err
		}
		t, err := fromRecord(rec.Task)
		if err != nil {
			return nil, err
		}
		out = append(out, &task.DeadLetter{
			ID:             rec.ID,
			OriginalTaskID: rec.OriginalTaskID,
			Task:           t,
			FailureReason:  rec.FailureReason,
			FailureCount:   rec.FailureCount,
			LastAttemptAt:  time.UnixMilli(rec.LastAttemptAt).UTC(),
		})
	}
	return out, nil
}

func (r *TaskRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	q := document.Query{Collection: TaskCollection, Limit: batchSize}.
		Where("status", document.OpIn, []string{string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCancelled)}).
		Where("finishedAt", document.OpLess, cutoff.UnixMilli()).
		Sort("finishedAt", document.Asc)
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	err = r.store.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		for _, d := range docs {
			if err := tx.Delete(ctx, TaskCollection, d.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (r *TaskRepository) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	docs, err := r.store.Query(ctx, document.Query{Collection: TaskCollection})
	if err != nil {
		return nil, err
	}
	counts := make(map[task.Status]int)
	for _, d := range docs {
		counts[task.Status(d.GetString("status"))]++
	}
	return counts, nil
}

func (r *TaskRepository) CountDeadLetters(ctx context.Context) (int, error) {
	docs, err := r.store.Query(ctx, document.Query{Collection: DeadLetterCollection})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (r *TaskRepository) list(ctx context.Context, q document.Query) ([]*task.Task, error) {
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(docs))
	for _, d := range docs {
		t, err := documentToTask(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func taskToDocument(t *task.Task, version int64) (*document.Document, error) {
	rec, err := toRecord(t)
	if err != nil {
		return nil, err
	}
	data, err := document.Encode(rec)
	if err != nil {
		return nil, err
	}
	modified := t.CreatedAt
	for _, ts := range []*time.Time{t.StartedAt, t.CompletedAt, t.FailedAt, t.CancelledAt} {
		if ts != nil && ts.After(modified) {
			modified = *ts
		}
	}
	return &document.Document{
		Collection:   TaskCollection,
		ID:           t.ID,
		Data:         data,
		Version:      version,
		LastModified: modified,
		ModifiedBy:   document.SystemActor,
	}, nil
}

func documentToTask(doc *document.Document) (*task.Task, error) {
	var rec taskRecord
	if err := document.Decode(doc.Data, &rec); err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

func toRecord(t *task.Task) (taskRecord, error) {
	rec := taskRecord{
		ID:           t.ID,
		Type:         t.Type,
		Priority:     t.Priority,
		PriorityRank: t.Priority.Rank(),
		Status:       t.Status,
		Attempts:     t.Attempts,
		MaxAttempts:  t.MaxAttempts,
		ScheduledFor: millisPtr(t.ScheduledFor),
		CreatedAt:    t.CreatedAt.UnixMilli(),
		StartedAt:    millisPtr(t.StartedAt),
		CompletedAt:  millisPtr(t.CompletedAt),
		FailedAt:     millisPtr(t.FailedAt),
		CancelledAt:  millisPtr(t.CancelledAt),
		Error:        t.Error,
		Result:       t.Result,
		Metadata:     t.Metadata,
	}
	switch {
	case t.CompletedAt != nil:
		rec.FinishedAt = millisPtr(t.CompletedAt)
	case t.FailedAt != nil:
		rec.FinishedAt = millisPtr(t.FailedAt)
	case t.CancelledAt != nil:
		rec.FinishedAt = millisPtr(t.CancelledAt)
	}
	if t.Payload != nil {
		raw, err := json.Marshal(t.Payload)
		if err != nil {
			return taskRecord{}, fmt.Errorf("encode %s payload: %w", t.Type, err)
		}
		rec.Payload = raw
	}
	if t.Recurrence != nil {
		rec.RecurrenceIntervalMs = t.Recurrence.Interval.Milliseconds()
		rec.RecurrenceCron = t.Recurrence.Cron
		rec.RecurrenceEndDate = millisPtr(t.Recurrence.EndDate)
	}
	return rec, nil
}

func fromRecord(rec taskRecord) (*task.Task, error) {
	payload, err := task.DecodePayload(rec.Type, rec.Payload)
	if err != nil {
		return nil, err
	}
	t := &task.Task{
		ID:           rec.ID,
		Type:         rec.Type,
		Priority:     rec.Priority,
		Status:       rec.Status,
		Payload:      payload,
		Attempts:     rec.Attempts,
		MaxAttempts:  rec.MaxAttempts,
		ScheduledFor: timePtr(rec.ScheduledFor),
		CreatedAt:    time.UnixMilli(rec.CreatedAt).UTC(),
		StartedAt:    timePtr(rec.StartedAt),
		CompletedAt:  timePtr(rec.CompletedAt),
		FailedAt:     timePtr(rec.FailedAt),
		CancelledAt:  timePtr(rec.CancelledAt),
		Error:        rec.Error,
		Result:       rec.Result,
		Metadata:     rec.Metadata,
	}
	if rec.RecurrenceIntervalMs > 0 || rec.RecurrenceCron != "" {
		t.Recurrence = &task.Recurrence{
			Interval: time.Duration(rec.RecurrenceIntervalMs) * time.Millisecond,
			Cron:     rec.RecurrenceCron,
			EndDate:  timePtr(rec.RecurrenceEndDate),
		}
	}
	return t, nil
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
