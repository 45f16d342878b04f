package task

import (
	"context"
	"time"
)

// Repository defines queue persistence.
type Repository interface {
	Create(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, id string) (*Task, error)
	// Modify applies fn to the stored task and writes the result in one
	// atomic step. An error from fn leaves the task untouched.
	Modify(ctx context.Context, id string, fn func(t *Task) error) (*Task, error)
	ListPending(ctx context.Context, limit int) ([]*Task, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// MoveToDeadLetter writes the snapshot and deletes the live task together.
	MoveToDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	CountDeadLetters(ctx context.Context) (int, error)
}
