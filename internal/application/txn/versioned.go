package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/bountyhub/bountyhub/internal/domain/document"
)

// ConflictStrategy decides what happens when the expected version is stale.
type ConflictStrategy string

const (
	Reject ConflictStrategy = "reject"
	Merge  ConflictStrategy = "merge"
)

// MergeFunc combines the stored data with the caller's updates.
type MergeFunc func(current, updates map[string]any) map[string]any

// Update describes a versioned write.
type Update struct {
	ExpectedVersion int64
	Strategy        ConflictStrategy
	Merge           MergeFunc
}

// CreateIn writes a new document at version 1. It fails with
// document.ErrAlreadyExists if the id is taken.
func (e *Engine) CreateIn(ctx context.Context, tx document.Tx, actor, collection, id string, data map[string]any) (*document.Document, error) {
	if _, err := tx.Get(ctx, collection, id); err == nil {
		return nil, fmt.Errorf("create %s/%s: %w", collection, id, document.ErrAlreadyExists)
	} else if !errors.Is(err, document.ErrNotFound) {
		return nil, err
	}
	doc := &document.Document{
		Collection:   collection,
		ID:           id,
		Data:         document.CloneData(data),
		Version:      1,
		LastModified: e.Now(),
		ModifiedBy:   actorOrSystem(actor),
	}
	if err := tx.Set(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateIn applies updates to the stored document after checking its version.
// A stale ExpectedVersion raises ConcurrencyError unless the Merge strategy is
// selected, in which case the merge function reconciles the data.
func (e *Engine) UpdateIn(ctx context.Context, tx document.Tx, actor, collection, id string, updates map[string]any, u Update) (*document.Document, error) {
	current, err := tx.Get(ctx, collection, id)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	var data map[string]any
	if current.Version != u.ExpectedVersion {
		if u.Strategy != Merge {
			return nil, &ConcurrencyError{
				Collection:    collection,
				ID:            id,
				LocalVersion:  u.ExpectedVersion,
				RemoteVersion: current.Version,
				RemoteData:    current.Data,
			}
		}
		merge := u.Merge
		if merge == nil {
			merge = document.Merge
		}
		data = merge(current.Data, updates)
	} else {
		data = document.Merge(current.Data, updates)
	}

	next := &document.Document{
		Collection:   collection,
		ID:           id,
		Data:         data,
		Version:      current.Version + 1,
		LastModified: e.Now(),
		ModifiedBy:   actorOrSystem(actor),
	}
	if next.LastModified.Before(current.LastModified) {
		next.LastModified = current.LastModified
	}
	if err := tx.Set(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteIn removes a document after checking its version.
func (e *Engine) DeleteIn(ctx context.Context, tx document.Tx, collection, id string, expectedVersion int64) error {
	current, err := tx.Get(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if current.Version != expectedVersion {
		return &ConcurrencyError{
			Collection:    collection,
			ID:            id,
			LocalVersion:  expectedVersion,
			RemoteVersion: current.Version,
			RemoteData:    current.Data,
		}
	}
	return tx.Delete(ctx, collection, id)
}

// CreateVersioned creates a document in its own transaction.
func (e *Engine) CreateVersioned(ctx context.Context, actor, collection, id string, data map[string]any) Result[*document.Document] {
	return Execute(ctx, e, "create_versioned", func(ctx context.Context, tx document.Tx) (*document.Document, error) {
		return e.CreateIn(ctx, tx, actor, collection, id, data)
	})
}

// UpdateVersioned updates a document in its own transaction.
func (e *Engine) UpdateVersioned(ctx context.Context, actor, collection, id string, updates map[string]any, u Update) Result[*document.Document] {
	return Execute(ctx, e, "update_versioned", func(ctx context.Context, tx document.Tx) (*document.Document, error) {
		return e.UpdateIn(ctx, tx, actor, collection, id, updates, u)
	})
}

// DeleteVersioned deletes a document in its own transaction.
func (e *Engine) DeleteVersioned(ctx context.Context, collection, id string, expectedVersion int64) Result[struct{}] {
	return Execute(ctx, e, "delete_versioned", func(ctx context.Context, tx document.Tx) (struct{}, error) {
		return struct{}{}, e.DeleteIn(ctx, tx, collection, id, expectedVersion)
	})
}

// OpKind identifies a batch operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// BatchOp is one element of ExecuteBatch.
type BatchOp struct {
	Kind            OpKind
	Collection      string
	ID              string
	Data            map[string]any
	ExpectedVersion int64
	Strategy        ConflictStrategy
	Merge           MergeFunc
}

// ExecuteBatch applies every operation in one transaction. Any failure
// aborts the whole batch. The result holds the written document for each
// create or update and nil for deletes.
func (e *Engine) ExecuteBatch(ctx context.Context, actor string, ops []BatchOp) Result[[]*document.Document] {
	return Execute(ctx, e, "batch", func(ctx context.Context, tx document.Tx) ([]*document.Document, error) {
		out := make([]*document.Document, len(ops))
		for i, op := range ops {
			var (
				doc *document.Document
				err error
			)
			switch op.Kind {
			case OpCreate:
				doc, err = e.CreateIn(ctx, tx, actor, op.Collection, op.ID, op.Data)
			case OpUpdate:
				doc, err = e.UpdateIn(ctx, tx, actor, op.Collection, op.ID, op.Data, Update{
					ExpectedVersion: op.ExpectedVersion,
					Strategy:        op.Strategy,
					Merge:           op.Merge,
				})
			case OpDelete:
				err = e.DeleteIn(ctx, tx, op.Collection, op.ID, op.ExpectedVersion)
			default:
				err = fmt.Errorf("unknown batch operation %q", op.Kind)
			}
			if err != nil {
				return nil, fmt.Errorf("batch operation %d (%s %s/%s): %w", i, op.Kind, op.Collection, op.ID, err)
			}
			out[i] = doc
		}
		return out, nil
	})
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return document.SystemActor
	}
	return actor
}
