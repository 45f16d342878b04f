package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/infrastructure/memory"
)

func put(t *testing.T, s *memory.Store, collection, id string, data map[string]any) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), &document.Document{Collection: collection, ID: id, Data: data, Version: 1}))
}

func TestStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	put(t, s, "bounties", "b-1", map[string]any{"status": "active", "tags": map[string]any{"a": 1}})

	doc, err := s.Get(ctx, "bounties", "b-1")
	require.NoError(t, err)
	doc.Data["status"] = "mutated"
	doc.Data["tags"].(map[string]any)["a"] = 2

	again, err := s.Get(ctx, "bounties", "b-1")
	require.NoError(t, err)
	assert.Equal(t, "active", again.GetString("status"))
	assert.Equal(t, 1.0, again.GetNumber("tags.a"))
}

func TestStore_TransactionIsolation(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	put(t, s, "payments", "p-1", map[string]any{"status": "pending"})

	err := s.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		require.NoError(t, tx.Update(ctx, "payments", "p-1", map[string]any{"status": "processing"}))
		inside, err := tx.Get(ctx, "payments", "p-1")
		require.NoError(t, err)
		assert.Equal(t, "processing", inside.GetString("status"))

		outside, err := s.Get(ctx, "payments", "p-1")
		require.NoError(t, err)
		assert.Equal(t, "pending", outside.GetString("status"), "uncommitted writes are invisible")
		return nil
	})
	require.NoError(t, err)

	doc, err := s.Get(ctx, "payments", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "processing", doc.GetString("status"))
}

func TestStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	boom := errors.New("boom")
	err := s.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		require.NoError(t, tx.Set(ctx, &document.Document{Collection: "c", ID: "x", Data: map[string]any{}}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "c", "x")
	assert.ErrorIs(t, err, document.ErrNotFound)
}

func TestStore_ConflictingCommitAborts(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	put(t, s, "bounties", "b-1", map[string]any{"count": 0})

	err := s.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		if _, err := tx.Get(ctx, "bounties", "b-1"); err != nil {
			return err
		}
		require.NoError(t, s.Update(ctx, "bounties", "b-1", map[string]any{"count": 1}))
		return tx.Update(ctx, "bounties", "b-1", map[string]any{"count": 2})
	})
	assert.ErrorIs(t, err, document.ErrAborted)

	doc, err := s.Get(ctx, "bounties", "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, doc.GetNumber("count"))
}

func TestStore_QueryInsideTransaction(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	put(t, s, "task_queue", "t-1", map[string]any{"status": "pending", "rank": 1})
	put(t, s, "task_queue", "t-2", map[string]any{"status": "pending", "rank": 2})

	err := s.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		require.NoError(t, tx.Delete(ctx, "task_queue", "t-1"))
		require.NoError(t, tx.Set(ctx, &document.Document{Collection: "task_queue", ID: "t-3", Data: map[string]any{"status": "pending", "rank": 3}}))
		require.NoError(t, tx.Update(ctx, "task_queue", "t-2", map[string]any{"status": "processing"}))

		docs, err := tx.Query(ctx, document.Query{Collection: "task_queue"}.
			Where("status", document.OpEqual, "pending").
			Sort("rank", document.Desc))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "t-3", docs[0].ID)
		return nil
	})
	require.NoError(t, err)

	docs, err := s.Query(ctx, document.Query{Collection: "task_queue"}.Sort("rank", document.Asc))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "t-2", docs[0].ID)
	assert.Equal(t, "processing", docs[0].GetString("status"))
}

func TestStore_CancelledContext(t *testing.T) {
	s := memory.NewStore(memory.WithClock(func() time.Time { return time.Unix(0, 0) }))
	assert.True(t, s.ServerTimestamp().Equal(time.Unix(0, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(ctx, "c", "x")
	assert.ErrorIs(t, err, context.Canceled)

	err = s.RunTransaction(ctx, func(context.Context, document.Tx) error { return nil })
	assert.ErrorIs(t, err, document.ErrDeadlineExceeded)
}
