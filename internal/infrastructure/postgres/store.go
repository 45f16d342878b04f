package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bountyhub/bountyhub/internal/domain/document"
)

// Store keeps documents as JSONB rows. Transactions run at serializable
// isolation; serialization failures surface as document.ErrAborted so the
// transaction engine retries them.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) ServerTimestamp() time.Time { return time.Now().UTC() }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*document.Document, error) {
	return get(ctx, s.pool, collection, id)
}

func (s *Store) Set(ctx context.Context, doc *document.Document) error { return set(ctx, s.pool, doc) }

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return update(ctx, s.pool, collection, id, fields)
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return del(ctx, s.pool, collection, id)
}

func (s *Store) Query(ctx context.Context, q document.Query) ([]*document.Document, error) {
	return query(ctx, s.pool, q)
}

func (s *Store) RunTransaction(ctx context.Context, fn document.TxFunc) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = pgTx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tx struct{ q querier }

func (t *tx) Get(ctx context.Context, collection, id string) (*document.Document, error) {
	return get(ctx, t.q, collection, id)
}

func (t *tx) Set(ctx context.Context, doc *document.Document) error { return set(ctx, t.q, doc) }

func (t *tx) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return update(ctx, t.q, collection, id, fields)
}

func (t *tx) Delete(ctx context.Context, collection, id string) error {
	return del(ctx, t.q, collection, id)
}

func (t *tx) Query(ctx context.Context, q document.Query) ([]*document.Document, error) {
	return query(ctx, t.q, q)
}

func get(ctx context.Context, q querier, collection, id string) (*document.Document, error) {
	row := q.QueryRow(ctx, `
		SELECT id, data, version, last_modified, modified_by
		FROM documents WHERE collection = $1 AND id = $2
	`, collection, id)
	doc, err := scan(row, collection)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, document.ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return doc, nil
}

func set(ctx context.Context, q querier, doc *document.Document) error {
	if doc.Collection == "" || doc.ID == "" {
		return fmt.Errorf("set: collection and id are required")
	}
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return err
	}
	modified := doc.LastModified
	if modified.IsZero() {
		modified = time.Now().UTC()
	}
	_, err = q.Exec(ctx, `
		INSERT INTO documents (collection, id, data, version, last_modified, modified_by)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = EXCLUDED.data,
			version = EXCLUDED.version,
			last_modified = EXCLUDED.last_modified,
			modified_by = EXCLUDED.modified_by
	`, doc.Collection, doc.ID, string(data), doc.Version, modified, doc.ModifiedBy)
	return classify(err)
}

func update(ctx context.Context, q querier, collection, id string, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE documents SET data = data || $3::jsonb
		WHERE collection = $1 AND id = $2
	`, collection, id, string(patch))
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return document.ErrNotFound
	}
	return nil
}

func del(ctx context.Context, q querier, collection, id string) error {
	_, err := q.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	return classify(err)
}

// query pushes equality filters down as JSONB containment and applies the
// full query, including ordering and limit, in process.
func query(ctx context.Context, q querier, dq document.Query) ([]*document.Document, error) {
	if err := dq.Validate(); err != nil {
		return nil, err
	}
	contains := map[string]any{}
	for _, f := range dq.Filters {
		if f.Op == document.OpEqual {
			nest(contains, f.Field, f.Value)
		}
	}
	filter, err := json.Marshal(contains)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `
		SELECT id, data, version, last_modified, modified_by
		FROM documents WHERE collection = $1 AND data @> $2::jsonb
	`, dq.Collection, string(filter))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var docs []*document.Document
	for rows.Next() {
		doc, err := scan(rows, dq.Collection)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return dq.Apply(docs), nil
}

func nest(out map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := out
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func scan(row pgx.Row, collection string) (*document.Document, error) {
	var (
		doc = &document.Document{Collection: collection}
		raw []byte
	)
	if err := row.Scan(&doc.ID, &raw, &doc.Version, &doc.LastModified, &doc.ModifiedBy); err != nil {
		return nil, err
	}
	doc.LastModified = doc.LastModified.UTC()
	if err := json.Unmarshal(raw, &doc.Data); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, doc.ID, err)
	}
	return doc, nil
}

// classify maps driver failures onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", document.ErrAborted, pgErr.Message)
		case "57P01", "57P03", "53300":
			return fmt.Errorf("%w: %s", document.ErrUnavailable, pgErr.Message)
		case "57014":
			return fmt.Errorf("%w: %s", document.ErrDeadlineExceeded, pgErr.Message)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", document.ErrDeadlineExceeded, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", document.ErrUnavailable, err)
	}
	return err
}
