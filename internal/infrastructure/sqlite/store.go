package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bountyhub/bountyhub/internal/domain/document"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection    TEXT NOT NULL,
	id            TEXT NOT NULL,
	data          TEXT NOT NULL DEFAULT '{}',
	version       INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL DEFAULT 0,
	modified_by   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
`

// Store keeps documents in a single SQLite table. Data is stored as JSON
// text; queries scan the collection and filter in process.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer: transactions queue on the one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) ServerTimestamp() time.Time { return s.now() }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, collection, id string) (*document.Document, error) {
	return get(ctx, s.db, collection, id)
}

func (s *Store) Set(ctx context.Context, doc *document.Document) error { return set(ctx, s.db, doc) }

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		return tx.Update(ctx, collection, id, fields)
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return del(ctx, s.db, collection, id)
}

func (s *Store) Query(ctx context.Context, q document.Query) ([]*document.Document, error) {
	return query(ctx, s.db, q)
}

// RunTransaction runs fn inside one SQLite transaction. Busy and locked
// errors surface as document.ErrAborted so callers retry.
func (s *Store) RunTransaction(ctx context.Context, fn document.TxFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(ctx, &tx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tx struct{ q querier }

func (t *tx) Get(ctx context.Context, collection, id string) (*document.Document, error) {
	return get(ctx, t.q, collection, id)
}

func (t *tx) Set(ctx context.Context, doc *document.Document) error { return set(ctx, t.q, doc) }

func (t *tx) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	doc, err := get(ctx, t.q, collection, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(document.Merge(doc.Data, fields))
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx, `UPDATE documents SET data = ? WHERE collection = ? AND id = ?`, string(data), collection, id)
	return classify(err)
}

func (t *tx) Delete(ctx context.Context, collection, id string) error {
	return del(ctx, t.q, collection, id)
}

func (t *tx) Query(ctx context.Context, q document.Query) ([]*document.Document, error) {
	return query(ctx, t.q, q)
}

func get(ctx context.Context, q querier, collection, id string) (*document.Document, error) {
	row := q.QueryRowContext(ctx,
		`SELECT data, version, last_modified, modified_by FROM documents WHERE collection = ? AND id = ?`,
		collection, id)
	doc, err := scan(row.Scan, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, document.ErrNotFound
	}
	return doc, classify(err)
}

func set(ctx context.Context, q querier, doc *document.Document) error {
	if doc.Collection == "" || doc.ID == "" {
		return fmt.Errorf("set: collection and id are required")
	}
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, version, last_modified, modified_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			last_modified = excluded.last_modified,
			modified_by = excluded.modified_by`,
		doc.Collection, doc.ID, string(data), doc.Version, doc.LastModified.UnixMilli(), doc.ModifiedBy)
	return classify(err)
}

func del(ctx context.Context, q querier, collection, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	return classify(err)
}

func query(ctx context.Context, q querier, dq document.Query) ([]*document.Document, error) {
	if err := dq.Validate(); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, data, version, last_modified, modified_by FROM documents WHERE collection = ?`, dq.Collection)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var docs []*document.Document
	for rows.Next() {
		var id string
		doc, err := scan(func(dest ...any) error {
			return rows.Scan(append([]any{&id}, dest...)...)
		}, dq.Collection, "")
		if err != nil {
			return nil, err
		}
		doc.ID = id
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return dq.Apply(docs), nil
}

func scan(fn func(dest ...any) error, collection, id string) (*document.Document, error) {
	var (
		raw      string
		version  int64
		modified int64
		by       string
	)
	if err := fn(&raw, &version, &modified, &by); err != nil {
		return nil, err
	}
	doc := &document.Document{
		Collection:   collection,
		ID:           id,
		Version:      version,
		LastModified: time.UnixMilli(modified).UTC(),
		ModifiedBy:   by,
	}
	if err := json.Unmarshal([]byte(raw), &doc.Data); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"), strings.Contains(msg, "(5)"):
		return fmt.Errorf("%w: %v", document.ErrAborted, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", document.ErrDeadlineExceeded, err)
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%w: %v", document.ErrUnavailable, err)
	}
	return err
}
