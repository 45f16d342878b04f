package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bountyhub/bountyhub/internal/domain/document"
)

type key struct {
	collection string
	id         string
}

type entry struct {
	doc *document.Document
	rev uint64
}

// Store is an in-process document store. Transactions run optimistically:
// reads are tracked and validated at commit, and a commit that observed a
// since-modified document fails with document.ErrAborted.
type Store struct {
	mu   sync.RWMutex
	data map[key]*entry
	rev  uint64
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the server timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		data: make(map[key]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ServerTimestamp() time.Time { return s.now().UTC() }

func (s *Store) Close() error { return nil }

func (s *Store) Get(ctx context.Context, collection, id string) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key{collection, id}]
	if !ok {
		return nil, document.ErrNotFound
	}
	return e.doc.Clone(), nil
}

func (s *Store) Set(ctx context.Context, doc *document.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc.Collection == "" || doc.ID == "" {
		return fmt.Errorf("set: collection and id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(doc.Clone())
	return nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key{collection, id}]
	if !ok {
		return document.ErrNotFound
	}
	doc := e.doc.Clone()
	doc.Data = document.Merge(doc.Data, fields)
	s.put(doc)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key{collection, id})
	s.rev++
	return nil
}

func (s *Store) Query(ctx context.Context, q document.Query) ([]*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	docs := s.collection(q.Collection)
	s.mu.RUnlock()
	return q.Apply(docs), nil
}

// RunTransaction executes fn against a buffered view and commits its writes
// atomically.
func (s *Store) RunTransaction(ctx context.Context, fn document.TxFunc) error {
	t := &tx{
		s:      s,
		reads:  make(map[key]uint64),
		writes: make(map[key]*document.Document),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", document.ErrDeadlineExceeded, err)
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, seen := range t.reads {
		if s.revision(k) != seen {
			return fmt.Errorf("%w: %s/%s modified concurrently", document.ErrAborted, k.collection, k.id)
		}
	}
	for _, k := range t.order {
		doc := t.writes[k]
		if doc == nil {
			delete(s.data, k)
			s.rev++
			continue
		}
		s.put(doc)
	}
	return nil
}

func (s *Store) put(doc *document.Document) {
	s.rev++
	s.data[key{doc.Collection, doc.ID}] = &entry{doc: doc, rev: s.rev}
}

func (s *Store) revision(k key) uint64 {
	if e, ok := s.data[k]; ok {
		return e.rev
	}
	return 0
}

func (s *Store) collection(name string) []*document.Document {
	out := make([]*document.Document, 0)
	for k, e := range s.data {
		if k.collection == name {
			out = append(out, e.doc.Clone())
		}
	}
	return out
}

type tx struct {
	s      *Store
	reads  map[key]uint64
	writes map[key]*document.Document
	order  []key
}

func (t *tx) track(k key) {
	if _, seen := t.reads[k]; seen {
		return
	}
	if _, written := t.writes[k]; written {
		return
	}
	t.reads[k] = t.s.revision(k)
}

func (t *tx) Get(ctx context.Context, collection, id string) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := key{collection, id}
	if doc, ok := t.writes[k]; ok {
		if doc == nil {
			return nil, document.ErrNotFound
		}
		return doc.Clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	t.track(k)
	e, ok := t.s.data[k]
	if !ok {
		return nil, document.ErrNotFound
	}
	return e.doc.Clone(), nil
}

func (t *tx) Set(_ context.Context, doc *document.Document) error {
	if doc.Collection == "" || doc.ID == "" {
		return fmt.Errorf("set: collection and id are required")
	}
	t.write(key{doc.Collection, doc.ID}, doc.Clone())
	return nil
}

func (t *tx) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	doc, err := t.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	doc.Data = document.Merge(doc.Data, fields)
	t.write(key{collection, id}, doc)
	return nil
}

func (t *tx) Delete(_ context.Context, collection, id string) error {
	t.write(key{collection, id}, nil)
	return nil
}

func (t *tx) Query(ctx context.Context, q document.Query) ([]*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	base := t.s.collection(q.Collection)
	t.s.mu.RUnlock()

	merged := make([]*document.Document, 0, len(base))
	for _, d := range base {
		k := key{d.Collection, d.ID}
		if w, ok := t.writes[k]; ok {
			if w != nil {
				merged = append(merged, w.Clone())
			}
			continue
		}
		merged = append(merged, d)
	}
	for k, w := range t.writes {
		if k.collection != q.Collection || w == nil {
			continue
		}
		found := false
		for _, d := range base {
			if d.ID == k.id {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, w.Clone())
		}
	}

	out := q.Apply(merged)
	t.s.mu.RLock()
	for _, d := range out {
		t.track(key{d.Collection, d.ID})
	}
	t.s.mu.RUnlock()
	return out, nil
}

func (t *tx) write(k key, doc *document.Document) {
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = doc
}
