package document

import (
	"context"
	"time"
)

// Accessor is the set of data operations available both directly on a Store
// and inside a transaction.
type Accessor interface {
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Set creates or overwrites a document, including its version fields.
	Set(ctx context.Context, doc *Document) error
	// Update merges fields into an existing document's data.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) ([]*Document, error)
}

// Tx is an Accessor bound to one atomic commit. Writes become visible to
// other readers only when the transaction function returns nil.
type Tx interface {
	Accessor
}

// TxFunc is the unit of work passed to RunTransaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the document database consumed by the core.
type Store interface {
	Accessor
	RunTransaction(ctx context.Context, fn TxFunc) error
	ServerTimestamp() time.Time
	Close() error
}
