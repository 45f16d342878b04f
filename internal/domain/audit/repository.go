package audit

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"time"

	"github.com/bountyhub/bountyhub/internal/domain/document"
)

// Repository defines audit event persistence. Events are append-only;
// DeleteBefore exists solely for retention maintenance.
type Repository interface {
	Create(ctx context.Context, event *Event) error
	CreateTx(ctx context.Context, tx document.Tx, event *Event) error
	GetByID(ctx context.Context, id string) (*Event, error)
	ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*Event, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Event, error)
	DeleteBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}
