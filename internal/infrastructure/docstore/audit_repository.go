package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/document"
)

// AuditCollection holds audit events.
const AuditCollection = "audit_logs"

// AuditRepository stores audit events as documents.
type AuditRepository struct {
	store document.Store
}

func NewAuditRepository(store document.Store) *AuditRepository {
	return &AuditRepository{store: store}
}

func (r *AuditRepository) Create(ctx context.Context, e *audit.Event) error {
	return r.store.Set(ctx, auditToDocument(e))
}

func (r *AuditRepository) CreateTx(ctx context.Context, tx document.Tx, e *audit.Event) error {
	return tx.Set(ctx, auditToDocument(e))
}

func (r *AuditRepository) GetByID(ctx context.Context, id string) (*audit.Event, error) {
	doc, err := r.store.Get(ctx, AuditCollection, id)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", audit.ErrNotFound, id)
		}
		return nil, err
	}
	return documentToAudit(doc), nil
}

func (r *AuditRepository) ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*audit.Event, error) {
	q := document.Query{Collection: AuditCollection, Limit: limit}.
		Where("resourceType", document.OpEqual, resourceType).
		Where("resourceId", document.OpEqual, resourceID).
		Sort("timestamp", document.Desc)
	return r.list(ctx, q)
}

func (r *AuditRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*audit.Event, error) {
	q := document.Query{Collection: AuditCollection, Limit: limit}.
		Where("userId", document.OpEqual, userID).
		Sort("timestamp", document.Desc)
	return r.list(ctx, q)
}

func (r *AuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	q := document.Query{Collection: AuditCollection, Limit: batchSize}.
		Where("timestamp", document.OpLess, cutoff.UnixMilli()).
		Sort("timestamp", document.Asc)
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	err = r.store.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
		for _, d := range docs {
			if err := tx.Delete(ctx, AuditCollection, d.ID); err != nil {
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

func (r *AuditRepository) list(ctx context.Context, q document.Query) ([]*audit.Event, error) {
	docs, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*audit.Event, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentToAudit(d))
	}
	return out, nil
}

func auditToDocument(e *audit.Event) *document.Document {
	data := map[string]any{
		"id":           e.ID,
		"timestamp":    e.Timestamp.UnixMilli(),
		"userId":       e.UserID,
		"action":       e.Action,
		"resourceType": e.ResourceType,
		"resourceId":   e.ResourceID,
		"oldData":      e.OldData,
		"newData":      e.NewData,
		"hash":         e.Hash,
	}
	if e.Metadata != nil {
		data["metadata"] = e.Metadata
	}
	return &document.Document{
		Collection:   AuditCollection,
		ID:           e.ID,
		Data:         data,
		Version:      1,
		LastModified: e.Timestamp,
		ModifiedBy:   e.UserID,
	}
}

func documentToAudit(doc *document.Document) *audit.Event {
	e := &audit.Event{
		ID:           doc.GetString("id"),
		Timestamp:    millisToTime(doc.GetNumber("timestamp")),
		UserID:       doc.GetString("userId"),
		Action:       doc.GetString("action"),
		ResourceType: doc.GetString("resourceType"),
		ResourceID:   doc.GetString("resourceId"),
		OldData:      doc.Data["oldData"],
		NewData:      doc.Data["newData"],
		Hash:         doc.GetString("hash"),
	}
	if m, ok := doc.Data["metadata"].(map[string]any); ok {
		e.Metadata = m
	}
	return e
}

func millisToTime(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}
