package processors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/domain/audit"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/notification"
	"github.com/bountyhub/bountyhub/internal/domain/task"
)

const (
	cleanupBatch      = 100
	defaultPurgeBatch = 500
)

// DefaultCleanupCollections maps each collection holding user-owned data to
// its owner field.
func DefaultCleanupCollections() map[string]string {
	return map[string]string{
		marketplace.ApplicationCollection: "creatorId",
		marketplace.SubmissionCollection:  "creatorId",
		notification.Collection:           "userId",
	}
}

// UserCleanup deletes the documents a removed user owns. Each batch is
// deleted in one transaction under the version check.
type UserCleanup struct {
	engine      *txn.Engine
	auditor     Auditor
	collections map[string]string
	logger      zerolog.Logger
}

func NewUserCleanup(engine *txn.Engine, auditor Auditor, collections map[string]string, logger zerolog.Logger) *UserCleanup {
	if len(collections) == 0 {
		collections = DefaultCleanupCollections()
	}
	return &UserCleanup{
		engine:      engine,
		auditor:     auditor,
		collections: collections,
		logger:      logger.With().Str("processor", string(task.TypeUserCleanup)).Logger(),
	}
}

func (p *UserCleanup) TaskType() task.Type { return task.TypeUserCleanup }

func (p *UserCleanup) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.UserCleanup](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	if in.UserID == "" {
		return nil, spanError(span, task.Permanentf("user cleanup: userId is required"))
	}
	span.SetAttributes(attribute.String("user.id", in.UserID))

	names := in.Collections
	if len(names) == 0 {
		for name := range p.collections {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	deleted := make(map[string]int, len(names))
	for _, name := range names {
		field, ok := p.collections[name]
		if !ok {
			field = "userId"
		}
		n, err := p.purge(ctx, name, field, in.UserID)
		deleted[name] = n
		if err != nil {
			return nil, spanError(span, fmt.Errorf("clean %s for %s: %w", name, in.UserID, err))
		}
	}

	if _, err := p.auditor.LogEvent(ctx, audit.Entry{
		UserID:       document.SystemActor,
		Action:       audit.ActionUserCleanup,
		ResourceType: marketplace.EntityUser,
		ResourceID:   in.UserID,
		NewData:      map[string]any{"deleted": deleted},
		Metadata:     map[string]any{"taskId": t.ID},
	}); err != nil {
		return nil, spanError(span, err)
	}
	p.logger.Info().Str("userId", in.UserID).Interface("deleted", deleted).Msg("user data cleaned")
	return map[string]any{"userId": in.UserID, "deleted": deleted}, nil
}

func (p *UserCleanup) purge(ctx context.Context, collection, field, userID string) (int, error) {
	total := 0
	for {
		docs, err := p.engine.Store().Query(ctx, document.Query{Collection: collection, Limit: cleanupBatch}.
			Where(field, document.OpEqual, userID))
		if err != nil {
			return total, err
		}
		if len(docs) == 0 {
			return total, nil
		}
		ops := make([]txn.BatchOp, 0, len(docs))
		for _, d := range docs {
			ops = append(ops, txn.BatchOp{Kind: txn.OpDelete, Collection: collection, ID: d.ID, ExpectedVersion: d.Version})
		}
		if res := p.engine.ExecuteBatch(ctx, document.SystemActor, ops); !res.Success {
			return total, res.Err
		}
		total += len(docs)
		if len(docs) < cleanupBatch {
			return total, nil
		}
	}
}

// AuditCleanup purges audit events older than the retention window and
// records the purge itself as an audit event.
type AuditCleanup struct {
	auditor Auditor
	now     func() time.Time
	logger  zerolog.Logger
}

func NewAuditCleanup(auditor Auditor, now func() time.Time, logger zerolog.Logger) *AuditCleanup {
	return &AuditCleanup{
		auditor: auditor,
		now:     now,
		logger:  logger.With().Str("processor", string(task.TypeAuditCleanup)).Logger(),
	}
}

func (p *AuditCleanup) TaskType() task.Type { return task.TypeAuditCleanup }

func (p *AuditCleanup) Process(ctx context.Context, t *task.Task) (any, error) {
	ctx, span := startSpan(ctx, t)
	defer span.End()

	in, err := task.PayloadAs[task.AuditCleanup](t)
	if err != nil {
		return nil, spanError(span, err)
	}
	if in.RetentionDays <= 0 {
		return nil, spanError(span, task.Permanentf("audit cleanup: retentionDays must be positive, got %d", in.RetentionDays))
	}
	batch := in.BatchSize
	if batch <= 0 {
		batch = defaultPurgeBatch
	}
	cutoff := p.now().Add(-time.Duration(in.RetentionDays) * 24 * time.Hour)
	span.SetAttributes(attribute.Int("audit.retention_days", in.RetentionDays))

	n, err := p.auditor.PurgeBefore(ctx, cutoff, batch)
	if err != nil {
		return nil, spanError(span, err)
	}
	if _, err := p.auditor.LogEvent(ctx, audit.Entry{
		UserID:       document.SystemActor,
		Action:       audit.ActionAuditPurged,
		ResourceType: "audit_log",
		ResourceID:   cutoff.Format(time.RFC3339),
		NewData:      map[string]any{"deleted": n},
		Metadata:     map[string]any{"retentionDays": in.RetentionDays, "taskId": t.ID},
	}); err != nil {
		return nil, spanError(span, err)
	}
	return map[string]any{"deleted": n, "cutoff": cutoff}, nil
}
