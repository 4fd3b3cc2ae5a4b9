// Package audit persists merge audit entries. Writes are best-effort: the
// caller logs a failed audit write and carries on with the merge.
package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/database"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

// Repository handles audit entry persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Record inserts one audit entry with before/after snapshots.
func (r *Repository) Record(ctx context.Context, entry *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.Record")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("client_audit_log")
	ib.Cols("id", "action", "winner_id", "loser_id", "actor", "reason", "before_state", "after_state", "created_at")
	ib.Values(entry.ID, entry.Action, entry.WinnerID, entry.LoserID, entry.Actor, entry.Reason, entry.Before, entry.After, entry.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"action": entry.Action, "winner_id": entry.WinnerID}).Error("Failed to record audit entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record audit entry")
	}
	return nil
}

// ListForClient returns the audit trail touching a client id, newest first.
func (r *Repository) ListForClient(ctx context.Context, clientID string, limit int) ([]*models.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.ListForClient")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "action", "winner_id", "loser_id", "actor", "reason", "before_state", "after_state", "created_at")
	sb.From("client_audit_log")
	sb.Where(sb.Or(sb.Equal("winner_id", clientID), sb.Equal("loser_id", clientID)))
	sb.OrderBy("created_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var entries []*models.AuditEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"client_id": clientID}).Error("Failed to list audit entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audit entries")
	}
	return entries, nil
}
