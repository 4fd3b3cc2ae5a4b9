// Package client handles client record persistence.
package client

import (
	"context"
	"database/sql"
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

var clientColumns = []string{
	"id", "given_name", "family_name", "email", "phone", "birth_date",
	"notes", "status", "merged_into", "created_at", "updated_at",
	"deleted_at", "deleted_by",
}

// Repository handles client record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new client repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetByID returns a client by id, including retired records. Returns nil
// when the id does not exist.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Client, error) {
	ctx, span := tracing.StartSpan(ctx, "client.Repository.GetByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(clientColumns...)
	sb.From("clients")
	sb.Where(sb.Equal("id", id))
	sb.Limit(1)

	query, args := sb.Build()
	var c models.Client
	if err := r.db.GetContext(ctx, &c, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"client_id": id}).Error("Failed to get client")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get client")
	}
	return &c, nil
}

// GetByIDs returns the clients matching the given ids, including retired
// records. Missing ids are simply absent from the result.
func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]*models.Client, error) {
	ctx, span := tracing.StartSpan(ctx, "client.Repository.GetByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(clientColumns...)
	sb.From("clients")
	sb.Where(sb.In("id", sqlbuilder.List(ids)))
	sb.OrderBy("id")

	query, args := sb.Build()
	var clients []*models.Client
	if err := r.db.SelectContext(ctx, &clients, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"count": len(ids)}).Error("Failed to get clients by ids")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get clients")
	}
	return clients, nil
}

// ListActive returns up to limit active client records, oldest first so a
// bounded batch run always sees the same prefix.
func (r *Repository) ListActive(ctx context.Context, limit int) ([]*models.Client, error) {
	ctx, span := tracing.StartSpan(ctx, "client.Repository.ListActive")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(clientColumns...)
	sb.From("clients")
	sb.Where(
		sb.Equal("status", models.ClientStatusActive),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at", "id")
	sb.Limit(limit)

	query, args := sb.Build()
	var clients []*models.Client
	if err := r.db.SelectContext(ctx, &clients, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list active clients")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list clients")
	}
	return clients, nil
}

// Search returns active clients whose name, email or phone contains the
// query text, case-insensitively. Meant for the admin lookup box, so the
// match is deliberately loose.
func (r *Repository) Search(ctx context.Context, query string, limit int) ([]*models.Client, error) {
	ctx, span := tracing.StartSpan(ctx, "client.Repository.Search")
	defer span.End()

	pattern := "%" + query + "%"

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(clientColumns...)
	sb.From("clients")
	sb.Where(
		sb.Equal("status", models.ClientStatusActive),
		sb.IsNull("deleted_at"),
		sb.Or(
			sb.ILike("given_name", pattern),
			sb.ILike("family_name", pattern),
			sb.ILike("email", pattern),
			sb.ILike("phone", pattern),
		),
	)
	sb.OrderBy("family_name", "given_name", "id")
	sb.Limit(limit)

	sql, args := sb.Build()
	var clients []*models.Client
	if err := r.db.SelectContext(ctx, &clients, sql, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to search clients")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to search clients")
	}
	return clients, nil
}

// Create inserts a new active client record.
func (r *Repository) Create(ctx context.Context, c *models.Client) (*models.Client, error) {
	ctx, span := tracing.StartSpan(ctx, "client.Repository.Create")
	defer span.End()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.Status = models.ClientStatusActive
	c.CreatedAt = now
	c.UpdatedAt = now

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("clients")
	ib.Cols("id", "given_name", "family_name", "email", "phone", "birth_date", "notes", "status", "created_at", "updated_at")
	ib.Values(c.ID, c.GivenName, c.FamilyName, c.Email, c.Phone, c.BirthDate, c.Notes, c.Status, c.CreatedAt, c.UpdatedAt)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"client_id": c.ID}).Error("Failed to create client")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create client")
	}
	return c, nil
}

// ApplyPatch updates only the fields set on the patch and returns the
// refreshed record. An empty patch is a no-op read.
func (r *Repository) ApplyPatch(ctx context.Context, id string, patch models.ClientPatch) (*models.Client, error) {
	ctx, span := tracing.StartSpan(ctx, "client.Repository.ApplyPatch")
	defer span.End()

	if patch.IsEmpty() {
		return r.GetByID(ctx, id)
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("clients")
	assignments := []string{ub.Assign("updated_at", time.Now().UTC())}
	if patch.GivenName != nil {
		assignments = append(assignments, ub.Assign("given_name", *patch.GivenName))
	}
	if patch.FamilyName != nil {
		assignments = append(assignments, ub.Assign("family_name", *patch.FamilyName))
	}
	if patch.Email != nil {
		assignments = append(assignments, ub.Assign("email", *patch.Email))
	}
	if patch.Phone != nil {
		assignments = append(assignments, ub.Assign("phone", *patch.Phone))
	}
	if patch.BirthDate != nil {
		assignments = append(assignments, ub.Assign("birth_date", *patch.BirthDate))
	}
	if patch.Notes != nil {
		assignments = append(assignments, ub.Assign("notes", *patch.Notes))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"client_id": id}).Error("Failed to patch client")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to patch client")
	}

	return r.GetByID(ctx, id)
}

// MarkMerged retires the loser and points it at the winner, only when the
// loser is still active. Returns false when another run retired it first;
// the caller treats that as a detected race, not an error.
func (r *Repository) MarkMerged(ctx context.Context, loserID, winnerID, actor string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "client.Repository.MarkMerged")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("clients")
	ub.Set(
		ub.Assign("status", models.ClientStatusMerged),
		ub.Assign("merged_into", winnerID),
		ub.Assign("deleted_at", time.Now().UTC()),
		ub.Assign("deleted_by", actor),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(
		ub.Equal("id", loserID),
		ub.Equal("status", models.ClientStatusActive),
		ub.IsNull("deleted_at"),
	)

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"loser_id": loserID, "winner_id": winnerID}).Error("Failed to mark client merged")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark client merged")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark client merged")
	}
	return affected == 1, nil
}
