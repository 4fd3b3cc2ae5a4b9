// Package matchrecord handles survey match record persistence.
package matchrecord

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

var matchColumns = []string{
	"id", "candidate_ids", "resolved_client_id", "status", "confidence",
	"strategy", "needs_review", "respondent_given_name",
	"respondent_family_name", "respondent_email", "notes",
	"created_at", "updated_at",
}

// Repository handles match record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new match record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetByID returns a match record by id. Returns nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchrecord.Repository.GetByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(matchColumns...)
	sb.From("match_records")
	sb.Where(sb.Equal("id", id))
	sb.Limit(1)

	query, args := sb.Build()
	var record models.MatchRecord
	if err := r.db.GetContext(ctx, &record, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"match_id": id}).Error("Failed to get match record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get match record")
	}
	return &record, nil
}

// ListOpen returns up to limit records still awaiting resolution, oldest
// first.
func (r *Repository) ListOpen(ctx context.Context, limit int) ([]*models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchrecord.Repository.ListOpen")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(matchColumns...)
	sb.From("match_records")
	sb.Where(sb.Equal("status", models.MatchStatusNeedsReview))
	sb.OrderBy("created_at", "id")
	sb.Limit(limit)

	query, args := sb.Build()
	var records []*models.MatchRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list open match records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list match records")
	}
	return records, nil
}

// ListByStatus returns up to limit records in the given status, oldest
// first.
func (r *Repository) ListByStatus(ctx context.Context, status models.MatchStatus, limit int) ([]*models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchrecord.Repository.ListByStatus")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(matchColumns...)
	sb.From("match_records")
	sb.Where(sb.Equal("status", status))
	sb.OrderBy("created_at", "id")
	sb.Limit(limit)

	query, args := sb.Build()
	var records []*models.MatchRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"status": status}).Error("Failed to list match records by status")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list match records")
	}
	return records, nil
}

// Create inserts a new match record in needs_review state.
func (r *Repository) Create(ctx context.Context, record *models.MatchRecord) (*models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchrecord.Repository.Create")
	defer span.End()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	record.Status = models.MatchStatusNeedsReview
	record.NeedsReview = true
	record.Confidence = models.ConfidenceNone
	record.CreatedAt = now
	record.UpdatedAt = now

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("match_records")
	ib.Cols("id", "candidate_ids", "status", "confidence", "needs_review", "respondent_given_name", "respondent_family_name", "respondent_email", "notes", "created_at", "updated_at")
	ib.Values(record.ID, record.CandidateIDs, record.Status, record.Confidence, record.NeedsReview, record.RespondentGivenName, record.RespondentFamilyName, record.RespondentEmail, record.Notes, record.CreatedAt, record.UpdatedAt)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"match_id": record.ID}).Error("Failed to create match record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create match record")
	}
	return record, nil
}

// Update persists a resolution onto a match record. Notes are out of scope
// here on purpose: AppendNote is the only way to touch them.
func (r *Repository) Update(ctx context.Context, record *models.MatchRecord) (*models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchrecord.Repository.Update")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("match_records")
	assignments := []string{
		ub.Assign("status", record.Status),
		ub.Assign("confidence", record.Confidence),
		ub.Assign("strategy", record.Strategy),
		ub.Assign("needs_review", record.NeedsReview),
		ub.Assign("updated_at", time.Now().UTC()),
	}
	if record.ResolvedClientID != nil {
		assignments = append(assignments, ub.Assign("resolved_client_id", *record.ResolvedClientID))
	} else {
		assignments = append(assignments, "resolved_client_id = NULL")
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", record.ID))

	query, args := ub.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"match_id": record.ID}).Error("Failed to update match record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update match record")
	}

	return r.GetByID(ctx, record.ID)
}

// AppendNote appends one line to the record's notes, preserving resolution
// history. Existing notes are never overwritten.
func (r *Repository) AppendNote(ctx context.Context, id, note string) error {
	ctx, span := tracing.StartSpan(ctx, "matchrecord.Repository.AppendNote")
	defer span.End()

	query := `
		UPDATE match_records
		SET notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
		    updated_at = $3
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, note, time.Now().UTC()); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"match_id": id}).Error("Failed to append match record note")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append note")
	}
	return nil
}
