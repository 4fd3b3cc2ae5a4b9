// Package dependents handles the business rows that reference a client:
// counting them for winner ranking, counting external references for the
// guardrail and re-pointing covered tables during a merge.
package dependents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/OtticaBianchi/gestionale-sub002/internal/repositories/catalogue"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/database"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

// undefinedTable is the postgres error code for a missing relation.
const undefinedTable = "42P01"

// Repository handles dependent row persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new dependents repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CountActiveDependents counts the undeleted business rows referencing a
// client across the covered tables. The count ranks merge candidates: the
// record with the most live business attached survives.
func (r *Repository) CountActiveDependents(ctx context.Context, clientID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dependents.Repository.CountActiveDependents")
	defer span.End()

	total := 0
	for _, table := range catalogue.CoveredTables() {
		var count int
		var err error
		if table == "match_records" {
			count, err = r.countMatchRecordRefs(ctx, clientID)
		} else {
			count, err = r.countRefs(ctx, table, "client_id", clientID, true)
		}
		if err != nil {
			if errors.Is(err, guardrail.ErrTableMissing) {
				continue
			}
			return 0, err
		}
		total += count
	}
	return total, nil
}

// countMatchRecordRefs counts survey match records referencing a client.
// match_records has no client_id or deleted_at column: clients are referenced
// through resolved_client_id and the candidate id array, and records are
// closed by status rather than soft-deleted.
func (r *Repository) countMatchRecordRefs(ctx context.Context, clientID string) (int, error) {
	query := `SELECT COUNT(*) FROM match_records WHERE resolved_client_id = $1 OR $1 = ANY(candidate_ids)`

	var count int
	if err := r.db.GetContext(ctx, &count, query, clientID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedTable {
			return 0, guardrail.ErrTableMissing
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": "match_records", "client_id": clientID}).Error("Failed to count client references")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count references in match_records")
	}
	return count, nil
}

// CountRefs counts rows in one table referencing a client id, for the
// guardrail's external reference check. A missing table is reported as
// guardrail.ErrTableMissing so the caller can treat it as zero.
func (r *Repository) CountRefs(ctx context.Context, ref guardrail.TableRef, clientID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dependents.Repository.CountRefs")
	defer span.End()

	return r.countRefs(ctx, ref.Table, ref.Column, clientID, false)
}

func (r *Repository) countRefs(ctx context.Context, table, column, clientID string, liveOnly bool) (int, error) {
	// table and column names come from the schema catalogue or the covered
	// list, never from request input.
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE %q = $1`, table, column)
	if liveOnly {
		query += ` AND deleted_at IS NULL`
	}

	var count int
	if err := r.db.GetContext(ctx, &count, query, clientID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedTable {
			return 0, guardrail.ErrTableMissing
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table, "client_id": clientID}).Error("Failed to count client references")
		return 0, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to count references in %s", table)
	}
	return count, nil
}

// RepointAll moves every covered dependent row from one client to another
// in a single transaction, so a crash mid-merge never leaves a loser
// half re-pointed. Returns the number of rows moved.
func (r *Repository) RepointAll(ctx context.Context, fromID, toID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dependents.Repository.RepointAll")
	defer span.End()

	ctxTx, tx, err := r.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctxTx)

	total := 0
	for _, table := range catalogue.CoveredTables() {
		if table == "match_records" {
			moved, err := r.repointMatchRecords(ctxTx, tx, fromID, toID)
			if err != nil {
				return 0, err
			}
			total += moved
			continue
		}

		query := fmt.Sprintf(`UPDATE %q SET client_id = $1 WHERE client_id = $2`, table)
		result, err := tx.ExecContext(ctxTx, query, toID, fromID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedTable {
				continue
			}
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table, "from": fromID, "to": toID}).Error("Failed to re-point dependent rows")
			return 0, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to re-point rows in %s", table)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to re-point dependent rows")
		}
		total += int(affected)
	}

	if err := tx.Commit(ctxTx); err != nil {
		return 0, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"from": fromID, "to": toID, "moved": total}).Info("Re-pointed dependent rows")
	return total, nil
}

// repointMatchRecords rewrites both the resolved pointer and the candidate
// id arrays of survey match records.
func (r *Repository) repointMatchRecords(ctx context.Context, tx database.Tx, fromID, toID string) (int, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE match_records
		SET resolved_client_id = $1
		WHERE resolved_client_id = $2
	`, toID, fromID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedTable {
			return 0, nil
		}
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to re-point match records")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to re-point match records")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE match_records
		SET candidate_ids = array_replace(candidate_ids, $2, $1)
		WHERE $2 = ANY(candidate_ids)
	`, toID, fromID); err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to re-point match record candidates")
	}

	return int(affected), nil
}
