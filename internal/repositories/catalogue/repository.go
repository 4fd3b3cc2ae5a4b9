// Package catalogue discovers which tables can reference a client id, from
// the live information_schema with a static fallback.
package catalogue

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/database"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

// refColumns are the column names that hold a client reference anywhere in
// the schema. Legacy tables predate the naming convention.
var refColumns = []string{"client_id", "cliente_id"}

// CoveredTables lists the dependent tables the merge executor re-points
// itself. Everything else the catalogue reports is external and must be
// empty before a loser can be retired.
func CoveredTables() []string {
	return []string{
		"orders",
		"error_reports",
		"voice_notes",
		"match_records",
		"payment_plans",
		"communications",
	}
}

// StaticRefTables is the build-time fallback used when the live catalogue
// cannot be read: the covered tables only, since no external table set can
// be known without the catalogue.
func StaticRefTables() []guardrail.TableRef {
	refs := make([]guardrail.TableRef, 0, len(CoveredTables()))
	for _, t := range CoveredTables() {
		refs = append(refs, guardrail.TableRef{Table: t, Column: "client_id"})
	}
	return refs
}

// Repository reads the client-reference catalogue from information_schema.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a schema catalogue repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ClientRefTables returns every (table, column) in the public schema whose
// column name marks a client reference. The set is open-ended on purpose:
// tables added after this build are still found and checked.
func (r *Repository) ClientRefTables(ctx context.Context) ([]guardrail.TableRef, error) {
	ctx, span := tracing.StartSpan(ctx, "catalogue.Repository.ClientRefTables")
	defer span.End()

	query := `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND column_name = ANY($1)
		ORDER BY table_name, column_name
	`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(refColumns))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read schema catalogue")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read schema catalogue")
	}
	defer rows.Close()

	var refs []guardrail.TableRef
	for rows.Next() {
		var ref guardrail.TableRef
		if err := rows.Scan(&ref.Table, &ref.Column); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to scan schema catalogue row")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read schema catalogue")
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read schema catalogue")
	}

	return refs, nil
}
