// Package guardrail blocks merges that would strand references to a retired
// client id in tables the merge executor does not re-point.
package guardrail

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/metrics"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

// ErrTableMissing marks a reference count against a table that does not
// exist in the store. Missing tables hold zero references and are benign.
var ErrTableMissing = errors.New("table does not exist")

// TableRef names a table column that can hold a client id.
type TableRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// Catalogue enumerates every table column that can reference a client.
type Catalogue interface {
	ClientRefTables(ctx context.Context) ([]TableRef, error)
}

// ReferenceCounter counts live rows in one table referencing a client id.
type ReferenceCounter interface {
	CountRefs(ctx context.Context, ref TableRef, clientID string) (int, error)
}

// Conflict is one external table holding references that block a merge.
type Conflict struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Count  int    `json:"count"`
	Error  string `json:"error,omitempty"`
}

// Report is the outcome of a guardrail check for one loser id.
type Report struct {
	LoserID   string     `json:"loser_id"`
	Allowed   bool       `json:"allowed"`
	Degraded  bool       `json:"degraded"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Checked   []string   `json:"checked,omitempty"`
}

// Cache memoizes reports per loser id for the duration of one operation, so
// the same loser evaluated from several call sites is scanned once.
type Cache struct {
	reports map[string]*Report
}

// NewCache returns an empty per-run report cache.
func NewCache() *Cache {
	return &Cache{reports: make(map[string]*Report)}
}

func (c *Cache) get(loserID string) (*Report, bool) {
	r, ok := c.reports[loserID]
	return r, ok
}

func (c *Cache) put(report *Report) {
	c.reports[report.LoserID] = report
}

// Checker evaluates whether a loser id can be safely retired. Covered
// tables are the ones the executor re-points itself; everything else the
// catalogue knows about must hold zero references.
type Checker struct {
	logger    ectologger.Logger
	catalogue Catalogue
	fallback  Catalogue
	counter   ReferenceCounter
	covered   map[string]bool
}

// NewChecker creates a guardrail checker. fallback is consulted when the
// live catalogue cannot be read; it must never be nil.
func NewChecker(logger ectologger.Logger, catalogue, fallback Catalogue, counter ReferenceCounter, coveredTables []string) *Checker {
	covered := make(map[string]bool, len(coveredTables))
	for _, t := range coveredTables {
		covered[t] = true
	}
	return &Checker{
		logger:    logger,
		catalogue: catalogue,
		fallback:  fallback,
		counter:   counter,
		covered:   covered,
	}
}

// Check evaluates the loser id against every external client-reference
// table. Any reference found, or any count error other than a missing
// table, blocks the merge entirely. Results are memoized in cache.
func (g *Checker) Check(ctx context.Context, cache *Cache, loserID string) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "guardrail.Checker.Check")
	defer span.End()

	if report, ok := cache.get(loserID); ok {
		return report, nil
	}

	log := g.logger.WithContext(ctx).WithFields(map[string]any{"loser_id": loserID})

	report := &Report{LoserID: loserID, Allowed: true}

	refs, err := g.catalogue.ClientRefTables(ctx)
	if err != nil {
		log.WithError(err).Warn("schema catalogue unavailable, falling back to static table list")
		report.Degraded = true
		refs, err = g.fallback.ClientRefTables(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve client reference tables")
		}
	}

	for _, ref := range refs {
		if g.covered[ref.Table] {
			continue
		}

		count, err := g.counter.CountRefs(ctx, ref, loserID)
		if err != nil {
			if errors.Is(err, ErrTableMissing) {
				continue
			}
			report.Allowed = false
			report.Conflicts = append(report.Conflicts, Conflict{
				Table:  ref.Table,
				Column: ref.Column,
				Error:  err.Error(),
			})
			continue
		}

		report.Checked = append(report.Checked, ref.Table)
		if count >= 1 {
			report.Allowed = false
			report.Conflicts = append(report.Conflicts, Conflict{
				Table:  ref.Table,
				Column: ref.Column,
				Count:  count,
			})
		}
	}

	sort.Strings(report.Checked)

	if !report.Allowed {
		log.WithFields(map[string]any{"conflicts": len(report.Conflicts)}).Info("merge blocked by external references")
	}

	switch {
	case !report.Allowed:
		metrics.GuardrailScans.WithLabelValues("blocked").Inc()
	case report.Degraded:
		metrics.GuardrailScans.WithLabelValues("degraded").Inc()
	default:
		metrics.GuardrailScans.WithLabelValues("allowed").Inc()
	}

	cache.put(report)
	return report, nil
}

// StaticCatalogue serves a fixed table list when the live schema catalogue
// cannot be read. It covers every reference table known at build time so a
// degraded run still checks them instead of assuming zero.
type StaticCatalogue struct {
	refs []TableRef
}

// NewStaticCatalogue builds the fallback catalogue from a fixed list.
func NewStaticCatalogue(refs []TableRef) *StaticCatalogue {
	return &StaticCatalogue{refs: refs}
}

func (s *StaticCatalogue) ClientRefTables(_ context.Context) ([]TableRef, error) {
	out := make([]TableRef, len(s.refs))
	copy(out, s.refs)
	return out, nil
}
