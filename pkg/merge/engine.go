// Package merge plans and executes the collapse of duplicate client records
// into a single surviving record.
package merge

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	apperrors "github.com/OtticaBianchi/gestionale-sub002/pkg/errors"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/metrics"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

// ClientStore is the slice of the client repository the engine needs.
type ClientStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]*models.Client, error)
	ApplyPatch(ctx context.Context, id string, patch models.ClientPatch) (*models.Client, error)
	// MarkMerged soft-deletes the loser and points it at the winner, only
	// if the loser is not already retired. Returns false when another run
	// got there first.
	MarkMerged(ctx context.Context, loserID, winnerID, actor string) (bool, error)
}

// DependentCounter counts undeleted business rows referencing a client.
type DependentCounter interface {
	CountActiveDependents(ctx context.Context, clientID string) (int, error)
}

// Repointer moves all covered dependent rows from one client to another.
type Repointer interface {
	RepointAll(ctx context.Context, fromID, toID string) (int, error)
}

// Guard evaluates whether a loser can be retired without stranding
// references in tables the repointer does not handle.
type Guard interface {
	Check(ctx context.Context, cache *guardrail.Cache, loserID string) (*guardrail.Report, error)
}

// Auditor records merge mutations. Audit failures never fail the merge.
type Auditor interface {
	Record(ctx context.Context, entry *models.AuditEntry) error
}

// EventEmitter publishes merge outcomes for downstream consumers.
type EventEmitter interface {
	ClientMerged(ctx context.Context, winnerID string, mergedIDs []string, actor string)
}

// ExecuteOptions controls one merge execution.
type ExecuteOptions struct {
	// DryRun runs every read and decision but suppresses all writes.
	DryRun bool
	// Force overrides soft conflicts. Hard conflicts always block.
	Force  bool
	Actor  string
	Reason string
}

// Engine applies merge plans. All writes for one loser happen in order:
// winner patch, dependent re-point, soft delete. A mid-merge failure leaves
// the loser intact and discoverable rather than deleted while referenced.
type Engine struct {
	logger     ectologger.Logger
	clients    ClientStore
	dependents DependentCounter
	repointer  Repointer
	guard      Guard
	auditor    Auditor
	events     EventEmitter
}

// NewEngine creates a merge engine.
func NewEngine(
	logger ectologger.Logger,
	clients ClientStore,
	dependents DependentCounter,
	repointer Repointer,
	guard Guard,
	auditor Auditor,
	events EventEmitter,
) *Engine {
	return &Engine{
		logger:     logger,
		clients:    clients,
		dependents: dependents,
		repointer:  repointer,
		guard:      guard,
		auditor:    auditor,
		events:     events,
	}
}

// Execute merges the given candidate ids. The proposal is recomputed from
// live data so stale previews cannot be applied. Repeated runs are
// idempotent: already-merged losers become no-ops.
func (e *Engine) Execute(ctx context.Context, cache *guardrail.Cache, ids []string, opts ExecuteOptions) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Engine.Execute")
	defer span.End()

	plan, err := e.Propose(ctx, cache, ids)
	if err != nil {
		return nil, err
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"winner_id": plan.WinnerID,
		"losers":    len(plan.LoserIDs),
		"dry_run":   opts.DryRun,
		"force":     opts.Force,
	})

	if plan.HardBlocked() {
		recordBlocked(plan)
		return nil, conflictError(plan, "merge blocked")
	}
	if plan.Blocked() && !opts.Force {
		recordBlocked(plan)
		return nil, conflictError(plan, "merge has conflicts, re-submit with force to override")
	}
	if plan.Blocked() {
		log.WithFields(map[string]any{"overridden": len(plan.Conflicts)}).Info("Force-overriding merge conflicts")
	}

	result := &models.MergeResult{
		WinnerID:   plan.WinnerID,
		MergedIDs:  []string{},
		SkippedIDs: plan.SkippedIDs,
		DryRun:     opts.DryRun,
	}

	if opts.DryRun {
		result.MergedIDs = plan.LoserIDs
		result.Patched = !plan.Patch.IsEmpty()
		return result, nil
	}

	winnerBefore := plan.winner
	if !plan.Patch.IsEmpty() {
		patched, err := e.clients.ApplyPatch(ctx, plan.WinnerID, plan.Patch)
		if err != nil {
			return nil, err
		}
		result.Patched = true
		e.audit(ctx, "backfill", plan.WinnerID, "", opts, winnerBefore, patched)
	}

	for _, loserID := range plan.LoserIDs {
		moved, err := e.repointer.RepointAll(ctx, loserID, plan.WinnerID)
		if err != nil {
			return nil, err
		}
		result.Repointed += moved

		ok, err := e.clients.MarkMerged(ctx, loserID, plan.WinnerID, opts.Actor)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another operator retired this loser mid-run. Its dependents
			// are already re-pointed, which is safe to repeat; stop here
			// and surface the race.
			return nil, apperrors.NewConflict("client %s was retired by a concurrent merge", loserID).
				AddMeta("winner_id", plan.WinnerID)
		}

		e.audit(ctx, "merge", plan.WinnerID, loserID, opts, plan.losersByID[loserID], nil)
		result.MergedIDs = append(result.MergedIDs, loserID)
		log.WithFields(map[string]any{"loser_id": loserID, "repointed": moved}).Info("Merged client record")
	}

	result.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	metrics.MergesExecuted.Inc()
	metrics.ClientsMerged.Add(float64(len(result.MergedIDs)))

	if e.events != nil && len(result.MergedIDs) > 0 {
		e.events.ClientMerged(ctx, plan.WinnerID, result.MergedIDs, opts.Actor)
	}

	return result, nil
}

// audit writes one best-effort audit entry.
func (e *Engine) audit(ctx context.Context, action, winnerID, loserID string, opts ExecuteOptions, before, after *models.Client) {
	if e.auditor == nil {
		return
	}
	entry := &models.AuditEntry{
		ID:       uuid.NewString(),
		Action:   action,
		WinnerID: winnerID,
		LoserID:  loserID,
		Actor:    opts.Actor,
		Reason:   opts.Reason,
	}
	entry.Before.Data = before
	entry.After.Data = after
	if err := e.auditor.Record(ctx, entry); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"action":    action,
			"winner_id": winnerID,
			"loser_id":  loserID,
		}).Warn("Failed to write audit entry")
	}
}

func recordBlocked(plan *Proposal) {
	for _, c := range plan.Conflicts {
		metrics.MergesBlocked.WithLabelValues(c.Code).Inc()
	}
}

func conflictError(plan *Proposal, msg string) error {
	err := apperrors.NewConflict("%s", msg).AddMeta("winner_id", plan.WinnerID)
	conflicts := make([]map[string]any, 0, len(plan.Conflicts))
	for _, c := range plan.Conflicts {
		m := map[string]any{"code": c.Code, "message": c.Message, "hard": c.Hard}
		if c.LoserID != "" {
			m["loser_id"] = c.LoserID
		}
		conflicts = append(conflicts, m)
	}
	return err.AddMeta("conflicts", conflicts)
}
