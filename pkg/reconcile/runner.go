package reconcile

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	apperrors "github.com/OtticaBianchi/gestionale-sub002/pkg/errors"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/identity"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/matchqueue"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/merge"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/metrics"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

const (
	lockKey = "reconcile:run"
	lockTTL = 15 * time.Minute

	defaultMaxRows   = 5000
	defaultOpenLimit = 500
)

// ClientLister loads active client records for scanning.
type ClientLister interface {
	ListActive(ctx context.Context, limit int) ([]*models.Client, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.Client, error)
}

// Merger executes a merge over a candidate group.
type Merger interface {
	Execute(ctx context.Context, cache *guardrail.Cache, ids []string, opts merge.ExecuteOptions) (*models.MergeResult, error)
}

// MatchResolver walks the resolution ladder over open match records.
type MatchResolver interface {
	Resolve(ctx context.Context, cache *guardrail.Cache, record *models.MatchRecord, dryRun bool) (*models.MatchRecord, error)
}

// Locker serializes batch runs across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RunOptions controls one reconcile run. The zero value is a bounded dry run.
type RunOptions struct {
	// Apply performs writes. When false every decision is still made and
	// counted, but nothing is persisted.
	Apply   bool
	MaxRows int
	Actor   string
}

// Summary is the counter set reported after a run.
type Summary struct {
	Scanned       int            `json:"scanned"`
	Groups        int            `json:"groups"`
	GroupsMerged  int            `json:"groups_merged"`
	GroupsSkipped int            `json:"groups_skipped"`
	GroupsFailed  int            `json:"groups_failed"`
	ClientsMerged int            `json:"clients_merged"`
	MatchesOpen   int            `json:"matches_open"`
	ResolvedBy    map[string]int `json:"resolved_by_strategy"`
	Rejected      int            `json:"rejected"`
	LeftForReview int            `json:"left_for_review"`
	MatchesFailed int            `json:"matches_failed"`
	DryRun        bool           `json:"dry_run"`
	Duration      string         `json:"duration"`
}

// Runner drives the batch sweep. Each candidate group is its own failure
// boundary: one group's error never aborts the rest of the run.
type Runner struct {
	logger   ectologger.Logger
	clients  ClientLister
	merger   Merger
	matches  matchqueue.Store
	resolver MatchResolver
	locker   Locker
}

// NewRunner creates a reconcile runner.
func NewRunner(
	logger ectologger.Logger,
	clients ClientLister,
	merger Merger,
	matches matchqueue.Store,
	resolver MatchResolver,
	locker Locker,
) *Runner {
	return &Runner{
		logger:   logger,
		clients:  clients,
		merger:   merger,
		matches:  matches,
		resolver: resolver,
		locker:   locker,
	}
}

// Run executes one sweep: scan candidate groups, merge the equivalent ones,
// then re-resolve the open match queue. Only one run may be active at a
// time; a concurrent attempt fails with a conflict.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Runner.Run")
	defer span.End()

	if r.locker != nil {
		ok, err := r.locker.Acquire(ctx, lockKey, lockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperrors.NewConflict("a reconcile run is already in progress")
		}
		defer func() {
			if err := r.locker.Release(ctx, lockKey); err != nil {
				r.logger.WithContext(ctx).WithError(err).Warn("Failed to release reconcile lock")
			}
		}()
	}

	start := time.Now()
	if opts.MaxRows <= 0 {
		opts.MaxRows = defaultMaxRows
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"apply":    opts.Apply,
		"max_rows": opts.MaxRows,
	})
	log.Info("Starting reconcile run")

	summary := &Summary{ResolvedBy: map[string]int{}, DryRun: !opts.Apply}

	if err := r.sweepDuplicates(ctx, opts, summary, log); err != nil {
		metrics.ReconcileRuns.WithLabelValues("failed").Inc()
		return nil, err
	}
	if err := r.sweepMatchQueue(ctx, opts, summary, log); err != nil {
		metrics.ReconcileRuns.WithLabelValues("failed").Inc()
		return nil, err
	}

	summary.Duration = time.Since(start).Round(time.Millisecond).String()
	metrics.ReconcileRuns.WithLabelValues("completed").Inc()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	log.WithFields(map[string]any{
		"scanned":        summary.Scanned,
		"groups":         summary.Groups,
		"groups_merged":  summary.GroupsMerged,
		"clients_merged": summary.ClientsMerged,
		"matches_open":   summary.MatchesOpen,
		"duration":       summary.Duration,
	}).Info("Reconcile run completed")

	return summary, nil
}

// sweepDuplicates merges every candidate group whose members are
// identity-equivalent. Groups that are not provably one person are counted
// as skipped, never guessed at.
func (r *Runner) sweepDuplicates(ctx context.Context, opts RunOptions, summary *Summary, log ectologger.Logger) error {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Runner.sweepDuplicates")
	defer span.End()

	clients, err := r.clients.ListActive(ctx, opts.MaxRows)
	if err != nil {
		return err
	}
	summary.Scanned = len(clients)

	byID := make(map[string]*models.Client, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}

	groups := ScanGroups(clients)
	summary.Groups = len(groups)

	for _, group := range groups {
		members := make([]*models.Client, 0, len(group.ClientIDs))
		for _, id := range group.ClientIDs {
			if c, ok := byID[id]; ok && c.IsActive() {
				members = append(members, c)
			}
		}
		if len(members) < 2 {
			// an earlier group in this run already absorbed the rest
			summary.GroupsSkipped++
			continue
		}

		if !identity.AreEquivalent(members) {
			summary.GroupsSkipped++
			metrics.ReconcileGroupsProcessed.WithLabelValues("skipped").Inc()
			continue
		}

		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.ID)
		}
		result, err := r.merger.Execute(ctx, guardrail.NewCache(), ids, merge.ExecuteOptions{
			DryRun: !opts.Apply,
			Actor:  opts.Actor,
			Reason: "batch reconcile sweep",
		})
		if err != nil {
			summary.GroupsFailed++
			metrics.ReconcileGroupsProcessed.WithLabelValues("failed").Inc()
			log.WithError(err).WithFields(map[string]any{"group": group.ClientIDs}).Warn("Candidate group failed, continuing")
			continue
		}

		summary.GroupsMerged++
		summary.ClientsMerged += len(result.MergedIDs)
		metrics.ReconcileGroupsProcessed.WithLabelValues("merged").Inc()

		// Mark the losers retired in memory in every mode, so a client
		// absorbed by one group is never counted again by an overlapping
		// group later in the same run.
		for _, id := range result.MergedIDs {
			if c, ok := byID[id]; ok {
				c.Status = models.ClientStatusMerged
				c.MergedInto = &result.WinnerID
			}
		}
	}

	return nil
}

// sweepMatchQueue re-runs the resolution ladder over open match records.
// A dry run makes every decision the ladder would make and counts the
// outcomes without persisting any of them.
func (r *Runner) sweepMatchQueue(ctx context.Context, opts RunOptions, summary *Summary, log ectologger.Logger) error {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Runner.sweepMatchQueue")
	defer span.End()

	records, err := r.matches.ListOpen(ctx, defaultOpenLimit)
	if err != nil {
		return err
	}
	summary.MatchesOpen = len(records)

	for _, record := range records {
		resolved, err := r.resolver.Resolve(ctx, guardrail.NewCache(), record, !opts.Apply)
		if err != nil {
			summary.MatchesFailed++
			log.WithError(err).WithFields(map[string]any{"match_id": record.ID}).Warn("Match resolution failed, continuing")
			continue
		}
		switch resolved.Status {
		case models.MatchStatusNeedsReview:
			summary.LeftForReview++
		case models.MatchStatusRejected:
			summary.Rejected++
		default:
			summary.ResolvedBy[resolved.Strategy]++
		}
	}

	return nil
}
