// Package matchqueue resolves ambiguous survey-to-client matches, reusing
// the dedup engine for candidate groups that turn out to be one person.
package matchqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	apperrors "github.com/OtticaBianchi/gestionale-sub002/pkg/errors"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/identity"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/merge"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/metrics"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/normalize"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

// Store is the slice of the match record repository the resolver needs.
// Notes are append-only: AppendNote never overwrites resolution history.
type Store interface {
	GetByID(ctx context.Context, id string) (*models.MatchRecord, error)
	ListOpen(ctx context.Context, limit int) ([]*models.MatchRecord, error)
	Update(ctx context.Context, record *models.MatchRecord) (*models.MatchRecord, error)
	AppendNote(ctx context.Context, id, note string) error
}

// ClientGetter loads client records by id.
type ClientGetter interface {
	GetByIDs(ctx context.Context, ids []string) ([]*models.Client, error)
}

// Merger executes a merge over a candidate group.
type Merger interface {
	Execute(ctx context.Context, cache *guardrail.Cache, ids []string, opts merge.ExecuteOptions) (*models.MergeResult, error)
}

// EventSink publishes resolution outcomes for downstream consumers. A nil
// sink disables emission.
type EventSink interface {
	MatchResolved(ctx context.Context, matchID, resolvedClientID, status, strategy string)
}

// Resolver walks the resolution ladder for open match records.
type Resolver struct {
	logger  ectologger.Logger
	store   Store
	clients ClientGetter
	merger  Merger
	events  EventSink
}

// NewResolver creates a match queue resolver.
func NewResolver(logger ectologger.Logger, store Store, clients ClientGetter, merger Merger, events EventSink) *Resolver {
	return &Resolver{logger: logger, store: store, clients: clients, merger: merger, events: events}
}

// Resolve runs the automatic resolution ladder on one record, first
// matching rule wins:
//
//  1. drop candidates that no longer exist or are retired
//  2. none left: resolve to no-match, rejected
//  3. exactly one left: resolve to it
//  4. several left that are duplicates of one person: merge, resolve to winner
//  5. a unique candidate matching the respondent's email and/or name
//  6. otherwise leave needs_review, never guess
//
// The updated record is persisted and returned. With dryRun every decision
// is still made, the ladder's merge runs in dry-run mode and the outcome is
// returned on a copy of the record without any write.
func (r *Resolver) Resolve(ctx context.Context, cache *guardrail.Cache, record *models.MatchRecord, dryRun bool) (*models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchqueue.Resolver.Resolve")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"match_id":   record.ID,
		"candidates": len(record.CandidateIDs),
	})

	if !record.IsOpen() {
		return nil, apperrors.NewConflict("match record %s is already %s", record.ID, record.Status)
	}

	clients, err := r.clients.GetByIDs(ctx, record.CandidateIDs)
	if err != nil {
		return nil, err
	}
	active := make([]*models.Client, 0, len(clients))
	for _, c := range clients {
		if c.IsActive() {
			active = append(active, c)
		}
	}

	if len(active) == 0 {
		log.Info("No active candidates left, resolving to no-match")
		return r.persist(ctx, record, nil, models.MatchStatusRejected, models.ConfidenceNone, "", "no active candidate records remain", dryRun)
	}

	if len(active) == 1 {
		return r.persist(ctx, record, &active[0].ID, models.MatchStatusAutoResolved, models.ConfidenceMedium,
			models.StrategySingleActiveCandidate, fmt.Sprintf("only active candidate %s", active[0].ID), dryRun)
	}

	if identity.AreEquivalent(active) {
		ids := make([]string, 0, len(active))
		for _, c := range active {
			ids = append(ids, c.ID)
		}
		result, err := r.merger.Execute(ctx, cache, ids, merge.ExecuteOptions{
			DryRun: dryRun,
			Actor:  "matchqueue",
			Reason: fmt.Sprintf("duplicate candidates of survey match %s", record.ID),
		})
		if err != nil {
			return nil, err
		}
		log.WithFields(map[string]any{"winner_id": result.WinnerID}).Info("Merged duplicate candidates")
		return r.persist(ctx, record, &result.WinnerID, models.MatchStatusAutoResolved, models.ConfidenceHigh,
			models.StrategyMergedDuplicates, fmt.Sprintf("merged %d duplicates into %s", len(result.MergedIDs), result.WinnerID), dryRun)
	}

	if id, strategy, confidence, ok := matchByContact(record, active); ok {
		return r.persist(ctx, record, &id, models.MatchStatusAutoResolved, confidence, strategy,
			fmt.Sprintf("unique candidate %s via %s", id, strategy), dryRun)
	}

	// Several plausible candidates remain. Leave the record for a human.
	log.Debug("Match remains ambiguous, leaving for review")
	return record, nil
}

// matchByContact tries the respondent's self-reported email and name against
// the active candidates, narrowest rule first. A rule only fires when it
// selects exactly one candidate.
func matchByContact(record *models.MatchRecord, active []*models.Client) (string, string, models.Confidence, bool) {
	email := normalize.Email(record.RespondentEmail)
	nameKey := normalize.FullNameTokenKey(record.RespondentGivenName, record.RespondentFamilyName)

	emailMatch := func(c *models.Client) bool {
		return email != "" && normalize.Email(c.Email) == email
	}
	nameMatch := func(c *models.Client) bool {
		return nameKey != "" && normalize.FullNameTokenKey(c.GivenName, c.FamilyName) == nameKey
	}

	rules := []struct {
		strategy   string
		confidence models.Confidence
		match      func(*models.Client) bool
	}{
		{models.StrategyUniqueEmailAndName, models.ConfidenceHigh, func(c *models.Client) bool { return emailMatch(c) && nameMatch(c) }},
		{models.StrategyUniqueEmail, models.ConfidenceMedium, emailMatch},
		{models.StrategyUniqueName, models.ConfidenceLow, nameMatch},
	}

	for _, rule := range rules {
		var found *models.Client
		unique := true
		for _, c := range active {
			if !rule.match(c) {
				continue
			}
			if found != nil {
				unique = false
				break
			}
			found = c
		}
		if found != nil && unique {
			return found.ID, rule.strategy, rule.confidence, true
		}
	}
	return "", "", models.ConfidenceNone, false
}

// persist stamps the resolution onto the record, saves it and appends a
// history note. A dry run stamps a copy and skips every write, including
// metrics and event emission.
func (r *Resolver) persist(ctx context.Context, record *models.MatchRecord, clientID *string, status models.MatchStatus, confidence models.Confidence, strategy, note string, dryRun bool) (*models.MatchRecord, error) {
	if dryRun {
		preview := *record
		preview.ResolvedClientID = clientID
		preview.Status = status
		preview.Confidence = confidence
		preview.Strategy = strategy
		preview.NeedsReview = false
		return &preview, nil
	}

	record.ResolvedClientID = clientID
	record.Status = status
	record.Confidence = confidence
	record.Strategy = strategy
	record.NeedsReview = false

	updated, err := r.store.Update(ctx, record)
	if err != nil {
		return nil, err
	}
	if err := r.store.AppendNote(ctx, record.ID, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), note)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to append resolution note")
	}

	if strategy == "" {
		strategy = "no_match"
	}
	metrics.MatchesResolved.WithLabelValues(strategy).Inc()

	if r.events != nil {
		resolved := ""
		if clientID != nil {
			resolved = *clientID
		}
		r.events.MatchResolved(ctx, record.ID, resolved, string(status), strategy)
	}
	return updated, nil
}

// ResolveManually approves a match with an operator-chosen client id.
func (r *Resolver) ResolveManually(ctx context.Context, id, clientID, actor string) (*models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchqueue.Resolver.ResolveManually")
	defer span.End()

	record, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.NewNotFound("match record %s not found", id)
	}
	if !record.IsOpen() {
		return nil, apperrors.NewConflict("match record %s is already %s", id, record.Status)
	}

	clients, err := r.clients.GetByIDs(ctx, []string{clientID})
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 || !clients[0].IsActive() {
		return nil, apperrors.NewValidation("client %s is not an active record", clientID)
	}

	return r.persist(ctx, record, &clientID, models.MatchStatusManuallyResolved, models.ConfidenceHigh,
		models.StrategyManual, fmt.Sprintf("resolved to %s by %s", clientID, actor), false)
}

// Reject retires a match record without a resolved client.
func (r *Resolver) Reject(ctx context.Context, id, actor, reason string) (*models.MatchRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "matchqueue.Resolver.Reject")
	defer span.End()

	record, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.NewNotFound("match record %s not found", id)
	}
	if !record.IsOpen() {
		return nil, apperrors.NewConflict("match record %s is already %s", id, record.Status)
	}

	note := fmt.Sprintf("rejected by %s", actor)
	if reason != "" {
		note += ": " + reason
	}
	return r.persist(ctx, record, nil, models.MatchStatusRejected, models.ConfidenceNone, "", note, false)
}
