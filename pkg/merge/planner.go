package merge

import (
	"context"

	apperrors "github.com/OtticaBianchi/gestionale-sub002/pkg/errors"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/guardrail"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/identity"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/tracing"
)

// Conflict codes reported on a proposal.
const (
	ConflictNotEquivalent      = "not_equivalent"
	ConflictLoserRetired       = "loser_retired"
	ConflictExternalReferences = "external_references"
)

// Proposal is a merge plan plus the loaded records it was computed from.
// Plans are always recomputed at execute time; the loaded records only
// serve the executing run.
type Proposal struct {
	models.MergeProposal
	winner     *models.Client
	losersByID map[string]*models.Client
}

// Propose computes the merge plan for the given candidate ids without
// writing anything: the winner, the field backfill, the preferred surname
// and every conflict that would block execution.
func (e *Engine) Propose(ctx context.Context, cache *guardrail.Cache, ids []string) (*Proposal, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Engine.Propose")
	defer span.End()

	if len(ids) < 2 {
		return nil, apperrors.NewValidation("a merge needs at least two candidate ids, got %d", len(ids))
	}

	clients, err := e.clients.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Client, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, apperrors.NewNotFound("client %s not found", id)
		}
	}

	active := make([]*models.Client, 0, len(clients))
	retired := make([]*models.Client, 0)
	for _, c := range clients {
		if c.IsActive() {
			active = append(active, c)
		} else {
			retired = append(retired, c)
		}
	}
	if len(active) == 0 {
		return nil, apperrors.NewConflict("no active client left among candidates")
	}

	ranked := make([]identity.Ranked, 0, len(active))
	for _, c := range active {
		count, err := e.dependents.CountActiveDependents(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, identity.Ranked{Client: c, DependentCount: count})
	}
	winner, losers := identity.SelectWinner(ranked)

	plan := &Proposal{
		winner:     winner.Client,
		losersByID: make(map[string]*models.Client, len(losers)),
	}
	plan.WinnerID = winner.Client.ID
	plan.Surname = identity.PreferredSurname(winner.Client, active)
	plan.Patch = buildPatch(winner.Client, losers, plan.Surname)

	// A single remaining active record means the group already collapsed
	// into the winner; re-running the merge must stay a clean no-op.
	if len(active) >= 2 && !identity.AreEquivalent(active) {
		plan.Conflicts = append(plan.Conflicts, models.MergeConflict{
			Code:    ConflictNotEquivalent,
			Message: "candidates are not identity-equivalent duplicates",
		})
	}

	// Retired candidates are no-ops when they already point at the winner,
	// hard conflicts otherwise: a record merged elsewhere or rejected can
	// never be merged again.
	for _, c := range retired {
		if c.Status == models.ClientStatusMerged && c.MergedInto != nil && *c.MergedInto == plan.WinnerID {
			plan.SkippedIDs = append(plan.SkippedIDs, c.ID)
			continue
		}
		plan.Conflicts = append(plan.Conflicts, models.MergeConflict{
			LoserID: c.ID,
			Code:    ConflictLoserRetired,
			Message: "client is already retired and cannot be merged",
			Meta:    map[string]any{"status": string(c.Status)},
			Hard:    true,
		})
	}

	for _, l := range losers {
		plan.LoserIDs = append(plan.LoserIDs, l.Client.ID)
		plan.losersByID[l.Client.ID] = l.Client

		report, err := e.guard.Check(ctx, cache, l.Client.ID)
		if err != nil {
			return nil, err
		}
		if report.Degraded {
			plan.Degraded = true
		}
		if !report.Allowed {
			for _, c := range report.Conflicts {
				plan.Conflicts = append(plan.Conflicts, models.MergeConflict{
					LoserID: l.Client.ID,
					Code:    ConflictExternalReferences,
					Message: "unhandled table still references this client",
					Meta:    map[string]any{"table": c.Table, "count": c.Count, "error": c.Error},
					Hard:    true,
				})
			}
		}
	}

	return plan, nil
}

// buildPatch copies loser fields into currently-empty winner fields, never
// overwriting populated ones. Losers are visited in rank order so the best
// loser's value wins when several could fill the same gap. The surname is
// patched only when the preferred spelling differs from the current one.
func buildPatch(winner *models.Client, losers []identity.Ranked, surname string) models.ClientPatch {
	var patch models.ClientPatch

	email, phone, birthDate, notes := winner.Email, winner.Phone, winner.BirthDate, winner.Notes
	for _, l := range losers {
		c := l.Client
		if email == "" && c.Email != "" {
			email = c.Email
			patch.Email = &c.Email
		}
		if phone == "" && c.Phone != "" {
			phone = c.Phone
			patch.Phone = &c.Phone
		}
		if birthDate == "" && c.BirthDate != "" {
			birthDate = c.BirthDate
			patch.BirthDate = &c.BirthDate
		}
		if notes == "" && c.Notes != "" {
			notes = c.Notes
			patch.Notes = &c.Notes
		}
	}

	if surname != "" && surname != winner.FamilyName {
		patch.FamilyName = &surname
	}

	return patch
}
