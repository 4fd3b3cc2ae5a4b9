package models

import (
	"time"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/database"
)

// ClientPatch lists the field backfills a merge would copy from a loser
// onto the winner. Only fields the winner is missing are ever patched.
type ClientPatch struct {
	GivenName  *string `json:"given_name,omitempty"`
	FamilyName *string `json:"family_name,omitempty"`
	Email      *string `json:"email,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	BirthDate  *string `json:"birth_date,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// IsEmpty reports whether the patch would change nothing.
func (p *ClientPatch) IsEmpty() bool {
	return p.GivenName == nil && p.FamilyName == nil && p.Email == nil &&
		p.Phone == nil && p.BirthDate == nil && p.Notes == nil
}

// MergeConflict explains why a proposed merge cannot proceed as-is.
// Hard conflicts can never be forced through.
type MergeConflict struct {
	LoserID string         `json:"loser_id"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
	Hard    bool           `json:"hard"`
}

// MergeProposal is the dry-run picture of a merge: the chosen winner,
// the field backfill, and anything standing in the way.
type MergeProposal struct {
	WinnerID   string          `json:"winner_id"`
	LoserIDs   []string        `json:"loser_ids"`
	SkippedIDs []string        `json:"skipped_ids,omitempty"`
	Patch      ClientPatch     `json:"patch"`
	Surname    string          `json:"surname"`
	Conflicts  []MergeConflict `json:"conflicts,omitempty"`
	Degraded   bool            `json:"degraded"`
}

// Blocked reports whether any conflict prevents execution without force.
func (p *MergeProposal) Blocked() bool {
	return len(p.Conflicts) > 0
}

// HardBlocked reports whether a conflict remains even under force.
func (p *MergeProposal) HardBlocked() bool {
	for _, c := range p.Conflicts {
		if c.Hard {
			return true
		}
	}
	return false
}

// MergeResult summarizes an executed merge.
type MergeResult struct {
	WinnerID    string   `json:"winner_id"`
	MergedIDs   []string `json:"merged_ids"`
	SkippedIDs  []string `json:"skipped_ids,omitempty"`
	Repointed   int      `json:"repointed"`
	Patched     bool     `json:"patched"`
	DryRun      bool     `json:"dry_run"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// AuditEntry records one merge action. Audit writes are best-effort and
// never fail the merge itself.
type AuditEntry struct {
	ID        string        `json:"id" db:"id"`
	Action    string        `json:"action" db:"action"`
	WinnerID  string        `json:"winner_id" db:"winner_id"`
	LoserID   string        `json:"loser_id" db:"loser_id"`
	Actor     string        `json:"actor" db:"actor"`
	Reason    string        `json:"reason" db:"reason"`
	Before    database.JSONB[*Client] `json:"before" db:"before_state"`
	After     database.JSONB[*Client] `json:"after" db:"after_state"`
	CreatedAt time.Time               `json:"created_at" db:"created_at"`
}
