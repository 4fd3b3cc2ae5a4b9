package models

import (
	"time"

	"github.com/lib/pq"
)

// MatchStatus is the resolution lifecycle of a survey match record.
type MatchStatus string

const (
	MatchStatusNeedsReview      MatchStatus = "needs_review"
	MatchStatusAutoResolved     MatchStatus = "auto_resolved"
	MatchStatusManuallyResolved MatchStatus = "manually_resolved"
	MatchStatusRejected         MatchStatus = "rejected"
)

// Confidence grades how sure the resolver is about a match.
type Confidence string

const (
	ConfidenceNone   Confidence = "none"
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Resolution strategy tags, stamped on a record when a rule fires.
const (
	StrategySingleActiveCandidate = "single_active_candidate"
	StrategyMergedDuplicates      = "merged_duplicates"
	StrategyUniqueEmailAndName    = "unique_by_email_and_name"
	StrategyUniqueEmail           = "unique_by_email"
	StrategyUniqueName            = "unique_by_name"
	StrategyManual                = "manual"
)

// MatchRecord links an anonymous survey response to the client records it
// might belong to. Candidate ids are kept as stored even after the clients
// behind them are merged away; the resolver re-maps them on each pass.
type MatchRecord struct {
	ID                   string         `json:"id" db:"id"`
	CandidateIDs         pq.StringArray `json:"candidate_ids" db:"candidate_ids"`
	ResolvedClientID     *string        `json:"resolved_client_id,omitempty" db:"resolved_client_id"`
	Status               MatchStatus    `json:"status" db:"status"`
	Confidence           Confidence     `json:"confidence" db:"confidence"`
	Strategy             string         `json:"strategy" db:"strategy"`
	NeedsReview          bool           `json:"needs_review" db:"needs_review"`
	RespondentGivenName  string         `json:"respondent_given_name" db:"respondent_given_name"`
	RespondentFamilyName string         `json:"respondent_family_name" db:"respondent_family_name"`
	RespondentEmail      string         `json:"respondent_email" db:"respondent_email"`
	Notes                string         `json:"notes" db:"notes"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}

// IsOpen reports whether the record still awaits a resolution.
func (m *MatchRecord) IsOpen() bool {
	return m.Status == MatchStatusNeedsReview
}
