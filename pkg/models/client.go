package models

import (
	"strings"
	"time"
)

// ClientStatus is the merge lifecycle of a client record. A record leaves
// "active" exactly once; merged and rejected records never become merge
// targets again.
type ClientStatus string

const (
	// ClientStatusActive marks a live record
	ClientStatusActive ClientStatus = "active"
	// ClientStatusMerged marks a record collapsed into a surviving client
	ClientStatusMerged ClientStatus = "merged"
	// ClientStatusRejected marks a record retired by hand without a survivor
	ClientStatusRejected ClientStatus = "rejected"
)

// Client is a customer contact record. birth_date is stored as a plain
// YYYY-MM-DD string; intake never guarantees it is present.
type Client struct {
	ID         string       `json:"id" db:"id"`
	GivenName  string       `json:"given_name" db:"given_name"`
	FamilyName string       `json:"family_name" db:"family_name"`
	Email      string       `json:"email" db:"email"`
	Phone      string       `json:"phone" db:"phone"`
	BirthDate  string       `json:"birth_date" db:"birth_date"`
	Notes      string       `json:"notes" db:"notes"`
	Status     ClientStatus `json:"status" db:"status"`
	MergedInto *string      `json:"merged_into,omitempty" db:"merged_into"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
	DeletedAt  *time.Time   `json:"deleted_at,omitempty" db:"deleted_at"`
	DeletedBy  *string      `json:"deleted_by,omitempty" db:"deleted_by"`
}

// IsActive reports whether the record can still win or lose a merge.
func (c *Client) IsActive() bool {
	return c.Status == ClientStatusActive && c.DeletedAt == nil
}

// FullName returns the display name for logs and audit entries.
func (c *Client) FullName() string {
	return strings.TrimSpace(c.GivenName + " " + c.FamilyName)
}

// CandidateReason tags why a group of records is suspected to be duplicates.
type CandidateReason string

const (
	ReasonContactMatch CandidateReason = "contact_match"
	ReasonNameMatch    CandidateReason = "name_match"
	ReasonEmptyRecord  CandidateReason = "empty_record"
)

// CandidateGroup is a set of client ids suspected to denote one person.
type CandidateGroup struct {
	ClientIDs []string          `json:"client_ids"`
	Reasons   []CandidateReason `json:"reasons"`
}
