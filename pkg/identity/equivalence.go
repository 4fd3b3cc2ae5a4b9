// Package identity decides whether candidate client records denote the same
// person, ranks them to pick the surviving record, and selects the best
// spelling of the surname to keep.
package identity

import (
	"strings"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/normalize"
)

// fieldAgrees reports whether all non-empty values in the slice are the same.
// Absent values never block agreement.
func fieldAgrees(values []string) bool {
	seen := ""
	for _, v := range values {
		if v == "" {
			continue
		}
		if seen == "" {
			seen = v
			continue
		}
		if v != seen {
			return false
		}
	}
	return true
}

// distinctNonEmpty counts the distinct non-empty values in the slice.
func distinctNonEmpty(values []string) int {
	set := make(map[string]struct{})
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return len(set)
}

// AreEquivalent reports whether the given records are identity-equivalent
// duplicates of one real person. The rule is an agree-or-absent conjunction:
// every populated field must agree across members, and at least one of email
// or full-name key must be populated somewhere. A single disagreement on any
// populated field disqualifies the group; merges never happen over a field
// conflict.
func AreEquivalent(clients []*models.Client) bool {
	if len(clients) < 2 {
		return false
	}

	emails := make([]string, 0, len(clients))
	nameKeys := make([]string, 0, len(clients))
	phones := make([]string, 0, len(clients))
	birthDates := make([]string, 0, len(clients))
	notes := make([]string, 0, len(clients))
	for _, c := range clients {
		emails = append(emails, normalize.Email(c.Email))
		nameKeys = append(nameKeys, normalize.FullNameTokenKey(c.GivenName, c.FamilyName))
		phones = append(phones, normalize.PhoneDigits(c.Phone))
		birthDates = append(birthDates, strings.TrimSpace(c.BirthDate))
		notes = append(notes, normalize.Loose(c.Notes))
	}

	// Email and name key must each have exactly one distinct value: at
	// least one record carries it and none disagree.
	if distinctNonEmpty(emails) != 1 || distinctNonEmpty(nameKeys) != 1 {
		return false
	}

	return fieldAgrees(phones) && fieldAgrees(birthDates) && fieldAgrees(notes)
}
