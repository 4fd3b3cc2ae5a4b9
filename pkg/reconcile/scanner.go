// Package reconcile runs the batch duplicate sweep: it scans active clients
// for candidate groups, merges the ones that are provably the same person
// and re-resolves the open survey match queue.
package reconcile

import (
	"sort"
	"strings"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/normalize"
)

// isEmptyRecord reports whether a client carries nothing beyond its name.
// Empty shells come from survey imports and partial intakes.
func isEmptyRecord(c *models.Client) bool {
	return c.Email == "" && c.Phone == "" && c.BirthDate == "" && c.Notes == ""
}

// ScanGroups builds candidate groups from the given active clients. Records
// sharing a normalized email or phone are contact matches; records sharing a
// full-name token key are name matches, tagged as empty-record groups when
// a bare shell is involved. Groups with identical membership are deduped.
func ScanGroups(clients []*models.Client) []models.CandidateGroup {
	type bucket struct {
		ids     map[string]bool
		reasons map[models.CandidateReason]bool
	}
	buckets := make(map[string]*bucket)

	add := func(key string, reason models.CandidateReason, id string) {
		if key == "" {
			return
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{ids: map[string]bool{}, reasons: map[models.CandidateReason]bool{}}
			buckets[key] = b
		}
		b.ids[id] = true
		b.reasons[reason] = true
	}

	for _, c := range clients {
		if email := normalize.Email(c.Email); email != "" {
			add("email:"+email, models.ReasonContactMatch, c.ID)
		}
		if phone := normalize.PhoneDigits(c.Phone); phone != "" {
			add("phone:"+phone, models.ReasonContactMatch, c.ID)
		}
		if key := normalize.FullNameTokenKey(c.GivenName, c.FamilyName); key != "" {
			reason := models.ReasonNameMatch
			if isEmptyRecord(c) {
				reason = models.ReasonEmptyRecord
			}
			add("name:"+key, reason, c.ID)
		}
	}

	// Buckets with identical membership collapse into one group carrying
	// the union of their reasons.
	merged := make(map[string]*bucket)
	for _, b := range buckets {
		if len(b.ids) < 2 {
			continue
		}

		ids := make([]string, 0, len(b.ids))
		for id := range b.ids {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		membership := strings.Join(ids, ",")

		if existing, ok := merged[membership]; ok {
			for r := range b.reasons {
				existing.reasons[r] = true
			}
			continue
		}
		merged[membership] = b
	}

	var groups []models.CandidateGroup
	for _, b := range merged {
		ids := make([]string, 0, len(b.ids))
		for id := range b.ids {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		reasons := make([]models.CandidateReason, 0, len(b.reasons))
		for r := range b.reasons {
			reasons = append(reasons, r)
		}
		sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

		groups = append(groups, models.CandidateGroup{ClientIDs: ids, Reasons: reasons})
	}

	// Deterministic output order for stable logs and tests.
	sort.Slice(groups, func(i, j int) bool {
		return strings.Join(groups[i].ClientIDs, ",") < strings.Join(groups[j].ClientIDs, ",")
	})
	return groups
}
