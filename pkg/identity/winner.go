package identity

import (
	"sort"

	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/normalize"
)

// Ranked pairs a client record with its count of undeleted business rows
// (open orders and the like) for winner selection.
type Ranked struct {
	Client         *models.Client
	DependentCount int
}

// rankLess is the strict total order over merge candidates. Records with
// more live dependents win; accented surnames beat their ASCII-typed twins;
// older records beat newer ones with missing created_at sorting last; the
// id breaks any remaining tie so the order never depends on input order.
func rankLess(a, b Ranked) bool {
	if a.DependentCount != b.DependentCount {
		return a.DependentCount > b.DependentCount
	}

	aAccent := normalize.HasAccentedVowel(a.Client.FamilyName)
	bAccent := normalize.HasAccentedVowel(b.Client.FamilyName)
	if aAccent != bAccent {
		return aAccent
	}

	aZero := a.Client.CreatedAt.IsZero()
	bZero := b.Client.CreatedAt.IsZero()
	switch {
	case aZero != bZero:
		return bZero
	case !aZero && !a.Client.CreatedAt.Equal(b.Client.CreatedAt):
		return a.Client.CreatedAt.Before(b.Client.CreatedAt)
	}

	return a.Client.ID < b.Client.ID
}

// SelectWinner sorts the candidates into rank order and returns the winner
// and the rest as losers. The input slice is not modified. Callers must
// pass at least one candidate.
func SelectWinner(candidates []Ranked) (winner Ranked, losers []Ranked) {
	ordered := make([]Ranked, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return rankLess(ordered[i], ordered[j])
	})
	return ordered[0], ordered[1:]
}
