package identity

import (
	"github.com/OtticaBianchi/gestionale-sub002/pkg/models"
	"github.com/OtticaBianchi/gestionale-sub002/pkg/normalize"
)

// PreferredSurname picks the best spelling of the family name to keep on the
// winner. A surname that already carries an accented vowel wins verbatim;
// failing that, the first candidate whose apostrophe form repairs into an
// accent ("Bonfa'" becoming "Bonfà"); failing that, the winner's own surname
// run through the repair, which leaves it unchanged when nothing applies.
func PreferredSurname(winner *models.Client, candidates []*models.Client) string {
	for _, c := range candidates {
		if normalize.HasAccentedVowel(c.FamilyName) {
			return c.FamilyName
		}
	}

	for _, c := range candidates {
		repaired := normalize.RepairApostropheAccents(c.FamilyName)
		if normalize.HasAccentedVowel(repaired) {
			return repaired
		}
	}

	return normalize.RepairApostropheAccents(winner.FamilyName)
}
