// Package normalize provides field normalization and Italian accent-repair
// utilities used by duplicate detection and survey match resolution.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("text", Text)
	Register("email", Email)
	Register("phone_digits", PhoneDigits)
	Register("loose", Loose)
	Register("repair_accents", RepairApostropheAccents)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Text lower-cases, strips diacritics, keeps only [a-z0-9 ], collapses
// whitespace and trims. "Bonfà  MARIA" becomes "bonfa maria".
func Text(s string) string {
	s = strings.ToLower(s)
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	var result strings.Builder
	prevSpace := true
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			result.WriteRune(r)
			prevSpace = false
		case !prevSpace:
			result.WriteRune(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(result.String())
}

// Email normalizes an email address (trim, lowercase)
func Email(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// PhoneDigits strips everything but digits from a phone number
func PhoneDigits(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Loose trims and lower-cases, keeping punctuation. Used for notes
// comparison where punctuation carries meaning.
func Loose(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TokenizeName normalizes a name and splits it into tokens, dropping
// single-character fragments left over from initials and punctuation.
func TokenizeName(s string) []string {
	var tokens []string
	for _, tok := range strings.Fields(Text(s)) {
		if len(tok) > 1 {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// FullNameTokenKey builds an order-invariant canonical key for a full name.
// "Maria Bonfà" and "BONFA', Maria" produce the same key.
func FullNameTokenKey(given, family string) string {
	tokens := TokenizeName(given + " " + family)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// accentedVowels maps the Italian accented vowels, both cases.
const accentedVowels = "àèéìòùÀÈÉÌÒÙ"

// HasAccentedVowel reports whether the string contains an Italian
// accented vowel in either case.
func HasAccentedVowel(s string) bool {
	return strings.ContainsAny(s, accentedVowels)
}

// apostropheRepairs maps a trailing vowel+apostrophe to its accented form.
// Italian surnames typed on ASCII keyboards end up as "Bonfa'"; the grave
// accent is the conventional reading for every vowel except e, which is
// left grave as well since the acute form cannot be inferred.
var apostropheRepairs = map[rune]rune{
	'a': 'à', 'e': 'è', 'i': 'ì', 'o': 'ò', 'u': 'ù',
	'A': 'À', 'E': 'È', 'I': 'Ì', 'O': 'Ò', 'U': 'Ù',
}

func isApostrophe(r rune) bool {
	return r == '\'' || r == '’'
}

// RepairApostropheAccents rewrites a vowel immediately followed by an
// apostrophe into the accented vowel, but only when the pair sits at the
// end of a word ("Bonfa'" -> "Bonfà", "Niccolo' Rossi" -> "Niccolò Rossi").
// Mid-word apostrophes ("D'Angelo", "dell'orto") are left alone.
func RepairApostropheAccents(s string) string {
	runes := []rune(s)
	var result []rune
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		accented, isVowel := apostropheRepairs[r]
		if !isVowel || i+1 >= len(runes) || !isApostrophe(runes[i+1]) {
			result = append(result, r)
			continue
		}
		// The apostrophe must end the word: followed by whitespace,
		// punctuation, or end of string.
		if i+2 < len(runes) {
			next := runes[i+2]
			if !unicode.IsSpace(next) && !unicode.IsPunct(next) {
				result = append(result, r)
				continue
			}
		}
		result = append(result, accented)
		i++ // consume the apostrophe
	}
	return string(result)
}
