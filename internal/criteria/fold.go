package criteria

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold strips diacritics and lower-cases s so that "Épaule" and "epaule"
// compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// ContainsAny reports whether the folded text contains one of the folded terms
func ContainsAny(text string, foldedTerms []string) bool {
	folded := Fold(text)
	for _, term := range foldedTerms {
		if strings.Contains(folded, term) {
			return true
		}
	}
	return false
}
