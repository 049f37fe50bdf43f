// Package normalize turns free-text venue and artist names into comparable
// keys.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Key returns the normalized form of name: diacritics removed, case folded,
// "&" spelled out, apostrophes and dots dropped, all other punctuation and
// symbols treated as whitespace, and whitespace collapsed.
//
// Key is idempotent: Key(Key(x)) == Key(x).
func Key(name string) string {
	s := stripMarks(name)
	s = cases.Fold().String(s)
	s = stripMarks(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '&':
			b.WriteString(" and ")
		case r == '\'' || r == '’' || r == '‘' || r == '.' || r == '`':
			// dropped so "St. John's" and "St Johns" agree
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens splits a normalized key into its words.
func Tokens(key string) []string {
	return strings.Fields(key)
}

// stripMarks decomposes s, removes combining marks and recomposes it.
// Transformers are stateful, so a fresh chain is built per call.
func stripMarks(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
