// Package textnorm folds text for accent- and case-insensitive comparison.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// StripAccents removes combining marks, keeping case ("Período" -> "Periodo").
func StripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Fold lowercases, strips accents and collapses whitespace.
func Fold(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(StripAccents(s))), " ")
}
