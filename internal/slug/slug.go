// Package slug derives URL-safe names from loop titles.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const fallback = "loop"

// Make lowercases title, folds accented letters to their base form and joins
// the remaining alphanumeric runs with hyphens.
func Make(title string) string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, title)
	if err != nil {
		folded = title
	}

	var builder strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if pendingHyphen && builder.Len() > 0 {
				builder.WriteByte('-')
			}
			pendingHyphen = false
			builder.WriteRune(r)
		case r == '&':
			if builder.Len() > 0 {
				builder.WriteString("-and")
			} else {
				builder.WriteString("and")
			}
			pendingHyphen = true
		default:
			pendingHyphen = true
		}
	}
	if builder.Len() == 0 {
		return fallback
	}
	return builder.String()
}
