// Package normalize implements spec.md §4.8's dedup-key normalization
// and release-date coercion, grounded on the pack's
// ManuGH-xg2g/internal/epg/xmltv.go normalize() (NFC-then-lowercase,
// repeated-suffix stripping) for the Unicode handling approach via
// golang.org/x/text/unicode/norm.
package normalize

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

var (
	parenOrBracket  = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)
	featuring       = regexp.MustCompile(`(?i)\b(feat\.?|ft\.?)\b.*$`)
	nonWordNonSpace = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	collapseSpace   = regexp.MustCompile(`\s+`)
)

// TrackName implements spec.md §4.8's normalization recipe for track
// dedup keys: lowercase, strip parenthesized/bracketed substrings,
// drop feat./ft. credits, remove non-word non-space characters,
// collapse whitespace. Accents are preserved (NFC composed form, not
// stripped), matching the spec's "accent-preserving" requirement.
func TrackName(name string) string {
	s := norm.NFC.String(name)
	s = strings.ToLower(strings.TrimSpace(s))
	s = featuring.ReplaceAllString(s, "")
	s = parenOrBracket.ReplaceAllString(s, "")
	s = nonWordNonSpace.ReplaceAllString(s, "")
	s = collapseSpace.ReplaceAllString(s, " ")
	s = norm.NFC.String(s)
	return strings.TrimSpace(s)
}

// ProducerName normalizes a producer's display name to its dedup key,
// the same recipe as TrackName minus the feat./ft. stripping (producer
// credits don't carry that suffix convention).
func ProducerName(name string) string {
	s := norm.NFC.String(name)
	s = strings.ToLower(strings.TrimSpace(s))
	s = parenOrBracket.ReplaceAllString(s, "")
	s = nonWordNonSpace.ReplaceAllString(s, "")
	s = collapseSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ReleaseDate coerces Spotify's release_date + release_date_precision
// shape (YYYY, YYYY-MM, or YYYY-MM-DD) into a time.Time, per spec.md
// §3's Album invariant ("dates coerced from YYYY, YYYY-MM,
// YYYY-MM-DD"). Returns nil, without error, when the value cannot be
// parsed under any of the three layouts.
func ReleaseDate(value string) *time.Time {
	layouts := []string{"2006-01-02", "2006-01", "2006"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}
