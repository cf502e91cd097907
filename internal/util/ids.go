package util

import (
	"regexp"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns a random lower-case id with the given prefix.
func NewID(prefix string) string {
	id, err := gonanoid.Generate(idAlphabet, 16)
	if err != nil {
		// Generate only fails for invalid alphabets or sizes.
		panic(err)
	}
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// Citation is a reference marker found in a generated answer, such as
// [[c:doc1-0]]. Kind is the single letter before the colon.
type Citation struct {
	Kind string
	ID   string
}

var (
	reBoldCitation = regexp.MustCompile(`\*\*\s*(\[\[[a-z]:[^][]+\]\])\s*\*\*`)
	reSingleMarker = regexp.MustCompile(`(^|[^[])\[([a-z]):([^][]+)\]([^](]|$)`)
	reCitation     = regexp.MustCompile(`\[\[([a-z]):([^][]+)\]\]`)
	reCitationSep  = regexp.MustCompile(`\]\][\t ]+\[\[`)
)

// NormalizeCitations repairs the marker variants models tend to produce:
// bold-wrapped markers, single brackets and repeated adjacent markers.
func NormalizeCitations(s string) string {
	s = reBoldCitation.ReplaceAllString(s, "$1")
	s = reSingleMarker.ReplaceAllString(s, "$1[[$2:$3]]$4")
	s = dedupeAdjacentCitations(s)
	return reCitationSep.ReplaceAllString(s, "]] [[")
}

// ExtractCitations returns the distinct markers of s in order of appearance.
func ExtractCitations(s string) []Citation {
	matches := reCitation.FindAllStringSubmatch(s, -1)
	seen := make(map[Citation]struct{}, len(matches))
	out := make([]Citation, 0, len(matches))
	for _, m := range matches {
		c := Citation{Kind: m[1], ID: strings.TrimSpace(m[2])}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// StripCitations removes markers whose id is not accepted by keep.
func StripCitations(s string, keep func(Citation) bool) string {
	return reCitation.ReplaceAllStringFunc(s, func(marker string) string {
		m := reCitation.FindStringSubmatch(marker)
		if keep(Citation{Kind: m[1], ID: strings.TrimSpace(m[2])}) {
			return marker
		}
		return ""
	})
}

func dedupeAdjacentCitations(s string) string {
	matches := reCitation.FindAllStringIndex(s, -1)
	if len(matches) < 2 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	cursor := 0
	prevEnd := -1
	prevMarker := ""
	for _, m := range matches {
		marker := s[m[0]:m[1]]
		if prevEnd >= 0 && marker == prevMarker && strings.TrimSpace(s[prevEnd:m[0]]) == "" {
			cursor = m[1]
			prevEnd = m[1]
			continue
		}
		b.WriteString(s[cursor:m[1]])
		cursor = m[1]
		prevEnd = m[1]
		prevMarker = marker
	}
	b.WriteString(s[cursor:])
	return b.String()
}
