package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// NormalizeValue collapses whitespace and trims a raw model value.
func NormalizeValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return strings.Join(strings.Fields(value), " ")
}

// NormalizeName folds a name into the form used for matching: upper case,
// punctuation dropped, whitespace collapsed. "Acme Corp." and "ACME  corp"
// normalize to the same value. '+' and '#' are kept, "C++" and "C#" are
// different names.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	space := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '+' || r == '#':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToUpper(r))
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/':
			space = true
		}
	}
	return b.String()
}

// NormalizeType upper-cases a type label and joins words with underscores.
func NormalizeType(value string) string {
	value = strings.ToUpper(NormalizeValue(value))
	return strings.ReplaceAll(value, " ", "_")
}

// EntityKey is the natural key of an entity.
func EntityKey(name, typ string) string {
	return NormalizeName(name) + "|" + NormalizeType(typ)
}

// RelationshipKey is the natural key of a relationship between two entity ids.
func RelationshipKey(sourceID, typ, targetID string) string {
	return sourceID + "|" + NormalizeType(typ) + "|" + targetID
}

// EntityID derives a stable id from the entity natural key.
func EntityID(name, typ string) string {
	return "ent_" + shortHash(EntityKey(name, typ))
}

// RelationshipID derives a stable id from the relationship natural key.
func RelationshipID(sourceID, typ, targetID string) string {
	return "rel_" + shortHash(RelationshipKey(sourceID, typ, targetID))
}

// ChunkID returns the id of the chunk at position seq of a document.
func ChunkID(documentID string, seq int) string {
	return fmt.Sprintf("%s-%d", documentID, seq)
}

func shortHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:12])
}

// MergeStrings appends the values of add that are not yet in base, keeping
// the order of first appearance.
func MergeStrings(base []string, add ...string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, v := range append(append([]string{}, base...), add...) {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// MergeDescriptions joins distinct non-empty descriptions.
func MergeDescriptions(base string, add ...string) string {
	parts := []string{}
	if base != "" {
		parts = strings.Split(base, "\n")
	}
	for _, d := range add {
		d = NormalizeValue(d)
		if d == "" {
			continue
		}
		dup := false
		for _, p := range parts {
			if strings.EqualFold(p, d) {
				dup = true
				break
			}
		}
		if !dup {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, "\n")
}

// DocumentID derives a stable document id from its source reference, so
// ingesting the same source twice lands on the same document.
func DocumentID(sourceURI string) string {
	return "doc_" + shortHash(strings.TrimSpace(sourceURI))
}
