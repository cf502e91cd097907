package store

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

func DedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
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

// Cosine returns the cosine similarity of a and b, 0 when either is a zero
// vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CheckVectors validates a vector batch against the index info it is about
// to be written under.
func CheckVectors(kind VectorKind, info IndexInfo, model string, vectors []Vector) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: unknown vector kind %q", common.ErrConfiguration, kind)
	}
	if info.Model != "" && model != info.Model {
		return fmt.Errorf("%w: %s index is bound to model %q, got %q; rebuild the index to switch models",
			common.ErrConfiguration, kind, info.Model, model)
	}
	for _, v := range vectors {
		if len(v.Values) == 0 {
			return fmt.Errorf("%w: empty %s vector for %s", common.ErrConfiguration, kind, v.ID)
		}
		if info.Dimension > 0 && len(v.Values) != info.Dimension {
			return fmt.Errorf("%w: %s index has dimension %d, vector %s has %d",
				common.ErrConfiguration, kind, info.Dimension, v.ID, len(v.Values))
		}
	}
	return nil
}

// CheckQuery validates a query vector against the index it searches.
// Vectors of another model live in a different space, so a model mismatch
// is a configuration error even when the dimensions agree.
func CheckQuery(kind VectorKind, info IndexInfo, model string, query []float32) error {
	if model != "" && info.Model != "" && model != info.Model {
		return fmt.Errorf("%w: %s index is bound to model %q, query embedded with %q; rebuild the index to switch models",
			common.ErrConfiguration, kind, info.Model, model)
	}
	if info.Dimension > 0 && info.Dimension != len(query) {
		return fmt.Errorf("%w: %s index has dimension %d, query has %d",
			common.ErrConfiguration, kind, info.Dimension, len(query))
	}
	return nil
}

// BatchInfo derives the index info of a vector batch and checks that all
// vectors share one dimension.
func BatchInfo(kind VectorKind, model string, vectors []Vector) (IndexInfo, error) {
	info := IndexInfo{Model: model}
	for _, v := range vectors {
		if info.Dimension == 0 {
			info.Dimension = len(v.Values)
			continue
		}
		if len(v.Values) != info.Dimension {
			return IndexInfo{}, fmt.Errorf("%w: mixed %s vector dimensions %d and %d",
				common.ErrConfiguration, kind, info.Dimension, len(v.Values))
		}
	}
	return info, nil
}

// SortedUnion merges two id lists into one sorted list without duplicates.
func SortedUnion(a, b []string) []string {
	out := common.MergeStrings(a, b...)
	sort.Strings(out)
	return out
}

// MergeAliases adds names to aliases, skipping the canonical name and
// anything that normalizes to an alias already present.
func MergeAliases(name string, aliases []string, add ...string) []string {
	seen := map[string]struct{}{common.NormalizeName(name): {}}
	out := make([]string, 0, len(aliases)+len(add))
	for _, a := range append(slices.Clone(aliases), add...) {
		a = common.NormalizeValue(a)
		n := common.NormalizeName(a)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Keywords returns the normalized words of a query that are long enough to
// match entity names on.
func Keywords(text string) []string {
	var out []string
	for _, w := range strings.Fields(common.NormalizeName(text)) {
		if len([]rune(w)) >= 2 {
			out = append(out, w)
		}
	}
	return out
}

// NameScore rates how well an entity name matches query keywords: 1 when
// the full normalized name or an alias occurs in the query, otherwise the
// share of name words found among the keywords.
func NameScore(words []string, e common.Entity) float64 {
	if len(words) == 0 {
		return 0
	}
	normQuery := " " + strings.Join(words, " ") + " "
	inQuery := make(map[string]struct{}, len(words))
	for _, w := range words {
		inQuery[w] = struct{}{}
	}

	best := 0.0
	for _, name := range append([]string{e.Name}, e.Aliases...) {
		n := common.NormalizeName(name)
		if n == "" {
			continue
		}
		if strings.Contains(normQuery, " "+n+" ") {
			return 1
		}
		parts := strings.Fields(n)
		found := 0
		for _, p := range parts {
			if _, ok := inQuery[p]; ok {
				found++
			}
		}
		best = max(best, float64(found)/float64(len(parts)))
	}
	return best
}

// RankByName orders scored entities best first, breaking ties by
// provenance size and id, and cuts the result to limit when positive.
func RankByName(ents []common.Entity, scores map[string]float64, limit int) []common.Entity {
	sort.SliceStable(ents, func(i, j int) bool {
		si, sj := scores[ents[i].ID], scores[ents[j].ID]
		if si != sj {
			return si > sj
		}
		if len(ents[i].ChunkIDs) != len(ents[j].ChunkIDs) {
			return len(ents[i].ChunkIDs) > len(ents[j].ChunkIDs)
		}
		return ents[i].ID < ents[j].ID
	})
	if limit > 0 && len(ents) > limit {
		ents = ents[:limit]
	}
	return ents
}
