package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

// DedupeParams tunes duplicate resolution. A pair is a duplicate only when
// both the cosine similarity and the name distance pass.
type DedupeParams struct {
	ScoreThreshold    float64
	DistanceThreshold int
	// K is the number of neighbours inspected per entity.
	K             int
	MaxIterations int
}

func (p DedupeParams) withDefaults() DedupeParams {
	if p.ScoreThreshold <= 0 {
		p.ScoreThreshold = 0.97
	}
	if p.DistanceThreshold < 0 {
		p.DistanceThreshold = 0
	} else if p.DistanceThreshold == 0 {
		p.DistanceThreshold = 3
	}
	if p.K <= 0 {
		p.K = 10
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = 5
	}
	return p
}

// DedupeResult reports what a resolution pass did.
type DedupeResult struct {
	Iterations int `json:"iterations"`
	Clusters   int `json:"clusters"`
	Merged     int `json:"merged"`
	Conflicts  int `json:"conflicts"`
}

// legalForms are trailing name tokens that do not distinguish organizations.
var legalForms = map[string]struct{}{
	"AG": {}, "CO": {}, "COMPANY": {}, "CORP": {}, "CORPORATION": {},
	"GMBH": {}, "INC": {}, "INCORPORATED": {}, "LIMITED": {}, "LLC": {},
	"LLP": {}, "LTD": {}, "PLC": {}, "SA": {}, "SE": {},
}

// DedupeName is the form names are compared in: normalized, with trailing
// legal-form tokens removed unless nothing else is left.
func DedupeName(name string) string {
	parts := strings.Fields(common.NormalizeName(name))
	end := len(parts)
	for end > 1 {
		if _, ok := legalForms[parts[end-1]]; !ok {
			break
		}
		end--
	}
	return strings.Join(parts[:end], " ")
}

// NameDistance is the smallest edit distance between any name or alias of a
// and any name or alias of b.
func NameDistance(a, b common.Entity) int {
	best := -1
	for _, x := range append([]string{a.Name}, a.Aliases...) {
		for _, y := range append([]string{b.Name}, b.Aliases...) {
			d := util.Levenshtein(DedupeName(x), DedupeName(y))
			if best < 0 || d < best {
				best = d
			}
		}
	}
	return best
}

// IsDuplicate applies both duplicate criteria to a pair.
func (p DedupeParams) IsDuplicate(a, b common.Entity, score float64) bool {
	if common.NormalizeType(a.Type) != common.NormalizeType(b.Type) {
		return false
	}
	return score >= p.ScoreThreshold && NameDistance(a, b) <= p.DistanceThreshold
}

// Representative picks the surviving entity of a cluster: the one with the
// most provenance chunks, then the earliest created, then the smallest id.
func Representative(cluster []common.Entity) common.Entity {
	best := cluster[0]
	for _, e := range cluster[1:] {
		switch {
		case len(e.ChunkIDs) != len(best.ChunkIDs):
			if len(e.ChunkIDs) > len(best.ChunkIDs) {
				best = e
			}
		case !e.CreatedAt.Equal(best.CreatedAt):
			if e.CreatedAt.Before(best.CreatedAt) {
				best = e
			}
		case e.ID < best.ID:
			best = e
		}
	}
	return best
}

type unionFind map[string]string

func (u unionFind) find(x string) string {
	for {
		p, ok := u[x]
		if !ok || p == x {
			return x
		}
		u[x] = u[p]
		x = p
	}
}

func (u unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u[rb] = ra
	u[ra] = ra
}

// ResolveDuplicates merges live entities that are duplicates of each other.
// Candidates come from a nearest-neighbour search within the same type;
// overlapping pairs are joined transitively into clusters, and each cluster
// is merged in its own store transaction. The pass repeats until no cluster
// is found or the iteration limit is reached.
func (g *GraphClient) ResolveDuplicates(ctx context.Context) (DedupeResult, error) {
	var result DedupeResult
	p := g.dedupe
	if !g.embedEntities {
		return result, fmt.Errorf("%w: duplicate resolution needs entity embeddings, which are disabled", common.ErrConfiguration)
	}

	for result.Iterations < p.MaxIterations {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Iterations++

		clusters, err := g.findClusters(ctx)
		if err != nil {
			return result, err
		}
		if len(clusters) == 0 {
			break
		}

		logger.Info("[Dedupe] Merging clusters", "iteration", result.Iterations, "clusters", len(clusters))
		merged := 0
		for _, cluster := range clusters {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			rep := Representative(cluster)
			dups := make([]string, 0, len(cluster)-1)
			for _, e := range cluster {
				if e.ID != rep.ID {
					dups = append(dups, e.ID)
				}
			}

			err := util.RetryErrWithContext(ctx, g.backoff, func(ctx context.Context) error {
				return g.storage.MergeEntities(ctx, rep.ID, dups)
			})
			if errors.Is(err, common.ErrConsistency) {
				// The graph moved under us; the next iteration sees the new state.
				logger.Warn("[Dedupe] Merge conflict, skipping cluster", "representative", rep.ID, "err", err)
				result.Conflicts++
				continue
			}
			if err != nil {
				return result, fmt.Errorf("merge cluster of %s: %w", rep.ID, err)
			}

			logger.Debug("[Dedupe] Cluster merged", "representative", rep.ID, "name", rep.Name, "duplicates", len(dups))
			result.Clusters++
			merged += len(dups)
		}
		result.Merged += merged
		g.metrics.Merged(merged)
		if merged == 0 {
			break
		}
	}

	g.metrics.DedupeRun()
	logger.Info("[Dedupe] Duplicate resolution completed",
		"iterations", result.Iterations,
		"clusters", result.Clusters,
		"merged", result.Merged,
	)
	return result, nil
}

// neighbours returns the same-type entities scoring at least the threshold
// against vec. The search starts at K and doubles while it comes back full,
// so a crowded neighbourhood cannot hide a duplicate.
func (g *GraphClient) neighbours(ctx context.Context, e common.Entity, vec []float32, limit int) ([]store.Hit, error) {
	p := g.dedupe
	k := p.K
	for {
		hits, err := g.index.Search(ctx, store.KindEntity, vec, k, store.SearchOptions{
			Type:     e.Type,
			MinScore: p.ScoreThreshold,
			Exclude:  []string{e.ID},
		})
		if err != nil {
			return nil, err
		}
		if len(hits) < k || k >= limit {
			return hits, nil
		}
		k *= 2
	}
}

// findClusters returns the duplicate clusters of the current graph, each
// sorted by id, ordered by their smallest id.
func (g *GraphClient) findClusters(ctx context.Context) ([][]common.Entity, error) {
	p := g.dedupe
	ents, err := g.storage.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	byID := make(map[string]common.Entity, len(ents))
	ids := make([]string, len(ents))
	for i, e := range ents {
		byID[e.ID] = e
		ids[i] = e.ID
	}
	vecs, err := g.index.GetVectors(ctx, store.KindEntity, ids)
	if err != nil {
		return nil, fmt.Errorf("load entity vectors: %w", err)
	}

	uf := unionFind{}
	for _, e := range ents {
		vec, ok := vecs[e.ID]
		if !ok {
			continue
		}
		hits, err := g.neighbours(ctx, e, vec, len(ents)-1)
		if err != nil {
			return nil, fmt.Errorf("search neighbours of %s: %w", e.ID, err)
		}
		for _, h := range hits {
			other, ok := byID[h.ID]
			if !ok {
				continue
			}
			if p.IsDuplicate(e, other, h.Score) {
				uf.union(e.ID, other.ID)
			}
		}
	}

	groups := map[string][]common.Entity{}
	for id := range uf {
		root := uf.find(id)
		groups[root] = append(groups[root], byID[id])
	}
	var clusters [][]common.Entity
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		slices.SortFunc(members, func(a, b common.Entity) int { return strings.Compare(a.ID, b.ID) })
		clusters = append(clusters, members)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0].ID < clusters[j][0].ID })
	return clusters, nil
}
