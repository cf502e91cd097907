package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

// Question is what a Retriever gets to work with. Embed computes the query
// embedding on first use and returns the same vector afterwards.
type Question struct {
	Text     string
	TopK     int
	HopLimit int
	MinScore float64
	// Model is the embedding model of Embed; vector searches refuse an
	// index built with another one.
	Model string
	Embed func(ctx context.Context) ([]float32, error)
}

func (q Question) searchOptions() store.SearchOptions {
	return store.SearchOptions{MinScore: q.MinScore, Model: q.Model}
}

// Retriever collects the context of one query mode. Items are returned
// best first.
type Retriever interface {
	Retrieve(ctx context.Context, q Question) ([]Item, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, q Question) ([]Item, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, q Question) ([]Item, error) {
	return f(ctx, q)
}

// vectorRetriever returns the chunks nearest to the query.
type vectorRetriever struct {
	storage store.Store
}

func (r vectorRetriever) Retrieve(ctx context.Context, q Question) ([]Item, error) {
	chunks, scores, err := nearestChunks(ctx, r.storage, q)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(chunks))
	for _, c := range chunks {
		items = append(items, chunkItem(c, scores[c.ID]))
	}
	return items, nil
}

func nearestChunks(ctx context.Context, s store.Store, q Question) ([]common.Chunk, map[string]float64, error) {
	vec, err := q.Embed(ctx)
	if err != nil {
		return nil, nil, err
	}
	hits, err := s.Search(ctx, store.KindChunk, vec, q.TopK, q.searchOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("search chunks: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil, nil
	}

	ids, scores := hitScores(hits)
	chunks, err := s.GetChunksByID(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load chunks: %w", err)
	}
	sortByScore(chunks, scores, func(c common.Chunk) string { return c.ID })
	return chunks, scores, nil
}

// entityVectorRetriever returns the entities nearest to the query, each
// followed by the chunks it was extracted from.
type entityVectorRetriever struct {
	storage store.Store
}

func (r entityVectorRetriever) Retrieve(ctx context.Context, q Question) ([]Item, error) {
	vec, err := q.Embed(ctx)
	if err != nil {
		return nil, err
	}
	hits, err := r.storage.Search(ctx, store.KindEntity, vec, q.TopK, q.searchOptions())
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids, scores := hitScores(hits)
	ents, err := r.storage.GetEntities(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load entities: %w", err)
	}
	sortByScore(ents, scores, func(e common.Entity) string { return e.ID })

	var chunkIDs []string
	for _, e := range ents {
		chunkIDs = append(chunkIDs, e.ChunkIDs...)
	}
	chunks, err := r.storage.GetChunksByID(ctx, store.DedupeStrings(chunkIDs))
	if err != nil {
		return nil, fmt.Errorf("load provenance chunks: %w", err)
	}
	byID := make(map[string]common.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	var items []Item
	for _, e := range ents {
		score := scores[e.ID]
		items = append(items, entityItem(e, score))
		for _, cid := range e.ChunkIDs {
			if c, ok := byID[cid]; ok {
				items = append(items, chunkItem(c, score))
			}
		}
	}
	return dedupeItems(items), nil
}

// graphRetriever matches entity names against the query text and walks the
// graph outward from the matches.
type graphRetriever struct {
	storage store.Store
}

func (r graphRetriever) Retrieve(ctx context.Context, q Question) ([]Item, error) {
	seeds, err := r.storage.SearchEntities(ctx, q.Text, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("search entity names: %w", err)
	}
	ids := make([]string, len(seeds))
	for i, e := range seeds {
		ids[i] = e.ID
	}
	return traverse(ctx, r.storage, ids, q.HopLimit)
}

// traverse renders the neighbourhood of the seeds: entities in visiting
// order, then the relationships used, heaviest first. Scores fall with the
// position so the budget trims the far end of the walk.
func traverse(ctx context.Context, s store.GraphStorage, seeds []string, hops int) ([]Item, error) {
	if len(seeds) == 0 {
		return nil, nil
	}
	ents, rels, err := s.Traverse(ctx, seeds, hops)
	if err != nil {
		return nil, fmt.Errorf("traverse graph: %w", err)
	}

	names := make(map[string]string, len(ents))
	for _, e := range ents {
		names[e.ID] = e.Name
	}
	sort.SliceStable(rels, func(i, j int) bool {
		return rels[i].Weight() > rels[j].Weight()
	})

	items := make([]Item, 0, len(ents)+len(rels))
	n := float64(len(ents) + len(rels))
	for i, e := range ents {
		items = append(items, entityItem(e, 1-float64(i)/n))
	}
	for i, rel := range rels {
		items = append(items, relationshipItem(rel, names, 1-float64(len(ents)+i)/n))
	}
	return items, nil
}

// hybridRetriever combines the nearest chunks with a graph walk that starts
// at the entities those chunks mention.
type hybridRetriever struct {
	storage store.Store
}

func (r hybridRetriever) Retrieve(ctx context.Context, q Question) ([]Item, error) {
	chunks, scores, err := nearestChunks(ctx, r.storage, q)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	items := make([]Item, 0, len(chunks))
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		items = append(items, chunkItem(c, scores[c.ID]))
		ids = append(ids, c.ID)
	}

	mentioned, err := r.storage.EntitiesForChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load mentioned entities: %w", err)
	}
	seeds := make([]string, len(mentioned))
	for i, e := range mentioned {
		seeds[i] = e.ID
	}
	graphItems, err := traverse(ctx, r.storage, seeds, q.HopLimit)
	if err != nil {
		return nil, err
	}
	return dedupeItems(append(items, graphItems...)), nil
}

// communityRetriever returns the community reports nearest to the query.
type communityRetriever struct {
	storage store.Store
}

func (r communityRetriever) Retrieve(ctx context.Context, q Question) ([]Item, error) {
	vec, err := q.Embed(ctx)
	if err != nil {
		return nil, err
	}
	hits, err := r.storage.Search(ctx, store.KindCommunity, vec, q.TopK, q.searchOptions())
	if err != nil {
		return nil, fmt.Errorf("search communities: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids, scores := hitScores(hits)
	comms, err := r.storage.GetCommunities(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load communities: %w", err)
	}
	sortByScore(comms, scores, func(c common.Community) string { return c.ID })

	items := make([]Item, 0, len(comms))
	for _, c := range comms {
		items = append(items, communityItem(c, scores[c.ID]))
	}
	return items, nil
}

func hitScores(hits []store.Hit) ([]string, map[string]float64) {
	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}
	return ids, scores
}

func sortByScore[T any](records []T, scores map[string]float64, id func(T) string) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := id(records[i]), id(records[j])
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		return a < b
	})
}
