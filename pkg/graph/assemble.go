package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
)

// batchResolver maps names and aliases seen in one ingestion run to the
// entity id they were first assigned. Chunks of the run that call the same
// entity by another registered name converge on that id. Matching against
// the historical graph is left to the duplicate resolver.
type batchResolver struct {
	mu  sync.Mutex
	ids map[string]string
}

func newBatchResolver() *batchResolver {
	return &batchResolver{ids: map[string]string{}}
}

func resolverKey(typ, name string) string {
	return common.NormalizeType(typ) + "|" + common.NormalizeName(name)
}

// resolve returns the id for an extracted entity and registers its name and
// aliases under that id.
func (r *batchResolver) resolve(e common.ExtractedEntity) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := append([]string{e.Name}, e.Aliases...)
	id := ""
	for _, n := range names {
		if known, ok := r.ids[resolverKey(e.Type, n)]; ok {
			id = known
			break
		}
	}
	if id == "" {
		id = common.EntityID(e.Name, e.Type)
	}
	for _, n := range names {
		key := resolverKey(e.Type, n)
		if _, ok := r.ids[key]; !ok {
			r.ids[key] = id
		}
	}
	return id
}

// seed registers the names and aliases of entities already in the graph
// under their stored ids. A resumed run seeds with what its earlier attempt
// assembled so later chunks resolve the way they did then.
func (r *batchResolver) seed(ents []common.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range ents {
		for _, n := range append([]string{e.Name}, e.Aliases...) {
			key := resolverKey(e.Type, n)
			if _, ok := r.ids[key]; !ok {
				r.ids[key] = e.ID
			}
		}
	}
}

// buildFragment turns one chunk's extraction into keyed graph records.
func buildFragment(res *batchResolver, documentID string, ex common.Extraction) common.Fragment {
	frag := common.Fragment{DocumentID: documentID, ChunkID: ex.ChunkID}

	index := map[string]int{}
	byName := map[string]string{}
	for _, e := range ex.Entities {
		id := res.resolve(e)
		for _, n := range append([]string{e.Name}, e.Aliases...) {
			if _, ok := byName[common.NormalizeName(n)]; !ok {
				byName[common.NormalizeName(n)] = id
			}
		}

		idx, ok := index[id]
		if !ok {
			idx = len(frag.Entities)
			index[id] = idx
			frag.Entities = append(frag.Entities, common.Entity{
				ID:       id,
				Name:     e.Name,
				Type:     common.NormalizeType(e.Type),
				ChunkIDs: []string{ex.ChunkID},
			})
		}
		cur := &frag.Entities[idx]
		cur.Description = common.MergeDescriptions(cur.Description, e.Description)
		for _, n := range append([]string{e.Name}, e.Aliases...) {
			if common.NormalizeName(n) != common.NormalizeName(cur.Name) {
				cur.Aliases = common.MergeStrings(cur.Aliases, n)
			}
		}
	}

	seen := map[string]int{}
	for _, r := range ex.Relationships {
		src, okSrc := byName[common.NormalizeName(r.Source)]
		tgt, okTgt := byName[common.NormalizeName(r.Target)]
		if !okSrc || !okTgt || src == tgt {
			continue
		}
		typ := common.NormalizeType(r.Type)
		id := common.RelationshipID(src, typ, tgt)
		idx, ok := seen[id]
		if !ok {
			idx = len(frag.Relationships)
			seen[id] = idx
			frag.Relationships = append(frag.Relationships, common.Relationship{
				ID:       id,
				SourceID: src,
				TargetID: tgt,
				Type:     typ,
				ChunkIDs: []string{ex.ChunkID},
			})
		}
		frag.Relationships[idx].Description = common.MergeDescriptions(frag.Relationships[idx].Description, r.Description)
	}

	return frag
}

// assembleChunk writes one chunk's fragment. Transient store failures are
// retried up to the store retry budget.
func (g *GraphClient) assembleChunk(
	ctx context.Context,
	res *batchResolver,
	documentID string,
	ex common.Extraction,
) (common.Fragment, error) {
	frag := buildFragment(res, documentID, ex)

	b := g.backoff
	b.MaxTries = g.storeRetries + 1
	err := util.RetryErrWithContext(ctx, b, func(ctx context.Context) error {
		return g.storage.WriteFragment(ctx, frag)
	})
	if err != nil {
		return frag, fmt.Errorf("assemble chunk %s: %w", ex.ChunkID, err)
	}

	logger.Debug("[Assemble] Fragment written",
		"chunk", ex.ChunkID,
		"entities", len(frag.Entities),
		"relationships", len(frag.Relationships),
	)
	return frag, nil
}

// Assemble writes the extraction output of one chunk into the graph using a
// resolver scoped to this call. Writing the same extraction twice leaves the
// graph unchanged.
func (g *GraphClient) Assemble(ctx context.Context, documentID string, ex common.Extraction) (common.Fragment, error) {
	return g.assembleChunk(ctx, newBatchResolver(), documentID, ex)
}
