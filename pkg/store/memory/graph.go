package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

// resolve follows merge redirects to the surviving entity id.
func (s *Store) resolve(id string) string {
	for range len(s.redirects) + 1 {
		next, ok := s.redirects[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

func (s *Store) WriteFragment(ctx context.Context, frag common.Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chunks[frag.ChunkID]; !ok {
		return fmt.Errorf("write fragment: chunk %s: %w", frag.ChunkID, common.ErrNotFound)
	}
	for _, r := range frag.Relationships {
		src, tgt := s.resolve(r.SourceID), s.resolve(r.TargetID)
		if !s.inFragmentOrStore(frag, src) || !s.inFragmentOrStore(frag, tgt) {
			return fmt.Errorf("%w: relationship %s references unknown entity", common.ErrConsistency, r.ID)
		}
	}

	now := s.now()
	for _, e := range frag.Entities {
		id := s.resolve(e.ID)
		prov := common.MergeStrings(e.ChunkIDs, frag.ChunkID)
		cur, ok := s.entities[id]
		if !ok {
			cur = common.Entity{ID: id, Name: e.Name, Type: common.NormalizeType(e.Type), CreatedAt: now}
			if !e.CreatedAt.IsZero() {
				cur.CreatedAt = e.CreatedAt
			}
		}
		cur.Description = common.MergeDescriptions(cur.Description, e.Description)
		cur.Aliases = store.MergeAliases(cur.Name, cur.Aliases, e.Aliases...)
		if common.NormalizeName(e.Name) != common.NormalizeName(cur.Name) {
			cur.Aliases = store.MergeAliases(cur.Name, cur.Aliases, e.Name)
		}
		cur.ChunkIDs = store.SortedUnion(cur.ChunkIDs, prov)
		s.entities[id] = cur
	}

	for _, r := range frag.Relationships {
		src, tgt := s.resolve(r.SourceID), s.resolve(r.TargetID)
		if src == tgt {
			continue
		}
		typ := common.NormalizeType(r.Type)
		id := common.RelationshipID(src, typ, tgt)
		cur, ok := s.rels[id]
		if !ok {
			cur = common.Relationship{ID: id, SourceID: src, TargetID: tgt, Type: typ}
		}
		cur.Description = common.MergeDescriptions(cur.Description, r.Description)
		cur.ChunkIDs = store.SortedUnion(cur.ChunkIDs, common.MergeStrings(r.ChunkIDs, frag.ChunkID))
		s.rels[id] = cur
	}
	return nil
}

func (s *Store) inFragmentOrStore(frag common.Fragment, id string) bool {
	if _, ok := s.entities[id]; ok {
		return true
	}
	for _, e := range frag.Entities {
		if s.resolve(e.ID) == id {
			return true
		}
	}
	return false
}

func (s *Store) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[s.resolve(id)]
	if !ok {
		return common.Entity{}, fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
	}
	return cloneEntity(e), nil
}

func (s *Store) GetEntities(ctx context.Context, ids []string) ([]common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	out := make([]common.Entity, 0, len(ids))
	for _, id := range ids {
		id = s.resolve(id)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if e, ok := s.entities[id]; ok {
			out = append(out, cloneEntity(e))
		}
	}
	return out, nil
}

func (s *Store) ListEntities(ctx context.Context) ([]common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if len(e.ChunkIDs) > 0 {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SearchEntities ranks live entities by store.NameScore.
func (s *Store) SearchEntities(ctx context.Context, query string, limit int) ([]common.Entity, error) {
	words := store.Keywords(query)
	if len(words) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []common.Entity
	scores := map[string]float64{}
	for _, e := range s.entities {
		if len(e.ChunkIDs) == 0 {
			continue
		}
		if score := store.NameScore(words, e); score > 0 {
			hits = append(hits, cloneEntity(e))
			scores[e.ID] = score
		}
	}
	return store.RankByName(hits, scores, limit), nil
}

func (s *Store) EntitiesForChunks(ctx context.Context, chunkIDs []string) ([]common.Entity, error) {
	want := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		want[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []common.Entity
	for _, e := range s.entities {
		for _, cid := range e.ChunkIDs {
			if _, ok := want[cid]; ok {
				out = append(out, cloneEntity(e))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListRelationships(ctx context.Context) ([]common.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Relationship, 0, len(s.rels))
	for _, r := range s.rels {
		out = append(out, cloneRelationship(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Traverse(ctx context.Context, seeds []string, hops int) ([]common.Entity, []common.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adj := map[string][]common.Relationship{}
	for _, r := range s.rels {
		adj[r.SourceID] = append(adj[r.SourceID], r)
		adj[r.TargetID] = append(adj[r.TargetID], r)
	}
	for id := range adj {
		slices.SortFunc(adj[id], func(a, b common.Relationship) int { return strings.Compare(a.ID, b.ID) })
	}

	visited := map[string]struct{}{}
	var order []string
	var frontier []string
	for _, id := range seeds {
		id = s.resolve(id)
		if _, ok := s.entities[id]; !ok {
			continue
		}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		order = append(order, id)
		frontier = append(frontier, id)
	}

	usedRel := map[string]struct{}{}
	var rels []common.Relationship
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var next []string
		for _, id := range frontier {
			for _, r := range adj[id] {
				if _, ok := usedRel[r.ID]; !ok {
					usedRel[r.ID] = struct{}{}
					rels = append(rels, cloneRelationship(r))
				}
				other := r.TargetID
				if other == id {
					other = r.SourceID
				}
				if _, ok := visited[other]; ok {
					continue
				}
				visited[other] = struct{}{}
				order = append(order, other)
				next = append(next, other)
			}
		}
		frontier = next
	}

	ents := make([]common.Entity, 0, len(order))
	for _, id := range order {
		ents = append(ents, cloneEntity(s.entities[id]))
	}
	return ents, rels, nil
}

func (s *Store) MergeEntities(ctx context.Context, representativeID string, duplicateIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repID := s.resolve(representativeID)
	rep, ok := s.entities[repID]
	if !ok {
		return fmt.Errorf("merge: representative %s: %w", representativeID, common.ErrNotFound)
	}

	dups := map[string]struct{}{}
	for _, id := range duplicateIDs {
		id = s.resolve(id)
		if id == repID {
			continue
		}
		d, ok := s.entities[id]
		if !ok {
			return fmt.Errorf("%w: merge: duplicate %s no longer exists", common.ErrConsistency, id)
		}
		if common.NormalizeType(d.Type) != common.NormalizeType(rep.Type) {
			return fmt.Errorf("%w: merge: %s has type %s, representative has %s", common.ErrConsistency, id, d.Type, rep.Type)
		}
		dups[id] = struct{}{}
	}
	if len(dups) == 0 {
		return nil
	}

	ordered := make([]string, 0, len(dups))
	for id := range dups {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		d := s.entities[id]
		rep.ChunkIDs = store.SortedUnion(rep.ChunkIDs, d.ChunkIDs)
		rep.Aliases = store.MergeAliases(rep.Name, rep.Aliases, append([]string{d.Name}, d.Aliases...)...)
		rep.Description = common.MergeDescriptions(rep.Description, strings.Split(d.Description, "\n")...)
		if !d.CreatedAt.IsZero() && d.CreatedAt.Before(rep.CreatedAt) {
			rep.CreatedAt = d.CreatedAt
		}
	}
	s.entities[repID] = rep

	for rid, r := range s.rels {
		_, srcDup := dups[r.SourceID]
		_, tgtDup := dups[r.TargetID]
		if !srcDup && !tgtDup {
			continue
		}
		delete(s.rels, rid)
		if srcDup {
			r.SourceID = repID
		}
		if tgtDup {
			r.TargetID = repID
		}
		if r.SourceID == r.TargetID {
			continue
		}
		r.ID = common.RelationshipID(r.SourceID, r.Type, r.TargetID)
		if cur, ok := s.rels[r.ID]; ok {
			cur.ChunkIDs = store.SortedUnion(cur.ChunkIDs, r.ChunkIDs)
			cur.Description = common.MergeDescriptions(cur.Description, strings.Split(r.Description, "\n")...)
			r = cur
		}
		s.rels[r.ID] = r
	}

	for id := range dups {
		delete(s.entities, id)
		delete(s.vectors[store.KindEntity], id)
		s.redirects[id] = repID
	}
	for from, to := range s.redirects {
		if _, ok := dups[to]; ok {
			s.redirects[from] = repID
		}
	}
	for cid, c := range s.communities {
		if c.Level != 0 {
			continue
		}
		kept := c.Members[:0:0]
		for _, m := range c.Members {
			if _, ok := dups[m]; !ok {
				kept = append(kept, m)
			}
		}
		c.Members = kept
		s.communities[cid] = c
	}
	return nil
}

func (s *Store) ReplaceCommunities(ctx context.Context, runID, model string, communities []common.Community) error {
	var vectors []store.Vector
	for _, c := range communities {
		if c.ID == "" {
			return fmt.Errorf("%w: community without id", common.ErrConsistency)
		}
		if len(c.Embedding) > 0 {
			vectors = append(vectors, store.Vector{ID: c.ID, Values: c.Embedding})
		}
	}
	info, err := store.BatchInfo(store.KindCommunity, model, vectors)
	if err != nil {
		return err
	}

	next := make(map[string]common.Community, len(communities))
	nextVectors := make(map[string][]float32, len(vectors))
	for _, c := range communities {
		c.RunID = runID
		next[c.ID] = cloneCommunity(c)
	}
	for _, v := range vectors {
		nextVectors[v.ID] = slices.Clone(v.Values)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.communities = next
	s.vectors[store.KindCommunity] = nextVectors
	if len(vectors) > 0 {
		s.info[store.KindCommunity] = info
	} else {
		delete(s.info, store.KindCommunity)
	}
	return nil
}

func (s *Store) ListCommunities(ctx context.Context) ([]common.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Community, 0, len(s.communities))
	for _, c := range s.communities {
		out = append(out, cloneCommunity(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetCommunities(ctx context.Context, ids []string) ([]common.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Community, 0, len(ids))
	for _, id := range store.DedupeStrings(ids) {
		if c, ok := s.communities[id]; ok {
			out = append(out, cloneCommunity(c))
		}
	}
	return out, nil
}
