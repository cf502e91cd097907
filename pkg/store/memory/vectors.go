package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

func (s *Store) Info(ctx context.Context, kind store.VectorKind) (store.IndexInfo, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.info[kind]
	return info, ok, nil
}

func (s *Store) Upsert(ctx context.Context, kind store.VectorKind, model string, vectors []store.Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	batch, err := store.BatchInfo(kind, model, vectors)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.info[kind]
	if err := store.CheckVectors(kind, info, model, vectors); err != nil {
		return err
	}
	if info.Model == "" {
		s.info[kind] = batch
	}
	for _, v := range vectors {
		s.vectors[kind][v.ID] = slices.Clone(v.Values)
	}
	return nil
}

func (s *Store) Search(
	ctx context.Context,
	kind store.VectorKind,
	query []float32,
	k int,
	opts store.SearchOptions,
) ([]store.Hit, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown vector kind %q", common.ErrConfiguration, kind)
	}
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if info, ok := s.info[kind]; ok {
		if err := store.CheckQuery(kind, info, opts.Model, query); err != nil {
			return nil, err
		}
	}

	exclude := make(map[string]struct{}, len(opts.Exclude))
	for _, id := range opts.Exclude {
		exclude[id] = struct{}{}
	}
	typ := common.NormalizeType(opts.Type)

	var hits []store.Hit
	for id, vec := range s.vectors[kind] {
		if _, skip := exclude[id]; skip {
			continue
		}
		if kind == store.KindEntity {
			e, ok := s.entities[id]
			if !ok || len(e.ChunkIDs) == 0 {
				continue
			}
			if typ != "" && common.NormalizeType(e.Type) != typ {
				continue
			}
		}
		score := store.Cosine(query, vec)
		if score < opts.MinScore {
			continue
		}
		hits = append(hits, store.Hit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *Store) GetVectors(ctx context.Context, kind store.VectorKind, ids []string) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]float32, len(ids))
	for _, id := range ids {
		if v, ok := s.vectors[kind][id]; ok {
			out[id] = slices.Clone(v)
		}
	}
	return out, nil
}

func (s *Store) Missing(ctx context.Context, kind store.VectorKind, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, id := range ids {
		if _, ok := s.vectors[kind][id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Store) Rebuild(ctx context.Context, kind store.VectorKind, model string, vectors []store.Vector) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: unknown vector kind %q", common.ErrConfiguration, kind)
	}
	info, err := store.BatchInfo(kind, model, vectors)
	if err != nil {
		return err
	}
	if err := store.CheckVectors(kind, info, model, vectors); err != nil {
		return err
	}

	next := make(map[string][]float32, len(vectors))
	for _, v := range vectors {
		next[v.ID] = slices.Clone(v.Values)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.vectors[kind] = next
	if len(vectors) == 0 {
		delete(s.info, kind)
		return nil
	}
	s.info[kind] = info
	return nil
}
