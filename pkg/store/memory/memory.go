// Package memory is an in-process implementation of the graph store and
// vector index. It keeps everything behind one RWMutex, which makes every
// write trivially atomic, and answers nearest-neighbour queries by exact
// cosine scan. It backs the tests and small single-node deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

type Store struct {
	mu sync.RWMutex

	docs        map[string]common.Document
	chunks      map[string]common.Chunk
	docChunks   map[string][]string
	entities    map[string]common.Entity
	rels        map[string]common.Relationship
	redirects   map[string]string
	communities map[string]common.Community

	vectors map[store.VectorKind]map[string][]float32
	info    map[store.VectorKind]store.IndexInfo

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithClock replaces the clock used for created and updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		docs:        map[string]common.Document{},
		chunks:      map[string]common.Chunk{},
		docChunks:   map[string][]string{},
		entities:    map[string]common.Entity{},
		rels:        map[string]common.Relationship{},
		redirects:   map[string]string{},
		communities: map[string]common.Community{},
		vectors: map[store.VectorKind]map[string][]float32{
			store.KindChunk:     {},
			store.KindEntity:    {},
			store.KindCommunity: {},
		},
		info: map[store.VectorKind]store.IndexInfo{},
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) SaveDocument(ctx context.Context, doc common.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document without id", common.ErrConsistency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prev, exists := s.docs[doc.ID]
	if exists && doc.CreatedAt.IsZero() {
		doc.CreatedAt = prev.CreatedAt
	}
	doc.Cancelled = exists && prev.Cancelled
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if ids, ok := s.docChunks[doc.ID]; ok {
		doc.ChunkIDs = slices.Clone(ids)
	}
	doc.Metadata = cloneMap(doc.Metadata)
	s.docs[doc.ID] = doc
	return nil
}

func (s *Store) SetCancelled(ctx context.Context, id string, cancelled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	doc.Cancelled = cancelled
	s.docs[id] = doc
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return common.Document{}, fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	return cloneDocument(doc), nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, cloneDocument(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ClearDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearDocument(id)
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, id string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	s.clearDocument(id)
	delete(s.docs, id)

	if !cascade {
		return nil
	}
	for eid, e := range s.entities {
		if len(e.ChunkIDs) > 0 {
			continue
		}
		s.deleteEntity(eid)
	}
	return nil
}

// clearDocument drops the chunks of a document and every provenance edge
// that points at them. Relationships left without provenance go too.
func (s *Store) clearDocument(id string) {
	ids := s.docChunks[id]
	if len(ids) == 0 {
		return
	}
	gone := make(map[string]struct{}, len(ids))
	for _, cid := range ids {
		gone[cid] = struct{}{}
		delete(s.chunks, cid)
		delete(s.vectors[store.KindChunk], cid)
	}
	delete(s.docChunks, id)

	for eid, e := range s.entities {
		if kept, changed := without(e.ChunkIDs, gone); changed {
			e.ChunkIDs = kept
			s.entities[eid] = e
		}
	}
	for rid, r := range s.rels {
		kept, changed := without(r.ChunkIDs, gone)
		if !changed {
			continue
		}
		if len(kept) == 0 {
			delete(s.rels, rid)
			continue
		}
		r.ChunkIDs = kept
		s.rels[rid] = r
	}
	if d, ok := s.docs[id]; ok {
		d.ChunkIDs = nil
		s.docs[id] = d
	}
}

func (s *Store) deleteEntity(id string) {
	delete(s.entities, id)
	delete(s.vectors[store.KindEntity], id)
	for rid, r := range s.rels {
		if r.SourceID == id || r.TargetID == id {
			delete(s.rels, rid)
		}
	}
	for from, to := range s.redirects {
		if to == id {
			delete(s.redirects, from)
		}
	}
}

func (s *Store) SaveChunks(ctx context.Context, documentID string, chunks []common.Chunk) error {
	for i, c := range chunks {
		if c.DocumentID != documentID || c.Seq != i || c.ID == "" {
			return fmt.Errorf("%w: chunk %d of document %s is out of sequence", common.ErrConsistency, i, documentID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearDocument(documentID)
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.Status == "" {
			c.Status = common.ChunkPending
		}
		c.Embedding = nil
		s.chunks[c.ID] = c
		ids[i] = c.ID
	}
	s.docChunks[documentID] = ids
	if d, ok := s.docs[documentID]; ok {
		d.ChunkIDs = slices.Clone(ids)
		s.docs[documentID] = d
	}
	return nil
}

func (s *Store) GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.docChunks[documentID]
	out := make([]common.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.chunks[id])
	}
	return out, nil
}

func (s *Store) GetChunksByID(ctx context.Context, ids []string) ([]common.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Chunk, 0, len(ids))
	for _, id := range store.DedupeStrings(ids) {
		if c, ok := s.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) SetChunkStatus(ctx context.Context, chunkID string, status common.ChunkStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[chunkID]
	if !ok {
		return fmt.Errorf("chunk %s: %w", chunkID, common.ErrNotFound)
	}
	c.Status = status
	c.Error = reason
	s.chunks[chunkID] = c
	return nil
}

func (s *Store) Stats(ctx context.Context) (common.GraphStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := common.GraphStats{
		Documents:     len(s.docs),
		Chunks:        len(s.chunks),
		Relationships: len(s.rels),
		Communities:   len(s.communities),
	}
	for _, e := range s.entities {
		if len(e.ChunkIDs) > 0 {
			st.Entities++
		}
	}
	return st, nil
}

func without(ids []string, gone map[string]struct{}) ([]string, bool) {
	changed := false
	kept := ids[:0:0]
	for _, id := range ids {
		if _, ok := gone[id]; ok {
			changed = true
			continue
		}
		kept = append(kept, id)
	}
	if !changed {
		return ids, false
	}
	return kept, true
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneDocument(d common.Document) common.Document {
	d.ChunkIDs = slices.Clone(d.ChunkIDs)
	d.Metadata = cloneMap(d.Metadata)
	return d
}

func cloneEntity(e common.Entity) common.Entity {
	e.Aliases = slices.Clone(e.Aliases)
	e.ChunkIDs = slices.Clone(e.ChunkIDs)
	e.Embedding = nil
	return e
}

func cloneRelationship(r common.Relationship) common.Relationship {
	r.ChunkIDs = slices.Clone(r.ChunkIDs)
	return r
}

func cloneCommunity(c common.Community) common.Community {
	c.Members = slices.Clone(c.Members)
	c.Embedding = nil
	return c
}
