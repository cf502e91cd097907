package store

import (
	"context"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

// GraphStorage persists documents, chunks and the entity graph. Writes are
// keyed on natural keys so repeating them converges to the same state.
//
// Entities that were merged away by the duplicate resolver leave a redirect
// behind; fragment writes that still carry the old id land on the survivor.
type GraphStorage interface {
	// SaveDocument upserts a document. The cancel flag is left as stored;
	// only SetCancelled changes it.
	SaveDocument(ctx context.Context, doc common.Document) error
	SetCancelled(ctx context.Context, id string, cancelled bool) error
	GetDocument(ctx context.Context, id string) (common.Document, error)
	ListDocuments(ctx context.Context) ([]common.Document, error)
	// ClearDocument removes the chunks of a document together with their
	// provenance edges and vectors. The document record and shared entities stay.
	ClearDocument(ctx context.Context, id string) error
	// DeleteDocument clears the document and removes its record. With cascade
	// set, entities left without provenance are deleted as well.
	DeleteDocument(ctx context.Context, id string, cascade bool) error

	// SaveChunks stores the ordered chunks of a document, replacing any
	// previous chunk set.
	SaveChunks(ctx context.Context, documentID string, chunks []common.Chunk) error
	GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error)
	GetChunksByID(ctx context.Context, ids []string) ([]common.Chunk, error)
	SetChunkStatus(ctx context.Context, chunkID string, status common.ChunkStatus, reason string) error

	// WriteFragment upserts the entities and relationships of one chunk and
	// their provenance edges in a single transaction.
	WriteFragment(ctx context.Context, frag common.Fragment) error

	GetEntity(ctx context.Context, id string) (common.Entity, error)
	GetEntities(ctx context.Context, ids []string) ([]common.Entity, error)
	// ListEntities returns the live entities, those with at least one
	// provenance chunk, ordered by id.
	ListEntities(ctx context.Context) ([]common.Entity, error)
	// SearchEntities matches the query keywords against entity names and
	// aliases, best match first.
	SearchEntities(ctx context.Context, query string, limit int) ([]common.Entity, error)
	// EntitiesForChunks returns the live entities mentioned by the chunks.
	EntitiesForChunks(ctx context.Context, chunkIDs []string) ([]common.Entity, error)

	ListRelationships(ctx context.Context) ([]common.Relationship, error)
	// Traverse walks relationships in both directions from the seed entities
	// for up to hops steps and returns the visited entities and the edges used.
	Traverse(ctx context.Context, seeds []string, hops int) ([]common.Entity, []common.Relationship, error)

	// MergeEntities folds the duplicates into the representative in one
	// transaction: provenance, aliases and descriptions move over,
	// relationship endpoints are rewritten, and the duplicates are deleted.
	MergeEntities(ctx context.Context, representativeID string, duplicateIDs []string) error

	// ReplaceCommunities swaps the whole community set, including the
	// community vectors, for the given run.
	ReplaceCommunities(ctx context.Context, runID, model string, communities []common.Community) error
	ListCommunities(ctx context.Context) ([]common.Community, error)
	GetCommunities(ctx context.Context, ids []string) ([]common.Community, error)

	Stats(ctx context.Context) (common.GraphStats, error)
}

// VectorKind selects one of the vector sets held by a VectorIndex.
type VectorKind string

const (
	KindChunk     VectorKind = "chunk"
	KindEntity    VectorKind = "entity"
	KindCommunity VectorKind = "community"
)

func (k VectorKind) IsValid() bool {
	switch k {
	case KindChunk, KindEntity, KindCommunity:
		return true
	}
	return false
}

// IndexInfo is the embedding space a vector set is bound to.
type IndexInfo struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

type Vector struct {
	ID     string
	Values []float32
}

// Hit is one nearest neighbour with its cosine similarity.
type Hit struct {
	ID    string
	Score float64
}

// SearchOptions narrows a nearest-neighbour search. Type only applies to
// entity vectors. Model, when set, must match the model the index was built
// with.
type SearchOptions struct {
	Type     string
	MinScore float64
	Exclude  []string
	Model    string
}

// VectorIndex stores embeddings per kind. The first write to a kind claims
// its model and dimension; later writes that disagree fail with
// common.ErrConfiguration until the kind is rebuilt.
type VectorIndex interface {
	Info(ctx context.Context, kind VectorKind) (IndexInfo, bool, error)
	Upsert(ctx context.Context, kind VectorKind, model string, vectors []Vector) error
	Search(ctx context.Context, kind VectorKind, query []float32, k int, opts SearchOptions) ([]Hit, error)
	GetVectors(ctx context.Context, kind VectorKind, ids []string) (map[string][]float32, error)
	// Missing returns the ids that have no vector of the given kind.
	Missing(ctx context.Context, kind VectorKind, ids []string) ([]string, error)
	// Rebuild replaces every vector of the kind and its index info at once.
	// On error the previous vectors stay in place.
	Rebuild(ctx context.Context, kind VectorKind, model string, vectors []Vector) error
}

// Store is a backend that provides both the graph and the vector index.
type Store interface {
	GraphStorage
	VectorIndex
}
