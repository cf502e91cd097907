package graph

import (
	"fmt"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/metrics"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"
)

// GraphClient runs the ingestion pipeline: chunking, extraction, assembly
// and embedding of documents, plus duplicate resolution over the whole graph.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	storage  store.GraphStorage
	index    store.VectorIndex
	aiClient ai.GraphAIClient
	chunker  *Chunker
	metrics  *metrics.Collector

	schema             common.Schema
	parallelFiles      int
	parallelAiRequests int
	maxRetries         int
	storeRetries       int
	embedBatchSize     int
	embedEntities      bool
	backoff            util.Backoff
	dedupe             DedupeParams
}

// NewGraphClientParams defines the configuration parameters for creating
// a new GraphClient.
//
// ParallelFiles controls how many documents are processed in parallel.
// ParallelAiRequests controls how many chunks of one document are extracted
// concurrently. MaxRetries is the malformed-output budget per chunk, on top of
// the first attempt. StoreRetries bounds the retries of a failing graph write.
type NewGraphClientParams struct {
	Storage  store.GraphStorage
	Index    store.VectorIndex
	AIClient ai.GraphAIClient
	Metrics  *metrics.Collector

	Tokenizer tokens.Tokenizer
	MaxTokens int
	Overlap   int
	MaxChunks int

	Schema             common.Schema
	ParallelFiles      int
	ParallelAiRequests int
	MaxRetries         int
	StoreRetries       int
	EmbedBatchSize     int
	EmbedEntities      bool
	// Backoff is the policy for transient provider and store errors.
	// The zero value means util.DefaultBackoff.
	Backoff util.Backoff
	Dedupe  DedupeParams
}

// NewGraphClient creates and returns a new GraphClient configured with
// the provided parameters.
//
// Example:
//
//	client, err := graph.NewGraphClient(graph.NewGraphClientParams{
//		Storage:            st,
//		Index:              st,
//		AIClient:           aiClient,
//		Tokenizer:          tok,
//		MaxTokens:          2000,
//		Overlap:            200,
//		ParallelFiles:      2,
//		ParallelAiRequests: 25,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	if params.Storage == nil || params.Index == nil {
		return nil, fmt.Errorf("%w: graph client needs a storage and a vector index", common.ErrConfiguration)
	}
	if params.AIClient == nil {
		return nil, fmt.Errorf("%w: graph client needs an ai client", common.ErrConfiguration)
	}

	chunker, err := NewChunker(NewChunkerParams{
		Tokenizer: params.Tokenizer,
		MaxTokens: params.MaxTokens,
		Overlap:   params.Overlap,
		MaxChunks: params.MaxChunks,
	})
	if err != nil {
		return nil, err
	}

	maxRetries := params.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	storeRetries := params.StoreRetries
	if storeRetries <= 0 {
		storeRetries = 3
	}
	batch := params.EmbedBatchSize
	if batch <= 0 {
		batch = 64
	}
	backoff := params.Backoff
	if backoff.MaxTries == 0 {
		backoff = util.DefaultBackoff()
	}

	g := &GraphClient{
		storage:            params.Storage,
		index:              params.Index,
		aiClient:           params.AIClient,
		chunker:            chunker,
		metrics:            params.Metrics,
		schema:             normalizeSchema(params.Schema),
		parallelFiles:      max(1, params.ParallelFiles),
		parallelAiRequests: max(1, params.ParallelAiRequests),
		maxRetries:         maxRetries,
		storeRetries:       storeRetries,
		embedBatchSize:     batch,
		embedEntities:      params.EmbedEntities,
		backoff:            backoff,
		dedupe:             params.Dedupe.withDefaults(),
	}

	return g, nil
}

// Chunker returns the chunker used for new documents.
func (g *GraphClient) Chunker() *Chunker {
	return g.chunker
}

func normalizeSchema(s common.Schema) common.Schema {
	out := common.Schema{}
	for _, t := range s.EntityTypes {
		if n := common.NormalizeType(t); n != "" {
			out.EntityTypes = common.MergeStrings(out.EntityTypes, n)
		}
	}
	for _, t := range s.RelationshipTypes {
		if n := common.NormalizeType(t); n != "" {
			out.RelationshipTypes = common.MergeStrings(out.RelationshipTypes, n)
		}
	}
	return out
}
