package common

import "time"

// Document is a single ingested source text. It owns its chunks and carries
// the ingestion status that operators poll while the pipeline runs.
//
// The counters mirror what the pipeline has committed so far, so a document
// that failed half-way still reports how many chunks made it into the graph.
type Document struct {
	ID          string            `json:"id"`
	SourceURI   string            `json:"source_uri"`
	Status      DocumentStatus    `json:"status"`
	FailedStage DocumentStatus    `json:"failed_stage,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	Empty       bool              `json:"empty"`
	Cancelled   bool              `json:"cancelled"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ChunkIDs    []string          `json:"chunk_ids"`

	ChunkCount        int           `json:"chunk_count"`
	ProcessedChunks   int           `json:"processed_chunks"`
	FailedChunks      int           `json:"failed_chunks"`
	EntityCount       int           `json:"entity_count"`
	RelationshipCount int           `json:"relationship_count"`
	ProcessingTime    time.Duration `json:"processing_time"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChunkStatus tracks a chunk through extraction and assembly.
type ChunkStatus string

const (
	ChunkPending          ChunkStatus = "pending"
	ChunkExtracted        ChunkStatus = "extracted"
	ChunkAssembled        ChunkStatus = "assembled"
	ChunkExtractionFailed ChunkStatus = "extraction_failed"
	ChunkAssemblyFailed   ChunkStatus = "assembly_failed"
)

// Failed reports whether the chunk was excluded from the graph.
func (s ChunkStatus) Failed() bool {
	return s == ChunkExtractionFailed || s == ChunkAssemblyFailed
}

// Chunk is a token-bounded slice of a document's text and the unit of
// extraction. Start and End are byte offsets into the document text; Overlap
// is the number of leading bytes shared with the previous chunk.
type Chunk struct {
	ID         string      `json:"id"`
	DocumentID string      `json:"document_id"`
	Seq        int         `json:"seq"`
	Text       string      `json:"text"`
	Tokens     int         `json:"tokens"`
	Start      int         `json:"start"`
	End        int         `json:"end"`
	Overlap    int         `json:"overlap"`
	Status     ChunkStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	Embedding  []float32   `json:"-"`
}

// Entity is a canonical concept node. Entities are shared between documents
// and stay live for as long as at least one chunk references them.
type Entity struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Aliases     []string  `json:"aliases"`
	ChunkIDs    []string  `json:"chunk_ids"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Relationship is a directed, typed edge between two entities. The same
// (source, type, target) triple always maps to one relationship whose
// provenance is the union of every chunk that evidenced it.
type Relationship struct {
	ID          string   `json:"id"`
	SourceID    string   `json:"source_id"`
	TargetID    string   `json:"target_id"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	ChunkIDs    []string `json:"chunk_ids"`
}

// Weight is the number of chunks that evidence the relationship.
func (r Relationship) Weight() int {
	if len(r.ChunkIDs) == 0 {
		return 1
	}
	return len(r.ChunkIDs)
}

// Community is a cluster produced by one detection run. Level 0 communities
// hold entity ids, higher levels hold the ids of the communities below them.
type Community struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Level     int       `json:"level"`
	ParentID  string    `json:"parent_id,omitempty"`
	Members   []string  `json:"members"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Embedding []float32 `json:"-"`
}

// ExtractedEntity is an entity as returned by the extractor for one chunk,
// before it has been resolved to a canonical key.
type ExtractedEntity struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Aliases     []string `json:"aliases"`
	Description string   `json:"description"`
	ChunkID     string   `json:"chunk_id"`
}

// ExtractedRelationship references its endpoints by the names used in the
// same chunk's extraction.
type ExtractedRelationship struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description"`
	ChunkID     string `json:"chunk_id"`
}

// Extraction is the parsed output for a single chunk.
type Extraction struct {
	ChunkID       string                  `json:"chunk_id"`
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Fragment is the resolved, keyed form of one chunk's extraction as written
// to the graph store in a single transaction.
type Fragment struct {
	DocumentID    string
	ChunkID       string
	Entities      []Entity
	Relationships []Relationship
}

// Schema is an extraction allow-list. Empty lists allow every type.
type Schema struct {
	EntityTypes       []string `json:"labels" yaml:"entity_types"`
	RelationshipTypes []string `json:"relationshipTypes" yaml:"relationship_types"`
}

// DefaultEntityTypes is used when no schema is configured.
var DefaultEntityTypes = []string{
	"ORGANIZATION",
	"PERSON",
	"LOCATION",
	"CONCEPT",
	"CREATIVE_WORK",
	"DATE",
	"PRODUCT",
	"EVENT",
}

// GraphStats summarizes the live graph.
type GraphStats struct {
	Documents     int `json:"documents"`
	Chunks        int `json:"chunks"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Communities   int `json:"communities"`
}
