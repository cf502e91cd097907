package pgx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/OFFIS-RIT/catalyst/migrations"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"connection", &pgconn.PgError{Code: "08006"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"no rows", pgxv5.ErrNoRows, false},
		{"wrapped", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "40001"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			if got := errors.Is(err, common.ErrTransient); got != tt.transient {
				t.Fatalf("transient = %v, want %v (err %v)", got, tt.transient, err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("classified error lost its cause: %v", err)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	err := notFound(pgxv5.ErrNoRows, "entity", "ent_x")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	other := errors.New("boom")
	if err := notFound(other, "entity", "ent_x"); errors.Is(err, common.ErrNotFound) {
		t.Fatalf("unexpected ErrNotFound for %v", err)
	}
}

// openTestStore connects to TEST_DATABASE_URL, migrates it and empties
// every table. The database must be disposable.
func openTestStore(t *testing.T) *GraphDBStorage {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := migrations.Up(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgxv5.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE documents, chunks, entities, entity_chunks, entity_redirects,
		relationships, relationship_chunks, communities, vector_index, vectors CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewGraphDBStorageWithConnection(pool)
}

func seedDocument(t *testing.T, s *GraphDBStorage, docID string, texts ...string) []common.Chunk {
	t.Helper()
	ctx := context.Background()
	if err := s.SaveDocument(ctx, common.Document{ID: docID, Status: common.StatusUploaded}); err != nil {
		t.Fatalf("save document: %v", err)
	}
	chunks := make([]common.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = common.Chunk{ID: common.ChunkID(docID, i), DocumentID: docID, Seq: i, Text: text}
	}
	if err := s.SaveChunks(ctx, docID, chunks); err != nil {
		t.Fatalf("save chunks: %v", err)
	}
	return chunks
}

func testEntity(name, typ string) common.Entity {
	return common.Entity{ID: common.EntityID(name, typ), Name: name, Type: typ, Description: name + " description"}
}

func TestDocumentLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedDocument(t, s, "doc", "first", "second")
	if err := s.SetCancelled(ctx, "doc", true); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.SaveDocument(ctx, common.Document{ID: "doc", Status: common.StatusChunking}); err != nil {
		t.Fatalf("save document: %v", err)
	}

	doc, err := s.GetDocument(ctx, "doc")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if !doc.Cancelled {
		t.Fatalf("SaveDocument must keep the cancel flag")
	}
	if doc.Status != common.StatusChunking || len(doc.ChunkIDs) != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}

	if err := s.SetChunkStatus(ctx, "doc-1", common.ChunkExtractionFailed, "bad json"); err != nil {
		t.Fatalf("set chunk status: %v", err)
	}
	chunks, err := s.GetChunks(ctx, "doc")
	if err != nil {
		t.Fatalf("get chunks: %v", err)
	}
	if chunks[0].Status != common.ChunkPending || chunks[1].Error != "bad json" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}

	if _, err := s.GetDocument(ctx, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFragmentMergeAndCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDocument(t, s, "a", "Acme Corp employs Alice.")
	seedDocument(t, s, "b", "ACME Corporation employs Bob.")

	acme, alice := testEntity("Acme Corp", "ORGANIZATION"), testEntity("Alice", "PERSON")
	acme2, bob := testEntity("ACME Corporation", "ORGANIZATION"), testEntity("Bob", "PERSON")
	frags := []common.Fragment{
		{DocumentID: "a", ChunkID: "a-0", Entities: []common.Entity{acme, alice}, Relationships: []common.Relationship{
			{ID: common.RelationshipID(acme.ID, "EMPLOYS", alice.ID), SourceID: acme.ID, TargetID: alice.ID, Type: "EMPLOYS"},
		}},
		{DocumentID: "b", ChunkID: "b-0", Entities: []common.Entity{acme2, bob}, Relationships: []common.Relationship{
			{ID: common.RelationshipID(acme2.ID, "EMPLOYS", bob.ID), SourceID: acme2.ID, TargetID: bob.ID, Type: "EMPLOYS"},
		}},
	}
	for _, f := range frags {
		// twice, writes must converge
		for range 2 {
			if err := s.WriteFragment(ctx, f); err != nil {
				t.Fatalf("write fragment %s: %v", f.ChunkID, err)
			}
		}
	}

	if err := s.MergeEntities(ctx, acme.ID, []string{acme2.ID}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	got, err := s.GetEntity(ctx, acme2.ID)
	if err != nil {
		t.Fatalf("redirected lookup: %v", err)
	}
	if got.ID != acme.ID || len(got.ChunkIDs) != 2 {
		t.Fatalf("unexpected merged entity: %+v", got)
	}
	if len(got.Aliases) != 1 || got.Aliases[0] != "ACME Corporation" {
		t.Fatalf("unexpected aliases: %v", got.Aliases)
	}

	ents, rels, err := s.Traverse(ctx, []string{acme.ID}, 1)
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	if len(ents) != 3 || len(rels) != 2 {
		t.Fatalf("expected 3 entities and 2 edges, got %d and %d", len(ents), len(rels))
	}

	found, err := s.SearchEntities(ctx, "who works at acme corp?", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) == 0 || found[0].ID != acme.ID {
		t.Fatalf("unexpected search result: %+v", found)
	}

	if err := s.DeleteDocument(ctx, "b", true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetEntity(ctx, bob.ID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected orphan to be gone, got %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Documents != 1 || st.Entities != 2 || st.Relationships != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestVectorIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDocument(t, s, "d", "one", "two")

	err := s.Upsert(ctx, store.KindChunk, "m1", []store.Vector{
		{ID: "d-0", Values: []float32{1, 0, 0}},
		{ID: "d-1", Values: []float32{0, 1, 0}},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err = s.Upsert(ctx, store.KindChunk, "m1", []store.Vector{{ID: "d-0", Values: []float32{1, 0}}})
	if !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("expected dimension guard, got %v", err)
	}

	hits, err := s.Search(ctx, store.KindChunk, []float32{1, 0.1, 0}, 2, store.SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "d-0" || hits[0].Score <= hits[1].Score {
		t.Fatalf("unexpected hits: %+v", hits)
	}

	missing, err := s.Missing(ctx, store.KindChunk, []string{"d-1", "d-9"})
	if err != nil {
		t.Fatalf("missing: %v", err)
	}
	if len(missing) != 1 || missing[0] != "d-9" {
		t.Fatalf("unexpected missing: %v", missing)
	}

	if err := s.Rebuild(ctx, store.KindChunk, "m2", []store.Vector{{ID: "d-0", Values: []float32{0, 1}}}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	info, ok, err := s.Info(ctx, store.KindChunk)
	if err != nil || !ok || info.Model != "m2" || info.Dimension != 2 {
		t.Fatalf("unexpected info %+v ok=%v err=%v", info, ok, err)
	}
}

func TestMergeLockOrder(t *testing.T) {
	tests := []struct {
		name string
		rep  string
		dups []string
		want []string
	}{
		{"representative sorts last", "ent_c", []string{"ent_a", "ent_b"}, []string{"ent_a", "ent_b", "ent_c"}},
		{"representative sorts between", "ent_b", []string{"ent_c", "ent_a"}, []string{"ent_a", "ent_b", "ent_c"}},
		{"duplicates repeat", "ent_a", []string{"ent_b", "ent_b", "ent_a"}, []string{"ent_a", "ent_b"}},
		{"no duplicates", "ent_a", nil, []string{"ent_a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeLockOrder(tt.rep, tt.dups)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("lock order = %v, want %v", got, tt.want)
			}
		})
	}

	// Two merges over crossing sets lock their shared rows in the same order.
	first := mergeLockOrder("ent_z", []string{"ent_a"})
	second := mergeLockOrder("ent_a", []string{"ent_z"})
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Fatalf("crossing merges lock %v and %v", first, second)
	}
}
