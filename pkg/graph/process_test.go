package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/catalyst/pkg/ai/aitest"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

const extractName = "extract_entities_and_relationships"

func TestIngestDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, acmeScript(), nil)

	doc, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1", Text: threeSentences})
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	if doc.Status != common.StatusCompleted {
		t.Fatalf("status = %s", doc.Status)
	}
	if doc.ChunkCount != 3 || doc.ProcessedChunks != 3 || doc.FailedChunks != 0 {
		t.Fatalf("counters = %d/%d/%d", doc.ChunkCount, doc.ProcessedChunks, doc.FailedChunks)
	}
	if doc.EntityCount != 6 || doc.RelationshipCount != 3 {
		t.Fatalf("entities = %d, relationships = %d", doc.EntityCount, doc.RelationshipCount)
	}

	stored, err := env.store.GetDocument(ctx, "d1")
	must(t, err)
	if stored.Status != common.StatusCompleted || len(stored.ChunkIDs) != 3 {
		t.Fatalf("stored document = %+v", stored)
	}

	chunks, err := env.store.GetChunks(ctx, "d1")
	must(t, err)
	if got := Reconstruct(chunks); got != threeSentences {
		t.Fatalf("chunks do not reconstruct the text: %q", got)
	}
	for _, c := range chunks {
		if c.Status != common.ChunkAssembled {
			t.Errorf("chunk %s status = %s", c.ID, c.Status)
		}
	}

	missing, err := env.store.Missing(ctx, store.KindChunk, stored.ChunkIDs)
	must(t, err)
	if len(missing) != 0 {
		t.Fatalf("chunks without vectors: %v", missing)
	}
	ents, err := env.store.ListEntities(ctx)
	must(t, err)
	ids := make([]string, len(ents))
	for i, e := range ents {
		ids[i] = e.ID
	}
	missing, err = env.store.Missing(ctx, store.KindEntity, ids)
	must(t, err)
	if len(missing) != 0 {
		t.Fatalf("entities without vectors: %v", missing)
	}
}

func TestIngestDocumentFlagsMalformedChunk(t *testing.T) {
	ctx := context.Background()
	answers := acmeScript()
	answers["Bob Jones"] = "Sorry, I can not do that."
	env := newTestEnv(t, answers, nil)

	doc, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1", Text: threeSentences})
	if err != nil {
		t.Fatalf("a single bad chunk must not fail the document: %v", err)
	}
	if doc.Status != common.StatusCompleted {
		t.Fatalf("status = %s", doc.Status)
	}
	if doc.ProcessedChunks != 2 || doc.FailedChunks != 1 {
		t.Fatalf("processed = %d, failed = %d", doc.ProcessedChunks, doc.FailedChunks)
	}

	chunks, err := env.store.GetChunks(ctx, "d1")
	must(t, err)
	if chunks[1].Status != common.ChunkExtractionFailed || chunks[1].Error == "" {
		t.Fatalf("chunk 1 = %+v", chunks[1])
	}
	if got := env.fake.Calls(extractName); got != 4 {
		t.Fatalf("extraction calls = %d, want 4", got)
	}

	if _, err := env.store.GetEntity(ctx, common.EntityID("Bob Jones", "PERSON")); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("entity of the failed chunk must not exist, got %v", err)
	}
	stats, err := env.store.Stats(ctx)
	must(t, err)
	if stats.Entities != 4 || stats.Relationships != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestIngestEmptyDocument(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	doc, err := env.client.IngestDocument(context.Background(), IngestRequest{DocumentID: "empty", Text: " \n\t "})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != common.StatusCompleted || !doc.Empty || doc.ChunkCount != 0 {
		t.Fatalf("document = %+v", doc)
	}
	if env.fake.Calls(extractName) != 0 || env.fake.EmbedCalls() != 0 {
		t.Fatal("an empty document must not reach the model")
	}
}

func TestIngestCompletedIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, acmeScript(), nil)

	_, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1", Text: threeSentences})
	must(t, err)
	calls := env.fake.Calls(extractName)

	doc, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1", Text: threeSentences})
	must(t, err)
	if doc.Status != common.StatusCompleted {
		t.Fatalf("status = %s", doc.Status)
	}
	if got := env.fake.Calls(extractName); got != calls {
		t.Fatalf("completed document was extracted again: %d calls, want %d", got, calls)
	}
}

func TestIngestForceReplacesProvenance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, acmeScript(), nil)

	_, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1", Text: threeSentences})
	must(t, err)

	doc, err := env.client.IngestDocument(ctx, IngestRequest{
		DocumentID: "d1",
		Text:       "Carol Lee visited Springfield last week.",
		Force:      true,
	})
	must(t, err)
	if doc.ChunkCount != 1 || doc.Status != common.StatusCompleted {
		t.Fatalf("document = %+v", doc)
	}

	ents, err := env.store.ListEntities(ctx)
	must(t, err)
	if len(ents) != 2 {
		t.Fatalf("live entities = %+v, want Carol Lee and Springfield", ents)
	}
	for _, e := range ents {
		if len(e.ChunkIDs) != 1 || e.ChunkIDs[0] != "d1-0" {
			t.Errorf("entity %s provenance = %v", e.Name, e.ChunkIDs)
		}
	}
	rels, err := env.store.ListRelationships(ctx)
	must(t, err)
	if len(rels) != 1 || rels[0].Type != "VISITED" {
		t.Fatalf("relationships = %+v", rels)
	}
}

func TestIngestRetryResumesFailedStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, acmeScript(), nil)
	answers := scripted(acmeScript())
	broken := true
	env.fake.Complete = func(ctx context.Context, name, prompt string) (string, error) {
		if broken && strings.Contains(prompt, "Carol Lee") {
			return "", fmt.Errorf("%w: model not found", common.ErrConfiguration)
		}
		return answers(ctx, name, prompt)
	}

	doc, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1", Text: threeSentences})
	if !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if doc.Status != common.StatusFailed || doc.FailedStage != common.StatusExtracting || doc.LastError == "" {
		t.Fatalf("failed document = %+v", doc)
	}
	stored, err := env.store.GetDocument(ctx, "d1")
	must(t, err)
	if stored.Status != common.StatusFailed {
		t.Fatalf("stored status = %s", stored.Status)
	}

	broken = false
	doc, err = env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if doc.Status != common.StatusCompleted || doc.RetryCount != 1 {
		t.Fatalf("retried document = %+v", doc)
	}
	if doc.ProcessedChunks != 3 || doc.FailedChunks != 0 {
		t.Fatalf("processed = %d, failed = %d", doc.ProcessedChunks, doc.FailedChunks)
	}
}

func TestIngestCancelKeepsCommittedWork(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, acmeScript(), func(p *NewGraphClientParams) {
		p.ParallelAiRequests = 1
	})
	answers := scripted(acmeScript())
	env.fake.Complete = func(ctx context.Context, name, prompt string) (string, error) {
		if strings.Contains(prompt, "Bob Jones") {
			if err := env.client.CancelDocument(ctx, "d1"); err != nil {
				t.Errorf("CancelDocument: %v", err)
			}
		}
		return answers(ctx, name, prompt)
	}

	doc, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1", Text: threeSentences})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if doc.Status != common.StatusFailed || doc.FailedStage != common.StatusExtracting {
		t.Fatalf("cancelled document = %+v", doc)
	}
	stored, err := env.store.GetDocument(ctx, "d1")
	must(t, err)
	if !stored.Cancelled {
		t.Fatal("cancel flag must be kept on the stored document")
	}
	chunks, err := env.store.GetChunks(ctx, "d1")
	must(t, err)
	if len(chunks) != 3 {
		t.Fatalf("committed chunks = %d, want 3", len(chunks))
	}

	env.fake.Complete = answers
	doc, err = env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if doc.Status != common.StatusCompleted || doc.Cancelled {
		t.Fatalf("resumed document = %+v", doc)
	}
	stored, err = env.store.GetDocument(ctx, "d1")
	must(t, err)
	if stored.Cancelled {
		t.Fatal("resume must clear the cancel flag")
	}
}

func TestIngestContextCancelled(t *testing.T) {
	env := newTestEnv(t, acmeScript(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1", Text: threeSentences})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if doc.Status != common.StatusFailed {
		t.Fatalf("status = %s", doc.Status)
	}
}

func TestIngestDimensionMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, acmeScript(), nil)
	_, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1", Text: threeSentences})
	must(t, err)

	other := aitest.New("other-embed", 8)
	other.Complete = scripted(acmeScript())
	client, err := NewGraphClient(NewGraphClientParams{
		Storage:   env.store,
		Index:     env.store,
		AIClient:  other,
		Tokenizer: env.client.chunker.tok,
		MaxTokens: 6,
		Backoff:   env.client.backoff,
	})
	must(t, err)

	docs, err := client.IngestDocuments(ctx, []IngestRequest{{DocumentID: "d2", Text: "Dan Brown wrote a book."}})
	if !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if docs[0].Status != common.StatusFailed || docs[0].FailedStage != common.StatusEmbedding {
		t.Fatalf("document = %+v", docs[0])
	}

	// Rebuilding moves the index to the new model; ingestion works again.
	for _, kind := range []store.VectorKind{store.KindChunk, store.KindEntity} {
		if err := client.RebuildIndex(ctx, kind); err != nil {
			t.Fatalf("RebuildIndex(%s): %v", kind, err)
		}
	}
	info, ok, err := env.store.Info(ctx, store.KindChunk)
	must(t, err)
	if !ok || info.Model != "other-embed" || info.Dimension != 8 {
		t.Fatalf("index info = %+v", info)
	}
	if _, err := client.IngestDocument(ctx, IngestRequest{DocumentID: "d2"}); err != nil {
		t.Fatalf("retry after rebuild: %v", err)
	}
}

func TestIngestDocumentsIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, acmeScript(), nil)

	docs, err := env.client.IngestDocuments(ctx, []IngestRequest{
		{DocumentID: "a", Text: "Alice Smith founded Acme Corp yesterday."},
		{DocumentID: "", Text: "no id"},
		{DocumentID: "c", Text: "Carol Lee visited Springfield last week."},
	})
	if err == nil {
		t.Fatal("expected the request without id to fail")
	}
	if docs[0].Status != common.StatusCompleted || docs[2].Status != common.StatusCompleted {
		t.Fatalf("statuses = %s, %s", docs[0].Status, docs[2].Status)
	}
}

func TestDeleteDocumentCascade(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, acmeScript(), nil)
	_, err := env.client.IngestDocuments(ctx, []IngestRequest{
		{DocumentID: "a", Text: "Alice Smith founded Acme Corp yesterday."},
		{DocumentID: "c", Text: "Carol Lee visited Springfield last week."},
	})
	must(t, err)

	must(t, env.client.DeleteDocument(ctx, "a", true))
	must(t, env.client.DeleteDocument(ctx, "missing", true))

	if _, _, err := env.client.DocumentStatus(ctx, "a"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("deleted document still present: %v", err)
	}
	stats, err := env.store.Stats(ctx)
	must(t, err)
	if stats.Documents != 1 || stats.Entities != 2 || stats.Relationships != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCancelCompletedDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	_, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "e", Text: ""})
	must(t, err)
	if err := env.client.CancelDocument(ctx, "e"); !errors.Is(err, common.ErrConsistency) {
		t.Fatalf("err = %v, want consistency error", err)
	}
}

func TestIngestResumeAtAssemblingKeepsResolvedIDs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, map[string]string{
		"hired engineers": answer([]extractEntity{ent("IBM", "ORGANIZATION", "An employer of engineers")}),
	}, nil)

	ibm := common.EntityID("International Business Machines", "ORGANIZATION")
	must(t, env.store.SaveChunks(ctx, "d1", []common.Chunk{
		{ID: "d1-0", DocumentID: "d1", Seq: 0, Text: "International Business Machines (IBM) built computers."},
		{ID: "d1-1", DocumentID: "d1", Seq: 1, Text: " IBM hired engineers."},
	}))
	must(t, env.store.WriteFragment(ctx, common.Fragment{
		DocumentID: "d1",
		ChunkID:    "d1-0",
		Entities: []common.Entity{{
			ID: ibm, Name: "International Business Machines", Type: "ORGANIZATION",
			Aliases: []string{"IBM"}, Description: "A computer maker", ChunkIDs: []string{"d1-0"},
		}},
	}))
	must(t, env.store.SetChunkStatus(ctx, "d1-0", common.ChunkAssembled, ""))
	must(t, env.store.SaveDocument(ctx, common.Document{
		ID:          "d1",
		Status:      common.StatusFailed,
		FailedStage: common.StatusAssembling,
		ChunkCount:  2,
	}))

	doc, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if doc.Status != common.StatusCompleted {
		t.Fatalf("resumed document = %+v", doc)
	}
	if got := env.fake.Calls(extractName); got != 1 {
		t.Fatalf("extract calls = %d, want only the unassembled chunk", got)
	}

	ents, err := env.store.ListEntities(ctx)
	must(t, err)
	if len(ents) != 1 || ents[0].ID != ibm {
		t.Fatalf("entities = %+v, want the alias to resolve to %s", ents, ibm)
	}
	if len(ents[0].ChunkIDs) != 2 {
		t.Fatalf("provenance = %v, want both chunks", ents[0].ChunkIDs)
	}
}

func TestIngestResumeWithoutTextOrChunksFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	must(t, env.store.SaveDocument(ctx, common.Document{
		ID:          "d1",
		Status:      common.StatusFailed,
		FailedStage: common.StatusChunking,
		LastError:   "connection reset",
	}))

	doc, err := env.client.IngestDocument(ctx, IngestRequest{DocumentID: "d1"})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if doc.Status != common.StatusFailed || doc.FailedStage != common.StatusChunking || doc.Empty {
		t.Fatalf("document = %+v", doc)
	}
	stored, err := env.store.GetDocument(ctx, "d1")
	must(t, err)
	if stored.Status != common.StatusFailed || stored.Empty {
		t.Fatalf("stored document = %+v", stored)
	}
}
