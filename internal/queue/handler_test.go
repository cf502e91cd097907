package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/storage"
	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai/aitest"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/community"
	"github.com/OFFIS-RIT/catalyst/pkg/graph"
	"github.com/OFFIS-RIT/catalyst/pkg/leaselock"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
	"github.com/OFFIS-RIT/catalyst/pkg/store/memory"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"
)

const extractName = "extract_entities_and_relationships"

const adaExtraction = `{"entities":[` +
	`{"name":"Ada Lovelace","type":"PERSON","description":"Wrote the first program"},` +
	`{"name":"Analytical Engine","type":"PRODUCT","description":"A mechanical computer"}],` +
	`"relationships":[{"source":"Ada Lovelace","target":"Analytical Engine","type":"WROTE_FOR","description":"Ada Lovelace wrote notes on the Analytical Engine"}]}`

type recordedEvents struct {
	mu   sync.Mutex
	docs []common.Document
}

func (r *recordedEvents) PublishEvent(ctx context.Context, doc common.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
	return nil
}

type handlerEnv struct {
	handler *Handler
	store   *memory.Store
	files   *storage.LocalStore
	ai      *aitest.Client
	locker  *leaselock.Local
	events  *recordedEvents
}

func newHandlerEnv(t *testing.T) handlerEnv {
	t.Helper()

	st := memory.New()
	files, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fake := aitest.New("test-embed", 8)
	fake.Complete = func(ctx context.Context, name, prompt string) (string, error) {
		if name == extractName {
			return adaExtraction, nil
		}
		return "{}", nil
	}
	backoff := util.Backoff{MaxTries: 2, InitialDelay: time.Millisecond}

	g, err := graph.NewGraphClient(graph.NewGraphClientParams{
		Storage:       st,
		Index:         st,
		AIClient:      fake,
		Tokenizer:     tokens.NewWhitespaceTokenizer(),
		MaxTokens:     50,
		EmbedEntities: true,
		Backoff:       backoff,
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := community.NewDetector(community.NewDetectorParams{
		Storage:       st,
		AIClient:      fake,
		Tokenizer:     tokens.NewWhitespaceTokenizer(),
		MaxLevels:     2,
		SummaryTokens: 200,
		Backoff:       backoff,
	})
	if err != nil {
		t.Fatal(err)
	}

	locker := leaselock.NewLocal()
	events := &recordedEvents{}
	h, err := NewHandler(NewHandlerParams{
		Graph:       g,
		Communities: d,
		Source:      files,
		Locker:      locker,
		Events:      events,
	})
	if err != nil {
		t.Fatal(err)
	}
	return handlerEnv{handler: h, store: st, files: files, ai: fake, locker: locker, events: events}
}

func (e handlerEnv) put(t *testing.T, key, text string) string {
	t.Helper()
	uri, err := e.files.Put(context.Background(), key, text, nil)
	if err != nil {
		t.Fatal(err)
	}
	return uri
}

func TestHandleIngest(t *testing.T) {
	ctx := context.Background()
	env := newHandlerEnv(t)
	uri := env.put(t, "notes/ada.txt", "Ada Lovelace wrote notes on the Analytical Engine.")

	if err := env.handler.Handle(ctx, IngestQueue, []byte(`{"ref":"`+uri+`"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	id := common.DocumentID(uri)
	doc, err := env.store.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != common.StatusCompleted {
		t.Fatalf("status = %s, want completed", doc.Status)
	}
	if doc.SourceURI != uri || doc.Metadata["filename"] != "ada.txt" {
		t.Errorf("document = %+v", doc)
	}

	ents, err := env.store.ListEntities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 2 {
		t.Errorf("entities = %d, want 2", len(ents))
	}

	if len(env.events.docs) != 1 || env.events.docs[0].Status != common.StatusCompleted {
		t.Errorf("events = %+v", env.events.docs)
	}

	// A second delivery of the same job is a no-op.
	calls := env.ai.Calls(extractName)
	if err := env.handler.Handle(ctx, IngestQueue, []byte(`{"ref":"`+uri+`"}`)); err != nil {
		t.Fatalf("Handle again: %v", err)
	}
	if got := env.ai.Calls(extractName); got != calls {
		t.Errorf("extraction calls = %d, want %d", got, calls)
	}

	// The reingest queue forces a fresh run.
	if err := env.handler.Handle(ctx, ReingestQueue, []byte(`{"ref":"`+uri+`"}`)); err != nil {
		t.Fatalf("Handle reingest: %v", err)
	}
	if got := env.ai.Calls(extractName); got <= calls {
		t.Errorf("extraction calls = %d, want more than %d", got, calls)
	}
}

func TestHandleDelete(t *testing.T) {
	ctx := context.Background()
	env := newHandlerEnv(t)
	uri := env.put(t, "ada.txt", "Ada Lovelace wrote notes on the Analytical Engine.")
	if err := env.handler.Handle(ctx, IngestQueue, []byte(`{"ref":"`+uri+`"}`)); err != nil {
		t.Fatal(err)
	}
	id := common.DocumentID(uri)

	body := []byte(`{"document_id":"` + id + `","cascade":true,"ref":"` + uri + `"}`)
	if err := env.handler.Handle(ctx, DeleteQueue, body); err != nil {
		t.Fatalf("Handle delete: %v", err)
	}
	if _, err := env.store.GetDocument(ctx, id); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("GetDocument err = %v, want not found", err)
	}
	ents, _ := env.store.ListEntities(ctx)
	if len(ents) != 0 {
		t.Errorf("entities after cascade = %d, want 0", len(ents))
	}
	if _, err := env.files.Fetch(ctx, uri); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Fetch err = %v, want not found", err)
	}

	// Deleting again is not an error.
	if err := env.handler.Handle(ctx, DeleteQueue, body); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestHandleMaintenance(t *testing.T) {
	ctx := context.Background()
	env := newHandlerEnv(t)
	uri := env.put(t, "ada.txt", "Ada Lovelace wrote notes on the Analytical Engine.")
	if err := env.handler.Handle(ctx, IngestQueue, []byte(`{"ref":"`+uri+`"}`)); err != nil {
		t.Fatal(err)
	}

	for _, q := range []string{DedupeQueue, CommunityQueue, ReembedQueue} {
		if err := env.handler.Handle(ctx, q, nil); err != nil {
			t.Errorf("Handle %s: %v", q, err)
		}
	}
	comms, err := env.store.ListCommunities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(comms) == 0 {
		t.Error("no communities after rebuild")
	}

	if err := env.handler.Handle(ctx, ReembedQueue, []byte(`{"kind":"chunk"}`)); err != nil {
		t.Errorf("reembed chunk: %v", err)
	}
	info, ok, err := env.store.Info(ctx, store.KindChunk)
	if err != nil || !ok || info.Model != "test-embed" {
		t.Errorf("chunk index = %+v, %v, %v", info, ok, err)
	}
}

func TestHandleBusyLease(t *testing.T) {
	ctx := context.Background()
	env := newHandlerEnv(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.locker.WithLease(ctx, leaselock.DedupeKey("default"), leaselock.Options{}, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := env.handler.Handle(ctx, DedupeQueue, nil)
	if !errors.Is(err, leaselock.ErrBusy) || !common.IsRetryable(err) {
		t.Errorf("err = %v, want retryable busy error", err)
	}
	// Other maintenance jobs use their own key.
	if err := env.handler.Handle(ctx, CommunityQueue, nil); err != nil {
		t.Errorf("community while dedupe held: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := env.handler.Handle(ctx, DedupeQueue, nil); err != nil {
		t.Errorf("dedupe after release: %v", err)
	}
}

func TestHandleInvalidJobs(t *testing.T) {
	ctx := context.Background()
	env := newHandlerEnv(t)

	tests := []struct {
		name  string
		queue string
		body  string
		want  error
	}{
		{"unknown queue", "frobnicate", `{}`, common.ErrConfiguration},
		{"broken json", IngestQueue, `{"ref":`, common.ErrConfiguration},
		{"ingest without ref", IngestQueue, `{}`, common.ErrConfiguration},
		{"missing file", IngestQueue, `{"ref":"missing.txt"}`, common.ErrNotFound},
		{"delete without id", DeleteQueue, `{"cascade":true}`, common.ErrConfiguration},
		{"unknown vector kind", ReembedQueue, `{"kind":"images"}`, common.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.handler.Handle(ctx, tt.queue, []byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHandler(NewHandlerParams{})
	if !errors.Is(err, common.ErrConfiguration) {
		t.Errorf("err = %v, want configuration error", err)
	}
}
