package query

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai/aitest"
	"github.com/OFFIS-RIT/catalyst/pkg/ai/cache"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
	"github.com/OFFIS-RIT/catalyst/pkg/store/memory"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testModel = "test-embed"

var markerRe = regexp.MustCompile(`\[\[[a-z]:[^][]+\]\]`)

// echoAnswer cites every marker of the prompt plus one that was never part
// of the context.
func echoAnswer(_ context.Context, _, prompt string) (string, error) {
	markers := markerRe.FindAllString(prompt, -1)
	return "Here is what the graph says. " + strings.Join(markers, " ") + " [[c:invented-0]]", nil
}

var (
	alice       = common.EntityID("Alice Smith", "PERSON")
	acme        = common.EntityID("Acme Corp", "ORGANIZATION")
	springfield = common.EntityID("Springfield", "LOCATION")
	bob         = common.EntityID("Bob Jones", "PERSON")
	globex      = common.EntityID("Globex", "ORGANIZATION")
)

func ent(name, typ string) common.Entity {
	return common.Entity{ID: common.EntityID(name, typ), Name: name, Type: typ, Description: name + " is mentioned in the text"}
}

func rel(src, typ, tgt string) common.Relationship {
	return common.Relationship{ID: common.RelationshipID(src, typ, tgt), SourceID: src, TargetID: tgt, Type: typ}
}

// seedGraph builds two unconnected stories with chunk, entity and community
// vectors.
func seedGraph(t *testing.T, st *memory.Store, embed func(string) []float32) {
	t.Helper()
	ctx := context.Background()
	must(t, st.SaveDocument(ctx, common.Document{ID: "d", Status: common.StatusCompleted}))
	chunks := []common.Chunk{
		{ID: "d-0", DocumentID: "d", Seq: 0, Text: "Alice Smith works for Acme Corp in Springfield."},
		{ID: "d-1", DocumentID: "d", Seq: 1, Text: "Bob Jones founded Globex in Shelbyville."},
	}
	must(t, st.SaveChunks(ctx, "d", chunks))
	must(t, st.WriteFragment(ctx, common.Fragment{
		DocumentID: "d", ChunkID: "d-0",
		Entities: []common.Entity{
			ent("Alice Smith", "PERSON"), ent("Acme Corp", "ORGANIZATION"), ent("Springfield", "LOCATION"),
		},
		Relationships: []common.Relationship{
			rel(alice, "WORKS_FOR", acme), rel(acme, "LOCATED_IN", springfield),
		},
	}))
	must(t, st.WriteFragment(ctx, common.Fragment{
		DocumentID: "d", ChunkID: "d-1",
		Entities:      []common.Entity{ent("Bob Jones", "PERSON"), ent("Globex", "ORGANIZATION")},
		Relationships: []common.Relationship{rel(bob, "FOUNDED", globex)},
	}))

	var chunkVecs []store.Vector
	for _, c := range chunks {
		chunkVecs = append(chunkVecs, store.Vector{ID: c.ID, Values: embed(c.Text)})
	}
	must(t, st.Upsert(ctx, store.KindChunk, testModel, chunkVecs))

	ents, err := st.ListEntities(ctx)
	must(t, err)
	var entVecs []store.Vector
	for _, e := range ents {
		entVecs = append(entVecs, store.Vector{ID: e.ID, Values: embed(e.Name)})
	}
	must(t, st.Upsert(ctx, store.KindEntity, testModel, entVecs))

	must(t, st.ReplaceCommunities(ctx, "run_a", testModel, []common.Community{
		{
			ID: "com_a_0_0", Level: 0, Members: []string{alice, acme, springfield},
			Title: "Acme", Summary: "Alice Smith works for Acme Corp in Springfield.",
			Embedding: embed("Alice Smith Acme Corp Springfield"),
		},
		{
			ID: "com_a_0_1", Level: 0, Members: []string{bob, globex},
			Title: "Globex", Summary: "Bob Jones founded Globex in Shelbyville.",
			Embedding: embed("Bob Jones Globex Shelbyville"),
		},
	}))
}

func newRouter(t *testing.T, st store.Store, fake *aitest.Client, mod func(*NewRouterParams)) *Router {
	t.Helper()
	params := NewRouterParams{
		Storage:     st,
		AIClient:    fake,
		Tokenizer:   tokens.NewWhitespaceTokenizer(),
		Backoff:     util.Backoff{MaxTries: 1, InitialDelay: time.Millisecond},
		TopK:        1,
		HopLimit:    2,
		TokenBudget: 4000,
	}
	if mod != nil {
		mod(&params)
	}
	r, err := NewRouter(params)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"graph+vector", ModeGraphVector, false},
		{"graph vector", ModeGraphVector, false},
		{"GRAPH_VECTOR", ModeGraphVector, false},
		{" vector-only ", ModeVectorOnly, false},
		{"vector_only", ModeVectorOnly, false},
		{"graph-only", ModeGraphOnly, false},
		{"entity-vector", ModeEntityVector, false},
		{"community", ModeCommunity, false},
		{"", "", true},
		{"keyword", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) err = %v", tt.in, err)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrUnknownMode) {
			t.Errorf("ParseMode(%q) err = %v, want ErrUnknownMode", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if Mode("keyword").IsValid() {
		t.Fatalf("unknown mode reported valid")
	}
}

func TestVectorOnlyEmptyGraph(t *testing.T) {
	fake := aitest.New(testModel, 64)
	fake.Complete = echoAnswer
	r := newRouter(t, memory.New(), fake, nil)

	res, err := r.Query(context.Background(), Request{Query: "What does Acme make?", Mode: ModeVectorOnly})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !res.NoContext || res.Answer != NoContextAnswer {
		t.Fatalf("response = %+v, want the no-context answer", res)
	}
	if len(res.Citations) != 0 || len(res.Sources) != 0 {
		t.Fatalf("empty context must not cite anything: %+v", res)
	}
	if got := fake.Calls("chat"); got != 0 {
		t.Fatalf("chat calls = %d, want 0", got)
	}
}

func TestQueryModes(t *testing.T) {
	tests := []struct {
		mode    Mode
		query   string
		want    []Citation
		without []Citation
	}{
		{
			mode:    ModeVectorOnly,
			query:   "Where does Alice Smith work?",
			want:    []Citation{{ItemChunk, "d-0"}},
			without: []Citation{{ItemChunk, "d-1"}},
		},
		{
			mode:    ModeEntityVector,
			query:   "Alice Smith",
			want:    []Citation{{ItemEntity, alice}, {ItemChunk, "d-0"}},
			without: []Citation{{ItemEntity, bob}},
		},
		{
			mode:    ModeGraphOnly,
			query:   "Who founded Globex?",
			want:    []Citation{{ItemEntity, globex}, {ItemEntity, bob}},
			without: []Citation{{ItemEntity, alice}, {ItemChunk, "d-1"}},
		},
		{
			mode:    ModeGraphVector,
			query:   "Where does Alice Smith work?",
			want:    []Citation{{ItemChunk, "d-0"}, {ItemEntity, alice}, {ItemEntity, acme}, {ItemEntity, springfield}},
			without: []Citation{{ItemEntity, globex}, {ItemChunk, "d-1"}},
		},
		{
			mode:    ModeCommunity,
			query:   "Who founded Globex in Shelbyville?",
			want:    []Citation{{ItemCommunity, "com_a_0_1"}},
			without: []Citation{{ItemCommunity, "com_a_0_0"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			fake := aitest.New(testModel, 512)
			fake.Complete = echoAnswer
			st := memory.New()
			seedGraph(t, st, fake.Embed)
			r := newRouter(t, st, fake, nil)

			res, err := r.Query(context.Background(), Request{Query: tt.query, Mode: tt.mode})
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if res.NoContext || res.Mode != tt.mode {
				t.Fatalf("response = %+v", res)
			}
			has := map[Citation]bool{}
			for _, c := range res.Sources {
				has[c] = true
			}
			for _, c := range tt.want {
				if !has[c] {
					t.Errorf("sources %v miss %v", res.Sources, c)
				}
			}
			for _, c := range tt.without {
				if has[c] {
					t.Errorf("sources %v unexpectedly hold %v", res.Sources, c)
				}
			}
			if !reflect.DeepEqual(res.Citations, res.Sources) {
				t.Fatalf("citations = %v, want the context sources %v", res.Citations, res.Sources)
			}
			if strings.Contains(res.Answer, "invented") || strings.Contains(res.Answer, "doc-3") {
				t.Fatalf("answer kept markers outside the context: %q", res.Answer)
			}
		})
	}
}

func TestQueryTokenBudget(t *testing.T) {
	fake := aitest.New(testModel, 512)
	fake.Complete = echoAnswer
	st := memory.New()
	seedGraph(t, st, fake.Embed)

	// The first chunk renders to ten whitespace tokens, the second to eight.
	r := newRouter(t, st, fake, func(p *NewRouterParams) {
		p.TopK = 2
		p.TokenBudget = 12
	})
	trace := NewQueryTrace()
	res, err := r.Query(context.Background(), Request{Query: "Alice Smith and Bob", Mode: ModeVectorOnly, Tracer: trace})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if want := []Citation{{ItemChunk, "d-0"}}; !reflect.DeepEqual(res.Sources, want) {
		t.Fatalf("sources = %v, want %v", res.Sources, want)
	}
	snap := trace.Snapshot()
	if len(snap.Retrieved) != 2 || len(snap.Used) != 1 || len(snap.Cited) != 1 {
		t.Fatalf("trace = %+v", snap)
	}

	tiny := newRouter(t, st, fake, func(p *NewRouterParams) {
		p.TopK = 2
		p.TokenBudget = 2
	})
	calls := fake.Calls("chat")
	res, err = tiny.Query(context.Background(), Request{Query: "Alice Smith and Bob", Mode: ModeVectorOnly})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !res.NoContext {
		t.Fatalf("nothing fits the budget, want the no-context answer, got %+v", res)
	}
	if fake.Calls("chat") != calls {
		t.Fatalf("no-context answer must not call the model")
	}
}

func TestQueryRequestErrors(t *testing.T) {
	fake := aitest.New(testModel, 64)
	r := newRouter(t, memory.New(), fake, nil)

	if _, err := r.Query(context.Background(), Request{Query: "  "}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("err = %v, want ErrEmptyQuery", err)
	}
	if _, err := r.Query(context.Background(), Request{Query: "q", Mode: "keyword"}); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("err = %v, want ErrUnknownMode", err)
	}
}

func TestRegisterCustomMode(t *testing.T) {
	fake := aitest.New(testModel, 64)
	fake.Complete = echoAnswer
	r := newRouter(t, memory.New(), fake, nil)

	r.Register("static", RetrieverFunc(func(ctx context.Context, q Question) ([]Item, error) {
		return []Item{{
			Kind: ItemChunk, ID: "faq-0", Text: "The office opens at nine.",
			Refs: []Citation{{ItemChunk, "faq-0"}},
		}}, nil
	}))
	res, err := r.Query(context.Background(), Request{Query: "When does the office open?", Mode: "static"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if want := []Citation{{ItemChunk, "faq-0"}}; !reflect.DeepEqual(res.Citations, want) {
		t.Fatalf("citations = %v, want %v", res.Citations, want)
	}
	if fake.EmbedCalls() != 0 {
		t.Fatalf("a retriever that never embeds must not cost an embedding call")
	}
}

func TestQueryDimensionMismatch(t *testing.T) {
	fake := aitest.New(testModel, 512)
	st := memory.New()
	seedGraph(t, st, fake.Embed)
	fake.Embed = aitest.Words(8)

	r := newRouter(t, st, fake, nil)
	_, err := r.Query(context.Background(), Request{Query: "Alice", Mode: ModeVectorOnly})
	if !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestQueryModelMismatch(t *testing.T) {
	fake := aitest.New(testModel, 512)
	fake.Complete = echoAnswer
	st := memory.New()
	seedGraph(t, st, fake.Embed)
	// Same dimension, different embedding space.
	fake.Model = "other-embed"

	r := newRouter(t, st, fake, nil)
	for _, mode := range []Mode{ModeVectorOnly, ModeEntityVector, ModeGraphVector, ModeCommunity} {
		t.Run(mode.String(), func(t *testing.T) {
			_, err := r.Query(context.Background(), Request{Query: "Alice Smith Acme Corp", Mode: mode})
			if !errors.Is(err, common.ErrConfiguration) {
				t.Fatalf("err = %v, want ErrConfiguration", err)
			}
		})
	}
	if fake.Calls("chat") != 0 {
		t.Fatalf("chat calls = %d, want 0", fake.Calls("chat"))
	}

	// The graph walk does not touch vectors and keeps working.
	res, err := r.Query(context.Background(), Request{Query: "Alice Smith", Mode: ModeGraphOnly})
	if err != nil || res.NoContext {
		t.Fatalf("graph-only = %+v, %v", res, err)
	}
}

func TestQueryEmbeddingCache(t *testing.T) {
	fake := aitest.New(testModel, 512)
	fake.Complete = echoAnswer
	st := memory.New()
	seedGraph(t, st, fake.Embed)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := newRouter(t, st, fake, func(p *NewRouterParams) {
		p.Embedder = cache.NewEmbeddingCache(cache.NewEmbeddingCacheParams{
			Client: fake,
			Redis:  rdb,
			TTL:    time.Minute,
		})
	})
	for range 3 {
		if _, err := r.Query(context.Background(), Request{Query: "Who is Alice Smith?", Mode: ModeCommunity}); err != nil {
			t.Fatalf("Query: %v", err)
		}
	}
	if got := fake.EmbedCalls(); got != 1 {
		t.Fatalf("embed calls = %d, want 1", got)
	}
}

func TestNeighbours(t *testing.T) {
	fake := aitest.New(testModel, 64)
	st := memory.New()
	seedGraph(t, st, fake.Embed)
	r := newRouter(t, st, fake, nil)

	nb, err := r.Neighbours(context.Background(), acme)
	if err != nil {
		t.Fatalf("Neighbours: %v", err)
	}
	if nb.Entity.ID != acme {
		t.Fatalf("entity = %s", nb.Entity.ID)
	}
	got := map[string]bool{}
	for _, e := range nb.Neighbours {
		got[e.ID] = true
	}
	if len(got) != 2 || !got[alice] || !got[springfield] {
		t.Fatalf("neighbours = %v", got)
	}
	if len(nb.Relationships) != 2 {
		t.Fatalf("relationships = %d, want 2", len(nb.Relationships))
	}

	if _, err := r.Neighbours(context.Background(), "ent_missing"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
