package graph

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai/aitest"
	"github.com/OFFIS-RIT/catalyst/pkg/store/memory"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"
)

const testModel = "test-embed"

// threeSentences splits into exactly three six-token chunks.
const threeSentences = "Alice Smith founded Acme Corp yesterday." +
	" Bob Jones joined Acme Corporation today." +
	" Carol Lee visited Springfield last week."

func ent(name, typ, desc string, aliases ...string) extractEntity {
	return extractEntity{Name: name, Type: typ, Description: desc, Aliases: aliases}
}

func rel(src, typ, tgt, desc string) extractRelationship {
	return extractRelationship{Source: src, Type: typ, Target: tgt, Description: desc}
}

func answer(ents []extractEntity, rels ...extractRelationship) string {
	b, _ := json.Marshal(extractResponse{Entities: ents, Relationships: rels})
	return string(b)
}

// scripted answers a prompt with the response of the first key (in sorted
// order) contained in it, or with an empty extraction.
func scripted(answers map[string]string) aitest.CompleteFunc {
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return func(ctx context.Context, name, prompt string) (string, error) {
		for _, k := range keys {
			if strings.Contains(prompt, k) {
				return answers[k], nil
			}
		}
		return `{"entities":[],"relationships":[]}`, nil
	}
}

// nameEmbedder embeds entity texts by their comparison name so that
// spellings of one organization land on the same vector.
func nameEmbedder(dim int) func(string) []float32 {
	words := aitest.Words(dim)
	return func(text string) []float32 {
		name, _, found := strings.Cut(text, " (")
		if !found {
			return words(text)
		}
		return words(DedupeName(name))
	}
}

// acmeScript is the extraction of threeSentences.
func acmeScript() map[string]string {
	return map[string]string{
		"Alice Smith": answer(
			[]extractEntity{
				ent("Alice Smith", "person", "Founder of Acme Corp"),
				ent("Acme Corp", "organization", "A company founded by Alice Smith"),
			},
			rel("Alice Smith", "founded", "Acme Corp", "Alice Smith founded Acme Corp"),
		),
		"Bob Jones": answer(
			[]extractEntity{
				ent("Bob Jones", "PERSON", "Employee of Acme"),
				ent("Acme Corporation", "ORGANIZATION", "A company Bob Jones joined"),
			},
			rel("Bob Jones", "WORKS_FOR", "Acme Corporation", "Bob Jones joined Acme Corporation"),
		),
		"Carol Lee": answer(
			[]extractEntity{
				ent("Carol Lee", "PERSON", "A visitor"),
				ent("Springfield", "LOCATION", "A town"),
			},
			rel("Carol Lee", "VISITED", "Springfield", "Carol Lee visited Springfield"),
		),
	}
}

type testEnv struct {
	store  *memory.Store
	fake   *aitest.Client
	client *GraphClient
}

func newTestEnv(t *testing.T, answers map[string]string, mod func(*NewGraphClientParams)) *testEnv {
	t.Helper()

	var tick int64
	st := memory.New(memory.WithClock(func() time.Time {
		tick++
		return time.Unix(1_700_000_000+tick, 0)
	}))
	fake := aitest.New(testModel, 32)
	fake.Embed = nameEmbedder(32)
	fake.Complete = scripted(answers)

	params := NewGraphClientParams{
		Storage:            st,
		Index:              st,
		AIClient:           fake,
		Tokenizer:          tokens.NewWhitespaceTokenizer(),
		MaxTokens:          6,
		ParallelFiles:      2,
		ParallelAiRequests: 3,
		MaxRetries:         1,
		EmbedEntities:      true,
		Backoff: util.Backoff{
			MaxTries:     2,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	}
	if mod != nil {
		mod(&params)
	}
	client, err := NewGraphClient(params)
	if err != nil {
		t.Fatalf("NewGraphClient: %v", err)
	}
	return &testEnv{store: st, fake: fake, client: client}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
