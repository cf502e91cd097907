package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GraphOllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewGraphOllamaClient(NewGraphOllamaClientParams{
		ChatModel:      "llama",
		EmbeddingModel: "nomic",
		BaseURL:        srv.URL,
		Timeout:        5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestEmbed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "nomic",
			"embeddings":        [][]float32{{1, 0}, {0, 1}},
			"prompt_eval_count": 6,
		})
	})

	vecs, err := client.GenerateEmbeddings(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 2 || vecs[1][1] != 1 {
		t.Fatalf("unexpected vectors %v", vecs)
	}
	if m := client.GetMetrics(); m.InputTokens != 6 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestChatWithFormat(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama",
			"message":           map[string]any{"role": "assistant", "content": `{"names":["ACME"]}`},
			"done":              true,
			"prompt_eval_count": 3,
			"eval_count":        2,
		})
	})

	var out struct {
		Names []string `json:"names"`
	}
	if err := client.GenerateCompletionWithFormat(context.Background(), "names", "names", "x", &out); err != nil {
		t.Fatalf("format: %v", err)
	}
	if len(out.Names) != 1 || out.Names[0] != "ACME" {
		t.Fatalf("unexpected output %+v", out)
	}
	if m := client.GetMetrics(); m.TotalTokens != 5 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"model is loading"}`))
	})

	_, err := client.GenerateEmbeddings(context.Background(), []string{"x"})
	if !errors.Is(err, common.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
