package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GraphOpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewGraphOpenAIClient(NewGraphOpenAIClientParams{
		ChatModel:      "chat-model",
		EmbeddingModel: "embed-model",
		ChatURL:        srv.URL,
		ChatKey:        "test",
		Timeout:        5 * time.Second,
	})
}

func TestGenerateEmbeddingsKeepsModelDimensions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "embed-model",
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float64{0, 1, 0}},
				{"object": "embedding", "index": 0, "embedding": []float64{1, 0, 0}},
			},
			"usage": map[string]any{"prompt_tokens": 4, "total_tokens": 4},
		})
	})

	vecs, err := client.GenerateEmbeddings(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embeddings: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 3 || vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("unexpected vectors: %v", vecs)
	}
	if m := client.GetMetrics(); m.TotalTokens != 4 || m.Requests != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if client.EmbeddingModel() != "embed-model" {
		t.Fatalf("unexpected model %q", client.EmbeddingModel())
	}
}

func TestGenerateEmbeddingsRejectsEmptyInput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	if _, err := client.GenerateEmbeddings(context.Background(), []string{"ok", "  "}); err == nil {
		t.Fatalf("expected error for blank input")
	}
}

func TestThrottlingIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	})

	_, err := client.GenerateCompletion(context.Background(), "hi")
	if !errors.Is(err, common.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestUnauthorizedIsConfiguration(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	})

	_, err := client.GenerateEmbeddings(context.Background(), []string{"x"})
	if !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCompletionWithFormatMalformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "c1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "chat-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "sorry, no json today"},
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	})

	var out struct {
		Names []string `json:"names"`
	}
	err := client.GenerateCompletionWithFormat(context.Background(), "names", "names", "x", &out)
	if !errors.Is(err, common.ErrMalformedOutput) {
		t.Fatalf("expected malformed output error, got %v", err)
	}
}
