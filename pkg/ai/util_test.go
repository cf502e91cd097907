package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	type person struct {
		Name string `json:"name"`
		Age  int    `json:"age,omitempty"`
	}

	tests := []struct {
		name  string
		input string
		want  person
	}{
		{
			name:  "valid json object",
			input: `{"name":"John"}`,
			want:  person{Name: "John"},
		},
		{
			name:  "unquoted key and single quotes",
			input: `{name: 'John'}`,
			want:  person{Name: "John"},
		},
		{
			name:  "trailing comma",
			input: `{"name":"John",}`,
			want:  person{Name: "John"},
		},
		{
			name:  "code fence",
			input: "```json\n{\"name\":\"John\",\"age\":3}\n```",
			want:  person{Name: "John", Age: 3},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"name\": \"John\"\n}\n",
			want:  person{Name: "John"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got person
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	var got struct {
		Name string `json:"name"`
	}
	if err := UnmarshalFlexible("hello", &got); err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}
	if err := UnmarshalFlexible("   ", &got); err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for empty input")
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("provider said no")
	tests := []struct {
		status int
		class  error
	}{
		{http.StatusTooManyRequests, common.ErrTransient},
		{http.StatusBadGateway, common.ErrTransient},
		{http.StatusUnauthorized, common.ErrConfiguration},
		{http.StatusNotFound, common.ErrConfiguration},
	}
	for _, tt := range tests {
		err := ClassifyStatus("chat", tt.status, base)
		if !errors.Is(err, tt.class) || !errors.Is(err, base) {
			t.Errorf("status %d: got %v", tt.status, err)
		}
	}
	if err := ClassifyStatus("chat", http.StatusBadRequest, base); errors.Is(err, common.ErrTransient) {
		t.Errorf("400 must not be transient")
	}
}

func TestClassifyTransport(t *testing.T) {
	err := ClassifyTransport(context.Background(), "embed", context.DeadlineExceeded)
	if !common.IsRetryable(err) {
		t.Fatalf("per-request timeout must be retryable, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ClassifyTransport(ctx, "embed", fmt.Errorf("wrapped: %w", context.Canceled))
	if common.IsRetryable(err) {
		t.Fatalf("cancelled context must not be retryable")
	}
}

func TestMetricsRecorder(t *testing.T) {
	var r MetricsRecorder
	r.AddMetrics(ModelMetrics{InputTokens: 10, OutputTokens: 10, TotalTokens: 20, DurationMs: 1000})
	r.AddMetrics(ModelMetrics{TotalTokens: 20, DurationMs: 1000})

	m := r.GetMetrics()
	if m.Requests != 2 || m.TotalTokens != 40 || m.TokenPerSecond != 20 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	r.ResetMetrics()
	if m := r.GetMetrics(); m.Requests != 0 {
		t.Fatalf("expected reset metrics, got %+v", m)
	}
}

type countingClient struct {
	MetricsRecorder
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (c *countingClient) track() func() {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return func() { c.inFlight.Add(-1) }
}

func (c *countingClient) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	defer c.track()()
	return prompt, nil
}

func (c *countingClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...GenerateOption) error {
	defer c.track()()
	return nil
}

func (c *countingClient) GenerateChat(ctx context.Context, messages []ChatMessage, opts ...GenerateOption) (string, error) {
	defer c.track()()
	return "", nil
}

func (c *countingClient) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	defer c.track()()
	return make([][]float32, len(inputs)), nil
}

func (c *countingClient) EmbeddingModel() string { return "counting" }

func TestLimitedClientBoundsConcurrency(t *testing.T) {
	inner := &countingClient{}
	client := NewLimitedClient(inner, LimitParams{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.GenerateCompletion(context.Background(), "x"); err != nil {
				t.Errorf("completion: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := inner.peak.Load(); peak > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak)
	}
	if client.EmbeddingModel() != "counting" {
		t.Fatalf("embedding model not delegated")
	}
}

func TestLimitedClientRespectsContext(t *testing.T) {
	client := NewLimitedClient(&countingClient{}, LimitParams{RequestsPerSecond: 0.001, Burst: 1})
	if _, err := client.GenerateEmbeddings(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("first call should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.GenerateEmbeddings(ctx, []string{"b"}); err == nil {
		t.Fatalf("expected rate limiter to give up on the short context")
	}
}
