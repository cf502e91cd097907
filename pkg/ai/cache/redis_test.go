package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/ai"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubClient struct {
	ai.MetricsRecorder
	calls  atomic.Int64
	inputs atomic.Int64
	// release, when set, holds every call until closed or cancelled.
	release chan struct{}
}

func (s *stubClient) GenerateCompletion(context.Context, string, ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (s *stubClient) GenerateCompletionWithFormat(context.Context, string, string, string, any, ...ai.GenerateOption) error {
	return nil
}

func (s *stubClient) GenerateChat(context.Context, []ai.ChatMessage, ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (s *stubClient) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	s.calls.Add(1)
	s.inputs.Add(int64(len(inputs)))
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		time.Sleep(10 * time.Millisecond)
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{float32(len(in)), 0.5}
	}
	return out, nil
}

func (s *stubClient) EmbeddingModel() string { return "stub-embed" }

func newCache(t *testing.T) (*EmbeddingCache, *stubClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	stub := &stubClient{}
	return NewEmbeddingCache(NewEmbeddingCacheParams{Client: stub, Redis: rdb, TTL: time.Hour}), stub, mr
}

func TestEmbeddingCacheHitsAndMisses(t *testing.T) {
	c, stub, _ := newCache(t)
	ctx := context.Background()

	first, err := c.GenerateEmbeddings(ctx, []string{"acme", "anvil"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := c.GenerateEmbeddings(ctx, []string{"anvil", "roadrunner"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if stub.inputs.Load() != 3 {
		t.Fatalf("expected 3 embedded inputs, got %d", stub.inputs.Load())
	}
	if first[1][0] != second[0][0] || second[0][0] != 5 {
		t.Fatalf("cached vector mismatch: %v vs %v", first[1], second[0])
	}
	if second[1][0] != 10 || second[1][1] != 0.5 {
		t.Fatalf("unexpected vector %v", second[1])
	}
}

func TestEmbeddingCacheSingleflight(t *testing.T) {
	c, stub, _ := newCache(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GenerateEmbeddings(context.Background(), []string{"same question"}); err != nil {
				t.Errorf("embed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := stub.calls.Load(); calls > 2 {
		t.Fatalf("expected concurrent identical requests to be collapsed, got %d provider calls", calls)
	}
}

func TestEmbeddingCacheCancelledCallerDoesNotFailOthers(t *testing.T) {
	c, stub, _ := newCache(t)
	stub.release = make(chan struct{})
	inputs := []string{"shared question"}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GenerateEmbeddings(ctx, inputs)
		firstErr <- err
	}()
	for stub.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		vecs [][]float32
		err  error
	}
	second := make(chan result, 1)
	go func() {
		vecs, err := c.GenerateEmbeddings(context.Background(), inputs)
		second <- result{vecs, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller err = %v, want context.Canceled", err)
	}
	close(stub.release)

	got := <-second
	if got.err != nil {
		t.Fatalf("second caller failed with the first caller's cancellation: %v", got.err)
	}
	if len(got.vecs) != 1 || got.vecs[0][0] != float32(len(inputs[0])) {
		t.Fatalf("unexpected vectors %v", got.vecs)
	}
	if calls := stub.calls.Load(); calls != 1 {
		t.Fatalf("provider calls = %d, want 1", calls)
	}
}

func TestEmbeddingCacheSurvivesRedisOutage(t *testing.T) {
	c, stub, mr := newCache(t)
	mr.Close()

	vecs, err := c.GenerateEmbeddings(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("expected provider fallback, got %v", err)
	}
	if len(vecs) != 1 || stub.calls.Load() != 1 {
		t.Fatalf("unexpected result %v after %d calls", vecs, stub.calls.Load())
	}
}

func TestVectorCodec(t *testing.T) {
	in := []float32{1.5, -2, 0, 3.25}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("codec mismatch at %d: %v vs %v", i, in, out)
		}
	}
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated vector")
	}
}
