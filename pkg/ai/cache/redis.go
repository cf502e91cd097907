package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// EmbeddingCache wraps an ai.GraphAIClient and stores embeddings in Redis,
// keyed by embedding model and input hash. Concurrent requests for the same
// inputs share one provider call. Cache failures fall through to the provider.
type EmbeddingCache struct {
	ai.GraphAIClient

	rdb     redis.UniversalClient
	ttl     time.Duration
	prefix  string
	timeout time.Duration
	group   singleflight.Group
}

// NewEmbeddingCacheParams configures NewEmbeddingCache.
type NewEmbeddingCacheParams struct {
	Client ai.GraphAIClient
	Redis  redis.UniversalClient
	TTL    time.Duration
	Prefix string
	// Timeout bounds a shared provider call, which outlives the caller
	// that started it. Defaults to two minutes.
	Timeout time.Duration
}

func NewEmbeddingCache(params NewEmbeddingCacheParams) *EmbeddingCache {
	prefix := params.Prefix
	if prefix == "" {
		prefix = "catalyst:emb"
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &EmbeddingCache{
		GraphAIClient: params.Client,
		rdb:           params.Redis,
		ttl:           params.TTL,
		prefix:        prefix,
		timeout:       timeout,
	}
}

func (c *EmbeddingCache) key(input string) string {
	sum := sha256.Sum256([]byte(input))
	return c.prefix + ":" + c.EmbeddingModel() + ":" + hex.EncodeToString(sum[:])
}

// GenerateEmbeddings returns cached vectors and embeds only the misses.
func (c *EmbeddingCache) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	flightKey := c.EmbeddingModel() + "\x00" + strings.Join(inputs, "\x00")
	ch := c.group.DoChan(flightKey, func() (any, error) {
		// detached from the first caller so its cancellation does not fail the others
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.generate(fctx, inputs)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	// copy the outer slice, callers of a shared flight must not alias each other
	shared := res.Val.([][]float32)
	out := make([][]float32, len(shared))
	copy(out, shared)
	return out, nil
}

func (c *EmbeddingCache) generate(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	keys := make([]string, len(inputs))
	for i, in := range inputs {
		keys[i] = c.key(in)
	}

	cached, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Warn("[Cache] Redis lookup failed, embedding without cache", "err", err)
		cached = nil
	}

	missIdx := make([]int, 0, len(inputs))
	missIn := make([]string, 0, len(inputs))
	for i := range inputs {
		if i < len(cached) {
			if raw, ok := cached[i].(string); ok {
				if vec, err := decodeVector([]byte(raw)); err == nil {
					out[i] = vec
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
		missIn = append(missIn, inputs[i])
	}
	if len(missIn) == 0 {
		return out, nil
	}

	vecs, err := c.GraphAIClient.GenerateEmbeddings(ctx, missIn)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missIn) {
		return nil, fmt.Errorf("embedding result size mismatch: got %d want %d", len(vecs), len(missIn))
	}

	pipe := c.rdb.Pipeline()
	for j, idx := range missIdx {
		out[idx] = vecs[j]
		pipe.Set(ctx, keys[idx], encodeVector(vecs[j]), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("[Cache] Redis write failed", "err", err)
	}
	return out, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("invalid cached vector length %d", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
