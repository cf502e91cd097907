// Package app assembles the components shared by the server and the
// worker from the loaded configuration.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/catalyst/internal/config"
	"github.com/OFFIS-RIT/catalyst/internal/storage"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/ai/cache"
	oai "github.com/OFFIS-RIT/catalyst/pkg/ai/ollama"
	gai "github.com/OFFIS-RIT/catalyst/pkg/ai/openai"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/community"
	"github.com/OFFIS-RIT/catalyst/pkg/graph"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/metrics"
	"github.com/OFFIS-RIT/catalyst/pkg/query"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/redis/go-redis/v9"
)

// NewAIClient creates the provider adapter selected by cfg.AI.Adapter and
// wraps it with the concurrency and rate limits. When rdb is not nil
// embeddings are cached in Redis.
func NewAIClient(cfg config.AIConfig, rdb redis.UniversalClient) (ai.GraphAIClient, error) {
	var client ai.GraphAIClient

	switch strings.ToLower(cfg.Adapter) {
	case "ollama":
		c, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			ChatModel:      cfg.ChatModel,
			ExtractModel:   cfg.ExtractModel,
			EmbeddingModel: cfg.EmbedModel,

			BaseURL: cfg.ChatURL,
			ApiKey:  cfg.ChatKey,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: create ollama client: %w", common.ErrConfiguration, err)
		}
		client = c
	case "openai", "":
		client = gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			ChatModel:      cfg.ChatModel,
			ExtractModel:   cfg.ExtractModel,
			EmbeddingModel: cfg.EmbedModel,

			ChatURL:      cfg.ChatURL,
			ChatKey:      cfg.ChatKey,
			EmbeddingURL: cfg.EmbedURL,
			EmbeddingKey: cfg.EmbedKey,
			Timeout:      cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("%w: unknown AI adapter %q", common.ErrConfiguration, cfg.Adapter)
	}

	if rdb != nil {
		client = cache.NewEmbeddingCache(cache.NewEmbeddingCacheParams{Client: client, Redis: rdb})
	}
	return ai.NewLimitedClient(client, ai.LimitParams{
		MaxConcurrent:     cfg.MaxConcurrent,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}), nil
}

// NewRedis connects to the embedding cache. An empty url disables it.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse REDIS_URL: %w", common.ErrConfiguration, err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: ping redis: %w", common.ErrTransient, err)
	}
	return rdb, nil
}

// NewPool opens a Postgres pool whose connections know the vector type.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse DATABASE_URL: %w", common.ErrConfiguration, err)
	}
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to database: %w", common.ErrTransient, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %w", common.ErrTransient, err)
	}
	return pool, nil
}

// NewFileStore returns the local document store when DocumentsDir is set
// and the S3 store otherwise.
func NewFileStore(ctx context.Context, cfg config.Config) (storage.FileStore, error) {
	if cfg.DocumentsDir != "" {
		logger.Info("[App] Serving documents from disk", "dir", cfg.DocumentsDir)
		return storage.NewLocalStore(cfg.DocumentsDir)
	}
	client, err := storage.NewS3Client(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}
	return storage.NewS3Store(client, cfg.S3.Bucket), nil
}

// Components are the pipeline parts built on one store and provider.
type Components struct {
	Graph     *graph.GraphClient
	Detector  *community.Detector
	Router    *query.Router
	Tokenizer tokens.Tokenizer
}

// NewComponents builds the graph client, community detector and query
// router from the configuration.
func NewComponents(cfg config.Config, st store.Store, aiClient ai.GraphAIClient, m *metrics.Collector) (Components, error) {
	tok, err := tokens.Get(cfg.Chunk.Encoding)
	if err != nil {
		return Components{}, err
	}

	g, err := graph.NewGraphClient(graph.NewGraphClientParams{
		Storage:  st,
		Index:    st,
		AIClient: aiClient,
		Metrics:  m,

		Tokenizer: tok,
		MaxTokens: cfg.Chunk.MaxTokens,
		Overlap:   cfg.Chunk.Overlap,
		MaxChunks: cfg.Chunk.MaxChunks(),

		Schema:             cfg.Extract.Schema,
		ParallelFiles:      cfg.Pipeline.ParallelFiles,
		ParallelAiRequests: cfg.Pipeline.ParallelAIRequests,
		MaxRetries:         cfg.Extract.MaxRetries,
		StoreRetries:       cfg.Pipeline.StoreRetries,
		EmbedBatchSize:     cfg.Pipeline.EmbedBatchSize,
		EmbedEntities:      cfg.Pipeline.EmbedEntities,
		Dedupe: graph.DedupeParams{
			ScoreThreshold:    cfg.Dedupe.ScoreThreshold,
			DistanceThreshold: cfg.Dedupe.DistanceThreshold,
			K:                 cfg.Dedupe.K,
			MaxIterations:     cfg.Dedupe.MaxIterations,
		},
	})
	if err != nil {
		return Components{}, err
	}

	d, err := community.NewDetector(community.NewDetectorParams{
		Storage:        st,
		AIClient:       aiClient,
		Tokenizer:      tok,
		Metrics:        m,
		MaxLevels:      cfg.Community.MaxLevels,
		SummaryTokens:  cfg.Community.SummaryTokens,
		Parallel:       cfg.Pipeline.ParallelAIRequests,
		EmbedBatchSize: cfg.Pipeline.EmbedBatchSize,
	})
	if err != nil {
		return Components{}, err
	}

	mode, err := query.ParseMode(cfg.Query.DefaultMode)
	if err != nil {
		return Components{}, fmt.Errorf("%w: QUERY_DEFAULT_MODE: %w", common.ErrConfiguration, err)
	}
	r, err := query.NewRouter(query.NewRouterParams{
		Storage:     st,
		DefaultMode: mode,
		AIClient:    aiClient,
		Tokenizer:   tok,
		Metrics:     m,
		TopK:        cfg.Query.TopK,
		HopLimit:    cfg.Query.HopLimit,
		TokenBudget: cfg.Query.TokenBudget,
		MinScore:    cfg.Query.MinScore,
		Model:       cfg.AI.ChatModel,
	})
	if err != nil {
		return Components{}, err
	}

	return Components{Graph: g, Detector: d, Router: r, Tokenizer: tok}, nil
}
