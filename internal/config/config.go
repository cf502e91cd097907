package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/common"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration. It is read once at start-up and
// handed to each component through its params struct.
type Config struct {
	Debug   bool
	LogJSON bool
	Port    string

	DatabaseURL string
	RedisURL    string
	// DocumentsDir, when set, serves documents from the local file system
	// instead of S3.
	DocumentsDir string

	RabbitMQ RabbitMQConfig
	S3       S3Config
	AI       AIConfig

	Chunk     ChunkConfig
	Extract   ExtractConfig
	Pipeline  PipelineConfig
	Dedupe    DedupeConfig
	Community CommunityConfig
	Query     QueryConfig
	Worker    WorkerConfig
}

type RabbitMQConfig struct {
	User     string
	Password string
	Host     string
	Port     string
}

// URL returns the AMQP connection string.
func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", c.User, c.Password, c.Host, c.Port)
}

type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

type AIConfig struct {
	Adapter           string
	ChatURL           string
	ChatKey           string
	ChatModel         string
	ExtractModel      string
	EmbedURL          string
	EmbedKey          string
	EmbedModel        string
	MaxConcurrent     int64
	RequestsPerSecond float64
	Timeout           time.Duration
}

type ChunkConfig struct {
	MaxTokens      int
	Overlap        int
	MaxTotalTokens int
	Encoding       string
}

// MaxChunks is the per-document chunk cap, 0 when unlimited.
func (c ChunkConfig) MaxChunks() int {
	if c.MaxTotalTokens <= 0 || c.MaxTokens <= 0 {
		return 0
	}
	return max(1, c.MaxTotalTokens/c.MaxTokens)
}

type ExtractConfig struct {
	MaxRetries int
	Schema     common.Schema
}

type PipelineConfig struct {
	ParallelFiles      int
	ParallelAIRequests int
	StoreRetries       int
	EmbedBatchSize     int
	EmbedEntities      bool
}

type DedupeConfig struct {
	ScoreThreshold    float64
	DistanceThreshold int
	K                 int
	MaxIterations     int
}

type CommunityConfig struct {
	MaxLevels     int
	SummaryTokens int
}

// WorkerConfig controls the job consumer. Scope names the graph in lease
// keys.
type WorkerConfig struct {
	Scope      string
	LockTTL    time.Duration
	StaleAfter time.Duration
}

type QueryConfig struct {
	DefaultMode string
	TopK        int
	HopLimit    int
	TokenBudget int
	MinScore    float64
}

// Load reads the configuration from the environment. An optional YAML file
// named by SCHEMA_FILE overrides the extraction allow-lists.
func Load() (Config, error) {
	maxTokens := util.GetEnvInt("CHUNK_MAX_TOKENS", 2000)

	cfg := Config{
		Debug:        util.GetEnvBool("DEBUG", false),
		LogJSON:      util.GetEnvBool("LOG_JSON", false),
		Port:         util.GetEnvString("PORT", "8080"),
		DatabaseURL:  util.GetEnv("DATABASE_URL"),
		RedisURL:     util.GetEnv("REDIS_URL"),
		DocumentsDir: util.GetEnv("DOCUMENTS_DIR"),
		RabbitMQ: RabbitMQConfig{
			User:     util.GetEnvString("RABBITMQ_USER", "guest"),
			Password: util.GetEnvString("RABBITMQ_PASSWORD", "guest"),
			Host:     util.GetEnvString("RABBITMQ_HOST", "localhost"),
			Port:     util.GetEnvString("RABBITMQ_PORT", "5672"),
		},
		S3: S3Config{
			Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
			Endpoint:  util.GetEnv("AWS_ENDPOINT"),
			AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
			SecretKey: util.GetEnv("AWS_SECRET_KEY"),
			Bucket:    util.GetEnvString("AWS_BUCKET", "catalyst"),
		},
		AI: AIConfig{
			Adapter:           util.GetEnvString("AI_ADAPTER", "openai"),
			ChatURL:           util.GetEnv("AI_CHAT_URL"),
			ChatKey:           util.GetEnv("AI_CHAT_KEY"),
			ChatModel:         util.GetEnv("AI_CHAT_MODEL"),
			ExtractModel:      util.GetEnv("AI_CHAT_EXTRACT_MODEL"),
			EmbedURL:          util.GetEnv("AI_EMBED_URL"),
			EmbedKey:          util.GetEnv("AI_EMBED_KEY"),
			EmbedModel:        util.GetEnv("AI_EMBED_MODEL"),
			MaxConcurrent:     int64(util.GetEnvInt("AI_PARALLEL_REQ", 15)),
			RequestsPerSecond: util.GetEnvNumeric("AI_REQUESTS_PER_SECOND", 0),
			Timeout:           util.GetEnvDuration("AI_TIMEOUT", 2*time.Minute),
		},
		Chunk: ChunkConfig{
			MaxTokens:      maxTokens,
			Overlap:        util.GetEnvInt("CHUNK_OVERLAP", max(1, maxTokens/10)),
			MaxTotalTokens: util.GetEnvInt("CHUNK_MAX_TOTAL_TOKENS", 0),
			Encoding:       util.GetEnvString("CHUNK_ENCODING", "o200k_base"),
		},
		Extract: ExtractConfig{
			MaxRetries: util.GetEnvInt("EXTRACT_MAX_RETRIES", 3),
			Schema: common.Schema{
				EntityTypes:       util.GetEnvList("EXTRACT_ENTITY_TYPES", nil),
				RelationshipTypes: util.GetEnvList("EXTRACT_RELATIONSHIP_TYPES", nil),
			},
		},
		Pipeline: PipelineConfig{
			ParallelFiles:      util.GetEnvInt("PARALLEL_FILES", 4),
			ParallelAIRequests: util.GetEnvInt("PARALLEL_AI_REQUESTS", 8),
			StoreRetries:       util.GetEnvInt("STORE_MAX_RETRIES", 5),
			EmbedBatchSize:     util.GetEnvInt("EMBED_BATCH_SIZE", 64),
			EmbedEntities:      util.GetEnvBool("EMBED_ENTITIES", true),
		},
		Dedupe: DedupeConfig{
			ScoreThreshold:    util.GetEnvNumeric("DEDUPE_SCORE_THRESHOLD", 0.97),
			DistanceThreshold: util.GetEnvInt("DEDUPE_DISTANCE_THRESHOLD", 3),
			K:                 util.GetEnvInt("DEDUPE_K", 10),
			MaxIterations:     util.GetEnvInt("DEDUPE_MAX_ITERATIONS", 5),
		},
		Community: CommunityConfig{
			MaxLevels:     util.GetEnvInt("COMMUNITY_MAX_LEVELS", 3),
			SummaryTokens: util.GetEnvInt("COMMUNITY_SUMMARY_TOKENS", 6000),
		},
		Query: QueryConfig{
			DefaultMode: util.GetEnvString("QUERY_DEFAULT_MODE", "graph+vector"),
			TopK:        util.GetEnvInt("QUERY_TOP_K", 10),
			HopLimit:    util.GetEnvInt("QUERY_HOP_LIMIT", 2),
			TokenBudget: util.GetEnvInt("QUERY_TOKEN_BUDGET", 8000),
			MinScore:    util.GetEnvNumeric("QUERY_MIN_SCORE", 0.2),
		},
		Worker: WorkerConfig{
			Scope:      util.GetEnvString("GRAPH_SCOPE", "default"),
			LockTTL:    util.GetEnvDuration("LOCK_TTL", 5*time.Minute),
			StaleAfter: util.GetEnvDuration("STALE_AFTER", 30*time.Minute),
		},
	}

	if path := util.GetEnv("SCHEMA_FILE"); path != "" {
		schema, err := LoadSchemaFile(path)
		if err != nil {
			return cfg, err
		}
		cfg.Extract.Schema = schema
	}

	return cfg, nil
}

// LoadSchemaFile reads an extraction schema from YAML:
//
//	entity_types: [PERSON, ORGANIZATION]
//	relationship_types: [WORKS_FOR]
func LoadSchemaFile(path string) (common.Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return common.Schema{}, fmt.Errorf("%w: read schema file: %w", common.ErrConfiguration, err)
	}
	return ParseSchema(raw)
}

func ParseSchema(raw []byte) (common.Schema, error) {
	var schema common.Schema
	if err := yaml.Unmarshal(raw, &schema); err != nil {
		return common.Schema{}, fmt.Errorf("%w: parse schema file: %w", common.ErrConfiguration, err)
	}
	for i, t := range schema.EntityTypes {
		schema.EntityTypes[i] = common.NormalizeType(t)
	}
	for i, t := range schema.RelationshipTypes {
		schema.RelationshipTypes[i] = common.NormalizeType(t)
	}
	return schema, nil
}

// Validate reports every setting that makes the pipeline impossible to run.
// All returned errors wrap common.ErrConfiguration.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{common.ErrConfiguration}, args...)...))
	}

	switch strings.ToLower(c.AI.Adapter) {
	case "openai":
		if c.AI.ChatKey == "" && c.AI.ChatURL == "" {
			add("AI_CHAT_KEY or AI_CHAT_URL is required for the openai adapter")
		}
	case "ollama":
		if c.AI.ChatURL == "" {
			add("AI_CHAT_URL is required for the ollama adapter")
		}
	default:
		add("unknown AI_ADAPTER %q", c.AI.Adapter)
	}
	if c.AI.ChatModel == "" {
		add("AI_CHAT_MODEL is required")
	}
	if c.AI.EmbedModel == "" {
		add("AI_EMBED_MODEL is required")
	}
	if c.Chunk.MaxTokens <= 0 {
		add("CHUNK_MAX_TOKENS must be positive")
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.MaxTokens {
		add("CHUNK_OVERLAP must be in [0, CHUNK_MAX_TOKENS)")
	}
	if c.Dedupe.ScoreThreshold <= 0 || c.Dedupe.ScoreThreshold > 1 {
		add("DEDUPE_SCORE_THRESHOLD must be in (0, 1]")
	}
	if c.Dedupe.DistanceThreshold < 0 {
		add("DEDUPE_DISTANCE_THRESHOLD must not be negative")
	}
	if c.Query.TokenBudget <= 0 {
		add("QUERY_TOKEN_BUDGET must be positive")
	}
	if c.DatabaseURL == "" {
		add("DATABASE_URL is required")
	}
	if c.Community.MaxLevels <= 0 {
		add("COMMUNITY_MAX_LEVELS must be positive")
	}

	return errors.Join(errs...)
}
