package openai

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// GraphOpenAIClient talks to OpenAI compatible endpoints. Chat and
// embeddings may point at different hosts.
//
// A GraphOpenAIClient should be created using NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	ai.MetricsRecorder

	chatModel      string
	extractModel   string
	embeddingModel string
	chatURL        string
	timeout        time.Duration

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewGraphOpenAIClientParams configures NewGraphOpenAIClient.
//
// ExtractModel defaults to ChatModel. EmbeddingURL and EmbeddingKey default
// to the chat endpoint.
type NewGraphOpenAIClientParams struct {
	ChatModel      string
	ExtractModel   string
	EmbeddingModel string

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string

	Timeout time.Duration
}

// NewGraphOpenAIClient creates an OpenAI backed ai.GraphAIClient.
//
// Example:
//
//	client := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
//		ChatModel:      "gpt-4o-mini",
//		EmbeddingModel: "text-embedding-3-small",
//		ChatKey:        os.Getenv("OPENAI_API_KEY"),
//	})
func NewGraphOpenAIClient(params NewGraphOpenAIClientParams) *GraphOpenAIClient {
	extractModel := params.ExtractModel
	if extractModel == "" {
		extractModel = params.ChatModel
	}
	embedURL, embedKey := params.EmbeddingURL, params.EmbeddingKey
	if embedURL == "" && embedKey == "" {
		embedURL, embedKey = params.ChatURL, params.ChatKey
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &GraphOpenAIClient{
		chatModel:      params.ChatModel,
		extractModel:   extractModel,
		embeddingModel: params.EmbeddingModel,
		chatURL:        params.ChatURL,
		timeout:        timeout,

		ChatClient:      newOpenaiClient(params.ChatURL, params.ChatKey),
		EmbeddingClient: newOpenaiClient(embedURL, embedKey),
	}
}

func newOpenaiClient(baseURL string, apiKey string) *openai.Client {
	options := []option.RequestOption{
		// retries are handled by the pipeline's backoff policy
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)
	return &client
}

// EmbeddingModel returns the configured embedding model id.
func (c *GraphOpenAIClient) EmbeddingModel() string {
	return c.embeddingModel
}

func (c *GraphOpenAIClient) classify(ctx context.Context, op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return ai.ClassifyStatus(op, apiErr.StatusCode, err)
	}
	return ai.ClassifyTransport(ctx, op, err)
}
