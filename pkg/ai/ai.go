package ai

import (
	"context"
	"fmt"
)

// ChatMessage is one turn of a conversation. Role is "user" or "assistant".
type ChatMessage struct {
	Message string `json:"message"`
	Role    string `json:"role"`
}

// GenerateOptions holds per-request settings.
type GenerateOptions struct {
	Model         string
	SystemPrompts []string
	Temperature   float64
	Thinking      string
}

// ModelMetrics accumulates token usage and timing of provider calls.
type ModelMetrics struct {
	Requests       int     `json:"requests"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	TokenPerSecond float32 `json:"tokens_per_second"`
}

// GenerateOption configures a single generation request.
type GenerateOption func(*GenerateOptions)

// WithModel overrides the adapter's default model.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts sets the system prompts sent before the user prompt.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// WithThinking enables reasoning mode where the provider supports it.
func WithThinking(thinking string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Thinking = thinking
	}
}

// ApplyOptions builds GenerateOptions from defaults and opts.
func ApplyOptions(defaults GenerateOptions, opts ...GenerateOption) GenerateOptions {
	for _, o := range opts {
		o(&defaults)
	}
	return defaults
}

// GraphAIClient is the provider contract used by the pipeline and the query
// router. Adapters classify failures: throttling and timeouts wrap
// common.ErrTransient, bad credentials or unknown models wrap
// common.ErrConfiguration and unparsable structured output wraps
// common.ErrMalformedOutput.
type GraphAIClient interface {
	GenerateCompletion(
		ctx context.Context,
		prompt string,
		opts ...GenerateOption,
	) (string, error)
	GenerateCompletionWithFormat(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...GenerateOption,
	) error
	GenerateChat(
		ctx context.Context,
		messages []ChatMessage,
		opts ...GenerateOption,
	) (string, error)

	// GenerateEmbeddings returns one vector per input in input order.
	GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
	// EmbeddingModel identifies the embedding space the vectors belong to.
	EmbeddingModel() string

	ResetMetrics()
	GetMetrics() ModelMetrics
}

// GenerateEmbedding embeds a single input.
func GenerateEmbedding(ctx context.Context, client GraphAIClient, input string) ([]float32, error) {
	res, err := client.GenerateEmbeddings(ctx, []string{input})
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(res))
	}
	return res[0], nil
}
