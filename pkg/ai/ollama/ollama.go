package ollama

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/ai"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

// GraphOllamaClient implements ai.GraphAIClient against an Ollama server.
type GraphOllamaClient struct {
	ai.MetricsRecorder

	chatModel      string
	extractModel   string
	embeddingModel string
	timeout        time.Duration

	encoder *tiktoken.Tiktoken

	Client *api.Client
}

// NewGraphOllamaClientParams configures NewGraphOllamaClient.
type NewGraphOllamaClientParams struct {
	ChatModel      string
	ExtractModel   string
	EmbeddingModel string

	BaseURL string
	ApiKey  string

	Timeout time.Duration
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewGraphOllamaClient connects to the Ollama server at BaseURL.
func NewGraphOllamaClient(params NewGraphOllamaClientParams) (*GraphOllamaClient, error) {
	var u *url.URL
	if params.BaseURL != "" {
		parsed, err := url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
		u = parsed
	}

	headers := map[string]string{}
	if params.ApiKey != "" {
		headers["Authorization"] = "Bearer " + params.ApiKey
	}
	httpClient := &http.Client{
		Transport: &headerTransport{headers: headers, rt: http.DefaultTransport},
	}

	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return nil, err
	}

	extractModel := params.ExtractModel
	if extractModel == "" {
		extractModel = params.ChatModel
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &GraphOllamaClient{
		chatModel:      params.ChatModel,
		extractModel:   extractModel,
		embeddingModel: params.EmbeddingModel,
		timeout:        timeout,
		encoder:        enc,
		Client:         api.NewClient(u, httpClient),
	}, nil
}

// EmbeddingModel returns the configured embedding model id.
func (c *GraphOllamaClient) EmbeddingModel() string {
	return c.embeddingModel
}

func (c *GraphOllamaClient) classify(ctx context.Context, op string, err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return ai.ClassifyStatus(op, statusErr.StatusCode, err)
	}
	return ai.ClassifyTransport(ctx, op, err)
}

// contextWindow returns a num_ctx large enough for the prompt, or 0 when the
// server default of 4096 suffices.
func (c *GraphOllamaClient) contextWindow(messages []api.Message) int {
	tokens := 512
	for _, m := range messages {
		tokens += len(c.encoder.Encode(m.Content, nil, nil))
	}
	if tokens <= 4096 {
		return 0
	}
	return tokens
}
