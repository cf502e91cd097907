package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/common"

	"github.com/ollama/ollama/api"
)

// GenerateEmbeddings embeds all inputs with one Embed call.
func (c *GraphOllamaClient) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	for i, in := range inputs {
		if strings.TrimSpace(in) == "" {
			return nil, fmt.Errorf("embedding input %d is empty", i)
		}
	}
	if c.embeddingModel == "" {
		return nil, fmt.Errorf("%w: no embedding model configured", common.ErrConfiguration)
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.Client.Embed(rCtx, &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: inputs,
	})
	if err != nil {
		return nil, c.classify(ctx, "embedding", err)
	}

	c.AddMetrics(ai.ModelMetrics{
		InputTokens: res.PromptEvalCount,
		TotalTokens: res.PromptEvalCount,
		DurationMs:  res.TotalDuration.Milliseconds(),
	})

	if len(res.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(res.Embeddings), len(inputs))
	}
	out := make([][]float32, len(res.Embeddings))
	for i, v := range res.Embeddings {
		if len(v) != len(res.Embeddings[0]) {
			return nil, fmt.Errorf("%w: embedding dimensions differ within one response", common.ErrConfiguration)
		}
		vec := make([]float32, len(v))
		for j, val := range v {
			vec[j] = float32(val)
		}
		out[i] = vec
	}
	return out, nil
}
