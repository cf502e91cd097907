package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/OFFIS-RIT/catalyst/pkg/ai"

	"github.com/ollama/ollama/api"
)

// GenerateCompletion sends a single-turn prompt and returns assistant text.
func (c *GraphOllamaClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{Model: c.chatModel, Temperature: 0.3}, opts...)
	return c.chat(ctx, "completion", options, []ai.ChatMessage{{Role: "user", Message: prompt}}, nil)
}

// GenerateCompletionWithFormat enforces a JSON schema and unmarshals into out.
func (c *GraphOllamaClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	rv := reflect.ValueOf(out)
	if out == nil || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("out must be a non-nil pointer")
	}

	formatBytes, err := json.Marshal(ai.GenerateSchema(out))
	if err != nil {
		return err
	}

	options := ai.ApplyOptions(ai.GenerateOptions{Model: c.extractModel, Temperature: 0.1}, opts...)
	content, err := c.chat(ctx, name, options, []ai.ChatMessage{{Role: "user", Message: prompt}}, json.RawMessage(formatBytes))
	if err != nil {
		return err
	}
	if content == "" {
		return ai.Malformed(name, fmt.Errorf("empty response from model"))
	}
	if err := ai.UnmarshalFlexible(content, out); err != nil {
		return ai.Malformed(name, err)
	}
	return nil
}

// GenerateChat sends a multi-turn conversation and returns the reply.
func (c *GraphOllamaClient) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{Model: c.chatModel, Temperature: 0.2}, opts...)
	return c.chat(ctx, "chat", options, messages, nil)
}

func (c *GraphOllamaClient) chat(
	ctx context.Context,
	op string,
	options ai.GenerateOptions,
	messages []ai.ChatMessage,
	format json.RawMessage,
) (string, error) {
	msgs := make([]api.Message, 0, len(options.SystemPrompts)+len(messages))
	for _, sp := range options.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sp})
	}
	for _, m := range messages {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		msgs = append(msgs, api.Message{Role: role, Content: m.Message})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Stream:   &stream,
		Format:   format,
		Options:  map[string]any{"temperature": options.Temperature},
	}
	if options.Thinking != "" {
		req.Think = &api.ThinkValue{Value: options.Thinking}
	}
	if numCtx := c.contextWindow(msgs); numCtx > 0 {
		req.Options["num_ctx"] = numCtx
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var final api.ChatResponse
	err := c.Client.Chat(rCtx, req, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		if cr.Done {
			final.Done = true
			final.Metrics = cr.Metrics
		}
		return nil
	})
	if err != nil {
		return "", c.classify(ctx, op, err)
	}

	c.AddMetrics(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})

	return final.Message.Content, nil
}
