package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

// GenerateCompletion sends a single-turn prompt and returns the plain text reply.
func (c *GraphOpenAIClient) GenerateCompletion(
	ctx context.Context,
	prompt string,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{Model: c.chatModel, Temperature: 0.3}, opts...)

	response, err := c.complete(ctx, "completion", options, []ai.ChatMessage{{Role: "user", Message: prompt}}, nil)
	if err != nil {
		return "", err
	}
	return response, nil
}

// GenerateCompletionWithFormat requests JSON matching the schema of out and
// unmarshals the reply into it.
func (c *GraphOpenAIClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	options := ai.ApplyOptions(ai.GenerateOptions{Model: c.extractModel, Temperature: 0.1}, opts...)

	format := &openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:        name,
				Description: openai.String(description),
				Schema:      ai.GenerateSchema(out),
				Strict:      openai.Bool(true),
			},
		},
	}

	message, err := c.complete(ctx, name, options, []ai.ChatMessage{{Role: "user", Message: prompt}}, format)
	if err != nil {
		return err
	}
	if message == "" {
		return ai.Malformed(name, fmt.Errorf("empty response from model"))
	}
	if err := ai.UnmarshalFlexible(message, out); err != nil {
		return ai.Malformed(name, err)
	}
	return nil
}

// GenerateChat sends a multi-turn conversation and returns the assistant reply.
func (c *GraphOpenAIClient) GenerateChat(
	ctx context.Context,
	messages []ai.ChatMessage,
	opts ...ai.GenerateOption,
) (string, error) {
	options := ai.ApplyOptions(ai.GenerateOptions{Model: c.chatModel, Temperature: 0.2}, opts...)
	return c.complete(ctx, "chat", options, messages, nil)
}

func (c *GraphOpenAIClient) complete(
	ctx context.Context,
	op string,
	options ai.GenerateOptions,
	messages []ai.ChatMessage,
	format *openai.ChatCompletionNewParamsResponseFormatUnion,
) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(options.SystemPrompts)+len(messages))
	for _, sp := range options.SystemPrompts {
		msgs = append(msgs, openai.SystemMessage(sp))
	}
	for _, message := range messages {
		switch message.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(message.Message))
		default:
			msgs = append(msgs, openai.UserMessage(message.Message))
		}
	}

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(options.Model),
		Messages:    msgs,
		Temperature: openai.Float(options.Temperature),
	}
	if format != nil {
		body.ResponseFormat = *format
	}
	if options.Thinking != "" {
		// reasoning models on the hosted API only accept temperature 1.0
		if c.chatURL == "" {
			body.Temperature = openai.Float(1.0)
		}
		body.ReasoningEffort = shared.ReasoningEffort(options.Thinking)
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	response, err := c.ChatClient.Chat.Completions.New(rCtx, body)
	if err != nil {
		return "", c.classify(ctx, op, err)
	}

	c.AddMetrics(ai.ModelMetrics{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: int(response.Usage.CompletionTokens),
		TotalTokens:  int(response.Usage.TotalTokens),
		DurationMs:   time.Since(start).Milliseconds(),
	})

	if len(response.Choices) == 0 {
		return "", ai.Malformed(op, fmt.Errorf("no choices in response from model"))
	}
	return response.Choices[0].Message.Content, nil
}
