// Package aitest provides a scripted ai.GraphAIClient for tests.
package aitest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/OFFIS-RIT/catalyst/pkg/ai"
)

// CompleteFunc answers one prompt. name is the structured output name, or
// "completion" and "chat" for free-form calls.
type CompleteFunc func(ctx context.Context, name, prompt string) (string, error)

// Client is a fake provider. Completions are delegated to Complete and
// structured output is parsed the way the real adapters parse it, so an
// unparsable answer surfaces as common.ErrMalformedOutput.
type Client struct {
	ai.MetricsRecorder

	Model    string
	Complete CompleteFunc
	Embed    func(text string) []float32
	// EmbedErr, when set, is returned by every embedding call.
	EmbedErr error

	mu         sync.Mutex
	calls      map[string]int
	embedCalls int
}

// New returns a client that embeds with Words(dim) and answers every
// prompt with an empty JSON object.
func New(model string, dim int) *Client {
	return &Client{
		Model: model,
		Embed: Words(dim),
		Complete: func(context.Context, string, string) (string, error) {
			return "{}", nil
		},
	}
}

func (c *Client) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[name]++
}

// Calls returns how often prompts of the given name were answered.
func (c *Client) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// EmbedCalls returns the number of embedding requests.
func (c *Client) EmbedCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.embedCalls
}

func (c *Client) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	c.record("completion")
	return c.Complete(ctx, "completion", prompt)
}

func (c *Client) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	c.record(name)
	res, err := c.Complete(ctx, name, prompt)
	if err != nil {
		return err
	}
	if err := ai.UnmarshalFlexible(res, out); err != nil {
		return ai.Malformed(name, err)
	}
	return nil
}

func (c *Client) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	c.record("chat")
	// system prompts first, then the last message
	parts := ai.ApplyOptions(ai.GenerateOptions{}, opts...).SystemPrompts
	if len(messages) > 0 {
		parts = append(parts, messages[len(messages)-1].Message)
	}
	return c.Complete(ctx, "chat", strings.Join(parts, "\n\n"))
}

func (c *Client) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	c.mu.Lock()
	c.embedCalls++
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EmbedErr != nil {
		return nil, c.EmbedErr
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = c.Embed(in)
	}
	return out, nil
}

func (c *Client) EmbeddingModel() string {
	return c.Model
}

// Words returns a bag-of-words embedder: every lower-cased word is hashed
// into one of dim buckets and the result is normalized. Texts sharing words
// score a positive cosine; texts with the same words score 1.
func Words(dim int) func(string) []float32 {
	return func(text string) []float32 {
		vec := make([]float32, dim)
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			h := fnv.New32a()
			h.Write([]byte(w))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec
		}
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
		return vec
	}
}
