package ai

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// LimitedClient bounds the number of in-flight provider calls and their rate.
// Every method acquires a concurrency slot and a rate token before
// delegating to the wrapped client.
type LimitedClient struct {
	next    GraphAIClient
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// LimitParams configures NewLimitedClient. Zero values disable the limit.
type LimitParams struct {
	MaxConcurrent     int64
	RequestsPerSecond float64
	Burst             int
}

// NewLimitedClient wraps next with the given limits.
func NewLimitedClient(next GraphAIClient, params LimitParams) *LimitedClient {
	c := &LimitedClient{next: next}
	if params.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(params.MaxConcurrent)
	}
	if params.RequestsPerSecond > 0 {
		burst := params.Burst
		if burst <= 0 {
			burst = max(1, int(params.RequestsPerSecond))
		}
		c.limiter = rate.NewLimiter(rate.Limit(params.RequestsPerSecond), burst)
	}
	return c
}

func (c *LimitedClient) acquire(ctx context.Context) (func(), error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	release := func() {
		if c.sem != nil {
			c.sem.Release(1)
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

func (c *LimitedClient) GenerateCompletion(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return c.next.GenerateCompletion(ctx, prompt, opts...)
}

func (c *LimitedClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...GenerateOption,
) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return c.next.GenerateCompletionWithFormat(ctx, name, description, prompt, out, opts...)
}

func (c *LimitedClient) GenerateChat(ctx context.Context, messages []ChatMessage, opts ...GenerateOption) (string, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return c.next.GenerateChat(ctx, messages, opts...)
}

func (c *LimitedClient) GenerateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.next.GenerateEmbeddings(ctx, inputs)
}

func (c *LimitedClient) EmbeddingModel() string { return c.next.EmbeddingModel() }
func (c *LimitedClient) ResetMetrics()          { c.next.ResetMetrics() }
func (c *LimitedClient) GetMetrics() ModelMetrics {
	return c.next.GetMetrics()
}
