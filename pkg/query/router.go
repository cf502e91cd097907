// Package query answers natural-language questions from the knowledge graph.
// A Router dispatches each question to the Retriever of its mode, packs the
// retrieved context into a token budget and lets the model answer with
// citation markers that point back at the records it used.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/metrics"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"
)

// NoContextAnswer is returned when retrieval finds nothing to answer from.
const NoContextAnswer = "No relevant context was found in the knowledge graph to answer this question."

var ErrEmptyQuery = errors.New("empty query")

type Router struct {
	storage  store.Store
	aiClient ai.GraphAIClient
	embedder ai.GraphAIClient
	tok      tokens.Tokenizer
	metrics  *metrics.Collector
	backoff  util.Backoff

	defaultMode   Mode
	topK          int
	hopLimit      int
	tokenBudget   int
	minScore      float64
	model         string
	systemPrompts []string

	mu         sync.RWMutex
	retrievers map[Mode]Retriever
}

type NewRouterParams struct {
	Storage  store.Store
	AIClient ai.GraphAIClient
	// Embedder embeds query text. It defaults to AIClient and is usually
	// the same client wrapped in an embedding cache.
	Embedder  ai.GraphAIClient
	Tokenizer tokens.Tokenizer
	Metrics   *metrics.Collector
	Backoff   util.Backoff

	DefaultMode Mode
	TopK        int
	HopLimit    int
	// TokenBudget bounds the context handed to the model.
	TokenBudget int
	MinScore    float64
	// Model overrides the client's chat model for answers.
	Model         string
	SystemPrompts []string
}

func NewRouter(params NewRouterParams) (*Router, error) {
	if params.Storage == nil || params.AIClient == nil || params.Tokenizer == nil {
		return nil, fmt.Errorf("%w: query router needs a storage, an ai client and a tokenizer", common.ErrConfiguration)
	}

	r := &Router{
		storage:       params.Storage,
		aiClient:      params.AIClient,
		embedder:      params.Embedder,
		tok:           params.Tokenizer,
		metrics:       params.Metrics,
		backoff:       params.Backoff,
		defaultMode:   params.DefaultMode,
		topK:          params.TopK,
		hopLimit:      params.HopLimit,
		tokenBudget:   params.TokenBudget,
		minScore:      params.MinScore,
		model:         params.Model,
		systemPrompts: params.SystemPrompts,
		retrievers:    map[Mode]Retriever{},
	}
	if r.embedder == nil {
		r.embedder = r.aiClient
	}
	if r.defaultMode == "" {
		r.defaultMode = ModeGraphVector
	}
	if !r.defaultMode.IsValid() {
		return nil, fmt.Errorf("%w: default query mode: %w", common.ErrConfiguration, ErrUnknownMode)
	}
	if r.topK <= 0 {
		r.topK = 10
	}
	if r.hopLimit < 0 {
		r.hopLimit = 0
	}
	if r.tokenBudget <= 0 {
		r.tokenBudget = 8000
	}
	if r.backoff.MaxTries == 0 {
		r.backoff = util.DefaultBackoff()
	}

	r.Register(ModeVectorOnly, vectorRetriever{storage: r.storage})
	r.Register(ModeEntityVector, entityVectorRetriever{storage: r.storage})
	r.Register(ModeGraphOnly, graphRetriever{storage: r.storage})
	r.Register(ModeGraphVector, hybridRetriever{storage: r.storage})
	r.Register(ModeCommunity, communityRetriever{storage: r.storage})
	return r, nil
}

// Register installs the retriever for a mode, replacing any previous one.
func (r *Router) Register(mode Mode, retriever Retriever) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrievers[mode] = retriever
}

func (r *Router) retriever(mode Mode) (Retriever, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret, ok := r.retrievers[mode]
	return ret, ok
}

// Request is one question. Zero values of the tuning fields fall back to
// the router defaults.
type Request struct {
	Query    string           `json:"query" validate:"required"`
	Mode     Mode             `json:"mode"`
	History  []ai.ChatMessage `json:"history,omitempty"`
	TopK     int              `json:"top_k,omitempty" validate:"min=0,max=100"`
	HopLimit int              `json:"hop_limit,omitempty" validate:"min=0,max=5"`
	Tracer   Tracer           `json:"-"`
}

type Response struct {
	Answer string `json:"answer"`
	Mode   Mode   `json:"mode"`
	// Sources lists every record that was part of the context.
	Sources []Citation `json:"sources"`
	// Citations lists the records the answer cites, in order of appearance.
	Citations []Citation `json:"citations"`
	NoContext bool       `json:"no_context"`
}

// Query answers a question. Retrieval that finds nothing yields
// NoContextAnswer without calling the model.
func (r *Router) Query(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	text := strings.TrimSpace(req.Query)
	if text == "" {
		return Response{}, ErrEmptyQuery
	}
	mode := req.Mode
	if mode == "" {
		mode = r.defaultMode
	}
	retriever, ok := r.retriever(mode)
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	q := Question{
		Text:     text,
		TopK:     r.topK,
		HopLimit: r.hopLimit,
		MinScore: r.minScore,
		Model:    r.embedder.EmbeddingModel(),
		Embed:    r.lazyEmbedding(text),
	}
	if req.TopK > 0 {
		q.TopK = req.TopK
	}
	if req.HopLimit > 0 {
		q.HopLimit = req.HopLimit
	}

	items, err := retriever.Retrieve(ctx, q)
	if err != nil {
		return Response{}, fmt.Errorf("retrieve %s context: %w", mode, err)
	}
	record(req.Tracer, TraceEventRetrieved, mode, itemCitations(items))

	kept, lines := fitBudget(r.tok, items, r.tokenBudget)
	record(req.Tracer, TraceEventUsed, mode, itemCitations(kept))
	logger.Debug("[Query] Context assembled", "mode", mode, "retrieved", len(items), "used", len(kept))

	if len(kept) == 0 {
		r.metrics.Query(mode.String(), false, time.Since(start))
		return Response{Answer: NoContextAnswer, Mode: mode, NoContext: true, Sources: []Citation{}, Citations: []Citation{}}, nil
	}

	sources, allowed := sourcesOf(kept)
	answer, err := r.answer(ctx, req.History, text, strings.Join(lines, "\n\n"))
	if err != nil {
		return Response{}, err
	}

	answer = util.NormalizeCitations(answer)
	answer = util.StripCitations(answer, func(c util.Citation) bool {
		cit, ok := citationFromMarker(c)
		if !ok {
			return false
		}
		_, ok = allowed[cit]
		return ok
	})
	cited := []Citation{}
	for _, c := range util.ExtractCitations(answer) {
		if cit, ok := citationFromMarker(c); ok {
			cited = append(cited, cit)
		}
	}
	record(req.Tracer, TraceEventCited, mode, cited)

	r.metrics.Query(mode.String(), true, time.Since(start))
	logger.Info("[Query] Answered", "mode", mode, "sources", len(sources), "citations", len(cited), "duration", time.Since(start))
	return Response{
		Answer:    strings.TrimSpace(answer),
		Mode:      mode,
		Sources:   sources,
		Citations: cited,
	}, nil
}

func (r *Router) answer(ctx context.Context, history []ai.ChatMessage, question, contextText string) (string, error) {
	systemPrompts := append([]string{fmt.Sprintf(ai.QueryPrompt, contextText)}, r.systemPrompts...)
	opts := []ai.GenerateOption{ai.WithSystemPrompts(systemPrompts...)}
	if r.model != "" {
		opts = append(opts, ai.WithModel(r.model))
	}

	msgs := make([]ai.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, ai.ChatMessage{Role: "user", Message: question})

	t := time.Now()
	res, err := util.RetryWithContext(ctx, r.backoff, func(ctx context.Context) (string, error) {
		return r.aiClient.GenerateChat(ctx, msgs, opts...)
	})
	r.metrics.LLMCall("query", err, time.Since(t))
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	return res, nil
}

// lazyEmbedding embeds text once, on the first call of the returned func.
func (r *Router) lazyEmbedding(text string) func(context.Context) ([]float32, error) {
	var (
		once sync.Once
		vec  []float32
		err  error
	)
	return func(ctx context.Context) ([]float32, error) {
		once.Do(func() {
			t := time.Now()
			vec, err = util.RetryWithContext(ctx, r.backoff, func(ctx context.Context) ([]float32, error) {
				return ai.GenerateEmbedding(ctx, r.embedder, text)
			})
			r.metrics.LLMCall("embed", err, time.Since(t))
			if err == nil && len(vec) == 0 {
				err = fmt.Errorf("%w: embedding provider returned an empty vector", common.ErrConfiguration)
			}
			if err != nil {
				err = fmt.Errorf("embed query: %w", err)
			}
		})
		return vec, err
	}
}

func itemCitations(items []Item) []Citation {
	out := make([]Citation, len(items))
	for i, it := range items {
		out[i] = Citation{Kind: it.Kind, ID: it.ID}
	}
	return out
}

// sourcesOf returns the citable records of the context in order, and the
// same records as a set.
func sourcesOf(items []Item) ([]Citation, map[Citation]struct{}) {
	allowed := map[Citation]struct{}{}
	sources := []Citation{}
	for _, it := range items {
		for _, ref := range it.Refs {
			if _, ok := allowed[ref]; ok {
				continue
			}
			allowed[ref] = struct{}{}
			sources = append(sources, ref)
		}
	}
	return sources, allowed
}
