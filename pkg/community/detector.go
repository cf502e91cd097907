// Package community clusters the entity graph into a hierarchy of
// communities and writes an LLM report for each of them.
package community

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/graph"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/metrics"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
	"github.com/OFFIS-RIT/catalyst/pkg/tokens"

	"golang.org/x/sync/errgroup"
)

// Detector rebuilds the community set. A rebuild reads the live graph,
// clusters it, summarizes and embeds every community and swaps the result
// in at once; readers see either the old or the new set.
type Detector struct {
	storage  store.GraphStorage
	aiClient ai.GraphAIClient
	tok      tokens.Tokenizer
	metrics  *metrics.Collector

	maxLevels      int
	summaryTokens  int
	parallel       int
	embedBatchSize int
	backoff        util.Backoff
}

type NewDetectorParams struct {
	Storage   store.GraphStorage
	AIClient  ai.GraphAIClient
	Tokenizer tokens.Tokenizer
	Metrics   *metrics.Collector

	// MaxLevels caps the hierarchy depth, level 0 included.
	MaxLevels int
	// SummaryTokens bounds the community text sent in one summary prompt.
	// Larger communities are summarized in sub-batches whose reports are
	// merged.
	SummaryTokens  int
	Parallel       int
	EmbedBatchSize int
	Backoff        util.Backoff
}

func NewDetector(params NewDetectorParams) (*Detector, error) {
	if params.Storage == nil || params.AIClient == nil {
		return nil, fmt.Errorf("%w: community detector needs a storage and an ai client", common.ErrConfiguration)
	}
	if params.Tokenizer == nil {
		return nil, fmt.Errorf("%w: community detector needs a tokenizer", common.ErrConfiguration)
	}

	d := &Detector{
		storage:        params.Storage,
		aiClient:       params.AIClient,
		tok:            params.Tokenizer,
		metrics:        params.Metrics,
		maxLevels:      params.MaxLevels,
		summaryTokens:  params.SummaryTokens,
		parallel:       max(1, params.Parallel),
		embedBatchSize: params.EmbedBatchSize,
		backoff:        params.Backoff,
	}
	if d.maxLevels <= 0 {
		d.maxLevels = 3
	}
	if d.summaryTokens <= 0 {
		d.summaryTokens = 6000
	}
	if d.embedBatchSize <= 0 {
		d.embedBatchSize = 64
	}
	if d.backoff.MaxTries == 0 {
		d.backoff = util.DefaultBackoff()
	}
	return d, nil
}

// Result describes a finished rebuild.
type Result struct {
	RunID       string        `json:"run_id"`
	Levels      int           `json:"levels"`
	Communities int           `json:"communities"`
	Duration    time.Duration `json:"duration"`
}

// Rebuild replaces the community set with a fresh detection run. When ctx
// is cancelled before the swap the previous set stays in place.
func (d *Detector) Rebuild(ctx context.Context) (res Result, err error) {
	start := time.Now()
	res.RunID = util.NewID("run")
	defer func() {
		res.Duration = time.Since(start)
		d.metrics.CommunityRun(err, res.Communities)
	}()

	ents, err := d.storage.ListEntities(ctx)
	if err != nil {
		return res, fmt.Errorf("list entities: %w", err)
	}
	rels, err := d.storage.ListRelationships(ctx)
	if err != nil {
		return res, fmt.Errorf("list relationships: %w", err)
	}
	logger.Info("[Community] Detecting communities", "run", res.RunID, "entities", len(ents), "relationships", len(rels))

	ids := make([]string, len(ents))
	for i, e := range ents {
		ids[i] = e.ID
	}
	g := NewGraph(ids)
	for _, r := range rels {
		g.AddEdge(r.SourceID, r.TargetID, float64(r.Weight()))
	}
	levels := g.Hierarchy(d.maxLevels)
	comms := buildCommunities(res.RunID, g.Nodes(), levels)

	if err := d.summarize(ctx, comms, ents, rels); err != nil {
		return res, err
	}

	var flat []common.Community
	for _, level := range comms {
		flat = append(flat, level...)
	}
	if err := d.embed(ctx, flat); err != nil {
		return res, err
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := d.storage.ReplaceCommunities(ctx, res.RunID, d.aiClient.EmbeddingModel(), flat); err != nil {
		return res, fmt.Errorf("replace communities: %w", err)
	}

	res.Levels = len(comms)
	res.Communities = len(flat)
	logger.Info("[Community] Communities replaced",
		"run", res.RunID,
		"levels", res.Levels,
		"communities", res.Communities,
		"duration", time.Since(start),
	)
	return res, nil
}

// buildCommunities turns the index hierarchy into community records. Level 0
// members are entity ids, higher levels list the ids of the communities one
// level below, which get their ParentID set.
func buildCommunities(runID string, nodes []string, levels [][][]int) [][]common.Community {
	suffix := strings.TrimPrefix(runID, "run_")
	out := make([][]common.Community, len(levels))
	for l, groups := range levels {
		out[l] = make([]common.Community, len(groups))
		for c, members := range groups {
			com := common.Community{
				ID:    fmt.Sprintf("com_%s_%d_%d", suffix, l, c),
				RunID: runID,
				Level: l,
			}
			for _, m := range members {
				if l == 0 {
					com.Members = append(com.Members, nodes[m])
					continue
				}
				com.Members = append(com.Members, out[l-1][m].ID)
				out[l-1][m].ParentID = com.ID
			}
			out[l][c] = com
		}
	}
	return out
}

// summarize writes the title and summary of every community, bottom-up.
func (d *Detector) summarize(ctx context.Context, comms [][]common.Community, ents []common.Entity, rels []common.Relationship) error {
	byID := make(map[string]common.Entity, len(ents))
	for _, e := range ents {
		byID[e.ID] = e
	}
	owner := map[string]int{}
	if len(comms) > 0 {
		for c, com := range comms[0] {
			for _, m := range com.Members {
				owner[m] = c
			}
		}
	}
	inner := map[int][]common.Relationship{}
	for _, r := range rels {
		cs, okS := owner[r.SourceID]
		ct, okT := owner[r.TargetID]
		if okS && okT && cs == ct {
			inner[cs] = append(inner[cs], r)
		}
	}

	for l := range comms {
		var prev map[string]report
		if l > 0 {
			prev = make(map[string]report, len(comms[l-1]))
			for _, c := range comms[l-1] {
				prev[c.ID] = report{Title: c.Title, Summary: c.Summary}
			}
		}

		eg, gCtx := errgroup.WithContext(ctx)
		eg.SetLimit(d.parallel)
		for c := range comms[l] {
			com := &comms[l][c]
			eg.Go(func() error {
				if err := gCtx.Err(); err != nil {
					return err
				}
				var (
					rep report
					err error
				)
				if l == 0 {
					members := make([]common.Entity, 0, len(com.Members))
					for _, id := range com.Members {
						members = append(members, byID[id])
					}
					rep, err = d.summarizeEntities(gCtx, members, inner[c], byID)
				} else {
					children := make([]report, 0, len(com.Members))
					for _, id := range com.Members {
						children = append(children, prev[id])
					}
					rep, err = d.merge(gCtx, children)
				}
				if err != nil {
					return fmt.Errorf("summarize community %s: %w", com.ID, err)
				}
				com.Title, com.Summary = rep.Title, rep.Summary
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		logger.Debug("[Community] Level summarized", "level", l, "communities", len(comms[l]))
	}
	return nil
}

func (d *Detector) embed(ctx context.Context, comms []common.Community) error {
	texts := make([]string, len(comms))
	for i, c := range comms {
		texts[i] = graph.CommunityEmbeddingText(c)
	}

	return store.ChunkRange(len(texts), d.embedBatchSize, func(start, end int) error {
		t := time.Now()
		vecs, err := util.RetryWithContext(ctx, d.backoff, func(ctx context.Context) ([][]float32, error) {
			return d.aiClient.GenerateEmbeddings(ctx, texts[start:end])
		})
		d.metrics.LLMCall("embed", err, time.Since(t))
		if err != nil {
			return fmt.Errorf("embed communities: %w", err)
		}
		if len(vecs) != end-start {
			return fmt.Errorf("%w: embedding provider returned %d vectors for %d communities",
				common.ErrConfiguration, len(vecs), end-start)
		}
		for i, v := range vecs {
			comms[start+i].Embedding = v
		}
		d.metrics.Embedded(string(store.KindCommunity), len(vecs))
		return nil
	})
}

// isFatal reports errors that must stop the rebuild instead of degrading a
// single community to an extractive report.
func isFatal(ctx context.Context, err error) bool {
	return common.IsFatal(err) || ctx.Err() != nil || errors.Is(err, context.Canceled)
}
