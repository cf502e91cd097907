package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

// EntityEmbeddingText is the text an entity is embedded from.
func EntityEmbeddingText(e common.Entity) string {
	desc, _, _ := strings.Cut(e.Description, "\n")
	if desc == "" {
		return fmt.Sprintf("%s (%s)", e.Name, e.Type)
	}
	return fmt.Sprintf("%s (%s): %s", e.Name, e.Type, desc)
}

// CommunityEmbeddingText is the text a community is embedded from.
func CommunityEmbeddingText(c common.Community) string {
	return strings.TrimSpace(c.Title + "\n" + c.Summary)
}

// embedTexts embeds inputs in batches. Every returned vector shares one
// dimension; anything else is a configuration error.
func (g *GraphClient) embedTexts(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, 0, len(inputs))
	err := store.ChunkRange(len(inputs), g.embedBatchSize, func(start, end int) error {
		batch := inputs[start:end]
		t := time.Now()
		vecs, err := util.RetryWithContext(ctx, g.backoff, func(ctx context.Context) ([][]float32, error) {
			return g.aiClient.GenerateEmbeddings(ctx, batch)
		})
		g.metrics.LLMCall("embed", err, time.Since(t))
		if err != nil {
			return err
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("%w: embedding provider returned %d vectors for %d inputs",
				common.ErrConfiguration, len(vecs), len(batch))
		}
		out = append(out, vecs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(out); i++ {
		if len(out[i]) != len(out[0]) {
			return nil, fmt.Errorf("%w: embedding provider returned mixed dimensions %d and %d",
				common.ErrConfiguration, len(out[0]), len(out[i]))
		}
	}
	return out, nil
}

// checkIndex fails with a configuration error when the vectors about to be
// written do not belong to the embedding space the index is bound to.
func (g *GraphClient) checkIndex(ctx context.Context, kind store.VectorKind, dim int) error {
	info, ok, err := g.index.Info(ctx, kind)
	if err != nil || !ok {
		return err
	}
	model := g.aiClient.EmbeddingModel()
	if info.Model != model || info.Dimension != dim {
		return fmt.Errorf("%w: %s index holds %s/%d vectors, embedder produces %s/%d; run a re-embed to switch",
			common.ErrConfiguration, kind, info.Model, info.Dimension, model, dim)
	}
	return nil
}

func (g *GraphClient) upsertVectors(ctx context.Context, kind store.VectorKind, ids, texts []string) error {
	if len(ids) == 0 {
		return nil
	}
	vecs, err := g.embedTexts(ctx, texts)
	if err != nil {
		return err
	}
	if err := g.checkIndex(ctx, kind, len(vecs[0])); err != nil {
		return err
	}

	vectors := make([]store.Vector, len(ids))
	for i := range ids {
		vectors[i] = store.Vector{ID: ids[i], Values: vecs[i]}
	}
	if err := g.index.Upsert(ctx, kind, g.aiClient.EmbeddingModel(), vectors); err != nil {
		return err
	}
	g.metrics.Embedded(string(kind), len(vectors))
	return nil
}

// EmbedChunks embeds the chunks that have no vector yet.
func (g *GraphClient) EmbedChunks(ctx context.Context, chunks []common.Chunk) error {
	ids := make([]string, 0, len(chunks))
	byID := make(map[string]common.Chunk, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		ids = append(ids, c.ID)
		byID[c.ID] = c
	}
	missing, err := g.index.Missing(ctx, store.KindChunk, ids)
	if err != nil {
		return err
	}

	texts := make([]string, len(missing))
	for i, id := range missing {
		texts[i] = byID[id].Text
	}
	if err := g.upsertVectors(ctx, store.KindChunk, missing, texts); err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	logger.Debug("[Embed] Chunks embedded", "count", len(missing))
	return nil
}

// EmbedEntities embeds the entities that have no vector yet. It does nothing
// when entity embeddings are disabled.
func (g *GraphClient) EmbedEntities(ctx context.Context, entities []common.Entity) error {
	if !g.embedEntities || len(entities) == 0 {
		return nil
	}
	ids := make([]string, len(entities))
	byID := make(map[string]common.Entity, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
		byID[e.ID] = e
	}
	missing, err := g.index.Missing(ctx, store.KindEntity, ids)
	if err != nil {
		return err
	}

	texts := make([]string, len(missing))
	for i, id := range missing {
		texts[i] = EntityEmbeddingText(byID[id])
	}
	if err := g.upsertVectors(ctx, store.KindEntity, missing, texts); err != nil {
		return fmt.Errorf("embed entities: %w", err)
	}
	logger.Debug("[Embed] Entities embedded", "count", len(missing))
	return nil
}

// RebuildIndex re-embeds every item of a kind with the current embedding
// model and swaps the result in at once. Any failure leaves the previous
// vectors untouched.
func (g *GraphClient) RebuildIndex(ctx context.Context, kind store.VectorKind) error {
	var ids, texts []string

	switch kind {
	case store.KindChunk:
		docs, err := g.storage.ListDocuments(ctx)
		if err != nil {
			return err
		}
		for _, d := range docs {
			chunks, err := g.storage.GetChunks(ctx, d.ID)
			if err != nil {
				return err
			}
			for _, c := range chunks {
				if strings.TrimSpace(c.Text) == "" {
					continue
				}
				ids = append(ids, c.ID)
				texts = append(texts, c.Text)
			}
		}
	case store.KindEntity:
		ents, err := g.storage.ListEntities(ctx)
		if err != nil {
			return err
		}
		for _, e := range ents {
			ids = append(ids, e.ID)
			texts = append(texts, EntityEmbeddingText(e))
		}
	case store.KindCommunity:
		comms, err := g.storage.ListCommunities(ctx)
		if err != nil {
			return err
		}
		for _, c := range comms {
			if text := CommunityEmbeddingText(c); text != "" {
				ids = append(ids, c.ID)
				texts = append(texts, text)
			}
		}
	default:
		return fmt.Errorf("%w: unknown vector kind %q", common.ErrConfiguration, kind)
	}

	logger.Info("[Embed] Rebuilding vector index", "kind", kind, "items", len(ids), "model", g.aiClient.EmbeddingModel())

	vecs, err := g.embedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("rebuild %s index: %w", kind, err)
	}
	vectors := make([]store.Vector, len(ids))
	for i := range ids {
		vectors[i] = store.Vector{ID: ids[i], Values: vecs[i]}
	}
	if err := g.index.Rebuild(ctx, kind, g.aiClient.EmbeddingModel(), vectors); err != nil {
		return fmt.Errorf("rebuild %s index: %w", kind, err)
	}
	g.metrics.Embedded(string(kind), len(vectors))

	logger.Info("[Embed] Vector index rebuilt", "kind", kind, "items", len(vectors))
	return nil
}
