package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
)

type extractEntity struct {
	Name        string   `json:"name" jsonschema_description:"Name of the entity exactly as written in the text"`
	Type        string   `json:"type" jsonschema_description:"One of the provided entity types, upper case"`
	Aliases     []string `json:"aliases" jsonschema_description:"Other names or abbreviations the text uses for the same entity"`
	Description string   `json:"description" jsonschema_description:"Everything the text states about the entity"`
}

type extractRelationship struct {
	Source      string `json:"source" jsonschema_description:"Name of the source entity, identical to an extracted entity name"`
	Target      string `json:"target" jsonschema_description:"Name of the target entity, identical to an extracted entity name"`
	Type        string `json:"type" jsonschema_description:"Relationship type, upper case with underscores"`
	Description string `json:"description" jsonschema_description:"How and why the source entity and the target entity are related"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships between the identified entities"`
}

const defaultRelationshipType = "RELATED_TO"

// ExtractChunk asks the model for the entities and relationships of one
// chunk. Transient provider errors are retried with backoff. Output that
// does not parse is retried with the fallback prompt up to the retry budget,
// after which the returned error wraps common.ErrMalformedOutput.
func (g *GraphClient) ExtractChunk(ctx context.Context, chunk common.Chunk) (common.Extraction, error) {
	entityTypes := g.schema.EntityTypes
	if len(entityTypes) == 0 {
		entityTypes = common.DefaultEntityTypes
	}
	types := strings.Join(entityTypes, ",")
	relInstruction := ai.RelationshipTypesOpen
	relTypes := "any"
	if len(g.schema.RelationshipTypes) > 0 {
		relTypes = strings.Join(g.schema.RelationshipTypes, ",")
		relInstruction = fmt.Sprintf(ai.RelationshipTypesClosed, relTypes)
	}

	prompt := fmt.Sprintf(ai.ExtractPrompt, types, relTypes, types, relInstruction, chunk.Text)
	fallback := fmt.Sprintf(ai.ExtractFallbackPrompt, types, relInstruction, chunk.Text)

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		p := prompt
		if attempt > 0 {
			p = fallback
			logger.Debug("[Extract] Retrying with fallback prompt", "chunk", chunk.ID, "attempt", attempt)
		}

		start := time.Now()
		res, err := util.RetryWithContext(ctx, g.backoff, func(ctx context.Context) (extractResponse, error) {
			var res extractResponse
			err := g.aiClient.GenerateCompletionWithFormat(
				ctx,
				"extract_entities_and_relationships",
				"Extract entities and relationships from a chunk of a document.",
				p,
				&res,
			)
			return res, err
		})
		g.metrics.LLMCall("extract", err, time.Since(start))
		if err == nil {
			return g.toExtraction(chunk.ID, res), nil
		}
		if !errors.Is(err, common.ErrMalformedOutput) {
			return common.Extraction{}, fmt.Errorf("extract chunk %s: %w", chunk.ID, err)
		}
		lastErr = err
	}

	return common.Extraction{}, fmt.Errorf("extract chunk %s: retry budget of %d exhausted: %w", chunk.ID, g.maxRetries, lastErr)
}

// toExtraction normalizes the model response and applies the allow-lists.
// Entities of a disallowed type are dropped along with every relationship
// that references them. Relationship endpoints are matched case-insensitively
// against entity names and aliases of the same response.
func (g *GraphClient) toExtraction(chunkID string, res extractResponse) common.Extraction {
	out := common.Extraction{ChunkID: chunkID}

	byKey := map[string]int{}
	names := map[string]int{}
	for _, e := range res.Entities {
		name := common.NormalizeValue(e.Name)
		typ := common.NormalizeType(e.Type)
		if common.NormalizeName(name) == "" || typ == "" {
			continue
		}
		if len(g.schema.EntityTypes) > 0 && !slices.Contains(g.schema.EntityTypes, typ) {
			continue
		}

		key := common.EntityKey(name, typ)
		idx, ok := byKey[key]
		if !ok {
			idx = len(out.Entities)
			byKey[key] = idx
			out.Entities = append(out.Entities, common.ExtractedEntity{Name: name, Type: typ, ChunkID: chunkID})
		}
		cur := &out.Entities[idx]
		cur.Description = common.MergeDescriptions(cur.Description, e.Description)
		for _, a := range e.Aliases {
			a = common.NormalizeValue(a)
			if common.NormalizeName(a) == "" || common.NormalizeName(a) == common.NormalizeName(cur.Name) {
				continue
			}
			cur.Aliases = common.MergeStrings(cur.Aliases, a)
		}

		for _, n := range append([]string{name}, cur.Aliases...) {
			if _, taken := names[common.NormalizeName(n)]; !taken {
				names[common.NormalizeName(n)] = idx
			}
		}
	}

	seen := map[string]int{}
	for _, r := range res.Relationships {
		src, okSrc := names[common.NormalizeName(r.Source)]
		tgt, okTgt := names[common.NormalizeName(r.Target)]
		if !okSrc || !okTgt || src == tgt {
			continue
		}
		typ := common.NormalizeType(r.Type)
		if typ == "" {
			typ = defaultRelationshipType
		}
		if len(g.schema.RelationshipTypes) > 0 && !slices.Contains(g.schema.RelationshipTypes, typ) {
			continue
		}

		rel := common.ExtractedRelationship{
			Source:  out.Entities[src].Name,
			Target:  out.Entities[tgt].Name,
			Type:    typ,
			ChunkID: chunkID,
		}
		key := fmt.Sprintf("%d|%s|%d", src, typ, tgt)
		idx, ok := seen[key]
		if !ok {
			idx = len(out.Relationships)
			seen[key] = idx
			out.Relationships = append(out.Relationships, rel)
		}
		out.Relationships[idx].Description = common.MergeDescriptions(out.Relationships[idx].Description, r.Description)
	}

	return out
}
