package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

type schemaResponse struct {
	Labels            []string `json:"labels" jsonschema_description:"List of node labels or types in a graph schema"`
	RelationshipTypes []string `json:"relationshipTypes" jsonschema_description:"List of relationship types in a graph schema"`
}

// ExtractSchema derives entity and relationship type allow-lists from
// sample text. With isDescription set the text is read as an existing schema
// description in any notation, otherwise as example prose of the domain.
func ExtractSchema(ctx context.Context, client ai.GraphAIClient, text string, isDescription bool) (common.Schema, error) {
	if strings.TrimSpace(text) == "" {
		return common.Schema{}, fmt.Errorf("extract schema: empty input")
	}

	tmpl := ai.SchemaPromptFromText
	if isDescription {
		tmpl = ai.SchemaPromptFromDescription
	}
	prompt := fmt.Sprintf(tmpl, text)

	res, err := util.RetryWithContext(ctx, util.DefaultBackoff(), func(ctx context.Context) (schemaResponse, error) {
		var res schemaResponse
		err := client.GenerateCompletionWithFormat(
			ctx,
			"graph_schema",
			"Knowledge graph schema with node labels and relationship types.",
			prompt,
			&res,
		)
		return res, err
	})
	if err != nil {
		return common.Schema{}, fmt.Errorf("extract schema: %w", err)
	}

	return normalizeSchema(common.Schema{
		EntityTypes:       res.Labels,
		RelationshipTypes: res.RelationshipTypes,
	}), nil
}
