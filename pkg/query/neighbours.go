package query

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

// Neighbourhood is an entity with its direct neighbours and the
// relationships connecting them.
type Neighbourhood struct {
	Entity        common.Entity         `json:"entity"`
	Neighbours    []common.Entity       `json:"neighbours"`
	Relationships []common.Relationship `json:"relationships"`
}

// Neighbours looks up an entity and everything one hop away from it. Ids
// of merged entities resolve to the surviving entity.
func (r *Router) Neighbours(ctx context.Context, entityID string) (Neighbourhood, error) {
	e, err := r.storage.GetEntity(ctx, entityID)
	if err != nil {
		return Neighbourhood{}, err
	}
	ents, rels, err := r.storage.Traverse(ctx, []string{e.ID}, 1)
	if err != nil {
		return Neighbourhood{}, fmt.Errorf("traverse from %s: %w", e.ID, err)
	}

	out := Neighbourhood{
		Entity:        e,
		Neighbours:    make([]common.Entity, 0, len(ents)),
		Relationships: rels,
	}
	for _, n := range ents {
		if n.ID != e.ID {
			out.Neighbours = append(out.Neighbours, n)
		}
	}
	if out.Relationships == nil {
		out.Relationships = []common.Relationship{}
	}
	return out, nil
}
