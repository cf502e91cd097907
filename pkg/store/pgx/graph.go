package pgx

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const entityColumns = `
e.id, e.name, e.type, e.description, e.aliases, e.created_at,
ARRAY(SELECT ec.chunk_id FROM entity_chunks ec WHERE ec.entity_id = e.id ORDER BY ec.chunk_id) AS chunk_ids`

const relationshipColumns = `
r.id, r.source_id, r.target_id, r.type, r.description,
ARRAY(SELECT rc.chunk_id FROM relationship_chunks rc WHERE rc.relationship_id = r.id ORDER BY rc.chunk_id) AS chunk_ids`

const liveEntity = `EXISTS (SELECT 1 FROM entity_chunks ec WHERE ec.entity_id = e.id)`

func queryEntities(ctx context.Context, q querier, sql string, args ...any) ([]common.Entity, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []common.Entity
	for rows.Next() {
		var e common.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.Aliases, &e.CreatedAt, &e.ChunkIDs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

func queryRelationships(ctx context.Context, q querier, sql string, args ...any) ([]common.Relationship, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []common.Relationship
	for rows.Next() {
		var r common.Relationship
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Description, &r.ChunkIDs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

// resolveIDs maps each id to the entity it was merged into. Merges keep
// redirects pointing at the final survivor, so one lookup is enough.
func resolveIDs(ctx context.Context, q querier, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = id
	}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `SELECT from_id, to_id FROM entity_redirects WHERE from_id = ANY($1)`, ids)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out[from] = to
	}
	return out, classify(rows.Err())
}

// getEntities loads entities by resolved id and keeps the order of ids.
func getEntities(ctx context.Context, q querier, ids []string) ([]common.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := queryEntities(ctx, q, `SELECT `+entityColumns+` FROM entities e WHERE e.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]common.Entity, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	out := make([]common.Entity, 0, len(found))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *GraphDBStorage) WriteFragment(ctx context.Context, frag common.Fragment) error {
	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chunks WHERE id = $1)`, frag.ChunkID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("write fragment: chunk %s: %w", frag.ChunkID, common.ErrNotFound)
		}

		var ids []string
		for _, e := range frag.Entities {
			ids = append(ids, e.ID)
		}
		for _, r := range frag.Relationships {
			ids = append(ids, r.SourceID, r.TargetID)
		}
		resolved, err := resolveIDs(ctx, tx, store.DedupeStrings(ids))
		if err != nil {
			return err
		}

		inFragment := map[string]struct{}{}
		for _, e := range frag.Entities {
			inFragment[resolved[e.ID]] = struct{}{}
		}
		var outside []string
		for _, r := range frag.Relationships {
			for _, id := range []string{resolved[r.SourceID], resolved[r.TargetID]} {
				if _, ok := inFragment[id]; !ok {
					outside = append(outside, id)
				}
			}
		}
		if outside = store.DedupeStrings(outside); len(outside) > 0 {
			var known int
			if err := tx.QueryRow(ctx, `SELECT count(*) FROM entities WHERE id = ANY($1)`, outside).Scan(&known); err != nil {
				return err
			}
			if known != len(outside) {
				return fmt.Errorf("%w: fragment of chunk %s references unknown entity", common.ErrConsistency, frag.ChunkID)
			}
		}

		// lock rows in id order so concurrent fragments cannot deadlock
		ents := slices.Clone(frag.Entities)
		sort.SliceStable(ents, func(i, j int) bool { return resolved[ents[i].ID] < resolved[ents[j].ID] })
		for _, e := range ents {
			if err := upsertEntity(ctx, tx, resolved[e.ID], e, common.MergeStrings(e.ChunkIDs, frag.ChunkID)); err != nil {
				return err
			}
		}

		rels := slices.Clone(frag.Relationships)
		sort.SliceStable(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
		for _, r := range rels {
			src, tgt := resolved[r.SourceID], resolved[r.TargetID]
			if src == tgt {
				continue
			}
			r.SourceID, r.TargetID = src, tgt
			r.Type = common.NormalizeType(r.Type)
			r.ID = common.RelationshipID(src, r.Type, tgt)
			if err := upsertRelationship(ctx, tx, r, common.MergeStrings(r.ChunkIDs, frag.ChunkID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertEntity(ctx context.Context, tx pgxv5.Tx, id string, e common.Entity, chunkIDs []string) error {
	var createdAt *time.Time
	if !e.CreatedAt.IsZero() {
		createdAt = &e.CreatedAt
	}
	_, err := tx.Exec(ctx, `
INSERT INTO entities (id, name, type, created_at)
VALUES ($1, $2, $3, COALESCE($4, now()))
ON CONFLICT (id) DO NOTHING`, id, e.Name, common.NormalizeType(e.Type), createdAt)
	if err != nil {
		return fmt.Errorf("insert entity %s: %w", id, err)
	}

	var (
		name, description string
		aliases           []string
	)
	err = tx.QueryRow(ctx, `SELECT name, description, aliases FROM entities WHERE id = $1 FOR UPDATE`, id).
		Scan(&name, &description, &aliases)
	if err != nil {
		return fmt.Errorf("lock entity %s: %w", id, err)
	}
	add := slices.Clone(e.Aliases)
	if common.NormalizeName(e.Name) != common.NormalizeName(name) {
		add = append(add, e.Name)
	}
	_, err = tx.Exec(ctx, `UPDATE entities SET description = $2, aliases = $3 WHERE id = $1`,
		id, common.MergeDescriptions(description, e.Description), store.MergeAliases(name, aliases, add...))
	if err != nil {
		return fmt.Errorf("update entity %s: %w", id, err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO entity_chunks (entity_id, chunk_id)
SELECT $1, c.id FROM chunks c WHERE c.id = ANY($2)
ON CONFLICT DO NOTHING`, id, chunkIDs)
	if err != nil {
		return fmt.Errorf("link entity %s: %w", id, err)
	}
	return nil
}

func upsertRelationship(ctx context.Context, tx pgxv5.Tx, r common.Relationship, chunkIDs []string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO relationships (id, source_id, target_id, type)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, r.ID, r.SourceID, r.TargetID, r.Type)
	if err != nil {
		return fmt.Errorf("insert relationship %s: %w", r.ID, err)
	}

	var description string
	if err := tx.QueryRow(ctx, `SELECT description FROM relationships WHERE id = $1 FOR UPDATE`, r.ID).Scan(&description); err != nil {
		return fmt.Errorf("lock relationship %s: %w", r.ID, err)
	}
	if merged := common.MergeDescriptions(description, strings.Split(r.Description, "\n")...); merged != description {
		if _, err := tx.Exec(ctx, `UPDATE relationships SET description = $2 WHERE id = $1`, r.ID, merged); err != nil {
			return fmt.Errorf("update relationship %s: %w", r.ID, err)
		}
	}

	_, err = tx.Exec(ctx, `
INSERT INTO relationship_chunks (relationship_id, chunk_id)
SELECT $1, c.id FROM chunks c WHERE c.id = ANY($2)
ON CONFLICT DO NOTHING`, r.ID, chunkIDs)
	if err != nil {
		return fmt.Errorf("link relationship %s: %w", r.ID, err)
	}
	return nil
}

func (s *GraphDBStorage) GetEntity(ctx context.Context, id string) (common.Entity, error) {
	resolved, err := resolveIDs(ctx, s.conn, []string{id})
	if err != nil {
		return common.Entity{}, err
	}
	ents, err := getEntities(ctx, s.conn, []string{resolved[id]})
	if err != nil {
		return common.Entity{}, err
	}
	if len(ents) == 0 {
		return common.Entity{}, fmt.Errorf("entity %s: %w", id, common.ErrNotFound)
	}
	return ents[0], nil
}

// GetEntities returns the known entities among ids after following merge
// redirects. Unknown ids are skipped.
func (s *GraphDBStorage) GetEntities(ctx context.Context, ids []string) ([]common.Entity, error) {
	ids = store.DedupeStrings(ids)
	resolved, err := resolveIDs(ctx, s.conn, ids)
	if err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, resolved[id])
	}
	return getEntities(ctx, s.conn, store.DedupeStrings(targets))
}

func (s *GraphDBStorage) ListEntities(ctx context.Context) ([]common.Entity, error) {
	return queryEntities(ctx, s.conn, `SELECT `+entityColumns+` FROM entities e WHERE `+liveEntity+` ORDER BY e.id`)
}

// SearchEntities narrows the candidates with LIKE on the upper-cased,
// punctuation-free names and aliases, then ranks them with store.NameScore.
func (s *GraphDBStorage) SearchEntities(ctx context.Context, query string, limit int) ([]common.Entity, error) {
	words := store.Keywords(query)
	if len(words) == 0 {
		return nil, nil
	}
	patterns := make([]string, len(words))
	for i, w := range words {
		patterns[i] = "%" + w + "%"
	}

	cands, err := queryEntities(ctx, s.conn, `
SELECT `+entityColumns+`
FROM entities e
WHERE `+liveEntity+`
  AND regexp_replace(upper(e.name || ' ' || array_to_string(e.aliases, ' ')), '[^[:alnum:][:space:]+#]', '', 'g') LIKE ANY($1)`,
		patterns)
	if err != nil {
		return nil, err
	}

	var hits []common.Entity
	scores := map[string]float64{}
	for _, e := range cands {
		if score := store.NameScore(words, e); score > 0 {
			hits = append(hits, e)
			scores[e.ID] = score
		}
	}
	return store.RankByName(hits, scores, limit), nil
}

func (s *GraphDBStorage) EntitiesForChunks(ctx context.Context, chunkIDs []string) ([]common.Entity, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	return queryEntities(ctx, s.conn, `
SELECT `+entityColumns+`
FROM entities e
WHERE EXISTS (SELECT 1 FROM entity_chunks ec WHERE ec.entity_id = e.id AND ec.chunk_id = ANY($1))
ORDER BY e.id`, chunkIDs)
}

func (s *GraphDBStorage) ListRelationships(ctx context.Context) ([]common.Relationship, error) {
	return queryRelationships(ctx, s.conn, `SELECT `+relationshipColumns+` FROM relationships r ORDER BY r.id`)
}

// Traverse expands one hop per query. Within a hop the frontier is walked
// in visit order and each entity's edges in id order, so the result is
// stable for a given graph.
func (s *GraphDBStorage) Traverse(ctx context.Context, seeds []string, hops int) ([]common.Entity, []common.Relationship, error) {
	resolved, err := resolveIDs(ctx, s.conn, store.DedupeStrings(seeds))
	if err != nil {
		return nil, nil, err
	}
	var start []string
	for _, id := range store.DedupeStrings(seeds) {
		start = append(start, resolved[id])
	}
	known, err := getEntities(ctx, s.conn, store.DedupeStrings(start))
	if err != nil {
		return nil, nil, err
	}

	visited := map[string]struct{}{}
	var order, frontier []string
	for _, e := range known {
		visited[e.ID] = struct{}{}
		order = append(order, e.ID)
		frontier = append(frontier, e.ID)
	}

	usedRel := map[string]struct{}{}
	var rels []common.Relationship
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		edges, err := queryRelationships(ctx, s.conn, `
SELECT `+relationshipColumns+`
FROM relationships r
WHERE r.source_id = ANY($1) OR r.target_id = ANY($1)
ORDER BY r.id`, frontier)
		if err != nil {
			return nil, nil, err
		}
		adj := map[string][]common.Relationship{}
		for _, r := range edges {
			adj[r.SourceID] = append(adj[r.SourceID], r)
			if r.TargetID != r.SourceID {
				adj[r.TargetID] = append(adj[r.TargetID], r)
			}
		}

		var next []string
		for _, id := range frontier {
			for _, r := range adj[id] {
				if _, ok := usedRel[r.ID]; !ok {
					usedRel[r.ID] = struct{}{}
					rels = append(rels, r)
				}
				other := r.TargetID
				if other == id {
					other = r.SourceID
				}
				if _, ok := visited[other]; ok {
					continue
				}
				visited[other] = struct{}{}
				order = append(order, other)
				next = append(next, other)
			}
		}
		frontier = next
	}

	ents, err := getEntities(ctx, s.conn, order)
	if err != nil {
		return nil, nil, err
	}
	return ents, rels, nil
}
