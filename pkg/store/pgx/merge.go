package pgx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

type mergeRow struct {
	name, typ, description string
	aliases                []string
	createdAt              time.Time
}

func lockEntity(ctx context.Context, tx pgxv5.Tx, id string) (mergeRow, error) {
	var m mergeRow
	err := tx.QueryRow(ctx, `
SELECT name, type, description, aliases, created_at
FROM entities WHERE id = $1 FOR UPDATE`, id).Scan(&m.name, &m.typ, &m.description, &m.aliases, &m.createdAt)
	return m, err
}

// mergeLockOrder lists the rows a merge locks: the representative and the
// duplicates, once each, in id order. Fragment writes lock in the same order.
func mergeLockOrder(repID string, dups []string) []string {
	ids := store.DedupeStrings(append([]string{repID}, dups...))
	sort.Strings(ids)
	return ids
}

func (s *GraphDBStorage) MergeEntities(ctx context.Context, representativeID string, duplicateIDs []string) error {
	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		resolved, err := resolveIDs(ctx, tx, store.DedupeStrings(append([]string{representativeID}, duplicateIDs...)))
		if err != nil {
			return err
		}
		repID := resolved[representativeID]

		var dups []string
		for _, id := range store.DedupeStrings(duplicateIDs) {
			if id = resolved[id]; id != repID {
				dups = append(dups, id)
			}
		}
		dups = store.DedupeStrings(dups)
		sort.Strings(dups)

		locked := map[string]mergeRow{}
		for _, id := range mergeLockOrder(repID, dups) {
			row, err := lockEntity(ctx, tx, id)
			if err != nil {
				if id == repID {
					return notFound(err, "merge: representative", representativeID)
				}
				if errors.Is(err, pgxv5.ErrNoRows) {
					return fmt.Errorf("%w: merge: duplicate %s no longer exists", common.ErrConsistency, id)
				}
				return err
			}
			locked[id] = row
		}
		if len(dups) == 0 {
			return nil
		}

		rep := locked[repID]
		for _, id := range dups {
			d := locked[id]
			if common.NormalizeType(d.typ) != common.NormalizeType(rep.typ) {
				return fmt.Errorf("%w: merge: %s has type %s, representative has %s", common.ErrConsistency, id, d.typ, rep.typ)
			}
			rep.aliases = store.MergeAliases(rep.name, rep.aliases, append([]string{d.name}, d.aliases...)...)
			rep.description = common.MergeDescriptions(rep.description, strings.Split(d.description, "\n")...)
			if !d.createdAt.IsZero() && d.createdAt.Before(rep.createdAt) {
				rep.createdAt = d.createdAt
			}
		}
		_, err = tx.Exec(ctx, `UPDATE entities SET description = $2, aliases = $3, created_at = $4 WHERE id = $1`,
			repID, rep.description, rep.aliases, rep.createdAt)
		if err != nil {
			return fmt.Errorf("update representative %s: %w", repID, err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO entity_chunks (entity_id, chunk_id)
SELECT $1, ec.chunk_id FROM entity_chunks ec WHERE ec.entity_id = ANY($2)
ON CONFLICT DO NOTHING`, repID, dups)
		if err != nil {
			return fmt.Errorf("move provenance: %w", err)
		}

		if err := rewriteEdges(ctx, tx, repID, dups); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE entity_redirects SET to_id = $1 WHERE to_id = ANY($2)`, repID, dups); err != nil {
			return fmt.Errorf("re-point redirects: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM vectors WHERE kind = 'entity' AND id = ANY($1)`, dups); err != nil {
			return fmt.Errorf("drop duplicate vectors: %w", err)
		}
		// old edges and provenance of the duplicates cascade
		if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE id = ANY($1)`, dups); err != nil {
			return fmt.Errorf("delete duplicates: %w", err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO entity_redirects (from_id, to_id)
SELECT d, $1 FROM unnest($2::text[]) AS d
ON CONFLICT (from_id) DO UPDATE SET to_id = EXCLUDED.to_id`, repID, dups)
		if err != nil {
			return fmt.Errorf("add redirects: %w", err)
		}
		_, err = tx.Exec(ctx, `
UPDATE communities
SET members = ARRAY(SELECT m FROM unnest(members) AS m WHERE NOT (m = ANY($1)))
WHERE level = 0 AND members && $1`, dups)
		if err != nil {
			return fmt.Errorf("drop merged community members: %w", err)
		}
		return nil
	})
}

// rewriteEdges copies every relationship that touches a duplicate onto the
// representative. Copies that collapse into a self loop are dropped and
// copies that land on an existing edge are merged into it.
func rewriteEdges(ctx context.Context, tx pgxv5.Tx, repID string, dups []string) error {
	edges, err := queryRelationships(ctx, tx, `
SELECT `+relationshipColumns+`
FROM relationships r
WHERE r.source_id = ANY($1) OR r.target_id = ANY($1)
ORDER BY r.id`, dups)
	if err != nil {
		return err
	}
	gone := make(map[string]struct{}, len(dups))
	for _, id := range dups {
		gone[id] = struct{}{}
	}
	for _, r := range edges {
		if _, ok := gone[r.SourceID]; ok {
			r.SourceID = repID
		}
		if _, ok := gone[r.TargetID]; ok {
			r.TargetID = repID
		}
		if r.SourceID == r.TargetID {
			continue
		}
		r.ID = common.RelationshipID(r.SourceID, r.Type, r.TargetID)
		if err := upsertRelationship(ctx, tx, r, r.ChunkIDs); err != nil {
			return err
		}
	}
	return nil
}
