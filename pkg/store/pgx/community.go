package pgx

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const communityColumns = `id, run_id, level, parent_id, members, title, summary`

func (s *GraphDBStorage) ReplaceCommunities(ctx context.Context, runID, model string, communities []common.Community) error {
	var vectors []store.Vector
	for _, c := range communities {
		if c.ID == "" {
			return fmt.Errorf("%w: community without id", common.ErrConsistency)
		}
		if len(c.Embedding) > 0 {
			vectors = append(vectors, store.Vector{ID: c.ID, Values: c.Embedding})
		}
	}
	info, err := store.BatchInfo(store.KindCommunity, model, vectors)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		if err := lockKind(ctx, tx, store.KindCommunity); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM communities`); err != nil {
			return fmt.Errorf("clear communities: %w", err)
		}

		batch := &pgxv5.Batch{}
		for _, c := range communities {
			members := c.Members
			if members == nil {
				members = []string{}
			}
			batch.Queue(`
INSERT INTO communities (id, run_id, level, parent_id, members, title, summary)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, c.ID, runID, c.Level, c.ParentID, members, c.Title, c.Summary)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("insert communities of run %s: %w", runID, err)
			}
		}
		return replaceVectors(ctx, tx, store.KindCommunity, info, vectors)
	})
}

func queryCommunities(ctx context.Context, q querier, sql string, args ...any) ([]common.Community, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []common.Community
	for rows.Next() {
		var c common.Community
		if err := rows.Scan(&c.ID, &c.RunID, &c.Level, &c.ParentID, &c.Members, &c.Title, &c.Summary); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

func (s *GraphDBStorage) ListCommunities(ctx context.Context) ([]common.Community, error) {
	return queryCommunities(ctx, s.conn, `SELECT `+communityColumns+` FROM communities ORDER BY level, id`)
}

func (s *GraphDBStorage) GetCommunities(ctx context.Context, ids []string) ([]common.Community, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := queryCommunities(ctx, s.conn, `SELECT `+communityColumns+` FROM communities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]common.Community, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]common.Community, 0, len(found))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
