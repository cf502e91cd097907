package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

func indexInfo(ctx context.Context, q querier, kind store.VectorKind) (store.IndexInfo, bool, error) {
	var info store.IndexInfo
	err := q.QueryRow(ctx, `SELECT model, dimension FROM vector_index WHERE kind = $1`, string(kind)).
		Scan(&info.Model, &info.Dimension)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return store.IndexInfo{}, false, nil
	}
	if err != nil {
		return store.IndexInfo{}, false, classify(err)
	}
	return info, true, nil
}

// lockKind serializes writers of one vector kind until the transaction ends.
func lockKind(ctx context.Context, tx pgxv5.Tx, kind store.VectorKind) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('vector_index:' || $1))`, string(kind))
	return err
}

func insertVectors(ctx context.Context, tx pgxv5.Tx, kind store.VectorKind, vectors []store.Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	ids := make([]string, len(vectors))
	embeddings := make([]pgvector.Vector, len(vectors))
	for i, v := range vectors {
		ids[i] = v.ID
		embeddings[i] = pgvector.NewVector(v.Values)
	}
	_, err := tx.Exec(ctx, `
INSERT INTO vectors (kind, id, embedding)
SELECT $1, u.id, u.embedding
FROM unnest($2::text[], $3::vector[]) AS u(id, embedding)
ON CONFLICT (kind, id) DO UPDATE SET embedding = EXCLUDED.embedding`, string(kind), ids, embeddings)
	if err != nil {
		return fmt.Errorf("write %s vectors: %w", kind, err)
	}
	return nil
}

func setIndexInfo(ctx context.Context, tx pgxv5.Tx, kind store.VectorKind, info store.IndexInfo, present bool) error {
	if !present {
		_, err := tx.Exec(ctx, `DELETE FROM vector_index WHERE kind = $1`, string(kind))
		return err
	}
	_, err := tx.Exec(ctx, `
INSERT INTO vector_index (kind, model, dimension) VALUES ($1, $2, $3)
ON CONFLICT (kind) DO UPDATE SET model = EXCLUDED.model, dimension = EXCLUDED.dimension`,
		string(kind), info.Model, info.Dimension)
	return err
}

func (s *GraphDBStorage) Info(ctx context.Context, kind store.VectorKind) (store.IndexInfo, bool, error) {
	return indexInfo(ctx, s.conn, kind)
}

func (s *GraphDBStorage) Upsert(ctx context.Context, kind store.VectorKind, model string, vectors []store.Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	batch, err := store.BatchInfo(kind, model, vectors)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		if err := lockKind(ctx, tx, kind); err != nil {
			return err
		}
		info, ok, err := indexInfo(ctx, tx, kind)
		if err != nil {
			return err
		}
		if err := store.CheckVectors(kind, info, model, vectors); err != nil {
			return err
		}
		if !ok {
			if err := setIndexInfo(ctx, tx, kind, batch, true); err != nil {
				return err
			}
		}
		return insertVectors(ctx, tx, kind, vectors)
	})
}

// Search is an exact scan ordered by cosine distance. Entity hits are
// limited to live entities of the requested type.
func (s *GraphDBStorage) Search(
	ctx context.Context,
	kind store.VectorKind,
	query []float32,
	k int,
	opts store.SearchOptions,
) ([]store.Hit, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown vector kind %q", common.ErrConfiguration, kind)
	}
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	info, ok, err := s.Info(ctx, kind)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := store.CheckQuery(kind, info, opts.Model, query); err != nil {
		return nil, err
	}

	exclude := opts.Exclude
	if exclude == nil {
		exclude = []string{}
	}
	args := []any{string(kind), pgvector.NewVector(query), exclude, opts.MinScore, k}
	join := ""
	if kind == store.KindEntity {
		args = append(args, common.NormalizeType(opts.Type))
		join = `
JOIN entities e ON e.id = v.id
  AND EXISTS (SELECT 1 FROM entity_chunks ec WHERE ec.entity_id = e.id)
  AND ($6 = '' OR e.type = $6)`
	}

	rows, err := s.conn.Query(ctx, `
SELECT v.id, COALESCE(NULLIF(1 - (v.embedding <=> $2), 'NaN'), 0) AS score
FROM vectors v`+join+`
WHERE v.kind = $1
  AND NOT (v.id = ANY($3))
  AND COALESCE(NULLIF(1 - (v.embedding <=> $2), 'NaN'), 0) >= $4
ORDER BY score DESC, v.id
LIMIT $5`, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var hits []store.Hit
	for rows.Next() {
		var h store.Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, classify(rows.Err())
}

func (s *GraphDBStorage) GetVectors(ctx context.Context, kind store.VectorKind, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.conn.Query(ctx, `SELECT id, embedding FROM vectors WHERE kind = $1 AND id = ANY($2)`, string(kind), ids)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			vec pgvector.Vector
		)
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, err
		}
		out[id] = vec.Slice()
	}
	return out, classify(rows.Err())
}

func (s *GraphDBStorage) Missing(ctx context.Context, kind store.VectorKind, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, `
SELECT u.id
FROM unnest($2::text[]) WITH ORDINALITY AS u(id, pos)
WHERE NOT EXISTS (SELECT 1 FROM vectors v WHERE v.kind = $1 AND v.id = u.id)
ORDER BY u.pos`, string(kind), ids)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, classify(rows.Err())
}

func (s *GraphDBStorage) Rebuild(ctx context.Context, kind store.VectorKind, model string, vectors []store.Vector) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: unknown vector kind %q", common.ErrConfiguration, kind)
	}
	info, err := store.BatchInfo(kind, model, vectors)
	if err != nil {
		return err
	}
	if err := store.CheckVectors(kind, info, model, vectors); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		if err := lockKind(ctx, tx, kind); err != nil {
			return err
		}
		return replaceVectors(ctx, tx, kind, info, vectors)
	})
}

func replaceVectors(ctx context.Context, tx pgxv5.Tx, kind store.VectorKind, info store.IndexInfo, vectors []store.Vector) error {
	if _, err := tx.Exec(ctx, `DELETE FROM vectors WHERE kind = $1`, string(kind)); err != nil {
		return fmt.Errorf("clear %s vectors: %w", kind, err)
	}
	if err := insertVectors(ctx, tx, kind, vectors); err != nil {
		return err
	}
	return setIndexInfo(ctx, tx, kind, info, len(vectors) > 0)
}
