package pgx

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

const documentColumns = `
d.id, d.source_uri, d.status, d.failed_stage, d.last_error, d.retry_count,
d.empty, d.cancelled, d.metadata, d.chunk_count, d.processed_chunks,
d.failed_chunks, d.entity_count, d.relationship_count, d.processing_time_ms,
d.created_at, d.updated_at,
ARRAY(SELECT c.id FROM chunks c WHERE c.document_id = d.id ORDER BY c.seq) AS chunk_ids`

func scanDocument(row pgxv5.Row) (common.Document, error) {
	var (
		d                common.Document
		status, failed   string
		processingTimeMs int64
		metadata         map[string]string
	)
	err := row.Scan(
		&d.ID, &d.SourceURI, &status, &failed, &d.LastError, &d.RetryCount,
		&d.Empty, &d.Cancelled, &metadata, &d.ChunkCount, &d.ProcessedChunks,
		&d.FailedChunks, &d.EntityCount, &d.RelationshipCount, &processingTimeMs,
		&d.CreatedAt, &d.UpdatedAt, &d.ChunkIDs,
	)
	if err != nil {
		return common.Document{}, err
	}
	d.Status = common.DocumentStatus(status)
	d.FailedStage = common.DocumentStatus(failed)
	d.ProcessingTime = time.Duration(processingTimeMs) * time.Millisecond
	if len(metadata) > 0 {
		d.Metadata = metadata
	}
	return d, nil
}

// SaveDocument upserts the document record. The cancel flag and the
// creation time of an existing record are kept.
func (s *GraphDBStorage) SaveDocument(ctx context.Context, doc common.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document without id", common.ErrConsistency)
	}
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	var createdAt *time.Time
	if !doc.CreatedAt.IsZero() {
		createdAt = &doc.CreatedAt
	}

	_, err := s.conn.Exec(ctx, `
INSERT INTO documents (
    id, source_uri, status, failed_stage, last_error, retry_count, empty,
    metadata, chunk_count, processed_chunks, failed_chunks, entity_count,
    relationship_count, processing_time_ms, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, COALESCE($15, now()), now())
ON CONFLICT (id) DO UPDATE SET
    source_uri         = EXCLUDED.source_uri,
    status             = EXCLUDED.status,
    failed_stage       = EXCLUDED.failed_stage,
    last_error         = EXCLUDED.last_error,
    retry_count        = EXCLUDED.retry_count,
    empty              = EXCLUDED.empty,
    metadata           = EXCLUDED.metadata,
    chunk_count        = EXCLUDED.chunk_count,
    processed_chunks   = EXCLUDED.processed_chunks,
    failed_chunks      = EXCLUDED.failed_chunks,
    entity_count       = EXCLUDED.entity_count,
    relationship_count = EXCLUDED.relationship_count,
    processing_time_ms = EXCLUDED.processing_time_ms,
    created_at         = COALESCE($15, documents.created_at),
    updated_at         = now()`,
		doc.ID, doc.SourceURI, string(doc.Status), string(doc.FailedStage), doc.LastError,
		doc.RetryCount, doc.Empty, metadata, doc.ChunkCount, doc.ProcessedChunks,
		doc.FailedChunks, doc.EntityCount, doc.RelationshipCount,
		doc.ProcessingTime.Milliseconds(), createdAt,
	)
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, classify(err))
	}
	return nil
}

func (s *GraphDBStorage) SetCancelled(ctx context.Context, id string, cancelled bool) error {
	tag, err := s.conn.Exec(ctx, `UPDATE documents SET cancelled = $2, updated_at = now() WHERE id = $1`, id, cancelled)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (s *GraphDBStorage) GetDocument(ctx context.Context, id string) (common.Document, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents d WHERE d.id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return common.Document{}, notFound(err, "document", id)
	}
	return doc, nil
}

func (s *GraphDBStorage) ListDocuments(ctx context.Context) ([]common.Document, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+documentColumns+` FROM documents d ORDER BY d.created_at, d.id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []common.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, classify(rows.Err())
}

func (s *GraphDBStorage) ClearDocument(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		return clearDocument(ctx, tx, id)
	})
}

func (s *GraphDBStorage) DeleteDocument(ctx context.Context, id string, cascade bool) error {
	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("document %s: %w", id, common.ErrNotFound)
		}
		if err := clearDocument(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
			return err
		}
		if !cascade {
			return nil
		}

		// relationships and redirects of the orphans go with them by FK
		_, err := tx.Exec(ctx, `
WITH orphans AS (
    DELETE FROM entities e
    WHERE NOT EXISTS (SELECT 1 FROM entity_chunks ec WHERE ec.entity_id = e.id)
    RETURNING e.id
)
DELETE FROM vectors v USING orphans o WHERE v.kind = 'entity' AND v.id = o.id`)
		return err
	})
}

// clearDocument drops the chunks of a document with their provenance edges
// and vectors. Relationships left without provenance go too; entities stay
// and simply stop being live.
func clearDocument(ctx context.Context, tx pgxv5.Tx, id string) error {
	_, err := tx.Exec(ctx, `
WITH gone AS (
    DELETE FROM chunks WHERE document_id = $1 RETURNING id
)
DELETE FROM vectors v USING gone g WHERE v.kind = 'chunk' AND v.id = g.id`, id)
	if err != nil {
		return fmt.Errorf("clear chunks of %s: %w", id, err)
	}
	_, err = tx.Exec(ctx, `
DELETE FROM relationships r
WHERE NOT EXISTS (SELECT 1 FROM relationship_chunks rc WHERE rc.relationship_id = r.id)`)
	if err != nil {
		return fmt.Errorf("drop unsupported relationships: %w", err)
	}
	return nil
}

// SaveChunks replaces the chunk set of a document.
func (s *GraphDBStorage) SaveChunks(ctx context.Context, documentID string, chunks []common.Chunk) error {
	n := len(chunks)
	var (
		ids      = make([]string, n)
		seqs     = make([]int32, n)
		texts    = make([]string, n)
		tokens   = make([]int32, n)
		starts   = make([]int32, n)
		ends     = make([]int32, n)
		overlaps = make([]int32, n)
		statuses = make([]string, n)
	)
	for i, c := range chunks {
		if c.DocumentID != documentID || c.Seq != i || c.ID == "" {
			return fmt.Errorf("%w: chunk %d of document %s is out of sequence", common.ErrConsistency, i, documentID)
		}
		status := c.Status
		if status == "" {
			status = common.ChunkPending
		}
		ids[i], seqs[i], texts[i] = c.ID, int32(c.Seq), c.Text
		tokens[i], starts[i], ends[i], overlaps[i] = int32(c.Tokens), int32(c.Start), int32(c.End), int32(c.Overlap)
		statuses[i] = string(status)
	}

	return s.inTx(ctx, func(tx pgxv5.Tx) error {
		if err := clearDocument(ctx, tx, documentID); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
INSERT INTO chunks (id, document_id, seq, text, tokens, start_offset, end_offset, overlap, status)
SELECT u.id, $1, u.seq, u.text, u.tokens, u.start_offset, u.end_offset, u.overlap, u.status
FROM unnest($2::text[], $3::int[], $4::text[], $5::int[], $6::int[], $7::int[], $8::int[], $9::text[])
    AS u(id, seq, text, tokens, start_offset, end_offset, overlap, status)`,
			documentID, ids, seqs, texts, tokens, starts, ends, overlaps, statuses,
		)
		if err != nil {
			return fmt.Errorf("insert chunks of %s: %w", documentID, err)
		}
		return nil
	})
}

const chunkColumns = `id, document_id, seq, text, tokens, start_offset, end_offset, overlap, status, error`

func scanChunks(rows pgxv5.Rows) ([]common.Chunk, error) {
	defer rows.Close()
	var out []common.Chunk
	for rows.Next() {
		var (
			c      common.Chunk
			status string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Text, &c.Tokens, &c.Start, &c.End, &c.Overlap, &status, &c.Error); err != nil {
			return nil, err
		}
		c.Status = common.ChunkStatus(status)
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

func (s *GraphDBStorage) GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE document_id = $1 ORDER BY seq`, documentID)
	if err != nil {
		return nil, classify(err)
	}
	return scanChunks(rows)
}

// GetChunksByID returns the known chunks among ids, in the order asked for.
func (s *GraphDBStorage) GetChunksByID(ctx context.Context, ids []string) ([]common.Chunk, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, classify(err)
	}
	found, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]common.Chunk, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	out := make([]common.Chunk, 0, len(found))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *GraphDBStorage) SetChunkStatus(ctx context.Context, chunkID string, status common.ChunkStatus, reason string) error {
	tag, err := s.conn.Exec(ctx, `UPDATE chunks SET status = $2, error = $3 WHERE id = $1`, chunkID, string(status), reason)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %s: %w", chunkID, common.ErrNotFound)
	}
	return nil
}

func (s *GraphDBStorage) Stats(ctx context.Context) (common.GraphStats, error) {
	var st common.GraphStats
	err := s.conn.QueryRow(ctx, `
SELECT
    (SELECT count(*) FROM documents),
    (SELECT count(*) FROM chunks),
    (SELECT count(*) FROM entities e WHERE EXISTS (SELECT 1 FROM entity_chunks ec WHERE ec.entity_id = e.id)),
    (SELECT count(*) FROM relationships),
    (SELECT count(*) FROM communities)`).Scan(&st.Documents, &st.Chunks, &st.Entities, &st.Relationships, &st.Communities)
	if err != nil {
		return common.GraphStats{}, classify(err)
	}
	return st, nil
}
