package util

import (
	"context"
	"errors"
	"path"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/query"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

// CitationData is a citation resolved to the document it came from.
type CitationData struct {
	Kind       query.ItemKind `json:"kind"`
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Name       string         `json:"name"`
	Key        string         `json:"key"`
	Text       *string        `json:"text,omitempty"`
}

// ResolveCitationSources maps chunk and entity citations to their source
// documents. An entity resolves through its first provenance chunk.
// Citations of other kinds, and those whose records are gone, are skipped.
func ResolveCitationSources(ctx context.Context, st store.GraphStorage, citations []query.Citation) ([]CitationData, error) {
	var chunkIDs, entityIDs []string
	for _, c := range citations {
		switch c.Kind {
		case query.ItemChunk:
			chunkIDs = append(chunkIDs, c.ID)
		case query.ItemEntity:
			entityIDs = append(entityIDs, c.ID)
		}
	}

	entityChunk := make(map[string]string, len(entityIDs))
	if len(entityIDs) > 0 {
		ents, err := st.GetEntities(ctx, entityIDs)
		if err != nil {
			return nil, err
		}
		for _, e := range ents {
			if len(e.ChunkIDs) > 0 {
				entityChunk[e.ID] = e.ChunkIDs[0]
				chunkIDs = append(chunkIDs, e.ChunkIDs[0])
			}
		}
	}
	if len(chunkIDs) == 0 {
		return []CitationData{}, nil
	}

	chunks, err := st.GetChunksByID(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}
	chunkByID := make(map[string]common.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}

	docs := map[string]*common.Document{}
	document := func(id string) (*common.Document, error) {
		if doc, ok := docs[id]; ok {
			return doc, nil
		}
		doc, err := st.GetDocument(ctx, id)
		if errors.Is(err, common.ErrNotFound) {
			docs[id] = nil
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		docs[id] = &doc
		return &doc, nil
	}

	resolved := make([]CitationData, 0, len(citations))
	for _, c := range citations {
		chunkID := c.ID
		if c.Kind == query.ItemEntity {
			chunkID = entityChunk[c.ID]
		} else if c.Kind != query.ItemChunk {
			continue
		}
		chunk, ok := chunkByID[chunkID]
		if !ok {
			continue
		}
		doc, err := document(chunk.DocumentID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}

		data := CitationData{
			Kind:       c.Kind,
			ID:         c.ID,
			DocumentID: doc.ID,
			Name:       DocumentName(*doc),
			Key:        doc.SourceURI,
		}
		if c.Kind == query.ItemChunk {
			text := chunk.Text
			data.Text = &text
		}
		resolved = append(resolved, data)
	}
	return resolved, nil
}

// DocumentName is the file name of a document, falling back to the last
// element of its source URI and then to its id.
func DocumentName(doc common.Document) string {
	if name := doc.Metadata["filename"]; name != "" {
		return name
	}
	if doc.SourceURI != "" {
		return path.Base(doc.SourceURI)
	}
	return doc.ID
}
