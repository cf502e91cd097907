// Package storage fetches raw document text for the ingestion pipeline and
// keeps uploaded texts in object storage.
package storage

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

// SourceDocument is the raw text of one document as returned by a source.
type SourceDocument struct {
	ID        string
	SourceURI string
	Text      string
	Metadata  map[string]string
}

// DocumentSource resolves a reference, an object key or a file path, to
// document text.
type DocumentSource interface {
	Fetch(ctx context.Context, ref string) (SourceDocument, error)
}

// FileStore is a DocumentSource that can also store and remove texts.
type FileStore interface {
	DocumentSource
	Put(ctx context.Context, key string, text string, metadata map[string]string) (string, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

func newSourceDocument(uri string, raw []byte, metadata map[string]string) SourceDocument {
	text := string(raw)
	if !utf8.Valid(raw) {
		text = strings.ToValidUTF8(text, "�")
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[strings.ToLower(k)] = v
	}
	return SourceDocument{
		ID:        common.DocumentID(uri),
		SourceURI: uri,
		Text:      text,
		Metadata:  meta,
	}
}
