package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
)

// DocumentStatus returns the stored state of a document together with its
// progress percentage.
func (g *GraphClient) DocumentStatus(ctx context.Context, id string) (common.Document, int, error) {
	doc, err := g.storage.GetDocument(ctx, id)
	if err != nil {
		return common.Document{}, 0, err
	}
	return doc, doc.Progress(), nil
}

// CancelDocument flags a document so a running ingestion stops at its next
// chunk boundary. Work committed so far is kept.
func (g *GraphClient) CancelDocument(ctx context.Context, id string) error {
	doc, err := g.storage.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status.IsTerminal() {
		return fmt.Errorf("%w: document %s is already %s", common.ErrConsistency, id, doc.Status)
	}
	if err := g.storage.SetCancelled(ctx, id, true); err != nil {
		return err
	}
	logger.Info("[Graph] Document cancellation requested", "document", id)
	return nil
}

// DeleteDocument removes a document and its chunks from the graph. Entities
// and relationships shared with other documents keep their remaining
// provenance. With cascade set, entities left without provenance are removed
// as well.
func (g *GraphClient) DeleteDocument(ctx context.Context, id string, cascade bool) error {
	logger.Info("[Graph] Deleting document", "document", id, "cascade", cascade)

	err := g.storage.DeleteDocument(ctx, id, cascade)
	if errors.Is(err, common.ErrNotFound) {
		logger.Warn("[Graph] Document to delete does not exist", "document", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}

	logger.Info("[Graph] Document deleted", "document", id)
	return nil
}
