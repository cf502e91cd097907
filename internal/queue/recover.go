package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/store"
)

// DefaultStaleAfter is how long a document may sit in a working state
// without an update before it is considered abandoned.
const DefaultStaleAfter = 30 * time.Minute

// RecoverStaleDocuments re-enqueues documents whose worker went away
// mid-pipeline. A document counts as stale when it is uploaded, in a working
// stage or retrying and has not been updated for staleAfter. Ingestion
// resumes from the recorded stage. It returns the number of documents
// re-enqueued.
func RecoverStaleDocuments(
	ctx context.Context,
	st store.GraphStorage,
	pub Publisher,
	staleAfter time.Duration,
	now time.Time,
) (int, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	docs, err := st.ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list documents: %w", err)
	}

	cutoff := now.Add(-staleAfter)
	recovered := 0
	for _, doc := range docs {
		if !isStale(doc, cutoff) {
			continue
		}
		if doc.SourceURI == "" {
			logger.Warn("[Queue] Stale document has no source, skipping", "document", doc.ID)
			continue
		}

		err := pub.Publish(ctx, IngestQueue, IngestMsg{DocumentID: doc.ID, Ref: doc.SourceURI})
		if err != nil {
			logger.Error("[Queue] Failed to republish document", "document", doc.ID, "err", err)
			continue
		}
		recovered++
		logger.Info("[Queue] Recovered stale document", "document", doc.ID, "status", doc.Status)
	}

	if recovered == 0 {
		logger.Debug("[Queue] No stale documents found")
	}
	return recovered, nil
}

func isStale(doc common.Document, cutoff time.Time) bool {
	if doc.Cancelled || !doc.UpdatedAt.Before(cutoff) {
		return false
	}
	switch {
	case doc.Status == common.StatusUploaded, doc.Status == common.StatusRetrying:
		return true
	default:
		return doc.Status.IsStage()
	}
}
