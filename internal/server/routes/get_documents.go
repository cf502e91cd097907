package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/catalyst/internal/server/middleware"
	serverutil "github.com/OFFIS-RIT/catalyst/internal/server/util"
	"github.com/OFFIS-RIT/catalyst/internal/util"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"github.com/labstack/echo/v4"
)

type documentSummary struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	SourceURI        string                `json:"source_uri"`
	Status           common.DocumentStatus `json:"status"`
	ProcessingStatus string                `json:"processing_status"`
	Progress         int                   `json:"progress"`
}

func summarize(doc common.Document) documentSummary {
	return documentSummary{
		ID:               doc.ID,
		Name:             serverutil.DocumentName(doc),
		SourceURI:        doc.SourceURI,
		Status:           doc.Status,
		ProcessingStatus: serverutil.DocumentProcessingStatus(doc),
		Progress:         doc.Progress(),
	}
}

// GetDocumentsHandler lists every document with the combined pipeline
// progress.
func GetDocumentsHandler(c echo.Context) error {
	type documentsResponse struct {
		Documents []documentSummary   `json:"documents"`
		Progress  *util.BatchProgress `json:"progress,omitempty"`
	}

	ctx := c.Request().Context()
	st := c.(*middleware.AppContext).App.Storage

	docs, err := st.ListDocuments(ctx)
	if err != nil {
		logger.Error("[Server] Failed to list documents", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}

	res := documentsResponse{Documents: make([]documentSummary, 0, len(docs))}
	for _, doc := range docs {
		res.Documents = append(res.Documents, summarize(doc))
	}
	if len(docs) > 0 {
		progress := util.BuildBatchProgress(docs)
		res.Progress = &progress
	}
	return c.JSON(http.StatusOK, res)
}

// GetDocumentHandler returns the full state of one document.
func GetDocumentHandler(c echo.Context) error {
	type documentResponse struct {
		documentSummary
		Document common.Document `json:"document"`
	}

	id := c.Param("id")
	ctx := c.Request().Context()
	g := c.(*middleware.AppContext).App.Graph

	doc, progress, err := g.DocumentStatus(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "Document not found"})
	}
	if err != nil {
		logger.Error("[Server] Failed to load document", "document", id, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}

	summary := summarize(doc)
	summary.Progress = progress
	return c.JSON(http.StatusOK, documentResponse{documentSummary: summary, Document: doc})
}

// GetStatsHandler reports the size of the graph.
func GetStatsHandler(c echo.Context) error {
	ctx := c.Request().Context()
	st := c.(*middleware.AppContext).App.Storage

	stats, err := st.Stats(ctx)
	if err != nil {
		logger.Error("[Server] Failed to load graph stats", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	return c.JSON(http.StatusOK, stats)
}
