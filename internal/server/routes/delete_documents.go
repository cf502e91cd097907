package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/catalyst/internal/queue"
	"github.com/OFFIS-RIT/catalyst/internal/server/middleware"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"github.com/labstack/echo/v4"
)

// DeleteDocumentHandler enqueues the removal of a document. With cascade
// set, entities that only this document mentioned go too; with
// delete_source set the stored text is removed as well.
func DeleteDocumentHandler(c echo.Context) error {
	type deleteDocumentRequest struct {
		ID           string `param:"id" validate:"required"`
		Cascade      bool   `query:"cascade"`
		DeleteSource bool   `query:"delete_source"`
	}

	data := new(deleteDocumentRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request"})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	doc, err := app.Storage.GetDocument(ctx, data.ID)
	if errors.Is(err, common.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "Document not found"})
	}
	if err != nil {
		logger.Error("[Server] Failed to load document", "document", data.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}

	msg := queue.DeleteMsg{DocumentID: doc.ID, Cascade: data.Cascade}
	if data.DeleteSource {
		msg.Ref = doc.SourceURI
	}
	if err := app.Jobs.Publish(ctx, queue.DeleteQueue, msg); err != nil {
		logger.Error("[Server] Failed to enqueue deletion", "document", doc.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Document queued for deletion"})
}
