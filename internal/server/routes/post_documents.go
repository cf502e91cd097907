package routes

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/OFFIS-RIT/catalyst/internal/queue"
	"github.com/OFFIS-RIT/catalyst/internal/server/middleware"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type uploadedDocument struct {
	DocumentID string `json:"document_id"`
	Name       string `json:"name"`
	Key        string `json:"key"`
}

// UploadDocumentsHandler stores plain-text documents and enqueues their
// ingestion. It accepts multipart "files" or a JSON body with one text.
func UploadDocumentsHandler(c echo.Context) error {
	type uploadBody struct {
		Name     string            `json:"name" validate:"required"`
		Text     string            `json:"text" validate:"required"`
		Metadata map[string]string `json:"metadata"`
	}

	type uploadResponse struct {
		Message   string             `json:"message"`
		Documents []uploadedDocument `json:"documents,omitempty"`
	}

	type upload struct {
		name string
		text string
		meta map[string]string
	}

	var uploads []upload
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return c.JSON(http.StatusBadRequest, uploadResponse{Message: "Invalid request body"})
		}
		for _, file := range form.File["files"] {
			src, err := file.Open()
			if err != nil {
				return c.JSON(http.StatusBadRequest, uploadResponse{Message: "Invalid request body"})
			}
			raw, err := io.ReadAll(src)
			src.Close()
			if err != nil {
				return c.JSON(http.StatusBadRequest, uploadResponse{Message: "Invalid request body"})
			}
			uploads = append(uploads, upload{
				name: file.Filename,
				text: string(raw),
				meta: map[string]string{"content_type": file.Header.Get(echo.HeaderContentType)},
			})
		}
	} else {
		data := new(uploadBody)
		if err := c.Bind(data); err != nil {
			return c.JSON(http.StatusBadRequest, uploadResponse{Message: "Invalid request body"})
		}
		if err := c.Validate(data); err != nil {
			return c.JSON(http.StatusBadRequest, uploadResponse{Message: "Invalid request body"})
		}
		uploads = append(uploads, upload{name: data.Name, text: data.Text, meta: data.Metadata})
	}
	if len(uploads) == 0 {
		return c.JSON(http.StatusBadRequest, uploadResponse{Message: "No documents uploaded"})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	res := uploadResponse{Message: "Documents queued for ingestion"}
	for _, u := range uploads {
		fID, err := gonanoid.New()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, uploadResponse{Message: "Internal server error"})
		}
		name := path.Base(u.name)
		meta := map[string]string{"filename": name}
		for k, v := range u.meta {
			if v != "" {
				meta[k] = v
			}
		}

		uri, err := app.Files.Put(ctx, path.Join("documents", fID, name), u.text, meta)
		if err != nil {
			logger.Error("[Server] Failed to store document", "name", name, "err", err)
			return c.JSON(http.StatusInternalServerError, uploadResponse{Message: "Internal server error"})
		}
		id := common.DocumentID(uri)
		if err := app.Jobs.Publish(ctx, queue.IngestQueue, queue.IngestMsg{DocumentID: id, Ref: uri}); err != nil {
			logger.Error("[Server] Failed to enqueue ingestion", "document", id, "err", err)
			return c.JSON(http.StatusInternalServerError, uploadResponse{Message: "Internal server error"})
		}
		res.Documents = append(res.Documents, uploadedDocument{DocumentID: id, Name: name, Key: uri})
	}

	return c.JSON(http.StatusAccepted, res)
}

// IngestDocumentsHandler enqueues documents that already live in the
// document store, either one reference or everything below a prefix.
func IngestDocumentsHandler(c echo.Context) error {
	type ingestBody struct {
		Ref    string `json:"ref"`
		Prefix string `json:"prefix"`
		Force  bool   `json:"force"`
	}

	type ingestResponse struct {
		Message string   `json:"message"`
		Refs    []string `json:"refs,omitempty"`
	}

	data := new(ingestBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestResponse{Message: "Invalid request body"})
	}
	if (data.Ref == "") == (data.Prefix == "") {
		return c.JSON(http.StatusBadRequest, ingestResponse{Message: "Exactly one of ref and prefix is required"})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	refs := []string{data.Ref}
	if data.Prefix != "" {
		listed, err := app.Files.List(ctx, data.Prefix)
		if err != nil {
			logger.Error("[Server] Failed to list documents", "prefix", data.Prefix, "err", err)
			return c.JSON(http.StatusInternalServerError, ingestResponse{Message: "Internal server error"})
		}
		if len(listed) == 0 {
			return c.JSON(http.StatusNotFound, ingestResponse{Message: "No documents below prefix"})
		}
		refs = listed
	}

	queueName := queue.IngestQueue
	if data.Force {
		queueName = queue.ReingestQueue
	}
	for _, ref := range refs {
		if err := app.Jobs.Publish(ctx, queueName, queue.IngestMsg{Ref: ref, Force: data.Force}); err != nil {
			logger.Error("[Server] Failed to enqueue ingestion", "ref", ref, "err", err)
			return c.JSON(http.StatusInternalServerError, ingestResponse{Message: "Internal server error"})
		}
	}

	return c.JSON(http.StatusAccepted, ingestResponse{Message: "Documents queued for ingestion", Refs: refs})
}

// ReingestDocumentHandler runs a stored document through the pipeline
// again from scratch.
func ReingestDocumentHandler(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	doc, err := app.Storage.GetDocument(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "Document not found"})
	}
	if err != nil {
		logger.Error("[Server] Failed to load document", "document", id, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	if doc.SourceURI == "" {
		return c.JSON(http.StatusConflict, map[string]string{"message": "Document has no source to re-read"})
	}

	err = app.Jobs.Publish(ctx, queue.ReingestQueue, queue.IngestMsg{DocumentID: doc.ID, Ref: doc.SourceURI, Force: true})
	if err != nil {
		logger.Error("[Server] Failed to enqueue reingestion", "document", id, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Document queued for reingestion"})
}

// CancelDocumentHandler asks a running ingestion to stop at its next chunk
// boundary.
func CancelDocumentHandler(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	g := c.(*middleware.AppContext).App.Graph

	err := g.CancelDocument(ctx, id)
	switch {
	case errors.Is(err, common.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"message": "Document not found"})
	case errors.Is(err, common.ErrConsistency):
		return c.JSON(http.StatusConflict, map[string]string{"message": "Document is already processed"})
	case err != nil:
		logger.Error("[Server] Failed to cancel document", "document", id, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Cancellation requested"})
}
