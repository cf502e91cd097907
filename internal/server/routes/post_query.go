package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/catalyst/internal/server/middleware"
	"github.com/OFFIS-RIT/catalyst/internal/server/util"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/query"

	"github.com/labstack/echo/v4"
)

// QueryHandler answers a question from the knowledge graph.
func QueryHandler(c echo.Context) error {
	type queryRequest struct {
		Query    string           `json:"query" validate:"required"`
		Mode     string           `json:"mode"`
		History  []ai.ChatMessage `json:"history"`
		TopK     int              `json:"top_k" validate:"min=0,max=100"`
		HopLimit int              `json:"hop_limit" validate:"min=0,max=5"`
	}

	type queryResponse struct {
		Message   string              `json:"message,omitempty"`
		Answer    string              `json:"answer,omitempty"`
		Mode      query.Mode          `json:"mode,omitempty"`
		NoContext bool                `json:"no_context"`
		Sources   []query.Citation    `json:"sources,omitempty"`
		Citations []query.Citation    `json:"citations,omitempty"`
		Data      []util.CitationData `json:"data,omitempty"`
	}

	data := new(queryRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryResponse{Message: "Invalid request body"})
	}

	// Registered custom modes are not known to ParseMode; the router
	// rejects whatever it cannot serve.
	var mode query.Mode
	if data.Mode != "" {
		parsed, err := query.ParseMode(data.Mode)
		if err != nil {
			parsed = query.Mode(data.Mode)
		}
		mode = parsed
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	res, err := app.Router.Query(ctx, query.Request{
		Query:    data.Query,
		Mode:     mode,
		History:  data.History,
		TopK:     data.TopK,
		HopLimit: data.HopLimit,
	})
	switch {
	case errors.Is(err, query.ErrEmptyQuery):
		return c.JSON(http.StatusBadRequest, queryResponse{Message: "Query must not be empty"})
	case errors.Is(err, query.ErrUnknownMode):
		return c.JSON(http.StatusBadRequest, queryResponse{Message: "Unknown query mode"})
	case err != nil:
		logger.Error("[Server] Query failed", "mode", mode, "err", err)
		return c.JSON(http.StatusInternalServerError, queryResponse{Message: "Internal server error"})
	}

	sources, err := util.ResolveCitationSources(ctx, app.Storage, res.Citations)
	if err != nil {
		logger.Error("[Server] Failed to resolve citation sources", "err", err)
		return c.JSON(http.StatusInternalServerError, queryResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, queryResponse{
		Answer:    res.Answer,
		Mode:      res.Mode,
		NoContext: res.NoContext,
		Sources:   res.Sources,
		Citations: res.Citations,
		Data:      sources,
	})
}
