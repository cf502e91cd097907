package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/catalyst/internal/server/middleware"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/graph"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"github.com/labstack/echo/v4"
)

// ExtractSchemaHandler proposes entity and relationship types for a sample
// text or a description of the corpus.
func ExtractSchemaHandler(c echo.Context) error {
	type schemaBody struct {
		Text          string `json:"text" validate:"required"`
		IsDescription bool   `json:"is_description"`
	}

	data := new(schemaBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
	}

	ctx := c.Request().Context()
	aiClient := c.(*middleware.AppContext).App.AiClient

	schema, err := graph.ExtractSchema(ctx, aiClient, data.Text, data.IsDescription)
	if errors.Is(err, common.ErrMalformedOutput) {
		return c.JSON(http.StatusBadGateway, map[string]string{"message": "The model returned an unusable schema"})
	}
	if err != nil {
		logger.Error("[Server] Schema extraction failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	return c.JSON(http.StatusOK, schema)
}
