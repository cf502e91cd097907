package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/catalyst/internal/server/middleware"
	"github.com/OFFIS-RIT/catalyst/pkg/common"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"

	"github.com/labstack/echo/v4"
)

// SearchEntitiesHandler finds entities by name or alias.
func SearchEntitiesHandler(c echo.Context) error {
	type searchRequest struct {
		Query string `query:"q" validate:"required"`
		Limit int    `query:"limit" validate:"min=0,max=100"`
	}

	data := new(searchRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request"})
	}
	if data.Limit == 0 {
		data.Limit = 10
	}

	ctx := c.Request().Context()
	st := c.(*middleware.AppContext).App.Storage

	ents, err := st.SearchEntities(ctx, data.Query, data.Limit)
	if err != nil {
		logger.Error("[Server] Entity search failed", "query", data.Query, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	if ents == nil {
		ents = []common.Entity{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entities": ents})
}

// GetNeighboursHandler returns an entity with everything one hop away.
func GetNeighboursHandler(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	r := c.(*middleware.AppContext).App.Router

	n, err := r.Neighbours(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "Entity not found"})
	}
	if err != nil {
		logger.Error("[Server] Neighbour lookup failed", "entity", id, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	return c.JSON(http.StatusOK, n)
}
