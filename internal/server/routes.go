package server

import (
	mid "github.com/OFFIS-RIT/catalyst/internal/server/middleware"
	"github.com/OFFIS-RIT/catalyst/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo, app *mid.App) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(app.Metrics.Handler()))

	apiRoutes := e.Group("/api")

	// Query routes
	apiRoutes.POST("/query", routes.QueryHandler)
	apiRoutes.GET("/entities", routes.SearchEntitiesHandler)
	apiRoutes.GET("/entities/:id/neighbours", routes.GetNeighboursHandler)
	apiRoutes.GET("/stats", routes.GetStatsHandler)

	// Document routes
	apiRoutes.GET("/documents", routes.GetDocumentsHandler)
	apiRoutes.POST("/documents", routes.UploadDocumentsHandler)
	apiRoutes.POST("/documents/ingest", routes.IngestDocumentsHandler)
	apiRoutes.GET("/documents/:id", routes.GetDocumentHandler)
	apiRoutes.POST("/documents/:id/cancel", routes.CancelDocumentHandler)
	apiRoutes.POST("/documents/:id/reingest", routes.ReingestDocumentHandler)
	apiRoutes.DELETE("/documents/:id", routes.DeleteDocumentHandler)

	// Operator routes
	apiRoutes.POST("/schema/extract", routes.ExtractSchemaHandler)
	apiRoutes.POST("/jobs/:job", routes.TriggerJobHandler)
}
