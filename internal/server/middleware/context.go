package middleware

import (
	"github.com/OFFIS-RIT/catalyst/internal/queue"
	"github.com/OFFIS-RIT/catalyst/internal/storage"
	"github.com/OFFIS-RIT/catalyst/pkg/ai"
	"github.com/OFFIS-RIT/catalyst/pkg/graph"
	"github.com/OFFIS-RIT/catalyst/pkg/metrics"
	"github.com/OFFIS-RIT/catalyst/pkg/query"
	"github.com/OFFIS-RIT/catalyst/pkg/store"

	"github.com/labstack/echo/v4"
)

// App holds the long-lived components handlers work with. Ingestion,
// deletion and maintenance are enqueued on Jobs and run by the worker.
type App struct {
	Graph    *graph.GraphClient
	Router   *query.Router
	Storage  store.Store
	Jobs     queue.Publisher
	Files    storage.FileStore
	AiClient ai.GraphAIClient
	Metrics  *metrics.Collector
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}
