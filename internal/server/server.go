package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/catalyst/internal/app"
	"github.com/OFFIS-RIT/catalyst/internal/config"
	"github.com/OFFIS-RIT/catalyst/internal/queue"
	mid "github.com/OFFIS-RIT/catalyst/internal/server/middleware"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/metrics"
	pgdb "github.com/OFFIS-RIT/catalyst/pkg/store/pgx"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// New builds the HTTP surface around the given components.
func New(a *mid.App) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(a))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64M"))

	RegisterRoutes(e, a)
	return e
}

// Init connects to the database, the queue and the providers and serves
// until ctx is cancelled.
func Init(ctx context.Context, cfg config.Config) error {
	pool, err := app.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := pgdb.NewGraphDBStorageWithConnection(pool)

	rdb, err := app.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}
	aiClient, err := app.NewAIClient(cfg.AI, rdb)
	if err != nil {
		return err
	}

	que, err := queue.Init(cfg.RabbitMQ.URL())
	if err != nil {
		return err
	}
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		return err
	}

	files, err := app.NewFileStore(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.NewCollector("catalyst")
	c, err := app.NewComponents(cfg, st, aiClient, m)
	if err != nil {
		return err
	}

	e := New(&mid.App{
		Graph:    c.Graph,
		Router:   c.Router,
		Storage:  st,
		Jobs:     queue.NewChannelPublisher(ch),
		Files:    files,
		AiClient: aiClient,
		Metrics:  m,
	})

	go func() {
		logger.Info("[Server] Starting server", "port", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("[Server] Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] Failed to shutdown server", "err", err)
	}
	return nil
}
