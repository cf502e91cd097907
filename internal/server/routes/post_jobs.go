package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/catalyst/internal/queue"
	"github.com/OFFIS-RIT/catalyst/internal/server/middleware"
	"github.com/OFFIS-RIT/catalyst/pkg/logger"
	"github.com/OFFIS-RIT/catalyst/pkg/store"

	"github.com/labstack/echo/v4"
)

// TriggerJobHandler enqueues a graph-wide maintenance job: duplicate
// resolution, a community rebuild or a vector index rebuild.
func TriggerJobHandler(c echo.Context) error {
	type jobRequest struct {
		Job    string           `param:"job" validate:"required,oneof=dedupe community reembed"`
		Kind   store.VectorKind `json:"kind"`
		Reason string           `json:"reason"`
	}

	data := new(jobRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Unknown job"})
	}
	if data.Kind != "" && (data.Job != queue.ReembedQueue || !data.Kind.IsValid()) {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid vector kind"})
	}

	ctx := c.Request().Context()
	jobs := c.(*middleware.AppContext).App.Jobs

	msg := queue.MaintenanceMsg{Reason: data.Reason, Kind: data.Kind}
	if err := jobs.Publish(ctx, data.Job, msg); err != nil {
		logger.Error("[Server] Failed to enqueue job", "job", data.Job, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	logger.Info("[Server] Job queued", "job", data.Job, "kind", data.Kind)
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Job queued"})
}
