package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"datasync/internal/handler/api"
	"datasync/internal/metrics"
	"datasync/internal/middleware"
)

// Deps carries everything the ops routes read from.
type Deps struct {
	Repos     *api.Repos
	Worker    api.StatusSource
	Runner    api.RunController
	Scheduler api.ScheduleSource
	Metrics   *metrics.Collector
}

// Setup configures all routes for the Echo server.
func Setup(e *echo.Echo, deps Deps, logger *zap.Logger, apiKey string) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.Named("http")))

	ops := api.NewOpsHandler(deps.Repos, deps.Worker, deps.Runner, deps.Scheduler, logger)

	// Health check
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/status", ops.Status)
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}

	apiGroup := e.Group("/api")
	apiGroup.Use(middleware.APIAuth(apiKey))
	apiGroup.GET("/jobs/:id", ops.GetJob)
	apiGroup.POST("/jobs/:id/run", ops.RunJob)
	apiGroup.GET("/executions/:id", ops.GetExecution)
	apiGroup.POST("/executions/:id/cancel", ops.CancelExecution)
}
