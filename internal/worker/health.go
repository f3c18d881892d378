package worker

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/pipeline"
	"github.com/groovesheet/api/internal/storage"
	"github.com/groovesheet/api/pkg/response"
)

const healthCheckTimeout = 3 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	Storage  string `json:"storage"`
	Pipeline string `json:"pipeline"`
	Models   string `json:"models,omitempty"`
	Worker   Stats  `json:"worker"`
}

// modelReporter is implemented by pipelines that load models in-process.
type modelReporter interface {
	ModelsLoaded() bool
}

// NewHealthApp serves GET /health for orchestrator health checks. It reports 503
// when the store or the model service cannot be reached.
func NewHealthApp(w *Worker, store storage.Store, p pipeline.Pipeline) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthCheckTimeout)
		defer cancel()

		res := healthResponse{Status: "ok", Storage: "ok", Pipeline: "ok", Worker: w.Stats()}
		if err := store.Ping(ctx); err != nil {
			w.logger.Warn("storage health check failed", zap.Error(err))
			res.Status, res.Storage = "degraded", err.Error()
		}
		if hc, ok := p.(pipeline.HealthChecker); ok {
			if err := hc.Health(ctx); err != nil {
				w.logger.Warn("pipeline health check failed", zap.Error(err))
				res.Status, res.Pipeline = "degraded", err.Error()
			}
		}
		if mr, ok := p.(modelReporter); ok {
			res.Models = "pending"
			if mr.ModelsLoaded() {
				res.Models = "loaded"
			}
		}

		if res.Status != "ok" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(res)
		}
		return response.OK(c, res)
	})

	return app
}

// ServeHealth listens on addr until ctx is done.
func ServeHealth(ctx context.Context, app *fiber.App, addr string, logger *zap.Logger) {
	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
			logger.Warn("health server shutdown", zap.Error(err))
		}
	}()
	logger.Info("health server listening", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		logger.Error("health server stopped", zap.Error(err))
	}
}
