package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/groovesheet/api/internal/middleware"
	"github.com/groovesheet/api/pkg/response"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// RouterConfig carries what the routes need besides the handler.
type RouterConfig struct {
	Auth          *middleware.AuthMiddleware
	RateLimiter   *middleware.RateLimiter
	SubmitPerHour int
	Checks        map[string]HealthCheck
	// RequestLog enables the Fiber request logger.
	RequestLog bool
}

// NewApp builds the Fiber app with the API routes mounted.
func NewApp(h *TranscriptionHandler, cfg RouterConfig, bodyLimit int) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          ErrorHandler,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if cfg.RequestLog {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", Health(cfg.Checks))

	authn := cfg.Auth
	if authn == nil {
		authn = middleware.NewAuthMiddleware()
	}

	api := app.Group("/api/v1", authn.Authenticate())
	api.Post("/transcribe", cfg.RateLimiter.SubmitLimit(cfg.SubmitPerHour), h.Submit)
	api.Get("/status/:jobId", h.Status)
	api.Get("/download/:jobId", h.Download)
	api.Get("/jobs", h.Jobs)

	app.Get("/ws/jobs/:jobId", authn.Authenticate(), h.UpgradeJob, h.Stream())

	return app
}

// Health reports the state of each dependency. It always answers 200.
func Health(checks map[string]HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()

		status := "ok"
		services := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = "degraded"
				services[name] = err.Error()
				continue
			}
			services[name] = "ok"
		}
		return response.OK(c, fiber.Map{"status": status, "services": services})
	}
}

// ErrorHandler renders errors that escape a handler in the standard error shape.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusRequestEntityTooLarge:
		errCode = response.CodePayloadTooLarge
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusBadRequest, fiber.StatusUpgradeRequired:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}
