// Package main provides the Chatflow API server.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/dukex/chatflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

const shutdownTimeout = 10 * time.Second

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	engine      *engine.Engine
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	engine *engine.Engine,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		engine:      engine,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	flowService := services.NewFlow(a.persistence, services.NewGraphValidator(a.registry, a.validate), nil)

	handlers := web.NewAPIHandlers(flowService, a.engine, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Chatflow API")
	})

	app.Get("/health", handlers.HealthCheck)

	handlers.RegisterRoutes(app)

	return app
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		a.logger.Info("Shutting down API server")

		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			a.logger.Error("Failed to shut down API server", "error", err)
		}
	}()

	return app.Listen(":" + strconv.Itoa(port))
}
