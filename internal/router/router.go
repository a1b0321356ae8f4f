package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-sync/internal/config"
	"github.com/noah-isme/gema-sync/internal/handler"
	"github.com/noah-isme/gema-sync/internal/middleware"
	"github.com/noah-isme/gema-sync/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler       *handler.ChatHandler
	DiscussionHandler *handler.DiscussionHandler
	RealtimeHandler   *handler.RealtimeHandler
	// WriteLimit caps POST/DELETE requests per actor per second. Zero disables it.
	WriteLimit int
}

// New builds the fiber application with the common middleware and all routes.
func New(cfg config.Config, deps Dependencies, logger zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		ServerHeader:          cfg.AppName,
		DisableStartupMessage: true,
	})
	middleware.Register(app, middleware.Config{Logger: &logger})
	Register(app, cfg, deps)
	return app
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	v1 := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	v1.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	v2 := app.Group("/api/v2", middleware.WithActor(middleware.ActorOptions{AllowQuery: true}))
	if deps.WriteLimit > 0 {
		limit := middleware.RateLimit("writes", deps.WriteLimit, time.Second)
		v2.Use(func(c *fiber.Ctx) error {
			if c.Method() == fiber.MethodGet {
				return c.Next()
			}
			return limit(c)
		})
	}

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(v2)
	}
	if deps.DiscussionHandler != nil {
		deps.DiscussionHandler.Register(v2)
	}
	if deps.RealtimeHandler != nil {
		deps.RealtimeHandler.Register(v2)
	}
}
