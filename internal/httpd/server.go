// Package httpd is the HTTP surface: the webhook endpoint the provider
// pushes notifications to, the subscription lifecycle handlers, and a
// small operator read surface.
package httpd

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/tidewater/loom/internal/pipeline"
	"github.com/tidewater/loom/internal/provider"
	"github.com/tidewater/loom/internal/thread"
	"github.com/uptrace/bun"
)

type Server struct {
	DB         *bun.DB
	Pipeline   *pipeline.Pipeline
	Aggregator *thread.Aggregator
	Provider   provider.Client

	// Shared secret the provider echoes back as clientState.
	Secret string
	// Public URL of the notify endpoint, registered on subscriptions.
	Endpoint string

	app *fiber.App
}

func NewServer(db *bun.DB, pipe *pipeline.Pipeline, aggregator *thread.Aggregator, client provider.Client, secret string, endpoint string) *Server {
	server := &Server{
		DB:         db,
		Pipeline:   pipe,
		Aggregator: aggregator,
		Provider:   client,
		Secret:     secret,
		Endpoint:   endpoint,
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Get("/healthz", server.handleHealth)

	app.Post("/webhooks/notify", server.handleNotify)
	app.Post("/webhooks/subscribe", server.handleSubscribe)
	app.Delete("/webhooks/subscribe", server.handleUnsubscribe)
	app.Get("/webhooks/status", server.handleStatus)

	app.Get("/threads", server.handleListThreads)
	app.Get("/threads/:uid", server.handleGetThread)
	app.Post("/threads/:uid/reply", server.handleReply)

	server.app = app
	return server
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		_ = s.app.ShutdownWithTimeout(5 * time.Second)
	}()

	slog.Info("starting http server", "at", addr)
	return s.app.Listen(addr)
}

// App exposes the underlying fiber app, mostly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	if err := s.DB.PingContext(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"ok": false})
	}
	return c.JSON(fiber.Map{"ok": true})
}
