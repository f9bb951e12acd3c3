package httpserver

import (
	"context"
	"strconv"
	"time"

	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"github.com/cristianortiz/liveauction/internal/shared/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Server struct {
	app *fiber.App
}

var log = logger.GetLogger() // Instancia logger para el pakg

// NewServer builds the fiber app with request logging, panic recovery,
// request metrics, /health and /metrics. Module routes are added on App().
func NewServer(m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})
	app.Use(recover.New())

	// Middleware de logging
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		route := c.Route().Path
		m.HTTPRequestDuration.
			WithLabelValues(c.Method(), route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
		log.Info("HTTP request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote_addr", c.IP()),
		)
		return err
	})

	// Endpoint de health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(gatherer)))

	return &Server{app: app}
}

// App exposes the fiber app so modules can register their routes.
func (s *Server) App() *fiber.App { return s.app }

// Start listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		log.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.app.ShutdownWithContext(shutdownCtx)
	}()

	log.Info("HTTP server started", zap.String("addr", addr))
	return s.app.Listen(addr)
}
