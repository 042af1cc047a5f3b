package http

import (
	"context"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"telemetry-pipeline/internal/config"
	"telemetry-pipeline/internal/controller"
	"telemetry-pipeline/internal/routes"
)

// Server wraps the Fiber application setup.
type Server struct {
	app *fiber.App
}

// NewServer configures routes and middleware.
func NewServer(appCfg *config.CollectorConfig, collectorController controller.CollectorController) *Server {
	fiberCfg := fiber.Config{
		DisableStartupMessage: true,
		Prefork:               appCfg.FiberPrefork,
		BodyLimit:             16 << 20,
	}
	app := fiber.New(fiberCfg)
	app.Use(recover.New())
	// Clients send Accept-Encoding: gzip on config fetches.
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	routes.Register(app, collectorController)

	return &Server{app: app}
}

// Listen runs the server on provided addr.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
