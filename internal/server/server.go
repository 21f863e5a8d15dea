package server

import (
	"ai-coach-context/internal/bootstrap"
	"ai-coach-context/internal/config"
	"ai-coach-context/internal/controller"
	"ai-coach-context/internal/pkg/logger"
	"ai-coach-context/internal/pkg/serverutils"
	"ai-coach-context/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
)

const logModule = "server"

type Server struct {
	app *fiber.App
	cfg *config.Config
	log logger.ILogger
}

func New(cfg *config.Config, container *bootstrap.Container, reg prometheus.Registerer) *Server {
	svc := service.NewContextService(
		container.Retriever,
		container.Indexer,
		container.Store,
		container.Embedder,
		container.Logger,
	)
	return &Server{
		app: NewApp(controller.NewContextController(svc), reg),
		cfg: cfg,
		log: container.Logger,
	}
}

// NewApp builds the fiber app around the context controller. HTTP metrics
// are registered on reg.
func NewApp(ctrl controller.IContextController, reg prometheus.Registerer) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit: 2 * 1024 * 1024,
	})

	app.Use(cors.New(cors.Config{
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	prom := fiberprometheus.NewWithRegistry(reg, "coach_context", "http", "", nil)
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	app.Use(otelfiber.Middleware())
	app.Use(serverutils.ErrorHandlerMiddleware())

	ctrl.RegisterRoutes(app.Group("/api"))
	return app
}

func (s *Server) GetApp() *fiber.App {
	return s.app
}

func (s *Server) Run() error {
	s.log.Info(logModule, "Server is running", map[string]interface{}{"port": s.cfg.App.Port})
	return s.app.Listen(":" + s.cfg.App.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
