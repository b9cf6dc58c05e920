package handler

import (
	"integrations/pkg/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
	"go.uber.org/zap"
)

type Router struct {
	handler Handler
	app     *fiber.App
	conf    *config.Config
	logger  *zap.SugaredLogger
}

func NewRouter(handler Handler, app *fiber.App, conf *config.Config, logger *zap.SugaredLogger) *Router {
	return &Router{
		logger:  logger,
		app:     app,
		conf:    conf,
		handler: handler,
	}
}

// RegisterRouter: recover, логирование запросов и метрики подключены в httpserver.NewFiber.
func (r *Router) RegisterRouter() {
	r.app.Get("/health", r.handler.HealthCheck)

	r.app.Route("/integrations", func(router fiber.Router) {

		router.Use("/swagger/*", swagger.New(swagger.Config{
			DeepLinking: false,
			URL:         "/integrations/swagger/doc.json",
		}))

		api := router.Group("/api")

		v1 := api.Group("/v1")

		// callback приходит редиректом браузера от провайдера, пользователь известен из state
		v1.Get("/connections/callback", r.handler.Callback)

		conns := v1.Group("/connections", RequireUser)
		conns.Get("/", r.handler.ListConnections)
		conns.Get("/:provider/authorize", r.handler.Authorize)
		conns.Post("/:id/token", r.handler.IssueToken)
		conns.Delete("/:id", r.handler.Disconnect)

		ats := v1.Group("/ats/integrations", RequireUser)
		ats.Post("/", r.handler.SetupIntegration)
		ats.Post("/:id/sync", r.handler.TriggerSync)
		ats.Post("/:id/queue", r.handler.EnqueueItem)
		ats.Get("/:id/logs", r.handler.ListLogs)
		ats.Get("/:id/stats", r.handler.GetStats)
		ats.Post("/:id/candidates/push", r.handler.PushCandidate)
	})
}
