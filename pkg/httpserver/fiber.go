package httpserver

import (
	"strconv"
	"strings"
	"time"

	"integrations/pkg/config"
	"integrations/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewFiber(conf config.Config, m *metrics.Metrics, gatherer prometheus.Gatherer) *fiber.App {
	fc := fiber.Config{
		ReadBufferSize: 1024 * 100,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"status":  false,
				"message": err.Error(),
			})
		},
	}
	if conf.Server.BodyLimit > 0 {
		fc.BodyLimit = conf.Server.BodyLimit
	}
	app := fiber.New(fc)

	app.Use(
		cors.New(cors.Config{
			AllowOrigins:  "*",
			AllowHeaders:  "Origin, Content-Type, Accept, X-User-ID, X-Request-ID",
			ExposeHeaders: "X-Request-ID",
		}),
		recover.New(),
		requestid.New(),
		logger.New(logger.Config{
			Format: "${time} ${locals:requestid} ${status} ${latency} ${method} ${path}\n",
			// /health и /metrics опрашиваются постоянно
			Next: func(c *fiber.Ctx) bool { return isProbe(c.Path()) },
		}),
	)

	if m != nil {
		app.Use(prometheusMiddleware(m))
	}
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return app
}

func prometheusMiddleware(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()

		// шаблон роута, чтобы id в пути не раздували кардинальность
		path := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			path = r.Path
		}

		method := strings.ToUpper(c.Method())
		if r := c.Route(); r != nil && r.Method != "" {
			method = strings.ToUpper(r.Method)
		}

		status := c.Response().StatusCode()
		statusStr := strconv.Itoa(status)
		m.API.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
		m.API.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(time.Since(start).Seconds())
		return err
	}
}

func isProbe(path string) bool {
	return path == "/health" || path == "/metrics"
}
