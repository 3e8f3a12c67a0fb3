package http

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker pings one backing store.
type HealthChecker func(ctx context.Context) error

type HealthHandler struct {
	checks   map[string]HealthChecker
	stats    map[string]func() any
	gatherer prometheus.Gatherer
	timeout  time.Duration
}

// NewHealthHandler builds the probe handler. gatherer may be nil to skip /metrics.
func NewHealthHandler(checks map[string]HealthChecker, gatherer prometheus.Gatherer) *HealthHandler {
	if checks == nil {
		checks = map[string]HealthChecker{}
	}
	return &HealthHandler{
		checks:   checks,
		stats:    map[string]func() any{},
		gatherer: gatherer,
		timeout:  5 * time.Second,
	}
}

// WithStats adds a connection pool snapshot to the /ready body.
func (h *HealthHandler) WithStats(name string, fn func() any) *HealthHandler {
	h.stats[name] = fn
	return h
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	if h.gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	allHealthy := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	body := fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(h.stats) > 0 {
		pools := make(map[string]any, len(h.stats))
		for name, fn := range h.stats {
			pools[name] = fn()
		}
		body["pools"] = pools
	}
	return c.Status(statusCode).JSON(body)
}
