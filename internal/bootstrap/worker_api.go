package bootstrap

import (
	"context"
	"time"

	"billscan_worker/adapter/in/http"
	"billscan_worker/adapter/out/mongodb"
	"billscan_worker/infra/database"
	"billscan_worker/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// NewAPI builds the HTTP app on top of deps.
func NewAPI(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             64 * 1024,
		ReadTimeout:           30 * time.Second,
		// sync scans hold the connection for the whole run
		WriteTimeout: cfg.ScanLockTTL,
		ServerHeader: "",
	})

	// order matters
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())
	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.Origins(),
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders: "X-Request-ID,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset",
		MaxAge:        86400,
	}))

	// Health check (no auth required)
	health := http.NewHealthHandler(healthChecks(deps), deps.Registry)
	if deps.SQLDB != nil {
		health.WithStats("postgres", func() any { return database.GetPoolStats(deps.SQLDB) })
	}
	health.Register(app)

	api := app.Group("/api/v1", middleware.MaxBodySize(64*1024), middleware.JWTAuth(cfg.JWTSecret))
	limiter := middleware.NewRateLimiter(cfg.ScanRateLimit, time.Hour)
	http.NewBillingHandler(deps.ScanService, limiter.Handler()).Register(api)

	return app
}

func healthChecks(deps *Dependencies) map[string]http.HealthChecker {
	checks := map[string]http.HealthChecker{}
	if deps.SQLDB != nil {
		checks["postgres"] = deps.SQLDB.PingContext
	}
	if deps.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() }
	}
	if deps.MongoDB != nil {
		checks["mongo"] = func(ctx context.Context) error { return mongodb.Ping(ctx, deps.MongoDB) }
	}
	return checks
}
