package bootstrap

import (
	"context"
	"time"

	"billscan_worker/config"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Serve runs the API, the scan worker or both until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	deps, cleanup, err := NewDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Mode != config.ModeAPI {
		w, err := NewWorker(deps)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	if cfg.Mode != config.ModeWorker {
		app := NewAPI(deps)
		addr := ":" + cfg.Port

		g.Go(func() error {
			log.Info().Str("addr", addr).Str("mode", cfg.Mode).Msg("starting API server")
			return app.Listen(addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info().Dur("timeout", shutdownTimeout).Msg("shutting down API server")
			return app.ShutdownWithTimeout(shutdownTimeout)
		})
	}

	return g.Wait()
}
