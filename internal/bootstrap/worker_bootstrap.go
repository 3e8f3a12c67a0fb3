package bootstrap

import (
	"context"
	"errors"

	"billscan_worker/adapter/in/worker"
	"billscan_worker/adapter/out/messaging"

	"github.com/rs/zerolog"
)

// Worker consumes queued scans from the billing stream.
type Worker struct {
	consumer *messaging.Consumer
	log      zerolog.Logger
}

func NewWorker(deps *Dependencies) (*Worker, error) {
	if deps.Redis == nil {
		return nil, errors.New("worker mode needs REDIS_URL")
	}
	if deps.Sealer == nil {
		return nil, errors.New("worker mode needs ENCRYPTION_KEY")
	}

	log := deps.Log.With().Str("component", "worker").Logger()
	processor := worker.NewScanProcessor(deps.ScanService, log)

	consumer := messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:    deps.Config.ConsumerGroup,
		Consumer: deps.Config.ConsumerName,
		Streams:  []string{messaging.StreamBillingScan},
		Handler:  processor,
		Logger:   log,
		// a stalled delivery must outlive the lock of the run that stalled
		PendingIdleTime: deps.Config.ScanLockTTL + deps.Config.ScanLockTTL/2,
		Workers:         deps.Config.ScanWorkers,
		DrainTimeout:    deps.Config.ScanLockTTL,
	})

	return &Worker{consumer: consumer, log: log}, nil
}

// Run blocks until ctx is cancelled and in-flight scans have drained.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("starting scan worker")
	err := w.consumer.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	w.log.Info().Msg("scan worker stopped")
	return nil
}
