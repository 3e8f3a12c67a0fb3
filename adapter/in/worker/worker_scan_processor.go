package worker

import (
	"context"
	"fmt"

	"billscan_worker/adapter/out/messaging"
	"billscan_worker/core/domain"
	"billscan_worker/core/port/in"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ScanProcessor runs queued billing scans delivered on the scan stream.
type ScanProcessor struct {
	scans in.ScanJobService
	log   zerolog.Logger
}

func NewScanProcessor(scans in.ScanJobService, log zerolog.Logger) *ScanProcessor {
	return &ScanProcessor{
		scans: scans,
		log:   log.With().Str("component", "scan_processor").Logger(),
	}
}

// Handle implements messaging.JobHandler. Undecodable payloads are poison;
// any other error leaves the message pending for redelivery.
func (p *ScanProcessor) Handle(ctx context.Context, stream string, data []byte) error {
	if stream != messaging.StreamBillingScan {
		return fmt.Errorf("%w: unexpected stream %q", messaging.ErrPoison, stream)
	}

	job, err := decodeScanJob(data)
	if err != nil {
		return err
	}

	log := p.log.With().
		Str("scan_id", job.ScanID.String()).
		Str("user_id", job.UserID.String()).
		Logger()
	log.Info().Time("enqueued_at", job.EnqueuedAt).Msg("processing scan job")

	if err := p.scans.Process(ctx, job); err != nil {
		log.Warn().Err(err).Msg("scan job will be redelivered")
		return err
	}
	return nil
}

func decodeScanJob(data []byte) (*domain.ScanJob, error) {
	var job domain.ScanJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: decode scan job: %v", messaging.ErrPoison, err)
	}
	if job.ScanID == uuid.Nil || job.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: scan job without ids", messaging.ErrPoison)
	}
	if job.EncryptedToken == "" {
		return nil, fmt.Errorf("%w: scan job without credential", messaging.ErrPoison)
	}
	return &job, nil
}

var _ messaging.JobHandler = (*ScanProcessor)(nil)
