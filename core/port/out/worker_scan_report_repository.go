package out

import (
	"context"
	"errors"
	"time"

	"billscan_worker/core/domain"

	"github.com/google/uuid"
)

var (
	ErrReportNotFound = errors.New("scan report not found")
	ErrScanInProgress = errors.New("scan already in progress")
)

// =============================================================================
// ScanReportRepository (MongoDB)
// =============================================================================

type ScanReportRepository interface {
	Save(ctx context.Context, report *domain.ScanReport) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ScanReport, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.ScanStatus, errMsg string) error
	Complete(ctx context.Context, id uuid.UUID, result *domain.ScanResult) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.ScanReport, error)
}

// =============================================================================
// ScanLock (Redis)
// =============================================================================

// ScanLock serializes scans per user. Acquire returns ErrScanInProgress when held.
type ScanLock interface {
	Acquire(ctx context.Context, userID uuid.UUID, ttl time.Duration) (release func(context.Context) error, err error)
}

// =============================================================================
// ScanJobProducer (Redis Streams)
// =============================================================================

type ScanJobProducer interface {
	PublishScan(ctx context.Context, job *domain.ScanJob) error
}
