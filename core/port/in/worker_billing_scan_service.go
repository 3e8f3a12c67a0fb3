package in

import (
	"context"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"
)

// BillingScanService runs the scan-match-extract pipeline for one user.
type BillingScanService interface {
	Scan(ctx context.Context, mailbox out.MailboxClient, req domain.ScanRequest) (*domain.ScanResult, error)
}

// ScanJobService is the API-facing entry: sync runs and async queueing.
type ScanJobService interface {
	RunNow(ctx context.Context, req domain.ScanRequest, accessToken string) (*domain.ScanReport, error)
	Enqueue(ctx context.Context, req domain.ScanRequest, accessToken string) (*domain.ScanReport, error)
	Process(ctx context.Context, job *domain.ScanJob) error
	Get(ctx context.Context, userID, scanID string) (*domain.ScanReport, error)
	List(ctx context.Context, userID string, limit int) ([]*domain.ScanReport, error)
}
