// Package report runs billing scans on behalf of API callers and keeps a
// persisted report per scan.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/in"
	"billscan_worker/core/port/out"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidID        = errors.New("invalid id")
	ErrAsyncUnavailable = errors.New("async scans are not configured")
	ErrMissingToken     = errors.New("mailbox token is required")
)

const defaultListLimit = 20

// TokenSealer encrypts mailbox credentials for the job queue.
type TokenSealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type Config struct {
	LockTTL time.Duration
	// upper bound for one pipeline run
	ScanTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{LockTTL: 10 * time.Minute, ScanTimeout: 9 * time.Minute}
}

type Service struct {
	scanner   in.BillingScanService
	mailboxes out.MailboxFactory
	reports   out.ScanReportRepository
	lock      out.ScanLock
	producer  out.ScanJobProducer
	sealer    TokenSealer
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger
}

// NewService builds the scan job service. producer and sealer may be nil, in
// which case Enqueue returns ErrAsyncUnavailable.
func NewService(
	scanner in.BillingScanService,
	mailboxes out.MailboxFactory,
	reports out.ScanReportRepository,
	lock out.ScanLock,
	producer out.ScanJobProducer,
	sealer TokenSealer,
	cfg Config,
	log zerolog.Logger,
) *Service {
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.ScanTimeout <= 0 || cfg.ScanTimeout > cfg.LockTTL {
		cfg.ScanTimeout = cfg.LockTTL
	}
	return &Service{
		scanner:   scanner,
		mailboxes: mailboxes,
		reports:   reports,
		lock:      lock,
		producer:  producer,
		sealer:    sealer,
		cfg:       cfg,
		now:       time.Now,
		log:       log.With().Str("component", "scan_jobs").Logger(),
	}
}

// RunNow scans synchronously while holding the user's lock.
func (s *Service) RunNow(ctx context.Context, req domain.ScanRequest, accessToken string) (*domain.ScanReport, error) {
	if accessToken == "" {
		return nil, ErrMissingToken
	}

	release, err := s.lock.Acquire(ctx, req.UserID, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(release, req.UserID)

	report := s.newReport(uuid.New(), req, domain.ScanRunning)
	if err := s.reports.Save(ctx, report); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	result, err := s.run(ctx, req, accessToken)
	if err != nil {
		s.fail(ctx, report, err)
		return report, err
	}
	if err := s.reports.Complete(ctx, report.ID, result); err != nil {
		return nil, fmt.Errorf("complete report: %w", err)
	}
	s.applyResult(report, result)
	return report, nil
}

// Enqueue stores a queued report and publishes the job.
func (s *Service) Enqueue(ctx context.Context, req domain.ScanRequest, accessToken string) (*domain.ScanReport, error) {
	if s.producer == nil || s.sealer == nil {
		return nil, ErrAsyncUnavailable
	}
	if accessToken == "" {
		return nil, ErrMissingToken
	}

	sealed, err := s.sealer.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("seal token: %w", err)
	}

	report := s.newReport(uuid.New(), req, domain.ScanQueued)
	if err := s.reports.Save(ctx, report); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	job := &domain.ScanJob{
		ScanID:         report.ID,
		UserID:         req.UserID,
		Locale:         req.Locale,
		LookbackDays:   req.LookbackDays,
		EncryptedToken: sealed,
		EnqueuedAt:     report.CreatedAt,
	}
	if err := s.producer.PublishScan(ctx, job); err != nil {
		s.fail(ctx, report, err)
		return nil, fmt.Errorf("publish scan job: %w", err)
	}

	s.log.Info().Str("scan_id", report.ID.String()).Str("user_id", req.UserID.String()).Msg("scan queued")
	return report, nil
}

// Process runs a queued job. Scan failures are recorded on the report and do
// not return an error; only errors worth a redelivery do. A report that
// already finished is left alone.
func (s *Service) Process(ctx context.Context, job *domain.ScanJob) error {
	log := s.log.With().Str("scan_id", job.ScanID.String()).Str("user_id", job.UserID.String()).Logger()

	report, err := s.reports.GetByID(ctx, job.ScanID)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	if report.Status == domain.ScanCompleted || report.Status == domain.ScanFailed {
		log.Info().Str("status", string(report.Status)).Msg("scan already finished, skipping")
		return nil
	}

	token, err := s.sealer.Decrypt(job.EncryptedToken)
	if err != nil {
		s.fail(ctx, report, fmt.Errorf("open token: %w", err))
		return nil
	}

	release, err := s.lock.Acquire(ctx, job.UserID, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer s.release(release, job.UserID)

	if err := s.reports.UpdateStatus(ctx, report.ID, domain.ScanRunning, ""); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	req := domain.ScanRequest{
		UserID:       job.UserID,
		Locale:       job.Locale,
		LookbackDays: job.LookbackDays,
	}
	result, err := s.run(ctx, req, token)
	if err != nil {
		s.fail(ctx, report, err)
		return nil
	}
	if err := s.reports.Complete(ctx, report.ID, result); err != nil {
		return fmt.Errorf("complete report: %w", err)
	}

	log.Info().Int("services", len(result.Services)).Msg("queued scan completed")
	return nil
}

// Get returns a report owned by userID. Reports of other users read as not found.
func (s *Service) Get(ctx context.Context, userID, scanID string) (*domain.ScanReport, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	sid, err := uuid.Parse(scanID)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %q", ErrInvalidID, scanID)
	}

	report, err := s.reports.GetByID(ctx, sid)
	if err != nil {
		return nil, err
	}
	if report.UserID != uid {
		return nil, out.ErrReportNotFound
	}
	return report, nil
}

// List returns the user's most recent reports.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*domain.ScanReport, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: user %q", ErrInvalidID, userID)
	}
	if limit <= 0 || limit > 100 {
		limit = defaultListLimit
	}
	return s.reports.ListByUser(ctx, uid, limit)
}

func (s *Service) run(ctx context.Context, req domain.ScanRequest, token string) (*domain.ScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	client, err := s.mailboxes.ForCredential(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("mailbox client: %w", err)
	}
	if req.Now.IsZero() {
		req.Now = s.now()
	}
	return s.scanner.Scan(ctx, client, req)
}

func (s *Service) newReport(id uuid.UUID, req domain.ScanRequest, status domain.ScanStatus) *domain.ScanReport {
	now := s.now().UTC()
	return &domain.ScanReport{
		ID:        id,
		UserID:    req.UserID,
		Status:    status,
		Locale:    req.Locale,
		Services:  []domain.DetectedService{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) applyResult(report *domain.ScanReport, result *domain.ScanResult) {
	now := s.now().UTC()
	report.Status = domain.ScanCompleted
	report.Services = result.Services
	report.Stats = result.Stats
	report.UpdatedAt = now
	report.CompletedAt = &now
}

// fail marks the report failed. Store errors are logged, not returned, so the
// caller sees the scan error.
func (s *Service) fail(ctx context.Context, report *domain.ScanReport, cause error) {
	s.log.Error().Err(cause).Str("scan_id", report.ID.String()).Msg("scan failed")

	now := s.now().UTC()
	report.Status = domain.ScanFailed
	report.Error = cause.Error()
	report.UpdatedAt = now
	report.CompletedAt = &now

	if err := s.reports.UpdateStatus(context.WithoutCancel(ctx), report.ID, domain.ScanFailed, cause.Error()); err != nil {
		s.log.Error().Err(err).Str("scan_id", report.ID.String()).Msg("failed to mark report failed")
	}
}

func (s *Service) release(release func(context.Context) error, userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := release(ctx); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to release scan lock")
	}
}

var _ in.ScanJobService = (*Service)(nil)
