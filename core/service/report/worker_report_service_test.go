package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"
	"billscan_worker/pkg/cache"
	"billscan_worker/pkg/crypto"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeScanner struct {
	result *domain.ScanResult
	err    error
	reqs   []domain.ScanRequest
}

func (f *fakeScanner) Scan(_ context.Context, _ out.MailboxClient, req domain.ScanRequest) (*domain.ScanResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeFactory struct {
	tokens []string
}

func (f *fakeFactory) ForCredential(_ context.Context, token string) (out.MailboxClient, error) {
	f.tokens = append(f.tokens, token)
	return nil, nil
}

type memReports struct {
	mu      sync.Mutex
	reports map[uuid.UUID]domain.ScanReport
}

func newMemReports() *memReports {
	return &memReports{reports: make(map[uuid.UUID]domain.ScanReport)}
}

func (m *memReports) Save(_ context.Context, r *domain.ScanReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = *r
	return nil
}

func (m *memReports) GetByID(_ context.Context, id uuid.UUID) (*domain.ScanReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, out.ErrReportNotFound
	}
	return &r, nil
}

func (m *memReports) UpdateStatus(_ context.Context, id uuid.UUID, status domain.ScanStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return out.ErrReportNotFound
	}
	r.Status = status
	r.Error = errMsg
	m.reports[id] = r
	return nil
}

func (m *memReports) Complete(_ context.Context, id uuid.UUID, result *domain.ScanResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return out.ErrReportNotFound
	}
	r.Status = domain.ScanCompleted
	r.Services = result.Services
	r.Stats = result.Stats
	m.reports[id] = r
	return nil
}

func (m *memReports) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*domain.ScanReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*domain.ScanReport
	for _, r := range m.reports {
		if r.UserID == userID && len(list) < limit {
			r := r
			list = append(list, &r)
		}
	}
	return list, nil
}

type fakeProducer struct {
	jobs []*domain.ScanJob
	err  error
}

func (f *fakeProducer) PublishScan(_ context.Context, job *domain.ScanJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	svc      *Service
	scanner  *fakeScanner
	factory  *fakeFactory
	reports  *memReports
	lock     *cache.MemoryScanLock
	producer *fakeProducer
}

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sealer, err := crypto.NewEncryptor([]byte("test key"))
	require.NoError(t, err)

	f := &fixture{
		scanner: &fakeScanner{result: &domain.ScanResult{
			Services: []domain.DetectedService{{Name: "EPEC", EmailCount: 3}},
			Stats:    domain.ScanStats{Queries: 2},
		}},
		factory:  &fakeFactory{},
		reports:  newMemReports(),
		lock:     cache.NewMemoryScanLock(),
		producer: &fakeProducer{},
	}
	f.svc = NewService(f.scanner, f.factory, f.reports, f.lock, f.producer, sealer, DefaultConfig(), zerolog.Nop())
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func scanRequest(user uuid.UUID) domain.ScanRequest {
	return domain.ScanRequest{UserID: user, Locale: "Córdoba", LookbackDays: 90}
}

// =============================================================================
// Tests
// =============================================================================

func TestRunNow_CompletesReport(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	report, err := f.svc.RunNow(context.Background(), scanRequest(user), "ya29.token")

	require.NoError(t, err)
	assert.Equal(t, domain.ScanCompleted, report.Status)
	require.Len(t, report.Services, 1)
	assert.Equal(t, []string{"ya29.token"}, f.factory.tokens)
	require.Len(t, f.scanner.reqs, 1)
	assert.Equal(t, fixedNow, f.scanner.reqs[0].Now)

	stored, err := f.reports.GetByID(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanCompleted, stored.Status)
	assert.Equal(t, 2, stored.Stats.Queries)

	_, err = f.lock.Acquire(context.Background(), user, time.Minute)
	assert.NoError(t, err, "lock released after the run")
}

func TestRunNow_LockHeld(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	_, err := f.lock.Acquire(context.Background(), user, time.Minute)
	require.NoError(t, err)

	_, err = f.svc.RunNow(context.Background(), scanRequest(user), "token")

	assert.ErrorIs(t, err, out.ErrScanInProgress)
	assert.Empty(t, f.scanner.reqs)
}

func TestRunNow_ScanFailureMarksReport(t *testing.T) {
	f := newFixture(t)
	f.scanner.err = &out.MailboxError{Op: "list", Status: 401}

	report, err := f.svc.RunNow(context.Background(), scanRequest(uuid.New()), "token")

	require.Error(t, err)
	assert.True(t, out.IsAuthFailure(err))
	require.NotNil(t, report)
	stored, getErr := f.reports.GetByID(context.Background(), report.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.ScanFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestRunNow_MissingToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RunNow(context.Background(), scanRequest(uuid.New()), "")

	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestEnqueueThenProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	report, err := f.svc.Enqueue(ctx, scanRequest(user), "ya29.secret")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanQueued, report.Status)

	require.Len(t, f.producer.jobs, 1)
	job := f.producer.jobs[0]
	assert.Equal(t, report.ID, job.ScanID)
	assert.NotContains(t, job.EncryptedToken, "ya29")
	assert.Empty(t, f.scanner.reqs)

	require.NoError(t, f.svc.Process(ctx, job))

	assert.Equal(t, []string{"ya29.secret"}, f.factory.tokens)
	stored, err := f.reports.GetByID(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanCompleted, stored.Status)

	// redelivery of a finished job is a no-op
	require.NoError(t, f.svc.Process(ctx, job))
	assert.Len(t, f.scanner.reqs, 1)
}

func TestProcess_FailuresRecordedOnReport(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, job *domain.ScanJob)
	}{
		{
			name:   "bad ciphertext",
			mutate: func(_ *fixture, job *domain.ScanJob) { job.EncryptedToken = "garbage" },
		},
		{
			name:   "scan error",
			mutate: func(f *fixture, _ *domain.ScanJob) { f.scanner.err = errors.New("boom") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			report, err := f.svc.Enqueue(ctx, scanRequest(uuid.New()), "token")
			require.NoError(t, err)
			job := *f.producer.jobs[0]
			tt.mutate(f, &job)

			require.NoError(t, f.svc.Process(ctx, &job))

			stored, err := f.reports.GetByID(ctx, report.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.ScanFailed, stored.Status)
		})
	}
}

func TestProcess_LockHeldIsRedelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	_, err := f.svc.Enqueue(ctx, scanRequest(user), "token")
	require.NoError(t, err)
	_, err = f.lock.Acquire(ctx, user, time.Minute)
	require.NoError(t, err)

	err = f.svc.Process(ctx, f.producer.jobs[0])

	assert.ErrorIs(t, err, out.ErrScanInProgress)
}

func TestEnqueue_PublishFailure(t *testing.T) {
	f := newFixture(t)
	f.producer.err = errors.New("redis down")

	_, err := f.svc.Enqueue(context.Background(), scanRequest(uuid.New()), "token")

	require.Error(t, err)
	for _, r := range f.reports.reports {
		assert.Equal(t, domain.ScanFailed, r.Status)
	}
}

func TestEnqueue_Unavailable(t *testing.T) {
	svc := NewService(&fakeScanner{}, &fakeFactory{}, newMemReports(), cache.NewMemoryScanLock(), nil, nil, Config{}, zerolog.Nop())

	_, err := svc.Enqueue(context.Background(), scanRequest(uuid.New()), "token")

	assert.ErrorIs(t, err, ErrAsyncUnavailable)
}

func TestGet_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()
	report, err := f.svc.RunNow(ctx, scanRequest(owner), "token")
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, owner.String(), report.ID.String())
	require.NoError(t, err)
	assert.Equal(t, report.ID, got.ID)

	_, err = f.svc.Get(ctx, uuid.NewString(), report.ID.String())
	assert.ErrorIs(t, err, out.ErrReportNotFound)

	_, err = f.svc.Get(ctx, owner.String(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestList_ClampsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	for i := 0; i < 3; i++ {
		_, err := f.svc.RunNow(ctx, scanRequest(user), "token")
		require.NoError(t, err)
	}

	list, err := f.svc.List(ctx, user.String(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
