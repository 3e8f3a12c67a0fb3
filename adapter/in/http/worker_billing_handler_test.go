package http

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"
	"billscan_worker/core/service/report"
	"billscan_worker/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScans struct {
	runErr     error
	enqueueErr error
	getErr     error

	lastReq   domain.ScanRequest
	lastToken string
	ran       bool
	enqueued  bool
	reports   []*domain.ScanReport
}

func (f *fakeScans) RunNow(_ context.Context, req domain.ScanRequest, token string) (*domain.ScanReport, error) {
	f.ran, f.lastReq, f.lastToken = true, req, token
	if f.runErr != nil {
		return nil, f.runErr
	}
	amount := 1234.5
	return &domain.ScanReport{
		ID:     uuid.New(),
		UserID: req.UserID,
		Status: domain.ScanCompleted,
		Services: []domain.DetectedService{
			{Name: "Edesur", Category: domain.CategoryUtilities, Amount: &amount, Currency: "ARS"},
		},
	}, nil
}

func (f *fakeScans) Enqueue(_ context.Context, req domain.ScanRequest, token string) (*domain.ScanReport, error) {
	f.enqueued, f.lastReq, f.lastToken = true, req, token
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	return &domain.ScanReport{ID: uuid.New(), UserID: req.UserID, Status: domain.ScanQueued}, nil
}

func (f *fakeScans) Process(context.Context, *domain.ScanJob) error { return nil }

func (f *fakeScans) Get(_ context.Context, userID, scanID string) (*domain.ScanReport, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &domain.ScanReport{ID: uuid.MustParse(scanID), UserID: uuid.MustParse(userID), Status: domain.ScanRunning}, nil
}

func (f *fakeScans) List(context.Context, string, int) ([]*domain.ScanReport, error) {
	return f.reports, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newBillingApp(scans *fakeScans, user uuid.UUID) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	app.Use(middleware.RequestID())
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		if user != uuid.Nil {
			c.Locals("user_id", user)
		}
		return c.Next()
	})
	NewBillingHandler(scans, nil).Register(api)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, int((5 * time.Second).Milliseconds()))
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestStartScan_Sync(t *testing.T) {
	user := uuid.New()
	scans := &fakeScans{}
	app := newBillingApp(scans, user)

	status, env := doJSON(t, app, "POST", "/api/v1/billing/scans",
		`{"locale":"Córdoba","lookback_days":90,"mailbox_token":" tok "}`)

	require.Equal(t, fiber.StatusOK, status)
	assert.True(t, env.Success)
	assert.True(t, scans.ran)
	assert.Equal(t, user, scans.lastReq.UserID)
	assert.Equal(t, "Córdoba", scans.lastReq.Locale)
	assert.Equal(t, 90, scans.lastReq.LookbackDays)
	assert.Equal(t, "tok", scans.lastToken)

	var rep domain.ScanReport
	require.NoError(t, json.Unmarshal(env.Data, &rep))
	require.Len(t, rep.Services, 1)
	assert.Equal(t, "Edesur", rep.Services[0].Name)
}

func TestStartScan_Async(t *testing.T) {
	scans := &fakeScans{}
	app := newBillingApp(scans, uuid.New())

	status, env := doJSON(t, app, "POST", "/api/v1/billing/scans", `{"mailbox_token":"tok","async":true}`)

	require.Equal(t, fiber.StatusAccepted, status)
	assert.True(t, scans.enqueued)
	assert.False(t, scans.ran)

	var accepted ScanAccepted
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	assert.Equal(t, domain.ScanQueued, accepted.Status)
	_, err := uuid.Parse(accepted.ScanID)
	assert.NoError(t, err)
}

func TestStartScan_Errors(t *testing.T) {
	authErr := &out.MailboxError{Op: "list", Status: 401}
	quotaErr := &out.MailboxError{Op: "list", Status: 429}

	tests := []struct {
		name   string
		body   string
		runErr error
		user   uuid.UUID
		status int
		code   string
	}{
		{"unauthenticated", `{"mailbox_token":"tok"}`, nil, uuid.Nil, fiber.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad json", `{`, nil, uuid.New(), fiber.StatusBadRequest, "BAD_REQUEST"},
		{"missing token", `{"locale":"BA"}`, nil, uuid.New(), fiber.StatusBadRequest, "MISSING_FIELD"},
		{"lookback too large", `{"mailbox_token":"t","lookback_days":9999}`, nil, uuid.New(), fiber.StatusBadRequest, "INVALID_INPUT"},
		{"lock held", `{"mailbox_token":"t"}`, out.ErrScanInProgress, uuid.New(), fiber.StatusConflict, "SCAN_IN_PROGRESS"},
		{"mailbox auth", `{"mailbox_token":"t"}`, authErr, uuid.New(), fiber.StatusUnauthorized, "MAILBOX_AUTH_FAILED"},
		{"mailbox quota", `{"mailbox_token":"t"}`, quotaErr, uuid.New(), fiber.StatusTooManyRequests, "MAILBOX_RATE_LIMITED"},
		{"timeout", `{"mailbox_token":"t"}`, context.DeadlineExceeded, uuid.New(), fiber.StatusGatewayTimeout, "TIMEOUT"},
		{"unexpected", `{"mailbox_token":"t"}`, errors.New("boom"), uuid.New(), fiber.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newBillingApp(&fakeScans{runErr: tt.runErr}, tt.user)

			status, env := doJSON(t, app, "POST", "/api/v1/billing/scans", tt.body)

			assert.Equal(t, tt.status, status)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestStartScan_AsyncUnavailable(t *testing.T) {
	app := newBillingApp(&fakeScans{enqueueErr: report.ErrAsyncUnavailable}, uuid.New())

	status, env := doJSON(t, app, "POST", "/api/v1/billing/scans", `{"mailbox_token":"t","async":true}`)

	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "SERVICE_UNAVAILABLE", env.Error.Code)
}

func TestGetScan(t *testing.T) {
	user := uuid.New()
	scanID := uuid.New()

	status, env := doJSON(t, newBillingApp(&fakeScans{}, user), "GET", "/api/v1/billing/scans/"+scanID.String(), "")
	require.Equal(t, fiber.StatusOK, status)
	var rep domain.ScanReport
	require.NoError(t, json.Unmarshal(env.Data, &rep))
	assert.Equal(t, scanID, rep.ID)

	status, env = doJSON(t, newBillingApp(&fakeScans{getErr: out.ErrReportNotFound}, user), "GET", "/api/v1/billing/scans/"+scanID.String(), "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	status, env = doJSON(t, newBillingApp(&fakeScans{getErr: report.ErrInvalidID}, user), "GET", "/api/v1/billing/scans/nope", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)
}

func TestListScans(t *testing.T) {
	scans := &fakeScans{reports: []*domain.ScanReport{{ID: uuid.New()}, {ID: uuid.New()}}}

	status, env := doJSON(t, newBillingApp(scans, uuid.New()), "GET", "/api/v1/billing/scans?limit=5", "")

	require.Equal(t, fiber.StatusOK, status)
	var list struct {
		Items []domain.ScanReport `json:"items"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, 2, list.Count)
	assert.Len(t, list.Items, 2)
}

func TestReady(t *testing.T) {
	reg := prometheus.NewRegistry()
	app := fiber.New()
	NewHealthHandler(map[string]HealthChecker{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, reg).
		WithStats("postgres", func() any { return map[string]int{"open_conns": 3} }).
		Register(app)

	resp, err := app.Test(httptest.NewRequest("GET", "/ready", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Status string                    `json:"status"`
		Checks map[string]string         `json:"checks"`
		Pools  map[string]map[string]int `json:"pools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "healthy", body.Checks["postgres"])
	assert.Contains(t, body.Checks["redis"], "connection refused")
	assert.Equal(t, 3, body.Pools["postgres"]["open_conns"])

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
