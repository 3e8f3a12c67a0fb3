package http

import (
	"strings"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/in"
	"billscan_worker/infra/middleware"
	"billscan_worker/pkg/apperr"

	"github.com/gofiber/fiber/v2"
)

const (
	maxLookbackDays = 730
	maxLocaleLength = 100
)

type BillingHandler struct {
	scans in.ScanJobService
	// guards POST only; nil disables
	limiter fiber.Handler
}

func NewBillingHandler(scans in.ScanJobService, limiter fiber.Handler) *BillingHandler {
	return &BillingHandler{scans: scans, limiter: limiter}
}

func (h *BillingHandler) Register(router fiber.Router) {
	scans := router.Group("/billing/scans")
	if h.limiter != nil {
		scans.Post("/", h.limiter, h.StartScan)
	} else {
		scans.Post("/", h.StartScan)
	}
	scans.Get("/", h.ListScans)
	scans.Get("/:id", middleware.ValidateUUID("id"), h.GetScan)
}

// ScanRequestBody is the payload of POST /billing/scans.
type ScanRequestBody struct {
	Locale       string `json:"locale"`
	LookbackDays int    `json:"lookback_days"`
	MailboxToken string `json:"mailbox_token"`
	Async        bool   `json:"async"`
}

func (b *ScanRequestBody) validate() error {
	b.Locale = strings.TrimSpace(b.Locale)
	b.MailboxToken = strings.TrimSpace(b.MailboxToken)

	if b.MailboxToken == "" {
		return apperr.MissingField("mailbox_token")
	}
	if len(b.Locale) > maxLocaleLength {
		return apperr.InvalidInput("locale", "too long")
	}
	if b.LookbackDays < 0 || b.LookbackDays > maxLookbackDays {
		return apperr.InvalidInput("lookback_days", "must be between 0 and 730")
	}
	return nil
}

// ScanAccepted is returned for queued scans.
type ScanAccepted struct {
	ScanID string            `json:"scan_id"`
	Status domain.ScanStatus `json:"status"`
}

// StartScan runs a scan inline, or queues it when async is set.
// POST /billing/scans
func (h *BillingHandler) StartScan(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	var body ScanRequestBody
	if err := c.BodyParser(&body); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if err := body.validate(); err != nil {
		return err
	}

	req := domain.ScanRequest{
		UserID:       userID,
		Locale:       body.Locale,
		LookbackDays: body.LookbackDays,
	}

	if body.Async {
		rep, err := h.scans.Enqueue(c.UserContext(), req, body.MailboxToken)
		if err != nil {
			return scanError(err, "enqueue scan")
		}
		return SuccessResponse(c, fiber.StatusAccepted, ScanAccepted{
			ScanID: rep.ID.String(),
			Status: rep.Status,
		})
	}

	rep, err := h.scans.RunNow(c.UserContext(), req, body.MailboxToken)
	if err != nil {
		return scanError(err, "scan")
	}
	return SuccessResponse(c, fiber.StatusOK, rep)
}

// ListScans returns the caller's most recent scans.
// GET /billing/scans?limit=20
func (h *BillingHandler) ListScans(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	reports, err := h.scans.List(c.UserContext(), userID.String(), limit)
	if err != nil {
		return scanError(err, "list scans")
	}
	if reports == nil {
		reports = []*domain.ScanReport{}
	}
	return SuccessResponse(c, fiber.StatusOK, ListResponse{Items: reports, Count: len(reports)})
}

// GetScan returns one report of the caller.
// GET /billing/scans/:id
func (h *BillingHandler) GetScan(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	rep, err := h.scans.Get(c.UserContext(), userID.String(), c.Params("id"))
	if err != nil {
		return scanError(err, "get scan")
	}
	return SuccessResponse(c, fiber.StatusOK, rep)
}
