package http

import (
	"context"
	"errors"
	"time"

	"billscan_worker/core/port/out"
	"billscan_worker/core/service/catalog"
	"billscan_worker/core/service/report"
	"billscan_worker/pkg/apperr"
	"billscan_worker/pkg/logger"
	"billscan_worker/pkg/resilience"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// GetUserID extracts the authenticated user set by the JWT middleware.
func GetUserID(c *fiber.Ctx) (uuid.UUID, error) {
	userID, ok := c.Locals("user_id").(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.Nil, apperr.Unauthorized("authentication required")
	}
	return userID, nil
}

// =============================================================================
// Standardized Response Helpers
// =============================================================================

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// SuccessResponse sends a standardized success response
func SuccessResponse(c *fiber.Ctx, status int, data interface{}) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ListResponse wraps list data with its size.
type ListResponse struct {
	Items interface{} `json:"items"`
	Count int         `json:"count"`
}

// scanError maps scan service errors onto the API error envelope.
func scanError(err error, operation string) error {
	var appErr *apperr.AppError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, out.ErrScanInProgress):
		return apperr.ScanInProgress()
	case errors.Is(err, out.ErrReportNotFound):
		return apperr.NotFound("scan")
	case errors.Is(err, report.ErrInvalidID):
		return apperr.InvalidInput("id", "must be a valid uuid")
	case errors.Is(err, catalog.ErrNoQueries):
		return apperr.InvalidInput("locale", "no catalog services apply")
	case errors.Is(err, report.ErrMissingToken):
		return apperr.MissingField("mailbox_token")
	case errors.Is(err, report.ErrAsyncUnavailable):
		return apperr.ServiceUnavailable("async scans are not enabled")
	case out.IsAuthFailure(err):
		return apperr.MailboxAuthFailed(err)
	case out.IsRateLimited(err):
		return apperr.MailboxRateLimited(err)
	case resilience.Rejected(err):
		return apperr.ServiceUnavailable("upstream temporarily unavailable").WithError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout(operation)
	}

	logger.WithError(err).WithField("operation", operation).Error("scan request failed")
	return apperr.Internal(operation + " failed")
}
