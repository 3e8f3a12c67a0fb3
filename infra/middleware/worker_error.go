package middleware

import (
	"errors"
	"time"

	"billscan_worker/pkg/apperr"
	"billscan_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorHandler renders every handler error as an ErrorResponse.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		response := ErrorResponse{
			Success:   false,
			RequestID: requestID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		var (
			appErr   *apperr.AppError
			fiberErr *fiber.Error
		)
		if !errors.As(err, &appErr) && errors.As(err, &fiberErr) {
			response.Error = ErrorDetail{
				Code:    mapHTTPStatusToCode(fiberErr.Code),
				Message: fiberErr.Message,
			}
			return c.Status(fiberErr.Code).JSON(response)
		}

		// anything that is not an AppError renders as INTERNAL_ERROR
		appErr = apperr.AsAppError(err)
		status := apperr.GetHTTPStatus(appErr)
		response.Error = ErrorDetail{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		}

		log := logger.WithField("request_id", requestID).
			WithField("error_code", appErr.Code).
			WithError(appErr.Err)
		if status >= 500 {
			log.Error("Internal error: %s", appErr.Message)
		} else {
			log.Warn("Client error: %s", appErr.Message)
		}

		return c.Status(status).JSON(response)
	}
}

// RequestID middleware adds a unique request ID to each request
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// RequestLogger logs each request after the handler chain ran.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// render now so the logged status is the final one
			if hErr := c.App().ErrorHandler(c, err); hErr != nil {
				return hErr
			}
		}

		requestID, _ := c.Locals("request_id").(string)
		log := logger.WithFields(map[string]any{
			"request_id": requestID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"ip":         c.IP(),
		}).WithDuration(time.Since(start))
		if uid, ok := c.Locals("user_id").(uuid.UUID); ok {
			log = log.WithField("user_id", uid.String())
		}

		status := c.Response().StatusCode()
		switch {
		case status >= 500:
			log.Error("Request failed: %s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("Request error: %s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("Request completed: %s %s -> %d", c.Method(), c.Path(), status)
		}
		return nil
	}
}

func mapHTTPStatusToCode(status int) string {
	switch status {
	case 400:
		return apperr.CodeValidationFailed
	case 401:
		return apperr.CodeUnauthorized
	case 403:
		return apperr.CodeForbidden
	case 404:
		return apperr.CodeNotFound
	case 409:
		return apperr.CodeConflict
	case 413:
		return "PAYLOAD_TOO_LARGE"
	case 429:
		return apperr.CodeRateLimited
	case 500:
		return apperr.CodeInternalError
	case 502, 503, 504:
		return apperr.CodeServiceUnavailable
	default:
		return "UNKNOWN_ERROR"
	}
}
