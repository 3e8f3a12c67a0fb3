package middleware

import (
	"billscan_worker/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// SecurityHeaders adds security headers to all responses
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		// responses carry mailbox-derived data
		c.Set("Cache-Control", "no-store")
		return c.Next()
	}
}

// MaxBodySize rejects request bodies over maxBytes.
func MaxBodySize(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(c.Body()) > maxBytes {
			return apperr.New("PAYLOAD_TOO_LARGE", "request body too large", fiber.StatusRequestEntityTooLarge).
				WithDetail("max_size", maxBytes)
		}
		return c.Next()
	}
}

// ValidateUUID validates that a route parameter is a UUID.
func ValidateUUID(paramName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		value := c.Params(paramName)
		if value == "" {
			return apperr.MissingField(paramName)
		}
		if _, err := uuid.Parse(value); err != nil {
			return apperr.InvalidInput(paramName, "must be a UUID")
		}
		return c.Next()
	}
}
