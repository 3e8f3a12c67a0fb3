package middleware

import (
	"errors"
	"strings"
	"time"

	"billscan_worker/pkg/apperr"
	"billscan_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// clock skew tolerated on exp/iat/nbf
const jwtLeeway = time.Minute

// JWTAuth validates HS256 bearer tokens and stores the subject as
// Locals("user_id") (uuid.UUID).
func JWTAuth(secret string) fiber.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(jwtLeeway),
	)
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return apperr.Unauthorized("missing authorization")
		}
		if len(key) == 0 {
			return apperr.Internal("JWT secret not configured")
		}

		claims := &jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err != nil {
			logger.WithError(err).WithField("path", c.Path()).Warn("JWT validation failed")
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.TokenExpired()
			}
			return apperr.InvalidToken("invalid token")
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return apperr.InvalidToken("invalid user id in token")
		}

		c.Locals("user_id", userID)
		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
