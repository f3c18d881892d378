package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/groovesheet/api/internal/auth"
	"github.com/groovesheet/api/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	verifiers []auth.TokenVerifier
}

// NewAuthMiddleware tries each verifier in order. With no verifiers every
// request passes unauthenticated.
func NewAuthMiddleware(verifiers ...auth.TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifiers: verifiers}
}

// Enabled reports whether requests are checked at all.
func (m *AuthMiddleware) Enabled() bool {
	return len(m.verifiers) > 0
}

// Authenticate validates the bearer token from the Authorization header.
// Browsers cannot set headers on WebSocket upgrades, so a token query
// parameter is accepted as well.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.Enabled() {
			return c.Next()
		}

		tokenString := c.Query("token")
		if authHeader := c.Get("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				return response.Unauthorized(c, "Invalid authorization header format")
			}
			tokenString = parts[1]
		}
		if tokenString == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		for _, v := range m.verifiers {
			claims, err := v.Validate(tokenString)
			if err != nil {
				continue
			}
			c.Locals("userId", claims.UserID)
			c.Locals("email", claims.Email)
			c.Locals("name", claims.Name)
			c.Locals("claims", claims)
			return c.Next()
		}
		return response.Unauthorized(c, "Invalid or expired token")
	}
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
