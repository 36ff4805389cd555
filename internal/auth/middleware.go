package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Middleware validates the bearer token and stores the claims in
// Locals. The token is taken from the Authorization header or, for
// browser WebSocket clients that cannot set headers, a token query
// parameter.
func Middleware(m *JWTManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := ""
		if header := c.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			tokenString = strings.TrimPrefix(header, "Bearer ")
		} else {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing token"})
		}

		claims, err := m.ValidateToken(tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
		}

		c.Locals("userID", claims.UserID)
		c.Locals("userName", claims.Name)
		c.Locals("avatarURL", claims.AvatarURL)
		return c.Next()
	}
}
