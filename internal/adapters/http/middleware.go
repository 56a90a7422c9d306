package http

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Auth guards the API with a static bearer token. When no token is
// configured the middleware passes everything through, which is the
// expected mode behind a management VPN.
func Auth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		presented := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if presented == "" {
			presented = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}
		return c.Next()
	}
}
