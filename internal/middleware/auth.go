package middleware

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"streamrelay/pkg/auth"
)

// AnonymousUser is the user_id local of requests without a valid token.
const AnonymousUser = "anonymous"

// OptionalAuth resolves the caller's identity when a token is presented.
// The token is read from the Authorization header, then from the "token"
// query parameter (browsers cannot set headers on a WebSocket upgrade).
// Requests without a valid token continue as anonymous.
func OptionalAuth(jwtAuth *auth.JWTAuth) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		if header := c.Get(fiber.HeaderAuthorization); header != "" {
			if extracted, err := auth.ExtractToken(header); err == nil {
				token = extracted
			}
		}
		if token == "" {
			token = c.Query("token")
		}

		if token == "" || jwtAuth == nil {
			c.Locals("user_id", AnonymousUser)
			return c.Next()
		}

		user, err := jwtAuth.VerifyAccessToken(token)
		if err != nil {
			log.Printf("⚠️  Token validation failed: %v (continuing as anonymous)", err)
			c.Locals("user_id", AnonymousUser)
			return c.Next()
		}

		c.Locals("user_id", user.ID)
		c.Locals("user_role", user.Role)
		return c.Next()
	}
}

// UserID returns the authenticated user id, or "" for anonymous callers.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	if id == AnonymousUser {
		return ""
	}
	return id
}
