// middleware/auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	LocalUserID     = "user_id"
	LocalUserRoles  = "user_roles"
	LocalPrivileged = "privileged"
)

// UserContextMiddleware reads the identity the bot forwards for the chat
// user behind a command. Mutating routes require X-User-ID.
func UserContextMiddleware(privilegedRoles []string, log *zap.SugaredLogger) fiber.Handler {
	privileged := make(map[string]bool, len(privilegedRoles))
	for _, r := range privilegedRoles {
		privileged[strings.ToLower(r)] = true
	}

	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))
		if c.Method() != fiber.MethodGet && userID == "" {
			log.Warnf("❌ [USER_CTX] X-User-ID required but missing: %s %s", c.Method(), c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"ok":    false,
				"error": "missing X-User-ID; commands must carry the caller's identity",
				"code":  "unauthorized",
			})
		}

		var roles []string
		isPrivileged := false
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			r = strings.ToLower(strings.TrimSpace(r))
			if r == "" {
				continue
			}
			roles = append(roles, r)
			if privileged[r] {
				isPrivileged = true
			}
		}

		c.Locals(LocalUserID, userID)
		c.Locals(LocalUserRoles, roles)
		c.Locals(LocalPrivileged, isPrivileged)

		log.Debugf("👤 [USER_CTX] UserID=%s, Roles=%v, Privileged=%t | Path: %s",
			userID, roles, isPrivileged, c.Path())

		return c.Next()
	}
}
