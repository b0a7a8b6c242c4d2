package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/savevault/internal/account"
)

const accountKey = "account"

// Authorizer resolves the account behind a bearer access token.
type Authorizer interface {
	Authorize(ctx context.Context, accessToken string) (account.Address, error)
}

// JWTAuth rejects requests without a valid bearer access token and stores
// the authenticated account for handlers.
func JWTAuth(authz Authorizer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		token := strings.TrimSpace(header[len("Bearer "):])
		addr, err := authz.Authorize(c.UserContext(), token)
		if err != nil {
			return fiber.NewError(http.StatusUnauthorized, err.Error())
		}
		c.Locals(accountKey, addr)
		return c.Next()
	}
}

// Account returns the account authenticated by JWTAuth.
func Account(c *fiber.Ctx) (account.Address, bool) {
	addr, ok := c.Locals(accountKey).(account.Address)
	if !ok || addr.IsZero() {
		return account.Zero, false
	}
	return addr, true
}
