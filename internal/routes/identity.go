package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/savevault/internal/identity"
)

// RegisterIdentityRoutes wires identity endpoints.
func RegisterIdentityRoutes(r fiber.Router, h *identity.Handler) {
	r.Post("/identity/register", h.Register)
}
