package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/savevault/internal/savings"
)

// RegisterSavingsRoutes wires the ledger operations. Mutations require a
// bearer token and, when Redis is available, an Idempotency-Key.
func RegisterSavingsRoutes(r fiber.Router, h *savings.Handler, jwtmw, idempotency fiber.Handler) {
	mutate := func(handler fiber.Handler) []fiber.Handler {
		chain := []fiber.Handler{jwtmw}
		if idempotency != nil {
			chain = append(chain, idempotency)
		}
		return append(chain, handler)
	}
	r.Post("/savings/deposit", mutate(h.Deposit)...)
	r.Post("/savings/withdraw", mutate(h.Withdraw)...)
	r.Post("/savings/send", mutate(h.Send)...)

	r.Get("/savings/:address", h.Balance)
	r.Get("/savings/:address/history", h.History)
	r.Get("/custody/balance", h.CustodyBalance)
	r.Get("/custody/reconcile", h.Reconcile)
}
