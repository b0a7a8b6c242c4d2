package identity

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/savevault/internal/account"
)

// Handler exposes identity endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Address string `json:"address"`
	PIN     string `json:"pin"`
}

type registerResponse struct {
	Address   string `json:"address"`
	Base58    string `json:"address_base58"`
	CreatedAt string `json:"created_at"`
}

// Register handles account holder onboarding.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	addr, err := account.Parse(req.Address)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	user, err := h.service.Register(c.UserContext(), Credentials{Address: addr, PIN: req.PIN})
	switch {
	case errors.Is(err, ErrExists):
		return fiber.NewError(http.StatusConflict, err.Error())
	case err != nil:
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(registerResponse{
		Address:   user.Address.String(),
		Base58:    user.Address.Base58(),
		CreatedAt: user.CreatedAt.Format(time.RFC3339Nano),
	})
}
