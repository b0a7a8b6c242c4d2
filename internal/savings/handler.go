// Package savings exposes the savings ledger over HTTP.
package savings

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/holiman/uint256"

	"github.com/congo-pay/savevault/internal/account"
	"github.com/congo-pay/savevault/internal/ledger"
	"github.com/congo-pay/savevault/internal/middleware"
	"github.com/congo-pay/savevault/internal/units"
)

// FaucetFunc credits an external balance at the custody boundary. It only
// backs the development faucet.
type FaucetFunc func(ctx context.Context, addr account.Address, amount *uint256.Int) error

// Handler exposes the savings operations.
type Handler struct {
	ledger *ledger.Ledger
	faucet FaucetFunc
	logger *slog.Logger
}

// NewHandler builds the savings handler. faucet may be nil.
func NewHandler(l *ledger.Ledger, faucet FaucetFunc, logger *slog.Logger) *Handler {
	return &Handler{ledger: l, faucet: faucet, logger: logger}
}

// Deposit credits the authenticated account.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	caller, ok := middleware.Account(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := req.wei()
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.ledger.Deposit(c.UserContext(), caller, amount)
	if err != nil {
		return h.fail(c, "deposit", err)
	}
	return c.Status(http.StatusCreated).JSON(toReceiptResponse(rec))
}

// Withdraw pays out the authenticated account's whole balance.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	caller, ok := middleware.Account(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	rec, err := h.ledger.Withdraw(c.UserContext(), caller)
	if err != nil {
		return h.fail(c, "withdraw", err)
	}
	return c.Status(http.StatusOK).JSON(toReceiptResponse(rec))
}

// Send moves part of the authenticated account's savings to a recipient.
func (h *Handler) Send(c *fiber.Ctx) error {
	caller, ok := middleware.Account(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	recipient, err := account.Parse(req.Recipient)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := req.wei()
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.ledger.SendOutSaving(c.UserContext(), caller, recipient, amount)
	if err != nil {
		return h.fail(c, "send", err)
	}
	return c.Status(http.StatusOK).JSON(toReceiptResponse(rec))
}

// Balance returns the savings of the address in the path.
func (h *Handler) Balance(c *fiber.Ctx) error {
	addr, err := account.Parse(c.Params("address"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	bal, err := h.ledger.CheckSavings(c.UserContext(), addr)
	if err != nil {
		return h.fail(c, "check_savings", err)
	}
	return c.JSON(balanceResponse{Address: addr.String(), Balance: bal.Dec(), BalanceEther: units.FormatEther(bal)})
}

// History lists recent operations involving the address in the path.
func (h *Handler) History(c *fiber.Ctx) error {
	addr, err := account.Parse(c.Params("address"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	ops, err := h.ledger.History(c.UserContext(), addr, c.QueryInt("limit", 50))
	if err != nil {
		return h.fail(c, "history", err)
	}
	return c.JSON(fiber.Map{"address": addr.String(), "operations": toOperationResponses(ops)})
}

// CustodyBalance reports what custody holds next to what the ledger owes.
func (h *Handler) CustodyBalance(c *fiber.Ctx) error {
	held, err := h.ledger.CheckContractBal(c.UserContext())
	if err != nil {
		return h.fail(c, "check_contract_bal", err)
	}
	total, err := h.ledger.CustodyTotal(c.UserContext())
	if err != nil {
		return h.fail(c, "custody_total", err)
	}
	return c.JSON(custodyResponse{
		Holdings:          held.Dec(),
		HoldingsEther:     units.FormatEther(held),
		CustodyTotal:      total.Dec(),
		CustodyTotalEther: units.FormatEther(total),
	})
}

// Reconcile runs the ledger consistency check. A failed check answers 500
// with the report in the body.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	rep, err := h.ledger.Reconcile(c.UserContext())
	if err != nil && !errors.Is(err, ledger.ErrInvariantViolated) {
		return h.fail(c, "reconcile", err)
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	return c.Status(status).JSON(reconcileResponse{
		SumOfBalances: rep.SumOfBalances.Dec(),
		CustodyTotal:  rep.CustodyTotal.Dec(),
		Holdings:      rep.Holdings.Dec(),
		Balanced:      rep.Balanced,
		Solvent:       rep.Solvent,
	})
}

// Faucet credits an external balance so a development caller has value to deposit.
func (h *Handler) Faucet(c *fiber.Ctx) error {
	if h.faucet == nil {
		return fiber.NewError(http.StatusNotFound, "faucet disabled")
	}
	var req faucetRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	addr, err := account.Parse(req.Address)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := req.wei()
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if err := h.faucet(c.UserContext(), addr, amount); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	h.logger.Info("faucet funded", slog.String("address", addr.String()), slog.String("amount", amount.Dec()))
	return c.Status(http.StatusCreated).JSON(fiber.Map{"address": addr.String(), "amount": amount.Dec()})
}

func (h *Handler) fail(c *fiber.Ctx, op string, err error) error {
	status := statusFor(err)
	if errors.Is(err, ledger.ErrReversalFailed) {
		middleware.HoldIdempotencyKey(c)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("savings operation failed",
			slog.String("op", op),
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.Any("error", err),
		)
	}
	return fiber.NewError(status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrZeroAmount), errors.Is(err, ledger.ErrInvalidAccount):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNoSavings),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrReversalFailed):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
