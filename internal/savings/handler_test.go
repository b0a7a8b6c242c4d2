package savings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/savevault/internal/account"
	"github.com/congo-pay/savevault/internal/custody"
	"github.com/congo-pay/savevault/internal/ledger"
	"github.com/congo-pay/savevault/internal/logging"
	"github.com/congo-pay/savevault/internal/middleware"
	"github.com/congo-pay/savevault/internal/units"
)

var (
	alice = account.MustParse("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266")
	bob   = account.MustParse("0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
)

type tokenAuthorizer map[string]account.Address

func (t tokenAuthorizer) Authorize(_ context.Context, token string) (account.Address, error) {
	if addr, ok := t[token]; ok {
		return addr, nil
	}
	return account.Zero, errors.New("invalid token")
}

type testAPI struct {
	app   *fiber.App
	vault *custody.Vault
	store ledger.Store
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()
	vault := custody.NewVault(account.MustParse("0x5fbdb2315678afecb367f032d93f642f64180aa3"))
	store := ledger.NewInMemory()
	l := ledger.New(store, vault, nil, logging.Discard())
	faucet := func(_ context.Context, addr account.Address, amount *uint256.Int) error {
		return vault.Fund(addr, amount)
	}
	h := NewHandler(l, faucet, logging.Discard())

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Get("/savings/:address", h.Balance)
	api.Get("/savings/:address/history", h.History)
	api.Get("/custody/balance", h.CustodyBalance)
	api.Get("/custody/reconcile", h.Reconcile)
	api.Post("/dev/faucet", h.Faucet)
	protected := api.Group("/savings", middleware.JWTAuth(tokenAuthorizer{"alice": alice, "bob": bob}))
	protected.Post("/deposit", h.Deposit)
	protected.Post("/withdraw", h.Withdraw)
	protected.Post("/send", h.Send)
	return testAPI{app: app, vault: vault, store: store}
}

func (a testAPI) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := a.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	} else {
		out["message"] = string(raw)
	}
	return resp.StatusCode, out
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	api := newTestAPI(t)

	status, _ := api.do(t, fiber.MethodPost, "/api/v1/dev/faucet", "", map[string]string{"address": alice.String(), "amount_ether": "2"})
	require.Equal(t, fiber.StatusCreated, status)

	status, body := api.do(t, fiber.MethodPost, "/api/v1/savings/deposit", "alice", map[string]string{"amount_ether": "2"})
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.Equal(t, units.Ether(2).Dec(), body["balance"])
	assert.Equal(t, "2", body["amount_ether"])

	status, body = api.do(t, fiber.MethodGet, "/api/v1/savings/"+alice.Base58(), "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, alice.String(), body["address"])
	assert.Equal(t, "2", body["balance_ether"])

	status, body = api.do(t, fiber.MethodPost, "/api/v1/savings/withdraw", "alice", nil)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, units.Ether(2).Dec(), body["amount"])
	assert.True(t, api.vault.BalanceOf(alice).Eq(units.Ether(2)))

	status, _ = api.do(t, fiber.MethodPost, "/api/v1/savings/withdraw", "alice", nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
}

func TestSendAndCustodyBalance(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, api.vault.Fund(alice, units.Ether(10)))

	status, _ := api.do(t, fiber.MethodPost, "/api/v1/savings/deposit", "alice", map[string]string{"amount": units.Ether(10).Dec()})
	require.Equal(t, fiber.StatusCreated, status)

	status, body := api.do(t, fiber.MethodPost, "/api/v1/savings/send", "alice", map[string]string{"recipient": bob.String(), "amount_ether": "10"})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, "0", body["balance"])
	assert.Equal(t, bob.String(), body["counterparty"])
	assert.Equal(t, units.Ether(10).Dec(), body["counterparty_balance"])

	status, body = api.do(t, fiber.MethodGet, "/api/v1/custody/balance", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "10", body["holdings_ether"])
	assert.Equal(t, "10", body["custody_total_ether"])

	status, body = api.do(t, fiber.MethodGet, "/api/v1/custody/reconcile", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["balanced"])
	assert.Equal(t, true, body["solvent"])

	status, body = api.do(t, fiber.MethodGet, "/api/v1/savings/"+bob.String()+"/history", "", nil)
	require.Equal(t, fiber.StatusOK, status)
	ops, ok := body["operations"].([]any)
	require.True(t, ok)
	require.Len(t, ops, 1)
	assert.Equal(t, ledger.OperationTransfer, ops[0].(map[string]any)["kind"])
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, api.vault.Fund(alice, uint256.NewInt(5)))
	status, _ := api.do(t, fiber.MethodPost, "/api/v1/savings/deposit", "alice", map[string]string{"amount": "5"})
	require.Equal(t, fiber.StatusCreated, status)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
	}{
		{"no token", fiber.MethodPost, "/api/v1/savings/deposit", "", map[string]string{"amount": "1"}, fiber.StatusUnauthorized},
		{"zero deposit", fiber.MethodPost, "/api/v1/savings/deposit", "alice", map[string]string{"amount": "0"}, fiber.StatusBadRequest},
		{"missing amount", fiber.MethodPost, "/api/v1/savings/deposit", "alice", map[string]string{}, fiber.StatusBadRequest},
		{"both amounts", fiber.MethodPost, "/api/v1/savings/deposit", "alice", map[string]string{"amount": "1", "amount_ether": "1"}, fiber.StatusBadRequest},
		{"negative ether", fiber.MethodPost, "/api/v1/savings/deposit", "alice", map[string]string{"amount_ether": "-1"}, fiber.StatusBadRequest},
		{"deposit without funds", fiber.MethodPost, "/api/v1/savings/deposit", "bob", map[string]string{"amount": "1"}, fiber.StatusBadGateway},
		{"withdraw without savings", fiber.MethodPost, "/api/v1/savings/withdraw", "bob", nil, fiber.StatusUnprocessableEntity},
		{"send too much", fiber.MethodPost, "/api/v1/savings/send", "alice", map[string]string{"recipient": bob.String(), "amount": "6"}, fiber.StatusUnprocessableEntity},
		{"send zero", fiber.MethodPost, "/api/v1/savings/send", "alice", map[string]string{"recipient": bob.String(), "amount": "0"}, fiber.StatusBadRequest},
		{"send to null", fiber.MethodPost, "/api/v1/savings/send", "alice", map[string]string{"recipient": account.Zero.String(), "amount": "1"}, fiber.StatusBadRequest},
		{"bad recipient", fiber.MethodPost, "/api/v1/savings/send", "alice", map[string]string{"recipient": "0x12", "amount": "1"}, fiber.StatusBadRequest},
		{"bad address", fiber.MethodGet, "/api/v1/savings/not-an-address", "", nil, fiber.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := api.do(t, tc.method, tc.path, tc.token, tc.body)
			assert.Equal(t, tc.status, status, body)
		})
	}

	status, body := api.do(t, fiber.MethodGet, "/api/v1/savings/"+alice.String(), "", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "5", body["balance"], "failed calls leave the balance untouched")
}

func TestReconcileReportsShortfall(t *testing.T) {
	api := newTestAPI(t)
	ledger.SeedBalance(api.store, alice, uint256.NewInt(7))

	status, body := api.do(t, fiber.MethodGet, "/api/v1/custody/reconcile", "", nil)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, false, body["solvent"])
	assert.Equal(t, "7", body["custody_total"])
	assert.Equal(t, "0", body["holdings"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, fiber.StatusBadGateway, statusFor(fmt.Errorf("%w: rejected", ledger.ErrTransferFailed)))
	assert.Equal(t, fiber.StatusInternalServerError, statusFor(ledger.ErrInvariantViolated))
	assert.Equal(t, fiber.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
	assert.Equal(t, fiber.StatusInternalServerError, statusFor(errors.Join(ledger.ErrTransferFailed, ledger.ErrReversalFailed)))
	assert.Equal(t, fiber.StatusConflict, statusFor(fmt.Errorf("withdraw: %w", ledger.ErrReentrantCall)))
}
