package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/savevault/internal/account"
	"github.com/congo-pay/savevault/internal/custody"
	"github.com/congo-pay/savevault/internal/infra"
	"github.com/congo-pay/savevault/internal/logging"
	"github.com/congo-pay/savevault/internal/units"
)

// Runs against a disposable database named by SAVEVAULT_TEST_DATABASE_URL.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("SAVEVAULT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SAVEVAULT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := infra.NewPostgresPool(ctx, url, infra.PoolOptions{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, infra.Migrate(pool, logging.Discard()))
	_, err = pool.Exec(ctx, `TRUNCATE savings_balances, savings_operations; UPDATE custody_total SET total = 0`)
	require.NoError(t, err)
	return NewPostgres(pool)
}

func TestPostgresStoreSavepoints(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	root, err := s.Begin(ctx)
	require.NoError(t, err)
	big := units.Ether(44)
	require.NoError(t, root.SetBalance(ctx, alice, big))
	require.NoError(t, root.SetTotal(ctx, big))

	nested, err := root.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, nested.SetBalance(ctx, bob, uint256.NewInt(1)))
	require.NoError(t, nested.Rollback(ctx))

	bal, err := root.Balance(ctx, bob)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	require.NoError(t, root.Commit(ctx))
	require.NoError(t, root.Rollback(ctx), "rollback after commit is a no-op")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	bal, err = tx.Balance(ctx, alice)
	require.NoError(t, err)
	assert.True(t, bal.Eq(big))
	sum, err := tx.Sum(ctx)
	require.NoError(t, err)
	total, err := tx.Total(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Eq(total))
}

func TestPostgresLedgerReentrancy(t *testing.T) {
	s := newPostgresStore(t)
	vault := custody.NewVault(custodyAddr)
	l := New(s, vault, nil, logging.Discard())
	ctx := context.Background()

	require.NoError(t, vault.Fund(alice, units.Ether(2)))
	_, err := l.Deposit(ctx, alice, units.Ether(2))
	require.NoError(t, err)

	var nestedErr error
	vault.OnReceive(alice, func(ctx context.Context, _ account.Address, _ *uint256.Int) error {
		_, nestedErr = l.Withdraw(ctx, alice)
		return nil
	})
	_, err = l.Withdraw(ctx, alice)
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrNoSavings)
	assert.True(t, vault.BalanceOf(alice).Eq(units.Ether(2)))

	rep, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, rep.CustodyTotal.IsZero())

	ops, err := l.History(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, OperationWithdraw, ops[0].Kind)
}
