package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/savevault/internal/account"
	"github.com/congo-pay/savevault/internal/custody"
	"github.com/congo-pay/savevault/internal/logging"
	"github.com/congo-pay/savevault/internal/notification"
	"github.com/congo-pay/savevault/internal/units"
)

var (
	custodyAddr = account.MustParse("0x5fbdb2315678afecb367f032d93f642f64180aa3")
	alice       = account.MustParse("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266")
	bob         = account.MustParse("0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
	carol       = account.MustParse("0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc")
)

type recorder struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (r *recorder) Send(_ context.Context, m notification.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  Store
	vault  *custody.Vault
	events *recorder
	ledger *Ledger
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  NewInMemory(),
		vault:  custody.NewVault(custodyAddr),
		events: &recorder{},
	}
	h.ledger = New(h.store, h.vault, h.events, logging.Discard(), opts...)
	return h
}

func (h *harness) fund(addr account.Address, wei *uint256.Int) {
	h.t.Helper()
	require.NoError(h.t, h.vault.Fund(addr, wei))
}

func (h *harness) deposit(addr account.Address, wei *uint256.Int) Receipt {
	h.t.Helper()
	h.fund(addr, wei)
	rec, err := h.ledger.Deposit(h.ctx, addr, wei)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) savings(addr account.Address) *uint256.Int {
	h.t.Helper()
	bal, err := h.ledger.CheckSavings(h.ctx, addr)
	require.NoError(h.t, err)
	return bal
}

func (h *harness) total() *uint256.Int {
	h.t.Helper()
	total, err := h.ledger.CustodyTotal(h.ctx)
	require.NoError(h.t, err)
	return total
}

func (h *harness) holdings() *uint256.Int {
	h.t.Helper()
	held, err := h.ledger.CheckContractBal(h.ctx)
	require.NoError(h.t, err)
	return held
}

func (h *harness) assertReconciled() {
	h.t.Helper()
	rep, err := h.ledger.Reconcile(h.ctx)
	require.NoError(h.t, err)
	assert.True(h.t, rep.Balanced)
	assert.True(h.t, rep.Solvent)
	assert.True(h.t, rep.CustodyTotal.Eq(rep.Holdings), "total %s holdings %s", rep.CustodyTotal.Dec(), rep.Holdings.Dec())
}

func TestDepositAccumulates(t *testing.T) {
	h := newHarness(t)
	amounts := []uint64{1, 7, 250, 42}
	want := new(uint256.Int)
	for _, a := range amounts {
		rec := h.deposit(alice, uint256.NewInt(a))
		want.Add(want, uint256.NewInt(a))
		assert.True(t, rec.Balance.Eq(want))
	}
	assert.True(t, h.savings(alice).Eq(want))
	assert.True(t, h.total().Eq(want))
	h.assertReconciled()
}

func TestDepositOneEtherEmitsSavingSuccessful(t *testing.T) {
	h := newHarness(t)
	one := units.Ether(1)
	h.deposit(alice, one)

	assert.True(t, h.savings(alice).Eq(one))
	require.Len(t, h.events.msgs, 1)
	ev := h.events.msgs[0]
	assert.Equal(t, notification.KindSavingSuccessful, ev.Kind)
	assert.Equal(t, alice.String(), ev.Account)
	assert.Equal(t, one.Dec(), ev.Amount)
	assert.Empty(t, ev.Counterparty)
}

func TestDepositZeroAmount(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(5))

	_, err := h.ledger.Deposit(h.ctx, alice, new(uint256.Int))
	assert.ErrorIs(t, err, ErrZeroAmount)
	_, err = h.ledger.Deposit(h.ctx, alice, nil)
	assert.ErrorIs(t, err, ErrZeroAmount)

	assert.Equal(t, uint64(5), h.savings(alice).Uint64())
	assert.Equal(t, uint64(5), h.total().Uint64())
	assert.Len(t, h.events.msgs, 1)
}

func TestDepositNullAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Deposit(h.ctx, account.Zero, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidAccount)
	assert.True(t, h.total().IsZero())
}

func TestDepositWithoutValueFailsAndRollsBack(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Deposit(h.ctx, alice, uint256.NewInt(10))
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorContains(t, err, custody.ErrInsufficientFunds.Error())

	assert.True(t, h.savings(alice).IsZero())
	assert.True(t, h.total().IsZero())
	assert.Empty(t, h.events.msgs)
	h.assertReconciled()
}

func TestDepositOverflow(t *testing.T) {
	h := newHarness(t)
	ceiling := new(uint256.Int).SetAllOne()
	h.deposit(alice, ceiling)

	h.fund(bob, uint256.NewInt(1))
	_, err := h.ledger.Deposit(h.ctx, bob, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrOverflow)
	assert.True(t, h.savings(bob).IsZero())
	assert.True(t, h.total().Eq(ceiling))
}

func TestWithdrawWithoutSavings(t *testing.T) {
	h := newHarness(t)
	_, err := h.ledger.Withdraw(h.ctx, alice)
	assert.ErrorIs(t, err, ErrNoSavings)
	assert.True(t, h.total().IsZero())
	assert.Empty(t, h.events.msgs)

	_, err = h.ledger.Withdraw(h.ctx, account.Zero)
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestWithdrawTwoEther(t *testing.T) {
	h := newHarness(t)
	two := units.Ether(2)
	h.deposit(alice, two)
	h.deposit(bob, uint256.NewInt(3))
	before := h.vault.BalanceOf(alice)
	totalBefore := h.total()

	rec, err := h.ledger.Withdraw(h.ctx, alice)
	require.NoError(t, err)
	assert.True(t, rec.Amount.Eq(two))
	assert.True(t, rec.Balance.IsZero())

	assert.True(t, h.savings(alice).IsZero())
	gained := new(uint256.Int).Sub(h.vault.BalanceOf(alice), before)
	assert.True(t, gained.Eq(two))
	dropped := new(uint256.Int).Sub(totalBefore, h.total())
	assert.True(t, dropped.Eq(two))
	assert.Equal(t, []string{
		notification.KindSavingSuccessful,
		notification.KindSavingSuccessful,
		notification.KindSavingWithdrawn,
	}, h.events.kinds())

	_, err = h.ledger.Withdraw(h.ctx, alice)
	assert.ErrorIs(t, err, ErrNoSavings)
	h.assertReconciled()
}

func TestWithdrawRejectedTransferRollsBack(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(100))
	h.vault.OnReceive(alice, func(context.Context, account.Address, *uint256.Int) error {
		return errors.New("cannot receive")
	})

	_, err := h.ledger.Withdraw(h.ctx, alice)
	require.ErrorIs(t, err, ErrTransferFailed)

	assert.Equal(t, uint64(100), h.savings(alice).Uint64())
	assert.Equal(t, uint64(100), h.total().Uint64())
	assert.Equal(t, uint64(100), h.holdings().Uint64())
	assert.True(t, h.vault.BalanceOf(alice).IsZero())
	assert.Equal(t, []string{notification.KindSavingSuccessful}, h.events.kinds())

	ops, err := h.ledger.History(h.ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OperationDeposit, ops[0].Kind)
}

func TestReentrantWithdrawCannotDoubleSpend(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(100))
	h.deposit(bob, uint256.NewInt(900))

	var reentries int
	var nestedErr error
	h.vault.OnReceive(alice, func(ctx context.Context, _ account.Address, _ *uint256.Int) error {
		reentries++
		_, nestedErr = h.ledger.Withdraw(ctx, alice)
		return nil
	})

	rec, err := h.ledger.Withdraw(h.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, reentries)
	assert.ErrorIs(t, nestedErr, ErrNoSavings)
	assert.Equal(t, uint64(100), rec.Amount.Uint64())

	assert.Equal(t, uint64(100), h.vault.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(900), h.holdings().Uint64())
	h.assertReconciled()
}

func TestReentrantTransferSeesZeroedBalance(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(100))

	var nestedErr error
	h.vault.OnReceive(alice, func(ctx context.Context, _ account.Address, _ *uint256.Int) error {
		_, nestedErr = h.ledger.SendOutSaving(ctx, alice, bob, uint256.NewInt(100))
		return nil
	})

	_, err := h.ledger.Withdraw(h.ctx, alice)
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrInsufficientBalance)
	assert.True(t, h.savings(bob).IsZero())
	h.assertReconciled()
}

func TestReentrantDepositCommitsWithOuterCall(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(200))

	var nestedBalance *uint256.Int
	h.vault.OnReceive(alice, func(ctx context.Context, _ account.Address, _ *uint256.Int) error {
		rec, err := h.ledger.Deposit(ctx, alice, uint256.NewInt(50))
		if err != nil {
			return err
		}
		nestedBalance = rec.Balance
		return nil
	})

	_, err := h.ledger.Withdraw(h.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), nestedBalance.Uint64())

	assert.Equal(t, uint64(50), h.savings(alice).Uint64())
	assert.Equal(t, uint64(150), h.vault.BalanceOf(alice).Uint64())
	assert.Equal(t, []string{
		notification.KindSavingSuccessful,
		notification.KindSavingSuccessful,
		notification.KindSavingWithdrawn,
	}, h.events.kinds())
	h.assertReconciled()
}

func TestRejectedSendRevertsNestedCalls(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(200))
	h.deposit(bob, uint256.NewInt(10))

	h.vault.OnReceive(alice, func(ctx context.Context, _ account.Address, _ *uint256.Int) error {
		if _, err := h.ledger.Deposit(ctx, alice, uint256.NewInt(50)); err != nil {
			return err
		}
		if _, err := h.ledger.SendOutSaving(ctx, bob, carol, uint256.NewInt(10)); err != nil {
			return err
		}
		return errors.New("changed my mind")
	})

	_, err := h.ledger.Withdraw(h.ctx, alice)
	require.ErrorIs(t, err, ErrTransferFailed)

	assert.Equal(t, uint64(200), h.savings(alice).Uint64())
	assert.Equal(t, uint64(10), h.savings(bob).Uint64())
	assert.True(t, h.savings(carol).IsZero())
	assert.True(t, h.vault.BalanceOf(alice).IsZero())
	assert.Equal(t, uint64(210), h.holdings().Uint64())
	assert.Len(t, h.events.msgs, 2)
	h.assertReconciled()
}

func TestSendOutSavingFullBalance(t *testing.T) {
	h := newHarness(t)
	ten := units.Ether(10)
	h.deposit(alice, ten)
	totalBefore := h.total()

	rec, err := h.ledger.SendOutSaving(h.ctx, alice, bob, ten)
	require.NoError(t, err)
	assert.True(t, rec.Balance.IsZero())
	assert.True(t, rec.CounterpartyBalance.Eq(ten))

	assert.True(t, h.savings(alice).IsZero())
	assert.True(t, h.savings(bob).Eq(ten))
	assert.True(t, h.total().Eq(totalBefore))

	last := h.events.msgs[len(h.events.msgs)-1]
	assert.Equal(t, notification.KindSavingTransferred, last.Kind)
	assert.Equal(t, bob.String(), last.Counterparty)
	h.assertReconciled()
}

func TestSendOutSavingPartial(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, units.Ether(10))

	_, err := h.ledger.SendOutSaving(h.ctx, alice, bob, units.Ether(3))
	require.NoError(t, err)
	assert.True(t, h.savings(alice).Eq(units.Ether(7)))
	assert.True(t, h.savings(bob).Eq(units.Ether(3)))

	// the recipient can withdraw what it was sent
	_, err = h.ledger.Withdraw(h.ctx, bob)
	require.NoError(t, err)
	assert.True(t, h.vault.BalanceOf(bob).Eq(units.Ether(3)))
	h.assertReconciled()
}

func TestSendOutSavingFailures(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(10))

	_, err := h.ledger.SendOutSaving(h.ctx, alice, bob, uint256.NewInt(11))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = h.ledger.SendOutSaving(h.ctx, alice, bob, new(uint256.Int))
	assert.ErrorIs(t, err, ErrZeroAmount)
	_, err = h.ledger.SendOutSaving(h.ctx, alice, account.Zero, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidAccount)
	_, err = h.ledger.SendOutSaving(h.ctx, account.Zero, bob, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInvalidAccount)
	_, err = h.ledger.SendOutSaving(h.ctx, carol, bob, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, uint64(10), h.savings(alice).Uint64())
	assert.True(t, h.savings(bob).IsZero())
	assert.Len(t, h.events.msgs, 1)
}

func TestSendOutSavingToSelf(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(10))

	rec, err := h.ledger.SendOutSaving(h.ctx, alice, alice, uint256.NewInt(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rec.Balance.Uint64())
	assert.Equal(t, uint64(10), h.savings(alice).Uint64())

	_, err = h.ledger.SendOutSaving(h.ctx, alice, alice, uint256.NewInt(11))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestCheckContractBalMatchesSavings(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, units.Ether(10))
	h.deposit(bob, units.Ether(9))
	h.deposit(carol, units.Ether(25))

	sum := new(uint256.Int)
	for _, a := range []account.Address{alice, bob, carol} {
		sum.Add(sum, h.savings(a))
	}
	held := h.holdings()
	assert.True(t, held.Eq(units.Ether(44)))
	assert.True(t, held.Eq(sum))
	h.assertReconciled()
}

func TestCheckSavingsUnknownAccount(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.savings(carol).IsZero())
}

func TestReconcileDetectsShortfall(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(10))
	SeedBalance(h.store, bob, uint256.NewInt(5))

	rep, err := h.ledger.Reconcile(h.ctx)
	require.ErrorIs(t, err, ErrInvariantViolated)
	assert.True(t, rep.Balanced)
	assert.False(t, rep.Solvent)
	assert.Equal(t, uint64(15), rep.CustodyTotal.Uint64())
	assert.Equal(t, uint64(10), rep.Holdings.Uint64())
}

func TestHistoryNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, uint256.NewInt(10))
	_, err := h.ledger.SendOutSaving(h.ctx, alice, bob, uint256.NewInt(4))
	require.NoError(t, err)
	_, err = h.ledger.Withdraw(h.ctx, alice)
	require.NoError(t, err)

	ops, err := h.ledger.History(h.ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, OperationWithdraw, ops[0].Kind)
	assert.Equal(t, uint64(6), ops[0].Amount.Uint64())
	assert.Equal(t, OperationTransfer, ops[1].Kind)
	assert.Equal(t, OperationDeposit, ops[2].Kind)

	bobOps, err := h.ledger.History(h.ctx, bob, 10)
	require.NoError(t, err)
	require.Len(t, bobOps, 1)
	assert.Equal(t, alice, bobOps[0].Account)
	assert.Equal(t, bob, bobOps[0].Counterparty)
}

func TestConcurrentOperationsKeepInvariants(t *testing.T) {
	h := newHarness(t)
	accounts := []account.Address{alice, bob, carol}
	for _, a := range accounts {
		h.fund(a, uint256.NewInt(1_000_000))
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := accounts[i%len(accounts)]
			to := accounts[(i+1)%len(accounts)]
			_, _ = h.ledger.Deposit(h.ctx, from, uint256.NewInt(uint64(100+i)))
			_, _ = h.ledger.SendOutSaving(h.ctx, from, to, uint256.NewInt(uint64(10+i)))
			if i%7 == 0 {
				_, _ = h.ledger.Withdraw(h.ctx, to)
			}
		}(i)
	}
	wg.Wait()

	h.assertReconciled()
	external := new(uint256.Int)
	for _, a := range accounts {
		external.Add(external, h.vault.BalanceOf(a))
	}
	all := new(uint256.Int).Add(external, h.holdings())
	assert.Equal(t, uint64(3_000_000), all.Uint64(), "asset must be conserved")
}

type countingObserver struct {
	mu    sync.Mutex
	ops   map[string]int
	fails map[string]int
	total *uint256.Int
}

func (o *countingObserver) ObserveOperation(op string, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.fails[op]++
		return
	}
	o.ops[op]++
}

func (o *countingObserver) ObserveCustodyTotal(total *uint256.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total = total.Clone()
}

func TestObserverAndClock(t *testing.T) {
	obs := &countingObserver{ops: map[string]int{}, fails: map[string]int{}}
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, WithObserver(obs), WithClock(func() time.Time { return fixed }))

	rec := h.deposit(alice, uint256.NewInt(9))
	assert.Equal(t, fixed, rec.At)
	assert.Equal(t, fixed, h.events.msgs[0].At)
	_, _ = h.ledger.Withdraw(h.ctx, bob)

	assert.Equal(t, 1, obs.ops[OperationDeposit])
	assert.Equal(t, 1, obs.fails[OperationWithdraw])
	assert.Equal(t, uint64(9), obs.total.Uint64())
}

func ExampleLedger_Deposit() {
	vault := custody.NewVault(custodyAddr)
	_ = vault.Fund(alice, units.Ether(2))
	l := New(NewInMemory(), vault, nil, nil)

	ctx := context.Background()
	if _, err := l.Deposit(ctx, alice, units.Ether(2)); err != nil {
		fmt.Println(err)
		return
	}
	bal, _ := l.CheckSavings(ctx, alice)
	fmt.Println(units.FormatEther(bal))
	// Output: 2
}
