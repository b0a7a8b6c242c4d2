package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/congo-pay/savevault/internal/account"
	"github.com/congo-pay/savevault/internal/custody"
	"github.com/congo-pay/savevault/internal/logging"
	"github.com/congo-pay/savevault/internal/notification"
)

// Observer receives per-operation outcomes, e.g. for metrics.
type Observer interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
	ObserveCustodyTotal(total *uint256.Int)
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithObserver attaches an operation observer.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// WithClock overrides the time source used for receipts and events.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger tracks savings held in custody for each account. All operations are
// serialized; a call made back into the ledger from inside the custody
// boundary, with the context the boundary was handed, runs nested inside the
// operation that triggered it. A call made from a recipient hook with any
// other context fails with ErrReentrantCall.
type Ledger struct {
	mu       sync.Mutex
	hooks    atomic.Int32
	store    Store
	boundary custody.Boundary
	notifier notification.Notifier
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// New wires a ledger over a store and a custody boundary. notifier may be nil.
func New(store Store, boundary custody.Boundary, notifier notification.Notifier, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = logging.Discard()
	}
	l := &Ledger{
		store:    store,
		boundary: boundary,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deposit credits caller with amount, the value accompanying the call, and
// collects that value into custody.
func (l *Ledger) Deposit(ctx context.Context, caller account.Address, amount *uint256.Int) (rec Receipt, err error) {
	defer l.observe(ctx, OperationDeposit, time.Now(), &rec, &err)

	if amount == nil || amount.IsZero() {
		return Receipt{}, ErrZeroAmount
	}
	if caller.IsZero() {
		return Receipt{}, ErrInvalidAccount
	}

	err = l.run(ctx, OperationDeposit, func(ctx context.Context, f *frame) error {
		bal, err := f.tx.Balance(ctx, caller)
		if err != nil {
			return err
		}
		total, err := f.tx.Total(ctx)
		if err != nil {
			return err
		}
		newBal, overflow := new(uint256.Int).AddOverflow(bal, amount)
		if overflow {
			return fmt.Errorf("%w: balance of %s", ErrOverflow, caller)
		}
		newTotal, overflow := new(uint256.Int).AddOverflow(total, amount)
		if overflow {
			return fmt.Errorf("%w: custody total", ErrOverflow)
		}

		if err := f.tx.SetBalance(ctx, caller, newBal); err != nil {
			return err
		}
		if err := f.tx.SetTotal(ctx, newTotal); err != nil {
			return err
		}
		if err := l.receive(ctx, f, caller, amount); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}

		op := l.newOperation(OperationDeposit, caller, account.Zero, amount)
		if err := f.tx.Record(ctx, op); err != nil {
			return err
		}
		f.emit(l.event(notification.KindSavingSuccessful, op))
		rec = Receipt{
			OperationID:  op.ID,
			Account:      caller,
			Amount:       amount.Clone(),
			Balance:      newBal,
			CustodyTotal: newTotal,
			At:           op.At,
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	l.logger.Info("deposit committed",
		slog.String("account", caller.String()),
		slog.String("amount", amount.Dec()),
		slog.String("balance", rec.Balance.Dec()),
	)
	return rec, nil
}

// Withdraw pays caller's whole balance out of custody. The balance is zeroed
// before the asset is sent, so a call re-entering from the recipient sees
// nothing left to withdraw; if the send is rejected the operation is undone.
func (l *Ledger) Withdraw(ctx context.Context, caller account.Address) (rec Receipt, err error) {
	defer l.observe(ctx, OperationWithdraw, time.Now(), &rec, &err)

	if caller.IsZero() {
		return Receipt{}, ErrInvalidAccount
	}

	err = l.run(ctx, OperationWithdraw, func(ctx context.Context, f *frame) error {
		amount, err := f.tx.Balance(ctx, caller)
		if err != nil {
			return err
		}
		if amount.IsZero() {
			return ErrNoSavings
		}
		total, err := f.tx.Total(ctx)
		if err != nil {
			return err
		}
		newTotal, underflow := new(uint256.Int).SubOverflow(total, amount)
		if underflow {
			return fmt.Errorf("%w: custody total %s below balance %s of %s", ErrInvariantViolated, total.Dec(), amount.Dec(), caller)
		}

		if err := f.tx.SetBalance(ctx, caller, new(uint256.Int)); err != nil {
			return err
		}
		if err := f.tx.SetTotal(ctx, newTotal); err != nil {
			return err
		}
		op := l.newOperation(OperationWithdraw, caller, account.Zero, amount)
		if err := f.tx.Record(ctx, op); err != nil {
			return err
		}

		if err := l.pay(ctx, f, caller, amount); err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}

		f.emit(l.event(notification.KindSavingWithdrawn, op))
		rec = Receipt{
			OperationID:  op.ID,
			Account:      caller,
			Amount:       amount,
			Balance:      new(uint256.Int),
			CustodyTotal: newTotal,
			At:           op.At,
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	l.logger.Info("withdraw committed",
		slog.String("account", caller.String()),
		slog.String("amount", rec.Amount.Dec()),
	)
	return rec, nil
}

// SendOutSaving moves amount of caller's savings to recipient. No asset
// leaves custody, so the custody total is unchanged.
func (l *Ledger) SendOutSaving(ctx context.Context, caller, recipient account.Address, amount *uint256.Int) (rec Receipt, err error) {
	defer l.observe(ctx, OperationTransfer, time.Now(), &rec, &err)

	if amount == nil || amount.IsZero() {
		return Receipt{}, ErrZeroAmount
	}
	if caller.IsZero() {
		return Receipt{}, ErrInvalidAccount
	}
	if recipient.IsZero() {
		return Receipt{}, fmt.Errorf("%w: recipient is the null address", ErrInvalidAccount)
	}

	err = l.run(ctx, OperationTransfer, func(ctx context.Context, f *frame) error {
		fromBal, err := f.tx.Balance(ctx, caller)
		if err != nil {
			return err
		}
		if fromBal.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s, sending %s", ErrInsufficientBalance, caller, fromBal.Dec(), amount.Dec())
		}
		total, err := f.tx.Total(ctx)
		if err != nil {
			return err
		}

		newFrom, newTo := fromBal, fromBal
		if caller != recipient {
			toBal, err := f.tx.Balance(ctx, recipient)
			if err != nil {
				return err
			}
			var overflow bool
			newTo, overflow = new(uint256.Int).AddOverflow(toBal, amount)
			if overflow {
				return fmt.Errorf("%w: balance of %s", ErrOverflow, recipient)
			}
			newFrom = new(uint256.Int).Sub(fromBal, amount)
			if err := f.tx.SetBalance(ctx, caller, newFrom); err != nil {
				return err
			}
			if err := f.tx.SetBalance(ctx, recipient, newTo); err != nil {
				return err
			}
		}

		op := l.newOperation(OperationTransfer, caller, recipient, amount)
		if err := f.tx.Record(ctx, op); err != nil {
			return err
		}
		f.emit(l.event(notification.KindSavingTransferred, op))
		rec = Receipt{
			OperationID:         op.ID,
			Account:             caller,
			Counterparty:        recipient,
			Amount:              amount.Clone(),
			Balance:             newFrom,
			CounterpartyBalance: newTo,
			CustodyTotal:        total,
			At:                  op.At,
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	l.logger.Info("transfer committed",
		slog.String("account", caller.String()),
		slog.String("recipient", recipient.String()),
		slog.String("amount", amount.Dec()),
	)
	return rec, nil
}

// CheckSavings returns the balance of addr; accounts that never deposited hold zero.
func (l *Ledger) CheckSavings(ctx context.Context, addr account.Address) (*uint256.Int, error) {
	var bal *uint256.Int
	err := l.run(ctx, "check_savings", func(ctx context.Context, f *frame) error {
		var err error
		bal, err = f.tx.Balance(ctx, addr)
		return err
	})
	return bal, err
}

// CheckContractBal returns the amount custody actually holds, as measured by the boundary.
func (l *Ledger) CheckContractBal(ctx context.Context) (*uint256.Int, error) {
	var held *uint256.Int
	err := l.run(ctx, "check_contract_bal", func(ctx context.Context, _ *frame) error {
		var err error
		held, err = l.boundary.Holdings(ctx)
		return err
	})
	return held, err
}

// CustodyTotal returns the ledger's own record of what it owes in total.
func (l *Ledger) CustodyTotal(ctx context.Context) (*uint256.Int, error) {
	var total *uint256.Int
	err := l.run(ctx, "custody_total", func(ctx context.Context, f *frame) error {
		var err error
		total, err = f.tx.Total(ctx)
		return err
	})
	return total, err
}

// History returns the most recent operations involving addr, newest first.
func (l *Ledger) History(ctx context.Context, addr account.Address, limit int) ([]Operation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var ops []Operation
	err := l.run(ctx, "history", func(ctx context.Context, f *frame) error {
		var err error
		ops, err = f.tx.History(ctx, addr, limit)
		return err
	})
	return ops, err
}

// Reconcile checks that the custody total equals the sum of all balances and
// does not exceed what custody holds. A failed check returns the report
// together with ErrInvariantViolated.
func (l *Ledger) Reconcile(ctx context.Context) (Reconciliation, error) {
	var rep Reconciliation
	err := l.run(ctx, "reconcile", func(ctx context.Context, f *frame) error {
		sum, err := f.tx.Sum(ctx)
		if err != nil {
			return err
		}
		total, err := f.tx.Total(ctx)
		if err != nil {
			return err
		}
		held, err := l.boundary.Holdings(ctx)
		if err != nil {
			return fmt.Errorf("read holdings: %w", err)
		}
		rep = Reconciliation{
			SumOfBalances: sum,
			CustodyTotal:  total,
			Holdings:      held,
			Balanced:      total.Eq(sum),
			Solvent:       !total.Gt(held),
		}
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if !rep.Balanced || !rep.Solvent {
		l.logger.Error("ledger reconciliation failed",
			slog.String("sum", rep.SumOfBalances.Dec()),
			slog.String("custody_total", rep.CustodyTotal.Dec()),
			slog.String("holdings", rep.Holdings.Dec()),
		)
		return rep, fmt.Errorf("%w: sum=%s total=%s holdings=%s", ErrInvariantViolated,
			rep.SumOfBalances.Dec(), rep.CustodyTotal.Dec(), rep.Holdings.Dec())
	}
	return rep, nil
}

func (l *Ledger) newOperation(kind string, addr, counterparty account.Address, amount *uint256.Int) Operation {
	return Operation{
		ID:           uuid.New(),
		Kind:         kind,
		Account:      addr,
		Counterparty: counterparty,
		Amount:       amount.Clone(),
		At:           l.now(),
	}
}

func (l *Ledger) event(kind string, op Operation) notification.Message {
	m := notification.Message{
		ID:      op.ID.String(),
		Kind:    kind,
		Account: op.Account.String(),
		Amount:  op.Amount.Dec(),
		At:      op.At,
	}
	if !op.Counterparty.IsZero() {
		m.Counterparty = op.Counterparty.String()
	}
	return m
}

func (l *Ledger) observe(ctx context.Context, op string, start time.Time, rec *Receipt, err *error) {
	if l.observer == nil {
		return
	}
	if p := recover(); p != nil {
		l.observer.ObserveOperation(op, fmt.Errorf("panic: %v", p), time.Since(start))
		panic(p)
	}
	l.observer.ObserveOperation(op, *err, time.Since(start))
	// A nested call's total is provisional until the outermost call commits.
	if *err == nil && rec.CustodyTotal != nil && ctx.Value(frameKey{l}) == nil {
		l.observer.ObserveCustodyTotal(rec.CustodyTotal)
	}
}
