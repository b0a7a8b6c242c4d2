package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/congo-pay/savevault/internal/account"
)

var (
	// ErrZeroAmount occurs when an operation that needs a positive amount is given zero.
	ErrZeroAmount = errors.New("amount must be greater than zero")

	// ErrNoSavings occurs when an account with a zero balance tries to withdraw.
	ErrNoSavings = errors.New("account has no savings")

	// ErrInsufficientBalance occurs when a transfer exceeds the sender's balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAccount occurs when the null address is used where a real account is required.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrTransferFailed indicates the custody boundary rejected an asset movement.
	ErrTransferFailed = errors.New("asset transfer failed")

	// ErrOverflow occurs when a credit would exceed the 256-bit amount range.
	ErrOverflow = errors.New("amount overflow")

	// ErrReentrantCall occurs when recipient logic calls back into the ledger
	// without the context it was paid under while the payment is in flight.
	ErrReentrantCall = errors.New("reentrant ledger call outside the paying operation")

	// ErrReversalFailed indicates a failed operation could not undo an asset
	// movement it had already made; custody and the ledger disagree until repaired.
	ErrReversalFailed = errors.New("asset movement reversal failed")

	// ErrInvariantViolated indicates stored balances and the custody total disagree.
	ErrInvariantViolated = errors.New("ledger invariant violated")
)

const (
	// OperationDeposit records value entering custody.
	OperationDeposit = "deposit"
	// OperationWithdraw records a full-balance payout.
	OperationWithdraw = "withdraw"
	// OperationTransfer records savings moving between accounts.
	OperationTransfer = "transfer"
)

// Operation is one committed balance mutation, kept as an audit trail.
type Operation struct {
	ID           uuid.UUID
	Kind         string
	Account      account.Address
	Counterparty account.Address
	Amount       *uint256.Int
	At           time.Time
}

// Store opens transactions over the balance mapping and the custody total.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work against a Store. Begin opens a nested unit that can
// be rolled back on its own; committing it folds its changes into the parent.
// Rollback after Commit is a no-op.
type Tx interface {
	Balance(ctx context.Context, addr account.Address) (*uint256.Int, error)
	SetBalance(ctx context.Context, addr account.Address, amount *uint256.Int) error
	Total(ctx context.Context) (*uint256.Int, error)
	SetTotal(ctx context.Context, amount *uint256.Int) error
	Sum(ctx context.Context) (*uint256.Int, error)
	Record(ctx context.Context, op Operation) error
	History(ctx context.Context, addr account.Address, limit int) ([]Operation, error)
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Receipt captures the outcome of a balance mutation.
type Receipt struct {
	OperationID         uuid.UUID
	Account             account.Address
	Counterparty        account.Address
	Amount              *uint256.Int
	Balance             *uint256.Int
	CounterpartyBalance *uint256.Int
	CustodyTotal        *uint256.Int
	At                  time.Time
}

// Reconciliation compares the ledger's records with what custody actually holds.
type Reconciliation struct {
	SumOfBalances *uint256.Int
	CustodyTotal  *uint256.Int
	Holdings      *uint256.Int
	// Balanced reports CustodyTotal == SumOfBalances.
	Balanced bool
	// Solvent reports CustodyTotal <= Holdings.
	Solvent bool
}
