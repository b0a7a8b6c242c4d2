// Package custody holds the asset transfer boundary: the mechanism that
// actually moves the underlying asset into and out of the ledger's custody.
package custody

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	"github.com/congo-pay/savevault/internal/account"
)

var (
	// ErrInsufficientFunds occurs when a sender's external balance cannot cover an inbound transfer.
	ErrInsufficientFunds = errors.New("insufficient external funds")

	// ErrInsufficientHoldings occurs when custody holds less than an outbound transfer requires.
	ErrInsufficientHoldings = errors.New("insufficient custody holdings")

	// ErrRejected indicates the recipient refused an outbound transfer.
	ErrRejected = errors.New("transfer rejected by recipient")
)

// Boundary moves the custody asset. Receive collects the value accompanying
// a deposit call, Send pays out a withdrawal and Holdings measures what is
// actually held. A failed Send leaves the boundary as it was before the call,
// including movements made by calls nested inside it.
//
// Refund and Reclaim reverse a completed Receive and Send respectively. They
// never run recipient logic.
type Boundary interface {
	Receive(ctx context.Context, from account.Address, amount *uint256.Int) error
	Send(ctx context.Context, to account.Address, amount *uint256.Int) error
	Refund(ctx context.Context, to account.Address, amount *uint256.Int) error
	Reclaim(ctx context.Context, from account.Address, amount *uint256.Int) error
	Holdings(ctx context.Context) (*uint256.Int, error)
}

// Hooked is implemented by boundaries that run recipient logic during Send.
type Hooked interface {
	HasReceiver(addr account.Address) bool
}

// Receiver is invoked when an address is paid by the vault. Returning an error
// rejects the payment. The context is the one the paying call runs under, so
// a receiver may call back into the ledger.
type Receiver func(ctx context.Context, from account.Address, amount *uint256.Int) error
