package identity

import (
	"errors"
	"time"

	"github.com/congo-pay/savevault/internal/account"
)

var (
	ErrNotFound           = errors.New("identity not found")
	ErrExists             = errors.New("identity already registered")
	ErrWeakPIN            = errors.New("PIN must be at least 4 digits")
	ErrInvalidCredentials = errors.New("invalid address or PIN")
)

// User is a registered account holder.
type User struct {
	Address      account.Address
	PINHash      []byte
	TokenVersion int
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Credentials request structure.
type Credentials struct {
	Address account.Address
	PIN     string
}
