package account

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Length is the number of bytes in an account address.
const Length = 20

// ErrInvalidAddress is returned when a textual address cannot be decoded.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies a savings account. The zero value is the null address.
type Address [Length]byte

// Zero is the null address; it never owns savings.
var Zero Address

// Parse decodes a 0x-prefixed hex address or the base58 form of the 20 raw bytes.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	var raw []byte
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw, err = hex.DecodeString(s[2:])
	} else {
		raw, err = base58.Decode(s)
	}
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return FromBytes(raw)
}

// MustParse is like Parse but panics on malformed input. Intended for tests and constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBytes copies a 20-byte slice into an Address.
func FromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != Length {
		return Zero, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidAddress, Length, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool {
	return a == Zero
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, Length)
	copy(b, a[:])
	return b
}

// String returns the canonical lower-case 0x hex form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Base58 returns the base58 form of the raw bytes.
func (a Address) Base58() string {
	return base58.Encode(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
