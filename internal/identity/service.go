package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/congo-pay/savevault/internal/account"
)

const minPINLength = 4

// Service manages identity lifecycle.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Register binds a PIN to an address. The null address cannot register.
func (s *Service) Register(ctx context.Context, creds Credentials) (User, error) {
	if creds.Address.IsZero() {
		return User{}, fmt.Errorf("%w: null address", account.ErrInvalidAddress)
	}
	if len(creds.PIN) < minPINLength {
		return User{}, ErrWeakPIN
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.PIN), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	user := User{
		Address:   creds.Address,
		PINHash:   hash,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Authenticate verifies the PIN for an address and stamps the login time.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (User, error) {
	user, err := s.repo.FindByAddress(ctx, creds.Address)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}

	if err := bcrypt.CompareHashAndPassword(user.PINHash, []byte(creds.PIN)); err != nil {
		return User{}, ErrInvalidCredentials
	}

	at := s.now().UTC()
	if err := s.repo.TouchLogin(ctx, user.Address, at); err != nil {
		return User{}, err
	}
	user.LastLogin = &at
	return user, nil
}
