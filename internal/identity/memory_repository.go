package identity

import (
	"context"
	"sync"
	"time"

	"github.com/congo-pay/savevault/internal/account"
)

type memoryRepository struct {
	mu    sync.RWMutex
	users map[account.Address]User
}

// NewMemoryRepository builds an in-memory user store for development and tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[account.Address]User)}
}

func (r *memoryRepository) Create(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[user.Address]; exists {
		return ErrExists
	}
	r.users[user.Address] = user
	return nil
}

func (r *memoryRepository) FindByAddress(_ context.Context, addr account.Address) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[addr]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (r *memoryRepository) UpdateTokenVersion(_ context.Context, addr account.Address, version int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[addr]
	if !ok {
		return ErrNotFound
	}
	user.TokenVersion = version
	r.users[addr] = user
	return nil
}

func (r *memoryRepository) TouchLogin(_ context.Context, addr account.Address, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[addr]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	user.LastLogin = &at
	r.users[addr] = user
	return nil
}
