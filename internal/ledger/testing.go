package ledger

import (
	"github.com/holiman/uint256"

	"github.com/congo-pay/savevault/internal/account"
)

// SeedBalance is a test helper that sets the balance of addr in an in-memory
// store and moves the custody total by the same difference, so the ledger
// stays balanced. It has no effect on other stores.
func SeedBalance(s Store, addr account.Address, amount *uint256.Int) {
	mem, ok := s.(*inMemoryStore)
	if !ok {
		return
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	prev, exists := mem.balances[addr]
	if !exists {
		prev = new(uint256.Int)
	}
	total := new(uint256.Int).Sub(mem.total, prev)
	mem.total = total.Add(total, amount)
	mem.balances[addr] = amount.Clone()
}
