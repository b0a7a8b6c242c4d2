package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/congo-pay/savevault/internal/account"
)

// Vault is an in-process execution environment: it tracks the external asset
// balance of every address and the amount held in custody. Callers are
// expected to serialize operations, as the ledger does.
type Vault struct {
	self      account.Address
	mu        sync.Mutex
	holdings  *uint256.Int
	external  map[account.Address]*uint256.Int
	receivers map[account.Address]Receiver
}

type vaultState struct {
	holdings *uint256.Int
	external map[account.Address]*uint256.Int
}

// NewVault creates an empty vault. self is the custody address reported to receivers as the payer.
func NewVault(self account.Address) *Vault {
	return &Vault{
		self:      self,
		holdings:  new(uint256.Int),
		external:  make(map[account.Address]*uint256.Int),
		receivers: make(map[account.Address]Receiver),
	}
}

// Fund credits an address's external balance out of thin air.
func (v *Vault) Fund(addr account.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, overflow := new(uint256.Int).AddOverflow(v.balanceLocked(addr), amount)
	if overflow {
		return fmt.Errorf("fund %s: balance overflow", addr)
	}
	v.external[addr] = next
	return nil
}

// BalanceOf returns the external (non-custodied) balance of addr.
func (v *Vault) BalanceOf(addr account.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balanceLocked(addr).Clone()
}

// OnReceive registers fn to run whenever addr is paid. A nil fn removes the hook.
func (v *Vault) OnReceive(addr account.Address, fn Receiver) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if fn == nil {
		delete(v.receivers, addr)
		return
	}
	v.receivers[addr] = fn
}

// Receive moves amount from the external balance of from into custody.
func (v *Vault) Receive(_ context.Context, from account.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from, bal.Dec(), amount.Dec())
	}
	holdings, overflow := new(uint256.Int).AddOverflow(v.holdings, amount)
	if overflow {
		return fmt.Errorf("receive: holdings overflow")
	}
	v.external[from] = new(uint256.Int).Sub(bal, amount)
	v.holdings = holdings
	return nil
}

// Send pays amount out of custody to the external balance of to and then
// runs the recipient's hook, if any. When the hook rejects or panics, every
// vault movement made since Send began, including movements made by calls
// nested inside the hook, is undone.
func (v *Vault) Send(ctx context.Context, to account.Address, amount *uint256.Int) error {
	v.mu.Lock()
	snap := v.snapshotLocked()
	if err := v.moveOutLocked(to, amount); err != nil {
		v.mu.Unlock()
		return err
	}
	hook := v.receivers[to]
	v.mu.Unlock()

	if hook == nil {
		return nil
	}
	accepted := false
	defer func() {
		if !accepted {
			v.mu.Lock()
			v.restoreLocked(snap)
			v.mu.Unlock()
		}
	}()
	if err := hook(ctx, v.self, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	accepted = true
	return nil
}

// Refund returns amount from custody to the external balance of to without
// running its hook.
func (v *Vault) Refund(_ context.Context, to account.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.moveOutLocked(to, amount)
}

// Reclaim takes amount back from the external balance of from into custody.
func (v *Vault) Reclaim(_ context.Context, from account.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, reclaiming %s", ErrInsufficientFunds, from, bal.Dec(), amount.Dec())
	}
	holdings, overflow := new(uint256.Int).AddOverflow(v.holdings, amount)
	if overflow {
		return fmt.Errorf("reclaim: holdings overflow")
	}
	v.external[from] = new(uint256.Int).Sub(bal, amount)
	v.holdings = holdings
	return nil
}

// HasReceiver reports whether paying addr runs a hook.
func (v *Vault) HasReceiver(addr account.Address) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.receivers[addr]
	return ok
}

func (v *Vault) moveOutLocked(to account.Address, amount *uint256.Int) error {
	if v.holdings.Lt(amount) {
		return fmt.Errorf("%w: holding %s, sending %s", ErrInsufficientHoldings, v.holdings.Dec(), amount.Dec())
	}
	credited, overflow := new(uint256.Int).AddOverflow(v.balanceLocked(to), amount)
	if overflow {
		return fmt.Errorf("send: balance overflow for %s", to)
	}
	v.holdings = new(uint256.Int).Sub(v.holdings, amount)
	v.external[to] = credited
	return nil
}

// Holdings returns the amount currently held in custody.
func (v *Vault) Holdings(_ context.Context) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.holdings.Clone(), nil
}

func (v *Vault) balanceLocked(addr account.Address) *uint256.Int {
	if bal, ok := v.external[addr]; ok {
		return bal
	}
	return new(uint256.Int)
}

// Balances are replaced, never mutated in place, so a shallow map copy is a full snapshot.
func (v *Vault) snapshotLocked() vaultState {
	ext := make(map[account.Address]*uint256.Int, len(v.external))
	for k, val := range v.external {
		ext[k] = val
	}
	return vaultState{holdings: v.holdings, external: ext}
}

func (v *Vault) restoreLocked(s vaultState) {
	v.holdings = s.holdings
	v.external = s.external
}
