package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/holiman/uint256"

	"github.com/congo-pay/savevault/internal/account"
)

var (
	errTxDone     = errors.New("transaction already finished")
	errTxOpen     = errors.New("a transaction is already open")
	errTxShadowed = errors.New("transaction has an open nested transaction")
)

type journalKind uint8

const (
	journalBalance journalKind = iota
	journalTotal
	journalRecord
)

// journalEntry remembers how to undo one write.
type journalEntry struct {
	kind    journalKind
	addr    account.Address
	prev    *uint256.Int
	existed bool
}

type inMemoryStore struct {
	mu         sync.RWMutex
	balances   map[account.Address]*uint256.Int
	total      *uint256.Int
	operations []Operation
	journal    []journalEntry
	open       *memoryTx
}

// NewInMemory creates a journaled in-memory store. Only one root transaction
// may be open at a time; the ledger's lock guarantees that.
func NewInMemory() Store {
	return &inMemoryStore{
		balances: make(map[account.Address]*uint256.Int),
		total:    new(uint256.Int),
	}
}

func (s *inMemoryStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		return nil, errTxOpen
	}
	tx := &memoryTx{store: s}
	s.open = tx
	return tx, nil
}

type memoryTx struct {
	store  *inMemoryStore
	parent *memoryTx
	child  *memoryTx
	mark   int
	done   bool
}

func (t *memoryTx) usable() error {
	if t.done {
		return errTxDone
	}
	if t.child != nil {
		return errTxShadowed
	}
	return nil
}

func (t *memoryTx) Balance(_ context.Context, addr account.Address) (*uint256.Int, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bal, ok := s.balances[addr]; ok {
		return bal.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (t *memoryTx) SetBalance(_ context.Context, addr account.Address, amount *uint256.Int) error {
	if err := t.usable(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.balances[addr]
	s.journal = append(s.journal, journalEntry{kind: journalBalance, addr: addr, prev: prev, existed: existed})
	s.balances[addr] = amount.Clone()
	return nil
}

func (t *memoryTx) Total(_ context.Context) (*uint256.Int, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total.Clone(), nil
}

func (t *memoryTx) SetTotal(_ context.Context, amount *uint256.Int) error {
	if err := t.usable(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, journalEntry{kind: journalTotal, prev: s.total})
	s.total = amount.Clone()
	return nil
}

func (t *memoryTx) Sum(_ context.Context) (*uint256.Int, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := new(uint256.Int)
	for _, bal := range s.balances {
		if _, overflow := sum.AddOverflow(sum, bal); overflow {
			return nil, ErrOverflow
		}
	}
	return sum, nil
}

func (t *memoryTx) Record(_ context.Context, op Operation) error {
	if err := t.usable(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, journalEntry{kind: journalRecord})
	s.operations = append(s.operations, op)
	return nil
}

func (t *memoryTx) History(_ context.Context, addr account.Address, limit int) ([]Operation, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Operation
	for i := len(s.operations) - 1; i >= 0 && len(out) < limit; i-- {
		op := s.operations[i]
		if op.Account == addr || op.Counterparty == addr {
			out = append(out, op)
		}
	}
	return out, nil
}

func (t *memoryTx) Begin(_ context.Context) (Tx, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	child := &memoryTx{store: s, parent: t, mark: len(s.journal)}
	t.child = child
	return child, nil
}

// Commit keeps the journal of a nested transaction so the parent can still
// undo it; committing the root discards the journal.
func (t *memoryTx) Commit(_ context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	t.finishLocked()
	if t.parent == nil {
		s.journal = nil
	}
	return nil
}

func (t *memoryTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.journal) - 1; i >= t.mark; i-- {
		e := s.journal[i]
		switch e.kind {
		case journalBalance:
			if e.existed {
				s.balances[e.addr] = e.prev
			} else {
				delete(s.balances, e.addr)
			}
		case journalTotal:
			s.total = e.prev
		case journalRecord:
			s.operations = s.operations[:len(s.operations)-1]
		}
	}
	s.journal = s.journal[:t.mark]
	t.finishLocked()
	return nil
}

func (t *memoryTx) finishLocked() {
	t.done = true
	if t.parent != nil {
		t.parent.child = nil
	} else {
		t.store.open = nil
	}
}
