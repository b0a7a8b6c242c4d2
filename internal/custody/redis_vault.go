package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/savevault/internal/account"
)

const (
	redisKeyPrefix  = "custody:v1:"
	holdingsKey     = redisKeyPrefix + "holdings"
	externalPrefix  = redisKeyPrefix + "ext:"
	maxWatchRetries = 16
)

// RedisVault keeps custody holdings and external balances in Redis. Amounts
// are stored as decimal strings and updated with WATCH/MULTI so concurrent
// service instances never lose an update.
type RedisVault struct {
	client *redis.Client
}

// NewRedisVault builds a Redis-backed boundary.
func NewRedisVault(client *redis.Client) *RedisVault {
	return &RedisVault{client: client}
}

// Fund credits an address's external balance.
func (v *RedisVault) Fund(ctx context.Context, addr account.Address, amount *uint256.Int) error {
	key := externalKey(addr)
	return v.update(ctx, func(tx *redis.Tx) (map[string]*uint256.Int, error) {
		bal, err := readAmount(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		next, overflow := new(uint256.Int).AddOverflow(bal, amount)
		if overflow {
			return nil, fmt.Errorf("fund %s: balance overflow", addr)
		}
		return map[string]*uint256.Int{key: next}, nil
	}, key)
}

// BalanceOf returns the external balance of addr.
func (v *RedisVault) BalanceOf(ctx context.Context, addr account.Address) (*uint256.Int, error) {
	return readAmount(ctx, v.client, externalKey(addr))
}

// Receive moves amount from the external balance of from into custody.
func (v *RedisVault) Receive(ctx context.Context, from account.Address, amount *uint256.Int) error {
	return v.moveIn(ctx, from, amount)
}

// Reclaim takes a paid-out amount back from the external balance of from.
func (v *RedisVault) Reclaim(ctx context.Context, from account.Address, amount *uint256.Int) error {
	return v.moveIn(ctx, from, amount)
}

// Send pays amount out of custody to the external balance of to.
func (v *RedisVault) Send(ctx context.Context, to account.Address, amount *uint256.Int) error {
	return v.moveOut(ctx, to, amount)
}

// Refund returns a received amount to the external balance of to.
func (v *RedisVault) Refund(ctx context.Context, to account.Address, amount *uint256.Int) error {
	return v.moveOut(ctx, to, amount)
}

func (v *RedisVault) moveIn(ctx context.Context, from account.Address, amount *uint256.Int) error {
	key := externalKey(from)
	return v.update(ctx, func(tx *redis.Tx) (map[string]*uint256.Int, error) {
		bal, err := readAmount(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		held, err := readAmount(ctx, tx, holdingsKey)
		if err != nil {
			return nil, err
		}
		if bal.Lt(amount) {
			return nil, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from, bal.Dec(), amount.Dec())
		}
		nextHeld, overflow := new(uint256.Int).AddOverflow(held, amount)
		if overflow {
			return nil, fmt.Errorf("receive: holdings overflow")
		}
		return map[string]*uint256.Int{
			key:         new(uint256.Int).Sub(bal, amount),
			holdingsKey: nextHeld,
		}, nil
	}, key, holdingsKey)
}

func (v *RedisVault) moveOut(ctx context.Context, to account.Address, amount *uint256.Int) error {
	key := externalKey(to)
	return v.update(ctx, func(tx *redis.Tx) (map[string]*uint256.Int, error) {
		held, err := readAmount(ctx, tx, holdingsKey)
		if err != nil {
			return nil, err
		}
		bal, err := readAmount(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if held.Lt(amount) {
			return nil, fmt.Errorf("%w: holding %s, sending %s", ErrInsufficientHoldings, held.Dec(), amount.Dec())
		}
		nextBal, overflow := new(uint256.Int).AddOverflow(bal, amount)
		if overflow {
			return nil, fmt.Errorf("send: balance overflow for %s", to)
		}
		return map[string]*uint256.Int{
			holdingsKey: new(uint256.Int).Sub(held, amount),
			key:         nextBal,
		}, nil
	}, holdingsKey, key)
}

// Holdings returns the amount currently held in custody.
func (v *RedisVault) Holdings(ctx context.Context) (*uint256.Int, error) {
	return readAmount(ctx, v.client, holdingsKey)
}

// update runs compute under WATCH on keys and writes its result atomically,
// retrying when another client modified a watched key first.
func (v *RedisVault) update(ctx context.Context, compute func(tx *redis.Tx) (map[string]*uint256.Int, error), keys ...string) error {
	txf := func(tx *redis.Tx) error {
		writes, err := compute(tx)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, val := range writes {
				pipe.Set(ctx, k, val.Dec(), 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := v.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("custody update: %w after %d attempts", redis.TxFailedErr, maxWatchRetries)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readAmount(ctx context.Context, c getter, key string) (*uint256.Int, error) {
	raw, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

func externalKey(addr account.Address) string {
	return externalPrefix + addr.String()
}
