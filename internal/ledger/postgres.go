package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/savevault/internal/account"
)

// PostgresStore persists balances, the custody total and the operation trail
// in PostgreSQL. Amounts are NUMERIC(78,0) and cross the wire as text so no
// precision is lost.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgres constructs a Postgres-backed store.
func NewPostgres(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Begin opens a transaction and locks the custody total row, which
// serializes ledger operations across service instances.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO custody_total (id, total) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`); err != nil {
		tx.Rollback(ctx) // nolint:errcheck
		return nil, fmt.Errorf("init custody total: %w", err)
	}
	var locked string
	if err := tx.QueryRow(ctx, `SELECT total::text FROM custody_total WHERE id = 1 FOR UPDATE`).Scan(&locked); err != nil {
		tx.Rollback(ctx) // nolint:errcheck
		return nil, fmt.Errorf("lock custody total: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Balance(ctx context.Context, addr account.Address) (*uint256.Int, error) {
	var raw string
	err := t.tx.QueryRow(ctx, `SELECT balance::text FROM savings_balances WHERE address = $1`, addr.Bytes()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return decodeAmount(raw)
}

func (t *postgresTx) SetBalance(ctx context.Context, addr account.Address, amount *uint256.Int) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO savings_balances (address, balance, updated_at)
        VALUES ($1, $2::text::numeric, now())
        ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		addr.Bytes(), amount.Dec())
	return err
}

func (t *postgresTx) Total(ctx context.Context) (*uint256.Int, error) {
	var raw string
	if err := t.tx.QueryRow(ctx, `SELECT total::text FROM custody_total WHERE id = 1`).Scan(&raw); err != nil {
		return nil, err
	}
	return decodeAmount(raw)
}

func (t *postgresTx) SetTotal(ctx context.Context, amount *uint256.Int) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE custody_total SET total = $1::text::numeric WHERE id = 1`, amount.Dec())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() != 1 {
		return fmt.Errorf("custody total row missing")
	}
	return nil
}

func (t *postgresTx) Sum(ctx context.Context) (*uint256.Int, error) {
	var raw string
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0)::text FROM savings_balances`).Scan(&raw); err != nil {
		return nil, err
	}
	return decodeAmount(raw)
}

func (t *postgresTx) Record(ctx context.Context, op Operation) error {
	var counterparty []byte
	if !op.Counterparty.IsZero() {
		counterparty = op.Counterparty.Bytes()
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO savings_operations (id, kind, account, counterparty, amount, created_at)
        VALUES ($1, $2, $3, $4, $5::text::numeric, $6)`,
		op.ID, op.Kind, op.Account.Bytes(), counterparty, op.Amount.Dec(), op.At.UTC())
	return err
}

func (t *postgresTx) History(ctx context.Context, addr account.Address, limit int) ([]Operation, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, kind, account, counterparty, amount::text, created_at
        FROM savings_operations
        WHERE account = $1 OR counterparty = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`, addr.Bytes(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var (
			id           uuid.UUID
			kind         string
			acct         []byte
			counterparty []byte
			amount       string
			createdAt    time.Time
		)
		if err := rows.Scan(&id, &kind, &acct, &counterparty, &amount, &createdAt); err != nil {
			return nil, err
		}
		op := Operation{ID: id, Kind: kind, At: createdAt.UTC()}
		if op.Account, err = account.FromBytes(acct); err != nil {
			return nil, err
		}
		if len(counterparty) > 0 {
			if op.Counterparty, err = account.FromBytes(counterparty); err != nil {
				return nil, err
			}
		}
		if op.Amount, err = decodeAmount(amount); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// Begin opens a savepoint.
func (t *postgresTx) Begin(ctx context.Context) (Tx, error) {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: nested}, nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func decodeAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode stored amount %q: %w", raw, err)
	}
	return v, nil
}
