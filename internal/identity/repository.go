package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/congo-pay/savevault/internal/account"
)

// Repository persists users.
type Repository interface {
	Create(ctx context.Context, user User) error
	FindByAddress(ctx context.Context, addr account.Address) (User, error)
	UpdateTokenVersion(ctx context.Context, addr account.Address, version int) error
	TouchLogin(ctx context.Context, addr account.Address, at time.Time) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	_, err := r.db.Exec(ctx, `INSERT INTO identities (address, pin_hash, token_version, created_at)
        VALUES ($1, $2, $3, $4)`, user.Address.Bytes(), user.PINHash, user.TokenVersion, user.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

// FindByAddress fetches a user by account address.
func (r *PostgresRepository) FindByAddress(ctx context.Context, addr account.Address) (User, error) {
	row := r.db.QueryRow(ctx, `SELECT pin_hash, token_version, created_at, last_login FROM identities WHERE address = $1`, addr.Bytes())
	var (
		createdAt time.Time
		lastLogin *time.Time
		user      = User{Address: addr}
	)
	if err := row.Scan(&user.PINHash, &user.TokenVersion, &createdAt, &lastLogin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	user.CreatedAt = createdAt.UTC()
	if lastLogin != nil {
		t := lastLogin.UTC()
		user.LastLogin = &t
	}
	return user, nil
}

// UpdateTokenVersion stores the version that issued tokens must carry.
func (r *PostgresRepository) UpdateTokenVersion(ctx context.Context, addr account.Address, version int) error {
	cmd, err := r.db.Exec(ctx, `UPDATE identities SET token_version = $1 WHERE address = $2`, version, addr.Bytes())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLogin records a successful login.
func (r *PostgresRepository) TouchLogin(ctx context.Context, addr account.Address, at time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE identities SET last_login = $1 WHERE address = $2`, at.UTC(), addr.Bytes())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
