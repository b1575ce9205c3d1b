/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. This file holds the ledger
 * primitives, shared helpers, and the role, wallet and worker-stat tables. Payment and
 * withdrawal flows live in postgres_payments.go and postgres_withdrawals.go.
 *
 * Every money movement is a guarded single-statement UPDATE whose WHERE clause encodes the
 * precondition; multi-step operations run those statements inside one short transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - internal/domain, internal/escrow: models and sentinel errors.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const freezeSQL = `
	UPDATE balances
	SET available = available - $3, frozen = frozen + $3, updated_at = NOW()
	WHERE user_id = $1 AND currency = $2 AND available >= $3
`

const releaseSQL = `
	UPDATE balances
	SET available = available + $3, frozen = frozen - $3, updated_at = NOW()
	WHERE user_id = $1 AND currency = $2 AND frozen >= $3
`

const consumeSQL = `
	UPDATE balances
	SET frozen = frozen - $3, updated_at = NOW()
	WHERE user_id = $1 AND currency = $2 AND frozen >= $3
`

const adjustSQL = `
	INSERT INTO balances (user_id, currency, available)
	VALUES ($1, $2, $3)
	ON CONFLICT (user_id, currency)
	DO UPDATE SET available = balances.available + EXCLUDED.available, updated_at = NOW()
`

func guardedBalanceUpdate(ctx context.Context, q querier, sql string, userID int64, currency string, amount int64) (bool, error) {
	tag, err := q.Exec(ctx, sql, userID, currency, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func adjustBalance(ctx context.Context, q querier, userID int64, currency string, delta int64) error {
	if _, err := q.Exec(ctx, adjustSQL, userID, currency, delta); err != nil {
		if pgErrorCode(err) == pgCheckViolation {
			return escrow.ErrInsufficientFunds
		}
		return fmt.Errorf("adjust balance: %w", err)
	}
	return nil
}

// Freeze escrows amount if available covers it.
func (r *PostgresRepository) Freeze(ctx context.Context, userID int64, currency string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, escrow.ErrInvalidAmount
	}
	ok, err := guardedBalanceUpdate(ctx, r.db, freezeSQL, userID, currency, amount)
	if err != nil {
		return false, fmt.Errorf("freeze balance: %w", err)
	}
	return ok, nil
}

// Unfreeze returns every frozen unit to available.
func (r *PostgresRepository) Unfreeze(ctx context.Context, userID int64, currency string) (bool, error) {
	query := `
		UPDATE balances
		SET available = available + frozen, frozen = 0, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2
	`
	if _, err := r.db.Exec(ctx, query, userID, currency); err != nil {
		return false, fmt.Errorf("unfreeze balance: %w", err)
	}
	return true, nil
}

// Release returns one escrow to available.
func (r *PostgresRepository) Release(ctx context.Context, userID int64, currency string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, escrow.ErrInvalidAmount
	}
	ok, err := guardedBalanceUpdate(ctx, r.db, releaseSQL, userID, currency, amount)
	if err != nil {
		return false, fmt.Errorf("release balance: %w", err)
	}
	return ok, nil
}

// Adjust changes available by delta, creating the row on first reference.
func (r *PostgresRepository) Adjust(ctx context.Context, userID int64, currency string, delta int64) error {
	return adjustBalance(ctx, r.db, userID, currency, delta)
}

func (r *PostgresRepository) GetAvailable(ctx context.Context, userID int64, currency string) (int64, error) {
	b, err := r.GetBalance(ctx, userID, currency)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}

// GetBalance returns a zero balance for pairs never referenced before.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64, currency string) (domain.Balance, error) {
	b := domain.Balance{UserID: userID, Currency: currency}
	query := `SELECT available, frozen, updated_at FROM balances WHERE user_id = $1 AND currency = $2`
	err := r.db.QueryRow(ctx, query, userID, currency).Scan(&b.Available, &b.Frozen, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, nil
		}
		return b, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// GetWorkerStats returns zero totals for workers without completed payments.
func (r *PostgresRepository) GetWorkerStats(ctx context.Context, workerID int64) (*domain.WorkerStats, error) {
	s := domain.WorkerStats{WorkerID: workerID}
	query := `
		SELECT completed_payments, total_commission, total_processed, last_payment_at
		FROM worker_stats
		WHERE worker_id = $1
	`
	err := r.db.QueryRow(ctx, query, workerID).Scan(&s.CompletedPayments, &s.TotalCommission, &s.TotalProcessed, &s.LastPaymentAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get worker stats: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) ListTopWorkers(ctx context.Context, limit int) ([]domain.WorkerStats, error) {
	query := `
		SELECT worker_id, completed_payments, total_commission, total_processed, last_payment_at
		FROM worker_stats
		ORDER BY completed_payments DESC, worker_id
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list top workers: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkerStats
	for rows.Next() {
		var s domain.WorkerStats
		if err := rows.Scan(&s.WorkerID, &s.CompletedPayments, &s.TotalCommission, &s.TotalProcessed, &s.LastPaymentAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListRoles(ctx context.Context, userID int64) ([]domain.Role, error) {
	rows, err := r.db.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []domain.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, domain.Role(role))
	}
	return roles, rows.Err()
}

func (r *PostgresRepository) GrantRole(ctx context.Context, userID int64, role domain.Role) error {
	query := `INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := r.db.Exec(ctx, query, userID, string(role)); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListUserIDsByRole(ctx context.Context, role domain.Role) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM user_roles WHERE role = $1 ORDER BY user_id`, string(role))
	if err != nil {
		return nil, fmt.Errorf("list users by role: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) FindWallet(ctx context.Context, userID int64) (*domain.Wallet, error) {
	w := domain.Wallet{UserID: userID}
	err := r.db.QueryRow(ctx, `SELECT address, key_ref FROM wallets WHERE user_id = $1`, userID).Scan(&w.Address, &w.KeyRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("find wallet: %w", err)
	}
	return &w, nil
}

func (r *PostgresRepository) BindWallet(ctx context.Context, wallet domain.Wallet) error {
	query := `
		INSERT INTO wallets (user_id, address, key_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET address = EXCLUDED.address, key_ref = EXCLUDED.key_ref
	`
	if _, err := r.db.Exec(ctx, query, wallet.UserID, wallet.Address, wallet.KeyRef); err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return escrow.ErrWalletInUse
		}
		return fmt.Errorf("bind wallet: %w", err)
	}
	return nil
}
