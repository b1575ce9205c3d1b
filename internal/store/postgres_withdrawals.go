package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/jackc/pgx/v5"
)

const withdrawalColumns = `
	id, user_id, currency, amount, destination, request_type, earnings_fiat, status,
	admin_id, tx_hash, error_message, created_at, updated_at
`

func scanWithdrawal(row pgx.Row) (*domain.WithdrawalRequest, error) {
	var (
		w       domain.WithdrawalRequest
		reqType string
		status  string
	)
	err := row.Scan(
		&w.ID, &w.UserID, &w.Currency, &w.Amount, &w.Destination, &reqType, &w.EarningsFiat, &status,
		&w.AdminID, &w.TxHash, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Type = domain.WithdrawalType(reqType)
	w.Status = domain.WithdrawalStatus(status)
	return &w, nil
}

func findWithdrawal(ctx context.Context, q querier, id int64) (*domain.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, fmt.Errorf("find withdrawal: %w", err)
	}
	return w, nil
}

const restoreCommissionSQL = `
	INSERT INTO worker_stats (worker_id, total_commission)
	VALUES ($1, $2)
	ON CONFLICT (worker_id) DO UPDATE SET total_commission = worker_stats.total_commission + EXCLUDED.total_commission
`

// CreateWithdrawal escrows the funds (balance) or debits the commission ledger (earnings), then
// records the request and its linked transaction.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, p CreateWithdrawalParams) (*domain.WithdrawalRequest, error) {
	if p.Amount <= 0 {
		return nil, escrow.ErrInvalidAmount
	}

	var created *domain.WithdrawalRequest
	err := r.inTx(ctx, func(dbTx pgx.Tx) error {
		var escrowAmount, fiat int64
		switch p.Type {
		case domain.WithdrawalBalance:
			frozen, err := guardedBalanceUpdate(ctx, dbTx, freezeSQL, p.UserID, p.Currency, p.Amount)
			if err != nil {
				return fmt.Errorf("freeze balance: %w", err)
			}
			if !frozen {
				return escrow.ErrInsufficientFunds
			}
			escrowAmount = p.Amount
			fiat = escrow.FiatFromLamports(p.Amount, p.Rate)
		case domain.WithdrawalEarnings:
			if p.EarningsFiat <= 0 {
				return escrow.ErrInsufficientFunds
			}
			debit := `
				UPDATE worker_stats SET total_commission = total_commission - $2
				WHERE worker_id = $1 AND total_commission >= $2
			`
			tag, err := dbTx.Exec(ctx, debit, p.UserID, p.EarningsFiat)
			if err != nil {
				return fmt.Errorf("debit commission: %w", err)
			}
			if tag.RowsAffected() != 1 {
				return escrow.ErrInsufficientFunds
			}
			fiat = p.EarningsFiat
		default:
			return ErrInvalidWithdrawalType
		}

		insertRequest := `
			INSERT INTO withdrawal_requests (user_id, currency, amount, destination, request_type, earnings_fiat, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending')
			RETURNING ` + withdrawalColumns
		var err error
		created, err = scanWithdrawal(dbTx.QueryRow(ctx, insertRequest,
			p.UserID, p.Currency, p.Amount, p.Destination, string(p.Type), p.EarningsFiat,
		))
		if err != nil {
			return fmt.Errorf("insert withdrawal request: %w", err)
		}

		insertTx := `
			INSERT INTO transactions (
				user_id, kind, currency, amount, fiat_amount, rate, escrow_amount, status, withdrawal_id
			)
			VALUES ($1, 'withdrawal', $2, $3, $4, $5::numeric, $6, 'pending', $7)
		`
		if _, err := dbTx.Exec(ctx, insertTx,
			p.UserID, p.Currency, -p.Amount, -fiat, p.Rate.String(), escrowAmount, created.ID,
		); err != nil {
			return fmt.Errorf("insert withdrawal transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// TransitionWithdrawal applies rule to the request, its money effect and the linked transaction.
func (r *PostgresRepository) TransitionWithdrawal(ctx context.Context, p WithdrawalTransitionParams) (WithdrawalResult, error) {
	var result WithdrawalResult

	err := r.inTx(ctx, func(dbTx pgx.Tx) error {
		update := `
			UPDATE withdrawal_requests
			SET status = $3,
			    admin_id = COALESCE($4::bigint, admin_id),
			    tx_hash = COALESCE($5::text, tx_hash),
			    error_message = COALESCE($6::text, error_message),
			    updated_at = NOW()
			WHERE id = $1 AND status = $2
			RETURNING ` + withdrawalColumns
		w, err := scanWithdrawal(dbTx.QueryRow(ctx, update,
			p.WithdrawalID, string(p.Rule.From), string(p.Rule.To), p.AdminID, p.TxHash, p.ErrorMessage,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			current, findErr := findWithdrawal(ctx, dbTx, p.WithdrawalID)
			if findErr != nil {
				return findErr
			}
			result = WithdrawalResult{Applied: false, Withdrawal: *current}
			return nil
		}
		if err != nil {
			return fmt.Errorf("transition withdrawal: %w", err)
		}

		switch p.Rule.To {
		case domain.WithdrawalCompleted:
			if w.Type == domain.WithdrawalBalance {
				consumed, err := guardedBalanceUpdate(ctx, dbTx, consumeSQL, w.UserID, w.Currency, w.Amount)
				if err != nil {
					return fmt.Errorf("consume escrow: %w", err)
				}
				if !consumed {
					return escrow.ErrEscrowMissing
				}
			}
		case domain.WithdrawalRejected:
			if w.Type == domain.WithdrawalBalance {
				released, err := guardedBalanceUpdate(ctx, dbTx, releaseSQL, w.UserID, w.Currency, w.Amount)
				if err != nil {
					return fmt.Errorf("release escrow: %w", err)
				}
				if !released {
					return escrow.ErrEscrowMissing
				}
			} else if _, err := dbTx.Exec(ctx, restoreCommissionSQL, w.UserID, w.EarningsFiat); err != nil {
				return fmt.Errorf("restore commission: %w", err)
			}
		}

		linked := `
			UPDATE transactions
			SET status = COALESCE(NULLIF($2::text, ''), status),
			    admin_id = COALESCE($3::bigint, admin_id),
			    error_message = COALESCE($4::text, error_message),
			    reference = COALESCE($5::text, reference),
			    updated_at = NOW()
			WHERE withdrawal_id = $1
		`
		if _, err := dbTx.Exec(ctx, linked, w.ID, string(p.Rule.TransactionStatus), p.AdminID, p.ErrorMessage, p.TxHash); err != nil {
			return fmt.Errorf("update withdrawal transaction: %w", err)
		}

		result = WithdrawalResult{Applied: true, Withdrawal: *w}
		return nil
	})
	if err != nil {
		return WithdrawalResult{}, err
	}
	return result, nil
}

func (r *PostgresRepository) FindWithdrawalByID(ctx context.Context, id int64) (*domain.WithdrawalRequest, error) {
	return findWithdrawal(ctx, r.db, id)
}

func (r *PostgresRepository) ListPendingWithdrawals(ctx context.Context, limit int) ([]domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE status = 'pending' ORDER BY id LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}
	defer rows.Close()

	var out []domain.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListWithdrawalsByStatus(ctx context.Context, status domain.WithdrawalStatus, updatedBefore time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	var cutoff *time.Time
	if !updatedBefore.IsZero() {
		cutoff = &updatedBefore
	}
	query := `
		SELECT ` + withdrawalColumns + ` FROM withdrawal_requests
		WHERE status = $1 AND ($2::timestamptz IS NULL OR updated_at < $2::timestamptz)
		ORDER BY id
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, string(status), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s withdrawals: %w", status, err)
	}
	defer rows.Close()

	var out []domain.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// RecordDeposit logs a completed deposit and credits available. The unique reference makes
// redelivered deposit events a no-op.
func (r *PostgresRepository) RecordDeposit(ctx context.Context, p DepositParams) (*domain.Transaction, bool, error) {
	if p.Amount <= 0 {
		return nil, false, escrow.ErrInvalidAmount
	}

	var ref *string
	if p.Reference != "" {
		ref = &p.Reference
	}

	var (
		created   *domain.Transaction
		duplicate bool
	)
	err := r.inTx(ctx, func(dbTx pgx.Tx) error {
		insert := `
			INSERT INTO transactions (user_id, kind, currency, amount, status, reference)
			VALUES ($1, $2, $3, $4, 'completed', $5)
			ON CONFLICT (reference) DO NOTHING
			RETURNING ` + transactionColumns
		var err error
		created, err = scanTransaction(dbTx.QueryRow(ctx, insert, p.UserID, string(p.Kind), p.Currency, p.Amount, ref))
		if errors.Is(err, pgx.ErrNoRows) {
			duplicate = true
			created, err = scanTransaction(dbTx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, ref))
			if err != nil {
				return fmt.Errorf("find duplicate deposit: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert deposit: %w", err)
		}
		return adjustBalance(ctx, dbTx, p.UserID, p.Currency, p.Amount)
	})
	if err != nil {
		return nil, false, err
	}
	return created, duplicate, nil
}

// ResetTestBalance removes test deposits and debits their sum, never below zero.
func (r *PostgresRepository) ResetTestBalance(ctx context.Context, userID int64, currency string) (int64, error) {
	var debited int64
	err := r.inTx(ctx, func(dbTx pgx.Tx) error {
		var sum int64
		remove := `
			WITH removed AS (
				DELETE FROM transactions
				WHERE user_id = $1 AND currency = $2 AND kind = 'test_deposit'
				RETURNING amount
			)
			SELECT COALESCE(SUM(amount), 0)::bigint FROM removed
		`
		if err := dbTx.QueryRow(ctx, remove, userID, currency).Scan(&sum); err != nil {
			return fmt.Errorf("delete test deposits: %w", err)
		}
		if sum <= 0 {
			return nil
		}

		var available int64
		lock := `SELECT available FROM balances WHERE user_id = $1 AND currency = $2 FOR UPDATE`
		err := dbTx.QueryRow(ctx, lock, userID, currency).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock test balance: %w", err)
		}

		debited = sum
		if debited > available {
			debited = available
		}
		if debited == 0 {
			return nil
		}
		if _, err := dbTx.Exec(ctx, consumeAvailableSQL, userID, currency, debited); err != nil {
			return fmt.Errorf("debit test balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return debited, nil
}

// ApplyPenalty charges up to Amount from the worker's available balance once per transaction.
func (r *PostgresRepository) ApplyPenalty(ctx context.Context, p PenaltyParams) (int64, error) {
	if p.Amount <= 0 {
		return 0, escrow.ErrInvalidAmount
	}

	var charged int64
	err := r.inTx(ctx, func(dbTx pgx.Tx) error {
		ref := penaltyReference(p.TransactionID)
		var exists bool
		if err := dbTx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE reference = $1)`, ref).Scan(&exists); err != nil {
			return fmt.Errorf("check penalty: %w", err)
		}
		if exists {
			return nil
		}

		var available int64
		lock := `SELECT available FROM balances WHERE user_id = $1 AND currency = $2 FOR UPDATE`
		err := dbTx.QueryRow(ctx, lock, p.WorkerID, p.Currency).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock worker balance: %w", err)
		}

		amount := p.Amount
		if amount > available {
			amount = available
		}
		if amount == 0 {
			return nil
		}

		if _, err := dbTx.Exec(ctx, consumeAvailableSQL, p.WorkerID, p.Currency, amount); err != nil {
			return fmt.Errorf("debit penalty: %w", err)
		}
		insert := `
			INSERT INTO transactions (user_id, kind, currency, amount, status, reference)
			VALUES ($1, 'penalty', $2, $3, 'completed', $4)
		`
		if _, err := dbTx.Exec(ctx, insert, p.WorkerID, p.Currency, -amount, ref); err != nil {
			return fmt.Errorf("insert penalty: %w", err)
		}
		charged = amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return charged, nil
}

const consumeAvailableSQL = `
	UPDATE balances
	SET available = available - $3, updated_at = NOW()
	WHERE user_id = $1 AND currency = $2 AND available >= $3
`
