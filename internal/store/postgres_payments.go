package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const transactionColumns = `
	id, user_id, kind, currency, amount, fiat_amount, fiat_currency, rate::text, escrow_amount,
	status, worker_id, admin_id, withdrawal_id, reference, error_message, created_at, updated_at
`

const workItemColumns = `
	id, transaction_id, qr_payload, qr_image, fiat_amount, worker_earning, operator_commission,
	worker_commission_fiat, status, assigned_worker_id, created_at
`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx     domain.Transaction
		kind   string
		status string
		rate   string
	)
	err := row.Scan(
		&tx.ID, &tx.UserID, &kind, &tx.Currency, &tx.Amount, &tx.FiatAmount, &tx.FiatCurrency, &rate,
		&tx.EscrowAmount, &status, &tx.WorkerID, &tx.AdminID, &tx.WithdrawalID, &tx.Reference,
		&tx.ErrorMessage, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Kind = domain.TransactionKind(kind)
	tx.Status = domain.TransactionStatus(status)
	if tx.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("parse rate %q: %w", rate, err)
	}
	return &tx, nil
}

func scanWorkItem(row pgx.Row) (*domain.WorkItem, error) {
	var (
		item   domain.WorkItem
		status string
	)
	err := row.Scan(
		&item.ID, &item.TransactionID, &item.Descriptor.QRPayload, &item.Descriptor.QRImage,
		&item.FiatAmount, &item.WorkerEarning, &item.OperatorCommission, &item.WorkerCommissionFiat,
		&status, &item.AssignedWorkerID, &item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = domain.WorkItemStatus(status)
	return &item, nil
}

func statusStrings(statuses []domain.TransactionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func findTransaction(ctx context.Context, q querier, id int64) (*domain.Transaction, error) {
	tx, err := scanTransaction(q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return tx, nil
}

const insertWorkItemSQL = `
	INSERT INTO payment_queue (
		transaction_id, qr_payload, qr_image, fiat_amount, worker_earning,
		operator_commission, worker_commission_fiat, status
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
	RETURNING ` + workItemColumns

func insertWorkItem(ctx context.Context, q querier, item domain.WorkItem) (*domain.WorkItem, error) {
	stored, err := scanWorkItem(q.QueryRow(ctx, insertWorkItemSQL,
		item.TransactionID, item.Descriptor.QRPayload, item.Descriptor.QRImage, item.FiatAmount,
		item.WorkerEarning, item.OperatorCommission, item.WorkerCommissionFiat,
	))
	if err != nil {
		switch pgErrorCode(err) {
		case pgUniqueViolation:
			return nil, escrow.ErrDuplicateWorkItem
		case pgForeignKeyViolation:
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("insert work item: %w", err)
	}
	return stored, nil
}

// OpenPaymentEscrow freezes, logs and enqueues in one transaction.
func (r *PostgresRepository) OpenPaymentEscrow(ctx context.Context, p OpenEscrowParams) (*domain.Transaction, *domain.WorkItem, error) {
	if p.Split.Total <= 0 {
		return nil, nil, escrow.ErrInvalidAmount
	}

	var (
		created *domain.Transaction
		item    *domain.WorkItem
	)
	err := r.inTx(ctx, func(dbTx pgx.Tx) error {
		frozen, err := guardedBalanceUpdate(ctx, dbTx, freezeSQL, p.UserID, p.Currency, p.Split.Total)
		if err != nil {
			return fmt.Errorf("freeze balance: %w", err)
		}
		if !frozen {
			return escrow.ErrInsufficientFunds
		}

		insertTx := `
			INSERT INTO transactions (
				user_id, kind, currency, amount, fiat_amount, fiat_currency, rate, escrow_amount, status
			)
			VALUES ($1, 'payment', $2, $3, $4, $5, $6::numeric, $7, 'pending')
			RETURNING ` + transactionColumns
		created, err = scanTransaction(dbTx.QueryRow(ctx, insertTx,
			p.UserID, p.Currency, -p.Split.Total, -p.FiatAmount, p.FiatCurrency, p.Rate.String(), p.Split.Total,
		))
		if err != nil {
			return fmt.Errorf("insert payment transaction: %w", err)
		}

		item, err = insertWorkItem(ctx, dbTx, domain.WorkItem{
			TransactionID:        created.ID,
			Descriptor:           p.Descriptor,
			FiatAmount:           p.FiatAmount,
			WorkerEarning:        p.Split.WorkerEarning,
			OperatorCommission:   p.Split.OperatorCommission,
			WorkerCommissionFiat: p.Split.WorkerCommissionFiat,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return created, item, nil
}

func (r *PostgresRepository) Enqueue(ctx context.Context, item *domain.WorkItem) error {
	stored, err := insertWorkItem(ctx, r.db, *item)
	if err != nil {
		return err
	}
	*item = *stored
	return nil
}

func (r *PostgresRepository) Claim(ctx context.Context, transactionID, workerID int64) (bool, error) {
	res, err := r.TransitionPayment(ctx, TransitionParams{
		TransactionID: transactionID,
		Rule:          escrow.MustPaymentRule(escrow.EventClaim),
		ActorID:       workerID,
	})
	if err != nil {
		return false, err
	}
	return res.Applied, nil
}

func (r *PostgresRepository) ListPending(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	query := `
		SELECT q.id, q.transaction_id, q.qr_payload, q.qr_image, q.fiat_amount, q.worker_earning,
		       q.operator_commission, q.worker_commission_fiat, q.status, q.assigned_worker_id, q.created_at
		FROM payment_queue q
		JOIN transactions t ON t.id = q.transaction_id
		WHERE q.status = 'pending' AND t.status = 'pending' AND t.worker_id IS NULL
		ORDER BY q.id
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending work items: %w", err)
	}
	defer rows.Close()

	var items []domain.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (r *PostgresRepository) FindWorkItemByTransactionID(ctx context.Context, transactionID int64) (*domain.WorkItem, error) {
	item, err := scanWorkItem(r.db.QueryRow(ctx, `SELECT `+workItemColumns+` FROM payment_queue WHERE transaction_id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWorkItemNotFound
		}
		return nil, fmt.Errorf("find work item: %w", err)
	}
	return item, nil
}

// The single guarded statement behind every payment transition. $4 assigns the actor as worker
// (claim) and refuses the owner, $8 requires the actor to be the worker, $9 requires the actor
// to be the owner, $10 optionally requires the row to be older than a cutoff.
const transitionPaymentSQL = `
	UPDATE transactions
	SET status = $3,
	    worker_id = CASE WHEN $4::boolean THEN $2::bigint ELSE worker_id END,
	    admin_id = COALESCE($5::bigint, admin_id),
	    error_message = COALESCE($6::text, error_message),
	    updated_at = NOW()
	WHERE id = $1
	  AND kind = 'payment'
	  AND status = ANY($7::text[])
	  AND (NOT $4::boolean OR (worker_id IS NULL AND user_id <> $2::bigint))
	  AND (NOT $8::boolean OR worker_id = $2::bigint)
	  AND (NOT $9::boolean OR user_id = $2::bigint)
	  AND ($10::timestamptz IS NULL OR updated_at < $10::timestamptz)
	RETURNING ` + transactionColumns

const updateWorkItemSQL = `
	UPDATE payment_queue
	SET status = COALESCE(NULLIF($2::text, ''), status),
	    assigned_worker_id = CASE WHEN $3::boolean THEN $4::bigint ELSE assigned_worker_id END
	WHERE transaction_id = $1
`

// TransitionPayment applies the rule, its escrow release and the work item update atomically.
func (r *PostgresRepository) TransitionPayment(ctx context.Context, p TransitionParams) (TransitionResult, error) {
	var result TransitionResult
	rule := p.Rule
	assign := rule.Guard == escrow.GuardUnassigned

	err := r.inTx(ctx, func(dbTx pgx.Tx) error {
		updated, err := scanTransaction(dbTx.QueryRow(ctx, transitionPaymentSQL,
			p.TransactionID,
			p.ActorID,
			string(rule.To),
			assign,
			p.AdminID,
			p.ErrorMessage,
			statusStrings(rule.From),
			rule.Guard == escrow.GuardWorker,
			rule.Guard == escrow.GuardUser,
			p.UpdatedBefore,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			current, findErr := findTransaction(ctx, dbTx, p.TransactionID)
			if findErr != nil {
				return findErr
			}
			result = TransitionResult{Applied: false, Transaction: *current}
			return nil
		}
		if err != nil {
			return fmt.Errorf("transition payment: %w", err)
		}

		if rule.ReleaseEscrow && updated.EscrowAmount > 0 {
			released, err := guardedBalanceUpdate(ctx, dbTx, releaseSQL, updated.UserID, updated.Currency, updated.EscrowAmount)
			if err != nil {
				return fmt.Errorf("release escrow: %w", err)
			}
			if !released {
				return escrow.ErrEscrowMissing
			}
		}

		if rule.QueueStatus != "" || assign {
			if _, err := dbTx.Exec(ctx, updateWorkItemSQL, updated.ID, string(rule.QueueStatus), assign, p.ActorID); err != nil {
				return fmt.Errorf("update work item: %w", err)
			}
		}

		result = TransitionResult{Applied: true, Transaction: *updated}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return result, nil
}

// CompleteSettlement clears the escrow and reconciles available to reported - remaining frozen.
func (r *PostgresRepository) CompleteSettlement(ctx context.Context, p SettlementParams) (TransitionResult, error) {
	var result TransitionResult

	err := r.inTx(ctx, func(dbTx pgx.Tx) error {
		updateTx := `
			UPDATE transactions
			SET status = $2, admin_id = COALESCE($3::bigint, admin_id), updated_at = NOW()
			WHERE id = $1 AND kind = 'payment' AND status = ANY($4::text[])
			RETURNING ` + transactionColumns
		updated, err := scanTransaction(dbTx.QueryRow(ctx, updateTx,
			p.TransactionID, string(p.Rule.To), p.AdminID, statusStrings(p.Rule.From),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			current, findErr := findTransaction(ctx, dbTx, p.TransactionID)
			if findErr != nil {
				return findErr
			}
			result = TransitionResult{Applied: false, Transaction: *current}
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete payment: %w", err)
		}

		var fiatAmount, commissionFiat int64
		completeItem := `
			UPDATE payment_queue SET status = 'completed'
			WHERE transaction_id = $1
			RETURNING fiat_amount, worker_commission_fiat
		`
		if err := dbTx.QueryRow(ctx, completeItem, updated.ID).Scan(&fiatAmount, &commissionFiat); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrWorkItemNotFound
			}
			return fmt.Errorf("complete work item: %w", err)
		}

		// Right-hand side columns read the pre-update row, so frozen - $3 is the remaining escrow.
		reconcile := `
			UPDATE balances
			SET frozen = frozen - $3::bigint,
			    available = CASE
			        WHEN $4::bigint IS NULL THEN available
			        ELSE GREATEST($4::bigint - (frozen - $3::bigint), 0)
			    END,
			    updated_at = NOW()
			WHERE user_id = $1 AND currency = $2 AND frozen >= $3::bigint
		`
		tag, err := dbTx.Exec(ctx, reconcile, updated.UserID, updated.Currency, updated.EscrowAmount, p.ReportedBalance)
		if err != nil {
			return fmt.Errorf("reconcile balance: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return escrow.ErrEscrowMissing
		}

		if updated.WorkerID != nil {
			credit := `
				INSERT INTO worker_stats (worker_id, completed_payments, total_commission, total_processed, last_payment_at)
				VALUES ($1, 1, $2, $3, NOW())
				ON CONFLICT (worker_id) DO UPDATE SET
					completed_payments = worker_stats.completed_payments + 1,
					total_commission = worker_stats.total_commission + EXCLUDED.total_commission,
					total_processed = worker_stats.total_processed + EXCLUDED.total_processed,
					last_payment_at = NOW()
			`
			if _, err := dbTx.Exec(ctx, credit, *updated.WorkerID, commissionFiat, fiatAmount); err != nil {
				return fmt.Errorf("credit worker stats: %w", err)
			}
		}

		result = TransitionResult{Applied: true, Transaction: *updated}
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return result, nil
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id int64) (*domain.Transaction, error) {
	return findTransaction(ctx, r.db, id)
}

func (r *PostgresRepository) ListStalePayments(ctx context.Context, statuses []domain.TransactionStatus, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE kind = 'payment' AND status = ANY($1::text[]) AND updated_at < $2
		ORDER BY id
		LIMIT $3
	`
	return r.queryTransactions(ctx, query, statusStrings(statuses), updatedBefore, limit)
}

func (r *PostgresRepository) ListTransactionsByUser(ctx context.Context, userID int64, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1 ORDER BY id DESC LIMIT $2`
	return r.queryTransactions(ctx, query, userID, limit)
}

func (r *PostgresRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}
