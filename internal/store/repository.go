/**
 * @description
 * Contracts for all persistence the escrow-service needs. Ledger is the only path that may
 * change balances; every other operation that moves money does so through a Ledger-style
 * guarded update inside its own database transaction.
 *
 * Two implementations exist: PostgresRepository (production) and MemoryRepository (local
 * development and concurrency tests). Both honour the same guard semantics.
 *
 * @dependencies
 * - internal/domain: persisted models.
 * - internal/escrow: transition rules and sentinel errors.
 */

package store

import (
	"context"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/shopspring/decimal"
)

// Ledger owns balance mutation.
type Ledger interface {
	// Freeze moves amount from available to frozen if available covers it. false means
	// insufficient funds and nothing changed.
	Freeze(ctx context.Context, userID int64, currency string, amount int64) (bool, error)
	// Unfreeze moves the whole frozen sub-balance back to available. Idempotent.
	Unfreeze(ctx context.Context, userID int64, currency string) (bool, error)
	// Release returns exactly amount from frozen to available. false means frozen no longer covers it.
	Release(ctx context.Context, userID int64, currency string, amount int64) (bool, error)
	// Adjust changes available by delta. A debit below zero fails with escrow.ErrInsufficientFunds.
	Adjust(ctx context.Context, userID int64, currency string, delta int64) error
	GetAvailable(ctx context.Context, userID int64, currency string) (int64, error)
	GetBalance(ctx context.Context, userID int64, currency string) (domain.Balance, error)
}

// Queue is the payment dispatch queue.
type Queue interface {
	// Enqueue inserts the pending work item. A second item for the same transaction fails with
	// escrow.ErrDuplicateWorkItem.
	Enqueue(ctx context.Context, item *domain.WorkItem) error
	// Claim assigns workerID if the transaction is still pending and unassigned.
	Claim(ctx context.Context, transactionID, workerID int64) (bool, error)
	ListPending(ctx context.Context, limit int) ([]domain.WorkItem, error)
	FindWorkItemByTransactionID(ctx context.Context, transactionID int64) (*domain.WorkItem, error)
}

// Repository is everything the app layer persists.
type Repository interface {
	Ledger
	Queue

	// OpenPaymentEscrow freezes the split total, records the pending payment and enqueues its
	// work item in one database transaction.
	OpenPaymentEscrow(ctx context.Context, params OpenEscrowParams) (*domain.Transaction, *domain.WorkItem, error)
	// TransitionPayment applies rule as a single guarded update plus its money effect.
	TransitionPayment(ctx context.Context, params TransitionParams) (TransitionResult, error)
	// CompleteSettlement finishes a settling payment: clears its escrow, reconciles available
	// against the reported wallet balance and credits the worker commission ledger.
	CompleteSettlement(ctx context.Context, params SettlementParams) (TransitionResult, error)
	FindTransactionByID(ctx context.Context, id int64) (*domain.Transaction, error)
	// ListStalePayments returns payments in one of statuses last touched before updatedBefore.
	ListStalePayments(ctx context.Context, statuses []domain.TransactionStatus, updatedBefore time.Time, limit int) ([]domain.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID int64, limit int) ([]domain.Transaction, error)

	CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (*domain.WithdrawalRequest, error)
	TransitionWithdrawal(ctx context.Context, params WithdrawalTransitionParams) (WithdrawalResult, error)
	FindWithdrawalByID(ctx context.Context, id int64) (*domain.WithdrawalRequest, error)
	ListPendingWithdrawals(ctx context.Context, limit int) ([]domain.WithdrawalRequest, error)
	// ListWithdrawalsByStatus returns requests in status, oldest first. A non-zero updatedBefore
	// keeps only rows last touched before it.
	ListWithdrawalsByStatus(ctx context.Context, status domain.WithdrawalStatus, updatedBefore time.Time, limit int) ([]domain.WithdrawalRequest, error)

	// RecordDeposit credits available and logs a completed deposit. A repeated reference is a
	// no-op reported with duplicate=true.
	RecordDeposit(ctx context.Context, params DepositParams) (tx *domain.Transaction, duplicate bool, err error)
	// ResetTestBalance deletes the user's test deposits and debits their sum, clamped at zero.
	ResetTestBalance(ctx context.Context, userID int64, currency string) (int64, error)
	// ApplyPenalty debits up to amount from available and logs a penalty row. Returns what was charged.
	ApplyPenalty(ctx context.Context, params PenaltyParams) (int64, error)

	GetWorkerStats(ctx context.Context, workerID int64) (*domain.WorkerStats, error)
	ListTopWorkers(ctx context.Context, limit int) ([]domain.WorkerStats, error)

	ListRoles(ctx context.Context, userID int64) ([]domain.Role, error)
	GrantRole(ctx context.Context, userID int64, role domain.Role) error
	ListUserIDsByRole(ctx context.Context, role domain.Role) ([]int64, error)

	FindWallet(ctx context.Context, userID int64) (*domain.Wallet, error)
	// BindWallet links wallet to its user, replacing any previous binding. An address or key
	// reference already bound to another user fails with escrow.ErrWalletInUse.
	BindWallet(ctx context.Context, wallet domain.Wallet) error
}

// OpenEscrowParams describes a new payment escrow.
type OpenEscrowParams struct {
	UserID       int64
	Currency     string
	FiatCurrency string
	FiatAmount   int64
	Rate         decimal.Decimal
	Split        escrow.Split
	Descriptor   domain.PaymentDescriptor
}

// TransitionParams selects the rule and the actor its guard is evaluated against.
type TransitionParams struct {
	TransactionID int64
	Rule          escrow.Rule
	ActorID       int64
	AdminID       *int64
	ErrorMessage  *string
	// UpdatedBefore, when set, also requires the row to be untouched since that instant. A
	// timer passes its cutoff so a human action landing after the snapshot wins.
	UpdatedBefore *time.Time
}

// TransitionResult reports whether the guard matched and the row as it is after the attempt.
type TransitionResult struct {
	Applied     bool
	Transaction domain.Transaction
}

// SettlementParams finishes a payment in settling (or settlement_failed, for admin resolution).
type SettlementParams struct {
	TransactionID int64
	Rule          escrow.Rule
	// ReportedBalance is the wallet balance after payout. nil keeps the computed figure.
	ReportedBalance *int64
	AdminID         *int64
}

// CreateWithdrawalParams describes a cash-out request.
type CreateWithdrawalParams struct {
	UserID       int64
	Currency     string
	Amount       int64
	Destination  string
	Type         domain.WithdrawalType
	EarningsFiat int64
	Rate         decimal.Decimal
}

// WithdrawalTransitionParams applies rule to a withdrawal request and its linked transaction.
type WithdrawalTransitionParams struct {
	WithdrawalID int64
	Rule         escrow.WithdrawalRule
	AdminID      *int64
	TxHash       *string
	ErrorMessage *string
}

// WithdrawalResult mirrors TransitionResult for withdrawals.
type WithdrawalResult struct {
	Applied    bool
	Withdrawal domain.WithdrawalRequest
}

// DepositParams credits a deposit or test deposit.
type DepositParams struct {
	UserID    int64
	Currency  string
	Amount    int64
	Kind      domain.TransactionKind
	Reference string
}

// PenaltyParams charges a worker for an abandoned payment.
type PenaltyParams struct {
	WorkerID      int64
	Currency      string
	Amount        int64
	TransactionID int64
}
