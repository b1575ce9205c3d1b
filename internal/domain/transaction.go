/**
 * @description
 * Core domain models for the escrow-service: balances, transactions, payment work items,
 * withdrawal requests and worker commission totals. These structs map onto the tables
 * created by the store migrations and are shared by the store, app and api layers.
 *
 * @notes
 * - SOL amounts are int64 lamports (1 SOL = 1_000_000_000 lamports).
 * - Fiat amounts are int64 minor units (kopecks for RUB).
 * - Exchange rates are decimals quoted as fiat per one SOL.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL int64 = 1_000_000_000

// CurrencySOL is the only ledger currency the escrow core moves today.
const CurrencySOL = "SOL"

// TransactionKind classifies a ledger movement.
type TransactionKind string

const (
	KindPayment     TransactionKind = "payment"
	KindWithdrawal  TransactionKind = "withdrawal"
	KindDeposit     TransactionKind = "deposit"
	KindTestDeposit TransactionKind = "test_deposit"
	KindPenalty     TransactionKind = "penalty"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	StatusPending                 TransactionStatus = "pending"
	StatusInProgress              TransactionStatus = "in_progress"
	StatusWaitingUserConfirmation TransactionStatus = "waiting_user_confirmation"
	// StatusSettling marks a payment owned by the settlement executor while payout legs run.
	StatusSettling TransactionStatus = "settling"
	// StatusSettlementFailed is non-terminal: a payout leg failed and an admin must reconcile.
	StatusSettlementFailed TransactionStatus = "settlement_failed"
	StatusCompleted        TransactionStatus = "completed"
	StatusCancelled        TransactionStatus = "cancelled"
	StatusError            TransactionStatus = "error"
	StatusRejected         TransactionStatus = "rejected"
)

// IsTerminal reports whether no further transition is permitted out of s.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError, StatusRejected:
		return true
	}
	return false
}

// Balance is the per-user, per-currency ledger row.
type Balance struct {
	UserID    int64     `json:"user_id"`
	Currency  string    `json:"currency"`
	Available int64     `json:"available"`
	Frozen    int64     `json:"frozen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total is the user's whole claim on the ledger.
func (b Balance) Total() int64 {
	return b.Available + b.Frozen
}

// Transaction is one money movement attempt. Amount is signed: negative debits the user.
type Transaction struct {
	ID           int64             `json:"id"`
	UserID       int64             `json:"user_id"`
	Kind         TransactionKind   `json:"kind"`
	Currency     string            `json:"currency"`
	Amount       int64             `json:"amount"`
	FiatAmount   int64             `json:"fiat_amount"`
	FiatCurrency string            `json:"fiat_currency,omitempty"`
	Rate         decimal.Decimal   `json:"rate"`
	EscrowAmount int64             `json:"escrow_amount"`
	Status       TransactionStatus `json:"status"`
	WorkerID     *int64            `json:"worker_id,omitempty"`
	AdminID      *int64            `json:"admin_id,omitempty"`
	WithdrawalID *int64            `json:"withdrawal_id,omitempty"`
	Reference    *string           `json:"reference,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// WorkItemStatus is the dispatch state of a payment work item.
type WorkItemStatus string

const (
	WorkItemPending   WorkItemStatus = "pending"
	WorkItemCompleted WorkItemStatus = "completed"
	WorkItemError     WorkItemStatus = "error"
	WorkItemCancelled WorkItemStatus = "cancelled"
)

// PaymentDescriptor is the opaque payload the worker uses to pay the third party.
type PaymentDescriptor struct {
	QRPayload string `json:"qr_payload"`
	QRImage   []byte `json:"qr_image,omitempty"`
}

// WorkItem is a queued payment offered to the worker pool.
type WorkItem struct {
	ID                   int64             `json:"id"`
	TransactionID        int64             `json:"transaction_id"`
	Descriptor           PaymentDescriptor `json:"descriptor"`
	FiatAmount           int64             `json:"fiat_amount"`
	WorkerEarning        int64             `json:"worker_earning"`
	OperatorCommission   int64             `json:"operator_commission"`
	WorkerCommissionFiat int64             `json:"worker_commission_fiat"`
	Status               WorkItemStatus    `json:"status"`
	AssignedWorkerID     *int64            `json:"assigned_worker_id,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}

// WithdrawalType selects which sub-ledger a withdrawal draws on.
type WithdrawalType string

const (
	WithdrawalBalance  WithdrawalType = "balance"
	WithdrawalEarnings WithdrawalType = "earnings"
)

// WithdrawalStatus is the lifecycle state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending WithdrawalStatus = "pending"
	// WithdrawalProcessing marks a request whose payout is being executed.
	WithdrawalProcessing WithdrawalStatus = "processing"
	// WithdrawalPayoutUnverified parks a request whose payout outcome was never recorded. The
	// escrow stays frozen until an admin confirms the transfer or refunds it.
	WithdrawalPayoutUnverified WithdrawalStatus = "payout_unverified"
	WithdrawalCompleted        WithdrawalStatus = "completed"
	WithdrawalRejected         WithdrawalStatus = "rejected"
)

// IsTerminal reports whether the withdrawal has been resolved.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalRejected
}

// WithdrawalRequest is a user's request to cash out.
type WithdrawalRequest struct {
	ID           int64            `json:"id"`
	UserID       int64            `json:"user_id"`
	Currency     string           `json:"currency"`
	Amount       int64            `json:"amount"`
	Destination  string           `json:"destination"`
	Type         WithdrawalType   `json:"request_type"`
	EarningsFiat int64            `json:"earnings_fiat,omitempty"`
	Status       WithdrawalStatus `json:"status"`
	AdminID      *int64           `json:"admin_id,omitempty"`
	TxHash       *string          `json:"tx_hash,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// WorkerStats holds a worker's running commission totals (fiat minor units).
type WorkerStats struct {
	WorkerID          int64      `json:"worker_id"`
	CompletedPayments int64      `json:"completed_payments"`
	TotalCommission   int64      `json:"total_commission"`
	TotalProcessed    int64      `json:"total_processed"`
	LastPaymentAt     *time.Time `json:"last_payment_at,omitempty"`
}

// Wallet links a user to the on-chain address and signer key reference used for payouts.
type Wallet struct {
	UserID  int64  `json:"user_id"`
	Address string `json:"address"`
	KeyRef  string `json:"-"`
}
