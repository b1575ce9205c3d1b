package domain

import "time"

// DepositEvent is emitted by the wallet watcher when an on-chain deposit lands on a user wallet.
type DepositEvent struct {
	EventID    string    `json:"event_id"`
	UserID     int64     `json:"user_id"`
	Address    string    `json:"address"`
	Currency   string    `json:"currency"`
	Amount     int64     `json:"amount"`
	Signature  string    `json:"signature"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notification event names published to recipients.
const (
	EventPaymentCreated       = "payment.created"
	EventPaymentClaimed       = "payment.claimed"
	EventPaymentAwaitingUser  = "payment.awaiting_user"
	EventPaymentCompleted     = "payment.completed"
	EventPaymentRejected      = "payment.rejected"
	EventPaymentCancelled     = "payment.cancelled"
	EventPaymentError         = "payment.error"
	EventPaymentTimeout       = "payment.timeout"
	EventSettlementFailed     = "payment.settlement_failed"
	EventWithdrawalCreated    = "withdrawal.created"
	EventWithdrawalCompleted  = "withdrawal.completed"
	EventWithdrawalRejected   = "withdrawal.rejected"
	EventWithdrawalUnverified = "withdrawal.payout_unverified"
	EventDepositCredited      = "deposit.credited"
	EventPenaltyCharged       = "worker.penalty"
)

// Notification is the envelope published for every notify call.
type Notification struct {
	EventID     string      `json:"event_id"`
	Event       string      `json:"event"`
	RecipientID int64       `json:"recipient_id"`
	Payload     interface{} `json:"payload"`
	OccurredAt  time.Time   `json:"occurred_at"`
}
