package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/cryptopay/escrow-service/internal/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type depositPayload struct {
	TransactionID int64  `json:"transaction_id"`
	AmountSOL     string `json:"amount_sol"`
	Reference     string `json:"reference,omitempty"`
	Test          bool   `json:"test,omitempty"`
}

// Deposit credits an on-chain deposit reported by the wallet watcher. The event signature is
// the idempotency reference, so redelivery credits once.
func (s *Service) Deposit(ctx context.Context, event domain.DepositEvent) (*domain.Transaction, error) {
	reference := strings.TrimSpace(event.Signature)
	if reference == "" {
		reference = strings.TrimSpace(event.EventID)
	}
	if reference == "" {
		return nil, fmt.Errorf("deposit for user %d has no reference", event.UserID)
	}
	currency := event.Currency
	if currency == "" {
		currency = s.settings.Currency
	}

	tx, duplicate, err := s.repo.RecordDeposit(ctx, store.DepositParams{
		UserID:    event.UserID,
		Currency:  currency,
		Amount:    event.Amount,
		Kind:      domain.KindDeposit,
		Reference: "deposit:" + reference,
	})
	if err != nil {
		return nil, err
	}
	entry := s.log.WithFields(logrus.Fields{"tx_id": tx.ID, "user_id": tx.UserID, "reference": reference})
	if duplicate {
		entry.Info("deposit already credited")
		return tx, nil
	}
	entry.WithField("amount_sol", escrow.SOL(tx.Amount)).Info("deposit credited")
	s.notify(ctx, tx.UserID, domain.EventDepositCredited, depositPayload{
		TransactionID: tx.ID,
		AmountSOL:     escrow.SOL(tx.Amount),
		Reference:     reference,
	})
	return tx, nil
}

// TestDeposit credits play money while test mode is on.
func (s *Service) TestDeposit(ctx context.Context, actor domain.Actor, amount int64) (*domain.Transaction, error) {
	if !s.settings.TestMode || !actor.Can(domain.CapTestDeposits) {
		return nil, escrow.ErrTestModeDisabled
	}
	tx, _, err := s.repo.RecordDeposit(ctx, store.DepositParams{
		UserID:    actor.UserID,
		Currency:  s.settings.Currency,
		Amount:    amount,
		Kind:      domain.KindTestDeposit,
		Reference: "test:" + uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"tx_id": tx.ID, "user_id": actor.UserID, "amount_sol": escrow.SOL(amount)}).Info("test deposit credited")
	return tx, nil
}

// ResetTestBalance removes the caller's test deposits and returns how much was debited.
func (s *Service) ResetTestBalance(ctx context.Context, actor domain.Actor) (int64, error) {
	if !s.settings.TestMode || !actor.Can(domain.CapTestDeposits) {
		return 0, escrow.ErrTestModeDisabled
	}
	debited, err := s.repo.ResetTestBalance(ctx, actor.UserID, s.settings.Currency)
	if err != nil {
		return 0, fmt.Errorf("reset test balance: %w", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": actor.UserID, "debited_sol": escrow.SOL(debited)}).Info("test balance reset")
	return debited, nil
}

// GetBalance returns the caller's ledger row.
func (s *Service) GetBalance(ctx context.Context, actor domain.Actor) (domain.Balance, error) {
	return s.repo.GetBalance(ctx, actor.UserID, s.settings.Currency)
}

// ListTransactions returns the caller's most recent transactions.
func (s *Service) ListTransactions(ctx context.Context, actor domain.Actor, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListTransactionsByUser(ctx, actor.UserID, limit)
}

// WorkerStats returns the commission totals of the calling worker.
func (s *Service) WorkerStats(ctx context.Context, actor domain.Actor) (*domain.WorkerStats, error) {
	if !actor.Can(domain.CapClaimPayments) {
		return nil, escrow.ErrForbidden
	}
	return s.repo.GetWorkerStats(ctx, actor.UserID)
}

// TopWorkers ranks workers by completed payments.
func (s *Service) TopWorkers(ctx context.Context, limit int) ([]domain.WorkerStats, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	return s.repo.ListTopWorkers(ctx, limit)
}

// DepositConsumer credits deposit events delivered over RabbitMQ.
type DepositConsumer struct {
	service *Service
	log     logrus.FieldLogger
}

func NewDepositConsumer(service *Service, logger logrus.FieldLogger) *DepositConsumer {
	if logger == nil {
		logger = logrus.New()
	}
	return &DepositConsumer{service: service, log: logger.WithField("component", "deposit_consumer")}
}

// HandleMessage returns true to ack. Malformed events are acked and dropped; store faults
// are requeued.
func (c *DepositConsumer) HandleMessage(body []byte) bool {
	var event domain.DepositEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.WithError(err).Warn("failed to unmarshal deposit event")
		return true
	}
	if event.UserID == 0 || event.Amount <= 0 || (event.Signature == "" && event.EventID == "") {
		c.log.WithFields(logrus.Fields{"event_id": event.EventID, "user_id": event.UserID, "amount": event.Amount}).Warn("deposit event incomplete; acknowledging")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := c.service.Deposit(ctx, event); err != nil {
		if escrow.IsRefusal(err) {
			c.log.WithField("event_id", event.EventID).WithError(err).Warn("deposit refused; acknowledging")
			return true
		}
		c.log.WithField("event_id", event.EventID).WithError(err).Error("deposit processing failed")
		return false
	}
	return true
}
