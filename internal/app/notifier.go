package app

import (
	"context"
	"errors"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/cryptopay/escrow-service/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NotificationRoutingPrefix prefixes the event name in the routing key of every notification.
const NotificationRoutingPrefix = "notify."

// EventNotifier publishes notifications to a topic exchange for the bot and web front-ends.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	now       func() time.Time
}

// NewEventNotifier creates a notifier publishing on exchange.
func NewEventNotifier(publisher rabbitmq.Publisher, exchange string) *EventNotifier {
	return &EventNotifier{publisher: publisher, exchange: exchange, now: time.Now}
}

// Notify publishes one envelope routed as notify.<event>.
func (n *EventNotifier) Notify(ctx context.Context, recipientID int64, event string, payload interface{}) error {
	if n == nil || n.publisher == nil {
		return nil
	}
	msg := domain.Notification{
		EventID:     uuid.NewString(),
		Event:       event,
		RecipientID: recipientID,
		Payload:     payload,
		OccurredAt:  n.now().UTC(),
	}
	return n.publisher.Publish(ctx, n.exchange, NotificationRoutingPrefix+event, msg)
}

type dispatchPayload struct {
	TransactionID    int64  `json:"transaction_id"`
	WorkItemID       int64  `json:"work_item_id"`
	FiatAmount       int64  `json:"fiat_amount"`
	FiatCurrency     string `json:"fiat_currency"`
	WorkerEarningSOL string `json:"worker_earning_sol"`
	QRPayload        string `json:"qr_payload"`
}

// dispatch offers a freshly opened work item to every worker with a payout wallet. Push is
// best effort; the queue stays pull-safe through ListPending and Claim.
func (s *Service) dispatch(ctx context.Context, tx domain.Transaction, item domain.WorkItem) {
	workers, err := s.repo.ListUserIDsByRole(ctx, domain.RoleWorker)
	if err != nil {
		s.log.WithField("tx_id", tx.ID).WithError(err).Warn("list workers for dispatch failed")
		return
	}

	payload := dispatchPayload{
		TransactionID:    tx.ID,
		WorkItemID:       item.ID,
		FiatAmount:       item.FiatAmount,
		FiatCurrency:     tx.FiatCurrency,
		WorkerEarningSOL: escrow.SOL(item.WorkerEarning),
		QRPayload:        item.Descriptor.QRPayload,
	}

	offered := 0
	for _, workerID := range workers {
		if workerID == tx.UserID {
			continue
		}
		if _, err := s.repo.FindWallet(ctx, workerID); err != nil {
			if !errors.Is(err, escrow.ErrMissingWallet) {
				s.log.WithField("worker_id", workerID).WithError(err).Warn("wallet lookup failed during dispatch")
			}
			continue
		}
		s.notify(ctx, workerID, domain.EventPaymentCreated, payload)
		offered++
	}
	s.log.WithFields(logrus.Fields{"tx_id": tx.ID, "workers": offered}).Info("payment dispatched")
}
