package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/cryptopay/escrow-service/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const workerActionScope = "worker_action"

// OpenPaymentRequest asks to escrow funds for one third-party payment.
type OpenPaymentRequest struct {
	// FiatAmount is in minor units of the configured fiat currency.
	FiatAmount int64
	// Rate overrides the rate service when positive (fiat per SOL).
	Rate       decimal.Decimal
	Descriptor domain.PaymentDescriptor
}

// PaymentEscrow is the result of a successfully opened escrow.
type PaymentEscrow struct {
	Transaction domain.Transaction `json:"transaction"`
	WorkItem    domain.WorkItem    `json:"work_item"`
	Split       escrow.Split       `json:"split"`
}

// paymentPayload is what recipients of payment notifications receive.
type paymentPayload struct {
	TransactionID int64                    `json:"transaction_id"`
	UserID        int64                    `json:"user_id"`
	WorkerID      *int64                   `json:"worker_id,omitempty"`
	Status        domain.TransactionStatus `json:"status"`
	AmountSOL     string                   `json:"amount_sol"`
	FiatAmount    int64                    `json:"fiat_amount"`
	FiatCurrency  string                   `json:"fiat_currency,omitempty"`
	Reason        string                   `json:"reason,omitempty"`
}

func newPaymentPayload(tx domain.Transaction, reason string) paymentPayload {
	fiat := tx.FiatAmount
	if fiat < 0 {
		fiat = -fiat
	}
	return paymentPayload{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		WorkerID:      tx.WorkerID,
		Status:        tx.Status,
		AmountSOL:     escrow.SOL(tx.EscrowAmount),
		FiatAmount:    fiat,
		FiatCurrency:  tx.FiatCurrency,
		Reason:        reason,
	}
}

// OpenPaymentEscrow freezes the payment total with markup, records the pending payment and
// enqueues its work item, then offers it to the worker pool.
func (s *Service) OpenPaymentEscrow(ctx context.Context, actor domain.Actor, req OpenPaymentRequest) (*PaymentEscrow, error) {
	if req.FiatAmount <= 0 {
		return nil, escrow.ErrInvalidAmount
	}
	if req.FiatAmount < s.settings.MinPaymentFiat || (s.settings.MaxPaymentFiat > 0 && req.FiatAmount > s.settings.MaxPaymentFiat) {
		return nil, fmt.Errorf("%w: %d not within [%d, %d]", escrow.ErrAmountOutOfRange, req.FiatAmount, s.settings.MinPaymentFiat, s.settings.MaxPaymentFiat)
	}

	rate := req.Rate
	if !rate.IsPositive() {
		fetched, err := s.rates.GetRate(ctx, s.settings.Currency, s.settings.FiatCurrency)
		if err != nil {
			return nil, fmt.Errorf("fetch exchange rate: %w", err)
		}
		rate = fetched
	}

	split, err := escrow.ComputeSplit(req.FiatAmount, rate, s.settings.MarkupPercent, s.settings.WorkerPercent)
	if err != nil {
		return nil, err
	}

	tx, item, err := s.repo.OpenPaymentEscrow(ctx, store.OpenEscrowParams{
		UserID:       actor.UserID,
		Currency:     s.settings.Currency,
		FiatCurrency: s.settings.FiatCurrency,
		FiatAmount:   req.FiatAmount,
		Rate:         rate,
		Split:        split,
		Descriptor:   req.Descriptor,
	})
	if err != nil {
		if errors.Is(err, escrow.ErrInsufficientFunds) {
			s.metrics.Freeze("insufficient_funds")
			return nil, err
		}
		if errors.Is(err, escrow.ErrDuplicateWorkItem) {
			s.log.WithField("user_id", actor.UserID).WithError(err).Error("duplicate work item on fresh escrow")
		}
		s.metrics.Freeze("error")
		return nil, fmt.Errorf("open payment escrow: %w", err)
	}
	s.metrics.Freeze("ok")

	s.log.WithFields(logrus.Fields{
		"tx_id":       tx.ID,
		"user_id":     tx.UserID,
		"escrow_sol":  escrow.SOL(split.Total),
		"fiat_amount": req.FiatAmount,
		"rate":        rate.String(),
	}).Info("payment escrow opened")

	s.dispatch(ctx, *tx, *item)
	return &PaymentEscrow{Transaction: *tx, WorkItem: *item, Split: split}, nil
}

// ClaimPayment assigns a pending payment to the calling worker. Exactly one concurrent
// claimer wins; the rest get ErrAlreadyClaimed.
func (s *Service) ClaimPayment(ctx context.Context, actor domain.Actor, txID int64) (bool, error) {
	if err := s.limitWorkerAction(ctx, actor); err != nil {
		return false, err
	}
	tx, err := s.transition(ctx, actor, txID, escrow.EventClaim, transitionOptions{})
	if err != nil {
		return false, err
	}
	s.notify(ctx, tx.UserID, domain.EventPaymentClaimed, newPaymentPayload(*tx, ""))
	return true, nil
}

// WorkerConfirm records that the assigned worker made the fiat payment.
func (s *Service) WorkerConfirm(ctx context.Context, actor domain.Actor, txID int64) (bool, error) {
	if err := s.limitWorkerAction(ctx, actor); err != nil {
		return false, err
	}
	tx, err := s.transition(ctx, actor, txID, escrow.EventWorkerConfirm, transitionOptions{})
	if err != nil {
		return false, err
	}
	s.notify(ctx, tx.UserID, domain.EventPaymentAwaitingUser, newPaymentPayload(*tx, ""))
	return true, nil
}

// WorkerReportError fails a claimed payment and releases its escrow.
func (s *Service) WorkerReportError(ctx context.Context, actor domain.Actor, txID int64, reason string) (bool, error) {
	if err := s.limitWorkerAction(ctx, actor); err != nil {
		return false, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "reported by worker"
	}
	tx, err := s.transition(ctx, actor, txID, escrow.EventWorkerError, transitionOptions{errorMessage: reason})
	if err != nil {
		return false, err
	}
	s.notify(ctx, tx.UserID, domain.EventPaymentError, newPaymentPayload(*tx, reason))
	return true, nil
}

// UserReject disputes the worker's confirmation and releases the escrow.
func (s *Service) UserReject(ctx context.Context, actor domain.Actor, txID int64) (bool, error) {
	tx, err := s.transition(ctx, actor, txID, escrow.EventUserReject, transitionOptions{errorMessage: "rejected by user"})
	if err != nil {
		return false, err
	}
	payload := newPaymentPayload(*tx, "rejected by user")
	if tx.WorkerID != nil {
		s.notify(ctx, *tx.WorkerID, domain.EventPaymentRejected, payload)
	}
	s.notifyRole(ctx, domain.RoleAdmin, domain.EventPaymentRejected, payload)
	return true, nil
}

// AdminCancel cancels a payment nobody has claimed yet.
func (s *Service) AdminCancel(ctx context.Context, actor domain.Actor, txID int64) (bool, error) {
	tx, err := s.transition(ctx, actor, txID, escrow.EventAdminCancel, transitionOptions{admin: true, errorMessage: "cancelled by admin"})
	if err != nil {
		return false, err
	}
	s.notify(ctx, tx.UserID, domain.EventPaymentCancelled, newPaymentPayload(*tx, "cancelled by admin"))
	return true, nil
}

type transitionOptions struct {
	admin        bool
	errorMessage string
}

// transition checks capability and participation, then applies the guarded update. A guard
// miss re-reads the row and classifies the refusal without mutating anything.
func (s *Service) transition(ctx context.Context, actor domain.Actor, txID int64, event escrow.Event, opts transitionOptions) (*domain.Transaction, error) {
	rule := escrow.MustPaymentRule(event)
	entry := s.log.WithFields(logrus.Fields{"tx_id": txID, "event": event, "actor_id": actor.UserID})

	current, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if current.Kind != domain.KindPayment {
		s.metrics.Transition(string(event), "invalid_transition")
		return nil, escrow.ErrInvalidTransition
	}
	if err := rule.Permits(*current, actor); err != nil {
		s.metrics.Transition(string(event), escrow.ReasonCode(err))
		entry.WithField("reason", escrow.ReasonCode(err)).Info("transition refused")
		return nil, err
	}

	params := store.TransitionParams{TransactionID: txID, Rule: rule, ActorID: actor.UserID}
	if opts.admin {
		params.AdminID = int64Ptr(actor.UserID)
	}
	if opts.errorMessage != "" {
		params.ErrorMessage = strPtr(opts.errorMessage)
	}

	res, err := s.repo.TransitionPayment(ctx, params)
	if err != nil {
		s.metrics.Transition(string(event), "error")
		entry.WithError(err).Error("transition failed")
		return nil, fmt.Errorf("%s transition: %w", event, err)
	}
	if !res.Applied {
		refusal := rule.Refusal(res.Transaction, actor.UserID)
		s.metrics.Transition(string(event), escrow.ReasonCode(refusal))
		entry.WithFields(logrus.Fields{"status": res.Transaction.Status, "reason": escrow.ReasonCode(refusal)}).Info("transition refused")
		return nil, refusal
	}

	s.metrics.Transition(string(event), "applied")
	entry.WithField("status", res.Transaction.Status).Info("transition applied")
	return &res.Transaction, nil
}

func (s *Service) limitWorkerAction(ctx context.Context, actor domain.Actor) error {
	if s.limiter == nil || s.settings.WorkerActionsPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, workerActionScope, strconv.FormatInt(actor.UserID, 10), s.settings.WorkerActionsPerMinute, time.Minute)
	if err != nil {
		// Fail open while the limiter is unreachable.
		s.log.WithField("actor_id", actor.UserID).WithError(err).Warn("rate limiter unavailable; allowing action")
		return nil
	}
	if count > s.settings.WorkerActionsPerMinute {
		return fmt.Errorf("%w: retry after %ds", escrow.ErrRateLimited, retryAfter)
	}
	return nil
}

// ListPendingPayments returns claimable work items for workers pulling the queue.
func (s *Service) ListPendingPayments(ctx context.Context, actor domain.Actor, limit int) ([]domain.WorkItem, error) {
	if !actor.Can(domain.CapViewQueue) {
		return nil, escrow.ErrForbidden
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListPending(ctx, limit)
}

// GetPayment returns a payment to its user, its worker or an admin.
func (s *Service) GetPayment(ctx context.Context, actor domain.Actor, txID int64) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	isWorker := tx.WorkerID != nil && *tx.WorkerID == actor.UserID
	if tx.UserID != actor.UserID && !isWorker && !actor.HasRole(domain.RoleAdmin) {
		return nil, escrow.ErrNotParticipant
	}
	return tx, nil
}
