package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/cryptopay/escrow-service/internal/store"
	"github.com/cryptopay/escrow-service/pkg/walletclient"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type withdrawalPayload struct {
	WithdrawalID int64                   `json:"withdrawal_id"`
	UserID       int64                   `json:"user_id"`
	Type         domain.WithdrawalType   `json:"request_type"`
	Status       domain.WithdrawalStatus `json:"status"`
	AmountSOL    string                  `json:"amount_sol"`
	EarningsFiat int64                   `json:"earnings_fiat,omitempty"`
	Destination  string                  `json:"destination"`
	TxHash       string                  `json:"tx_hash,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
}

func newWithdrawalPayload(w domain.WithdrawalRequest, reason string) withdrawalPayload {
	p := withdrawalPayload{
		WithdrawalID: w.ID,
		UserID:       w.UserID,
		Type:         w.Type,
		Status:       w.Status,
		AmountSOL:    escrow.SOL(w.Amount),
		EarningsFiat: w.EarningsFiat,
		Destination:  w.Destination,
		Reason:       reason,
	}
	if w.TxHash != nil {
		p.TxHash = *w.TxHash
	}
	return p
}

// CreateWithdrawal files a cash-out of amount lamports to destination. Balance withdrawals
// escrow the amount; earnings withdrawals debit the worker commission ledger by the fiat
// equivalent at the current rate.
func (s *Service) CreateWithdrawal(ctx context.Context, actor domain.Actor, amount int64, destination string, kind domain.WithdrawalType) (int64, error) {
	if amount <= 0 {
		return 0, escrow.ErrInvalidAmount
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return 0, fmt.Errorf("destination %w", escrow.ErrMissingWallet)
	}

	params := store.CreateWithdrawalParams{
		UserID:      actor.UserID,
		Currency:    s.settings.Currency,
		Amount:      amount,
		Destination: destination,
		Type:        kind,
	}

	rate, err := s.rates.GetRate(ctx, s.settings.Currency, s.settings.FiatCurrency)
	switch {
	case err == nil:
		params.Rate = rate
	case kind == domain.WithdrawalEarnings:
		return 0, fmt.Errorf("fetch exchange rate: %w", err)
	default:
		// The rate only annotates balance withdrawals.
		s.log.WithError(err).Warn("exchange rate unavailable; recording withdrawal without fiat equivalent")
		params.Rate = decimal.Zero
	}
	if kind == domain.WithdrawalEarnings {
		params.EarningsFiat = escrow.FiatFromLamports(amount, rate)
	}

	w, err := s.repo.CreateWithdrawal(ctx, params)
	if err != nil {
		if errors.Is(err, escrow.ErrInsufficientFunds) {
			s.metrics.Withdrawal(string(kind), "insufficient_funds")
			return 0, err
		}
		s.metrics.Withdrawal(string(kind), "error")
		return 0, fmt.Errorf("create withdrawal: %w", err)
	}
	s.metrics.Withdrawal(string(kind), "created")

	s.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"user_id":       w.UserID,
		"type":          w.Type,
		"amount_sol":    escrow.SOL(w.Amount),
	}).Info("withdrawal requested")

	payload := newWithdrawalPayload(*w, "")
	s.notify(ctx, w.UserID, domain.EventWithdrawalCreated, payload)
	s.notifyRole(ctx, domain.RoleAdmin, domain.EventWithdrawalCreated, payload)
	return w.ID, nil
}

// ResolveWithdrawal approves or rejects a pending withdrawal. Approval claims the request,
// pays out, then completes it. A payout the signer refused returns the request to pending; a
// payout whose outcome is unknown, or whose completion could not be recorded, is parked as
// payout_unverified for ReconcileWithdrawal.
func (s *Service) ResolveWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID int64, approve bool) (bool, error) {
	if !actor.Can(domain.CapResolveWithdrawal) {
		return false, escrow.ErrForbidden
	}
	adminID := int64Ptr(actor.UserID)
	entry := s.log.WithFields(logrus.Fields{"withdrawal_id": withdrawalID, "admin_id": actor.UserID})

	if !approve {
		w, err := s.transitionWithdrawal(ctx, store.WithdrawalTransitionParams{
			WithdrawalID: withdrawalID,
			Rule:         escrow.MustWithdrawalRule(escrow.WithdrawalReject),
			AdminID:      adminID,
			ErrorMessage: strPtr("rejected by admin"),
		})
		if err != nil {
			return false, err
		}
		entry.Info("withdrawal rejected")
		s.notify(ctx, w.UserID, domain.EventWithdrawalRejected, newWithdrawalPayload(*w, "rejected by admin"))
		return true, nil
	}

	w, err := s.transitionWithdrawal(ctx, store.WithdrawalTransitionParams{
		WithdrawalID: withdrawalID,
		Rule:         escrow.MustWithdrawalRule(escrow.WithdrawalClaim),
		AdminID:      adminID,
	})
	if err != nil {
		return false, err
	}

	txHash, uncertain, payErr := s.payoutWithdrawal(ctx, *w)
	if payErr != nil {
		entry.WithError(payErr).Error("withdrawal payout failed")
		detail := payErr.Error()
		if uncertain {
			s.parkWithdrawal(ctx, *w, "", "payout outcome unknown: "+detail)
			return false, fmt.Errorf("%w: %s", escrow.ErrPayoutUnverified, detail)
		}
		if _, err := s.transitionWithdrawal(ctx, store.WithdrawalTransitionParams{
			WithdrawalID: withdrawalID,
			Rule:         escrow.MustWithdrawalRule(escrow.WithdrawalRelease),
			ErrorMessage: strPtr(detail),
		}); err != nil {
			entry.WithError(err).Error("return withdrawal to pending failed")
		}
		return false, fmt.Errorf("%w: %s", escrow.ErrExternalTransferFailed, detail)
	}

	done, err := s.transitionWithdrawal(ctx, store.WithdrawalTransitionParams{
		WithdrawalID: withdrawalID,
		Rule:         escrow.MustWithdrawalRule(escrow.WithdrawalComplete),
		AdminID:      adminID,
		TxHash:       strPtr(txHash),
	})
	if err != nil {
		entry.WithField("tx_hash", txHash).WithError(err).Error("withdrawal paid but completion not recorded")
		s.parkWithdrawal(ctx, *w, txHash, "paid but completion not recorded: "+err.Error())
		return false, fmt.Errorf("%w: %v", escrow.ErrPayoutUnverified, err)
	}
	entry.WithField("tx_hash", txHash).Info("withdrawal completed")
	s.notify(ctx, done.UserID, domain.EventWithdrawalCompleted, newWithdrawalPayload(*done, ""))
	return true, nil
}

func (s *Service) transitionWithdrawal(ctx context.Context, params store.WithdrawalTransitionParams) (*domain.WithdrawalRequest, error) {
	res, err := s.repo.TransitionWithdrawal(ctx, params)
	if err != nil {
		s.metrics.Withdrawal(string(params.Rule.Event), "error")
		return nil, fmt.Errorf("%s withdrawal: %w", params.Rule.Event, err)
	}
	if !res.Applied {
		refusal := params.Rule.Refusal(res.Withdrawal)
		s.metrics.Withdrawal(string(params.Rule.Event), escrow.ReasonCode(refusal))
		return nil, refusal
	}
	s.metrics.Withdrawal(string(params.Rule.Event), "applied")
	return &res.Withdrawal, nil
}

// parkWithdrawal moves a processing request to payout_unverified and tells the admins. The
// escrow stays frozen.
func (s *Service) parkWithdrawal(ctx context.Context, w domain.WithdrawalRequest, txHash, reason string) bool {
	params := store.WithdrawalTransitionParams{
		WithdrawalID: w.ID,
		Rule:         escrow.MustWithdrawalRule(escrow.WithdrawalPark),
		ErrorMessage: strPtr(reason),
	}
	if txHash != "" {
		params.TxHash = strPtr(txHash)
	}
	parked, err := s.transitionWithdrawal(ctx, params)
	if err != nil {
		if !escrow.IsRefusal(err) {
			s.log.WithField("withdrawal_id", w.ID).WithError(err).Error("park withdrawal failed")
		}
		return false
	}
	s.log.WithFields(logrus.Fields{"withdrawal_id": w.ID, "tx_hash": txHash, "reason": reason}).Warn("withdrawal payout parked for reconciliation")
	s.notifyRole(ctx, domain.RoleAdmin, domain.EventWithdrawalUnverified, newWithdrawalPayload(*parked, reason))
	return true
}

// ReconcileWithdrawal settles a parked payout by hand. paid records txHash and consumes the
// escrow; otherwise the escrow is refunded to the user.
func (s *Service) ReconcileWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID int64, paid bool, txHash string) (bool, error) {
	if !actor.Can(domain.CapResolveWithdrawal) {
		return false, escrow.ErrForbidden
	}
	params := store.WithdrawalTransitionParams{WithdrawalID: withdrawalID, AdminID: int64Ptr(actor.UserID)}
	event := domain.EventWithdrawalRejected
	if paid {
		txHash = strings.TrimSpace(txHash)
		if txHash == "" {
			return false, fmt.Errorf("transaction hash required: %w", escrow.ErrInvalidTransition)
		}
		params.Rule = escrow.MustWithdrawalRule(escrow.WithdrawalConfirmPaid)
		params.TxHash = strPtr(txHash)
		event = domain.EventWithdrawalCompleted
	} else {
		params.Rule = escrow.MustWithdrawalRule(escrow.WithdrawalRefund)
		params.ErrorMessage = strPtr("payout not found on chain; refunded by admin")
	}

	w, err := s.transitionWithdrawal(ctx, params)
	if err != nil {
		return false, err
	}
	s.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"admin_id":      actor.UserID,
		"paid":          paid,
		"tx_hash":       txHash,
	}).Info("unverified withdrawal reconciled")
	s.notify(ctx, w.UserID, event, newWithdrawalPayload(*w, ""))
	return true, nil
}

// ListUnverifiedWithdrawals returns payouts waiting for ReconcileWithdrawal.
func (s *Service) ListUnverifiedWithdrawals(ctx context.Context, actor domain.Actor, limit int) ([]domain.WithdrawalRequest, error) {
	if !actor.Can(domain.CapResolveWithdrawal) {
		return nil, escrow.ErrForbidden
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListWithdrawalsByStatus(ctx, domain.WithdrawalPayoutUnverified, time.Time{}, limit)
}

// recoverInterruptedWithdrawals parks requests left in processing since before, e.g. by a crash
// between claim and completion.
func (s *Service) recoverInterruptedWithdrawals(ctx context.Context, before time.Time) (int, error) {
	stuck, err := s.repo.ListWithdrawalsByStatus(ctx, domain.WithdrawalProcessing, before, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list interrupted withdrawals: %w", err)
	}
	parked := 0
	for _, w := range stuck {
		if s.parkWithdrawal(ctx, w, "", "payout interrupted; verify on chain") {
			parked++
		}
	}
	return parked, nil
}

// payoutWithdrawal sends balance withdrawals from the user's wallet and earnings withdrawals
// from the operator wallet. uncertain reports an error from the send itself, after which the
// transfer may still have reached the chain.
func (s *Service) payoutWithdrawal(ctx context.Context, w domain.WithdrawalRequest) (txHash string, uncertain bool, err error) {
	if s.wallet == nil {
		return "", false, errors.New("wallet service not configured")
	}
	var from string
	switch w.Type {
	case domain.WithdrawalBalance:
		wallet, err := s.repo.FindWallet(ctx, w.UserID)
		if err != nil {
			return "", false, err
		}
		from = wallet.KeyRef
	case domain.WithdrawalEarnings:
		if s.settings.OperatorKeyRef == "" {
			return "", false, fmt.Errorf("operator %w", escrow.ErrMissingWallet)
		}
		from = s.settings.OperatorKeyRef
	default:
		return "", false, store.ErrInvalidWithdrawalType
	}

	result, err := s.wallet.Send(ctx, from, w.Destination, w.Amount)
	if err != nil {
		return "", !errors.Is(err, walletclient.ErrCircuitOpen), err
	}
	if !result.Success {
		return "", false, errors.New(strings.TrimSpace("transfer refused: " + result.Error))
	}
	return result.TxHash, false, nil
}

// ListPendingWithdrawals returns the admin review queue.
func (s *Service) ListPendingWithdrawals(ctx context.Context, actor domain.Actor, limit int) ([]domain.WithdrawalRequest, error) {
	if !actor.Can(domain.CapResolveWithdrawal) {
		return nil, escrow.ErrForbidden
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListPendingWithdrawals(ctx, limit)
}
