package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/cryptopay/escrow-service/internal/store"
	"github.com/sirupsen/logrus"
)

type payoutLeg struct {
	name     string
	to       string
	lamports int64
}

type legOutcome struct {
	leg    payoutLeg
	txHash string
	err    error
}

// UserConfirm accepts the worker's payment and settles: the transaction moves to settling
// under its guard, the payout legs run outside any database transaction, then the ledger is
// reconciled against the wallet balance.
func (s *Service) UserConfirm(ctx context.Context, actor domain.Actor, txID int64) (bool, error) {
	current, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		return false, err
	}
	// Wallets are checked before leaving waiting_user_confirmation so a missing address
	// never strands the payment in settling.
	if current.UserID == actor.UserID && current.Status == domain.StatusWaitingUserConfirmation {
		if _, _, err := s.settlementWallets(ctx, *current); err != nil {
			return false, err
		}
	}

	tx, err := s.transition(ctx, actor, txID, escrow.EventUserConfirm, transitionOptions{})
	if err != nil {
		return false, err
	}
	return s.settle(ctx, *tx)
}

func (s *Service) settlementWallets(ctx context.Context, tx domain.Transaction) (user *domain.Wallet, worker *domain.Wallet, err error) {
	if s.settings.OperatorAddress == "" {
		return nil, nil, fmt.Errorf("operator %w", escrow.ErrMissingWallet)
	}
	user, err = s.repo.FindWallet(ctx, tx.UserID)
	if err != nil {
		return nil, nil, err
	}
	if tx.WorkerID == nil {
		return nil, nil, escrow.ErrInvalidTransition
	}
	worker, err = s.repo.FindWallet(ctx, *tx.WorkerID)
	if err != nil {
		return nil, nil, err
	}
	return user, worker, nil
}

// settle runs the payout legs for a transaction in settling. A failing leg stops the payout,
// parks the transaction in settlement_failed and keeps the escrow frozen for an admin.
func (s *Service) settle(ctx context.Context, tx domain.Transaction) (bool, error) {
	entry := s.log.WithFields(logrus.Fields{"tx_id": tx.ID, "user_id": tx.UserID, "worker_id": tx.WorkerID})

	item, err := s.repo.FindWorkItemByTransactionID(ctx, tx.ID)
	if err != nil {
		return false, s.failSettlement(ctx, tx, fmt.Sprintf("load work item: %v", err))
	}
	userWallet, workerWallet, err := s.settlementWallets(ctx, tx)
	if err != nil {
		return false, s.failSettlement(ctx, tx, fmt.Sprintf("load wallets: %v", err))
	}

	legs := []payoutLeg{
		{name: "operator", to: s.settings.OperatorAddress, lamports: item.OperatorCommission},
		{name: "worker", to: workerWallet.Address, lamports: item.WorkerEarning},
	}

	var outcomes []legOutcome
	for _, leg := range legs {
		if leg.lamports <= 0 {
			continue
		}
		outcome := s.sendLeg(ctx, userWallet.KeyRef, leg)
		outcomes = append(outcomes, outcome)
		if outcome.err != nil {
			entry.WithFields(logrus.Fields{"leg": leg.name, "lamports": leg.lamports}).WithError(outcome.err).Error("settlement leg failed")
			break
		}
		entry.WithFields(logrus.Fields{"leg": leg.name, "tx_hash": outcome.txHash}).Info("settlement leg sent")
	}

	if n := len(outcomes); n > 0 && outcomes[n-1].err != nil {
		return false, s.failSettlement(ctx, tx, describeLegs(outcomes, legs))
	}

	var reported *int64
	if s.wallet != nil {
		balance, err := s.wallet.GetBalance(ctx, userWallet.Address)
		if err != nil {
			entry.WithError(err).Warn("post-settlement balance unavailable; keeping computed ledger figure")
		} else {
			reported = &balance
		}
	}

	res, err := s.repo.CompleteSettlement(ctx, store.SettlementParams{
		TransactionID:   tx.ID,
		Rule:            escrow.MustPaymentRule(escrow.EventSettle),
		ReportedBalance: reported,
	})
	if err != nil {
		s.metrics.Transition(string(escrow.EventSettle), "error")
		entry.WithError(err).Error("complete settlement failed after payout")
		return false, fmt.Errorf("complete settlement: %w", err)
	}
	if !res.Applied {
		refusal := escrow.MustPaymentRule(escrow.EventSettle).Refusal(res.Transaction, 0)
		s.metrics.Transition(string(escrow.EventSettle), escrow.ReasonCode(refusal))
		entry.WithField("status", res.Transaction.Status).Warn("settlement guard refused after payout")
		return false, refusal
	}
	s.metrics.Transition(string(escrow.EventSettle), "applied")

	entry.WithFields(logrus.Fields{
		"operator_sol": escrow.SOL(item.OperatorCommission),
		"worker_sol":   escrow.SOL(item.WorkerEarning),
		"reconciled":   reported != nil,
	}).Info("payment settled")

	payload := newPaymentPayload(res.Transaction, "")
	s.notify(ctx, res.Transaction.UserID, domain.EventPaymentCompleted, payload)
	if res.Transaction.WorkerID != nil {
		s.notify(ctx, *res.Transaction.WorkerID, domain.EventPaymentCompleted, payload)
	}
	return true, nil
}

func (s *Service) sendLeg(ctx context.Context, fromKeyRef string, leg payoutLeg) legOutcome {
	if s.wallet == nil {
		s.metrics.SettlementLeg(leg.name, "failed")
		return legOutcome{leg: leg, err: errors.New("wallet service not configured")}
	}
	result, err := s.wallet.Send(ctx, fromKeyRef, leg.to, leg.lamports)
	if err == nil && !result.Success {
		err = errors.New(strings.TrimSpace("transfer refused: " + result.Error))
	}
	if err != nil {
		s.metrics.SettlementLeg(leg.name, "failed")
		return legOutcome{leg: leg, err: err}
	}
	s.metrics.SettlementLeg(leg.name, "success")
	return legOutcome{leg: leg, txHash: result.TxHash}
}

func describeLegs(outcomes []legOutcome, legs []payoutLeg) string {
	parts := make([]string, 0, len(legs))
	done := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		done[o.leg.name] = true
		if o.err != nil {
			parts = append(parts, fmt.Sprintf("%s leg failed: %v", o.leg.name, o.err))
		} else {
			parts = append(parts, fmt.Sprintf("%s leg sent %s", o.leg.name, o.txHash))
		}
	}
	for _, leg := range legs {
		if !done[leg.name] && leg.lamports > 0 {
			parts = append(parts, leg.name+" leg not attempted")
		}
	}
	return strings.Join(parts, "; ")
}

// failSettlement parks a settling payment for manual reconciliation and returns the refusal.
func (s *Service) failSettlement(ctx context.Context, tx domain.Transaction, detail string) error {
	res, err := s.repo.TransitionPayment(ctx, store.TransitionParams{
		TransactionID: tx.ID,
		Rule:          escrow.MustPaymentRule(escrow.EventSettleFailed),
		ErrorMessage:  strPtr(detail),
	})
	if err != nil {
		s.metrics.Transition(string(escrow.EventSettleFailed), "error")
		return fmt.Errorf("record settlement failure (%s): %w", detail, err)
	}
	s.metrics.Transition(string(escrow.EventSettleFailed), outcomeLabel(res.Applied))
	if !res.Applied {
		s.log.WithFields(logrus.Fields{"tx_id": tx.ID, "detail": detail, "status": res.Transaction.Status}).Warn("settlement failure not recorded; payment already moved on")
		return escrow.MustPaymentRule(escrow.EventSettleFailed).Refusal(res.Transaction, 0)
	}
	s.log.WithFields(logrus.Fields{"tx_id": tx.ID, "detail": detail}).Error("settlement failed; awaiting admin")

	payload := newPaymentPayload(res.Transaction, detail)
	s.notifyRole(ctx, domain.RoleAdmin, domain.EventSettlementFailed, payload)
	s.notify(ctx, tx.UserID, domain.EventSettlementFailed, payload)
	return fmt.Errorf("%w: %s", escrow.ErrExternalTransferFailed, detail)
}

// ResolveSettlement closes a payment in settlement_failed. complete=true records that the
// payout was verified externally and reconciles the ledger; complete=false refunds the escrow.
func (s *Service) ResolveSettlement(ctx context.Context, actor domain.Actor, txID int64, complete bool) (bool, error) {
	if !complete {
		tx, err := s.transition(ctx, actor, txID, escrow.EventAdminRefund, transitionOptions{admin: true})
		if err != nil {
			return false, err
		}
		s.notify(ctx, tx.UserID, domain.EventPaymentCancelled, newPaymentPayload(*tx, "refunded by admin"))
		return true, nil
	}

	rule := escrow.MustPaymentRule(escrow.EventAdminResolve)
	current, err := s.repo.FindTransactionByID(ctx, txID)
	if err != nil {
		return false, err
	}
	if err := rule.Permits(*current, actor); err != nil {
		return false, err
	}

	var reported *int64
	if wallet, err := s.repo.FindWallet(ctx, current.UserID); err == nil && s.wallet != nil {
		if balance, err := s.wallet.GetBalance(ctx, wallet.Address); err == nil {
			reported = &balance
		}
	}

	res, err := s.repo.CompleteSettlement(ctx, store.SettlementParams{
		TransactionID:   txID,
		Rule:            rule,
		ReportedBalance: reported,
		AdminID:         int64Ptr(actor.UserID),
	})
	if err != nil {
		return false, fmt.Errorf("resolve settlement: %w", err)
	}
	if !res.Applied {
		refusal := rule.Refusal(res.Transaction, actor.UserID)
		s.metrics.Transition(string(escrow.EventAdminResolve), escrow.ReasonCode(refusal))
		return false, refusal
	}
	s.metrics.Transition(string(escrow.EventAdminResolve), "applied")
	s.log.WithFields(logrus.Fields{"tx_id": txID, "admin_id": actor.UserID}).Info("settlement resolved by admin")
	s.notify(ctx, res.Transaction.UserID, domain.EventPaymentCompleted, newPaymentPayload(res.Transaction, ""))
	return true, nil
}

func outcomeLabel(applied bool) string {
	if applied {
		return "applied"
	}
	return "refused"
}
