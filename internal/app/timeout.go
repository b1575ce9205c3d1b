package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/cryptopay/escrow-service/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	sweepBatchSize = 100
	// settlingStaleFactor scales the payment timeout into the window after which a payment
	// still in settling is assumed orphaned by a crashed settlement.
	settlingStaleFactor = 5
)

// SweepReport summarises one timeout sweep.
type SweepReport struct {
	TimedOut          int   `json:"timed_out"`
	Lost              int   `json:"lost"`
	Penalised         int   `json:"penalised"`
	PenaltySum        int64 `json:"penalty_sum"`
	Interrupted       int   `json:"interrupted"`
	ParkedWithdrawals int   `json:"parked_withdrawals"`
}

// SweepStalePayments times out payments nobody finished in time and parks settlements that
// never returned. Every change goes through a guarded transition that also re-checks the
// cutoff, so a claim or confirmation landing after the listing wins; never both.
func (s *Service) SweepStalePayments(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if s.settings.PaymentTimeout <= 0 {
		return report, nil
	}
	now := s.now()

	cutoff := now.Add(-s.settings.PaymentTimeout)
	stale, err := s.repo.ListStalePayments(ctx,
		[]domain.TransactionStatus{domain.StatusPending, domain.StatusInProgress},
		cutoff, sweepBatchSize)
	if err != nil {
		s.metrics.Sweep("error")
		return report, fmt.Errorf("list stale payments: %w", err)
	}

	rule := escrow.MustPaymentRule(escrow.EventTimeout)
	for _, candidate := range stale {
		res, err := s.repo.TransitionPayment(ctx, store.TransitionParams{
			TransactionID: candidate.ID,
			Rule:          rule,
			ErrorMessage:  strPtr("payment timed out"),
			UpdatedBefore: &cutoff,
		})
		if err != nil {
			s.metrics.Transition(string(escrow.EventTimeout), "error")
			s.log.WithField("tx_id", candidate.ID).WithError(err).Error("timeout transition failed")
			continue
		}
		if !res.Applied {
			report.Lost++
			s.metrics.Transition(string(escrow.EventTimeout), "refused")
			continue
		}
		report.TimedOut++
		s.metrics.Transition(string(escrow.EventTimeout), "applied")
		tx := res.Transaction

		entry := s.log.WithFields(logrus.Fields{"tx_id": tx.ID, "user_id": tx.UserID, "worker_id": tx.WorkerID})
		entry.Info("payment timed out; escrow released")

		if tx.WorkerID != nil {
			charged, err := s.penalise(ctx, *tx.WorkerID, tx.ID)
			if err != nil {
				entry.WithError(err).Warn("penalty not charged")
			} else if charged > 0 {
				report.Penalised++
				report.PenaltySum += charged
				s.notify(ctx, *tx.WorkerID, domain.EventPenaltyCharged, map[string]interface{}{
					"transaction_id": tx.ID,
					"amount_sol":     escrow.SOL(charged),
				})
			}
		}

		payload := newPaymentPayload(tx, "payment timed out")
		s.notify(ctx, tx.UserID, domain.EventPaymentTimeout, payload)
		s.notifyRole(ctx, domain.RoleAdmin, domain.EventPaymentTimeout, payload)
	}

	staleBefore := now.Add(-settlingStaleFactor * s.settings.PaymentTimeout)
	interrupted, err := s.recoverInterruptedSettlements(ctx, staleBefore)
	report.Interrupted = interrupted
	if err != nil {
		s.metrics.Sweep("error")
		return report, err
	}
	parked, err := s.recoverInterruptedWithdrawals(ctx, staleBefore)
	report.ParkedWithdrawals = parked
	if err != nil {
		s.metrics.Sweep("error")
		return report, err
	}

	s.metrics.Sweep("ok")
	if report.TimedOut > 0 || report.Interrupted > 0 || report.ParkedWithdrawals > 0 {
		s.log.WithFields(logrus.Fields{
			"timed_out":          report.TimedOut,
			"lost":               report.Lost,
			"penalised":          report.Penalised,
			"interrupted":        report.Interrupted,
			"parked_withdrawals": report.ParkedWithdrawals,
		}).Info("timeout sweep finished")
	}
	return report, nil
}

func (s *Service) penalise(ctx context.Context, workerID, txID int64) (int64, error) {
	if !s.settings.PenaltyUSD.IsPositive() {
		return 0, nil
	}
	rate, err := s.rates.GetRate(ctx, s.settings.Currency, "USD")
	if err != nil {
		return 0, fmt.Errorf("fetch penalty rate: %w", err)
	}
	amount := escrow.LamportsFromMajor(s.settings.PenaltyUSD, rate)
	if amount <= 0 {
		return 0, nil
	}
	charged, err := s.repo.ApplyPenalty(ctx, store.PenaltyParams{
		WorkerID:      workerID,
		Currency:      s.settings.Currency,
		Amount:        amount,
		TransactionID: txID,
	})
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"worker_id": workerID, "tx_id": txID, "charged_sol": escrow.SOL(charged)}).Info("worker penalised for timeout")
	return charged, nil
}

// recoverInterruptedSettlements moves payments stuck in settling to settlement_failed so an
// admin can verify the payout legs by hand. The escrow stays frozen.
func (s *Service) recoverInterruptedSettlements(ctx context.Context, before time.Time) (int, error) {
	stuck, err := s.repo.ListStalePayments(ctx, []domain.TransactionStatus{domain.StatusSettling}, before, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list interrupted settlements: %w", err)
	}
	recovered := 0
	for _, tx := range stuck {
		err := s.failSettlement(ctx, tx, "settlement interrupted; verify payout legs")
		if err != nil && !errors.Is(err, escrow.ErrExternalTransferFailed) {
			if !escrow.IsRefusal(err) {
				s.log.WithField("tx_id", tx.ID).WithError(err).Error("park interrupted settlement failed")
			}
			continue
		}
		recovered++
	}
	return recovered, nil
}
