package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/cryptopay/escrow-service/internal/store"
	"github.com/sirupsen/logrus"
)

func (h *harness) settledPayment() {
	h.t.Helper()
	h.fund(userID, 10*sol)
	h.wallet.balance = 8_900_000_000
	pe := h.open()
	h.claimAndConfirm(pe.Transaction.ID)
	if _, err := h.svc.UserConfirm(context.Background(), h.actor(userID), pe.Transaction.ID); err != nil {
		h.t.Fatalf("settle: %v", err)
	}
}

func TestWithdrawalRejectRestoresFunds(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 5*sol)
	ctx := context.Background()

	id, err := h.svc.CreateWithdrawal(ctx, h.actor(userID), 2*sol, "dest-addr", domain.WithdrawalBalance)
	must(t, err)
	if b := h.balance(userID); b.Available != 3*sol {
		t.Fatalf("expected 3 SOL available after request, got %+v", b)
	}

	if _, err := h.svc.ResolveWithdrawal(ctx, h.actor(workerID), id, false); !errors.Is(err, escrow.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-admin, got %v", err)
	}

	ok, err := h.svc.ResolveWithdrawal(ctx, h.actor(adminID), id, false)
	if err != nil || !ok {
		t.Fatalf("expected reject to apply, got ok=%v err=%v", ok, err)
	}
	if b := h.balance(userID); b.Available != 5*sol || b.Frozen != 0 {
		t.Fatalf("expected funds restored, got %+v", b)
	}

	if _, err := h.svc.ResolveWithdrawal(ctx, h.actor(adminID), id, false); !errors.Is(err, escrow.ErrAlreadyProcessed) {
		t.Fatalf("expected second resolution refused, got %v", err)
	}
	if b := h.balance(userID); b.Available != 5*sol {
		t.Fatalf("expected no double refund, got %+v", b)
	}
}

func TestWithdrawalApprovePaysOutAndConsumesEscrow(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 5*sol)
	ctx := context.Background()

	id, err := h.svc.CreateWithdrawal(ctx, h.actor(userID), 2*sol, "dest-addr", domain.WithdrawalBalance)
	must(t, err)

	ok, err := h.svc.ResolveWithdrawal(ctx, h.actor(adminID), id, true)
	if err != nil || !ok {
		t.Fatalf("expected approval, got ok=%v err=%v", ok, err)
	}

	sends := h.wallet.sent()
	if len(sends) != 1 || sends[0] != (sendCall{from: "user-key", to: "dest-addr", lamports: 2 * sol}) {
		t.Fatalf("unexpected payout: %+v", sends)
	}
	if b := h.balance(userID); b.Available != 3*sol || b.Frozen != 0 {
		t.Fatalf("expected escrow consumed, got %+v", b)
	}
	w, err := h.repo.FindWithdrawalByID(ctx, id)
	must(t, err)
	if w.Status != domain.WithdrawalCompleted || w.TxHash == nil || *w.TxHash != "sig-1" {
		t.Fatalf("expected completed withdrawal with hash, got %+v", w)
	}
	if !h.notes.received(userID, domain.EventWithdrawalCompleted) {
		t.Fatal("expected completion notification")
	}
}

func TestWithdrawalPayoutRefusalReturnsToPending(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 5*sol)
	h.wallet.refuseTo = "dest-addr"
	ctx := context.Background()

	id, err := h.svc.CreateWithdrawal(ctx, h.actor(userID), 2*sol, "dest-addr", domain.WithdrawalBalance)
	must(t, err)

	ok, err := h.svc.ResolveWithdrawal(ctx, h.actor(adminID), id, true)
	if ok || !errors.Is(err, escrow.ErrExternalTransferFailed) {
		t.Fatalf("expected ErrExternalTransferFailed, got ok=%v err=%v", ok, err)
	}
	w, err := h.repo.FindWithdrawalByID(ctx, id)
	must(t, err)
	if w.Status != domain.WithdrawalPending || w.ErrorMessage == nil {
		t.Fatalf("expected pending withdrawal with error message, got %+v", w)
	}
	if b := h.balance(userID); b.Frozen != 2*sol {
		t.Fatalf("expected escrow still frozen, got %+v", b)
	}

	pending, err := h.svc.ListPendingWithdrawals(ctx, h.actor(adminID), 0)
	must(t, err)
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("expected the request back in the review queue, got %+v", pending)
	}
}

func TestWithdrawalUncertainPayoutIsParkedUntilReconciled(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 5*sol)
	h.wallet.failTo = "dest-addr"
	ctx := context.Background()

	id, err := h.svc.CreateWithdrawal(ctx, h.actor(userID), 2*sol, "dest-addr", domain.WithdrawalBalance)
	must(t, err)

	ok, err := h.svc.ResolveWithdrawal(ctx, h.actor(adminID), id, true)
	if ok || !errors.Is(err, escrow.ErrPayoutUnverified) {
		t.Fatalf("expected ErrPayoutUnverified, got ok=%v err=%v", ok, err)
	}
	w, err := h.repo.FindWithdrawalByID(ctx, id)
	must(t, err)
	if w.Status != domain.WithdrawalPayoutUnverified || w.TxHash != nil {
		t.Fatalf("expected parked withdrawal without hash, got %+v", w)
	}
	if b := h.balance(userID); b.Available != 3*sol || b.Frozen != 2*sol {
		t.Fatalf("expected escrow still frozen, got %+v", b)
	}
	if !h.notes.received(adminID, domain.EventWithdrawalUnverified) {
		t.Fatal("expected admins told about the parked payout")
	}

	for _, approve := range []bool{true, false} {
		if _, err := h.svc.ResolveWithdrawal(ctx, h.actor(adminID), id, approve); !errors.Is(err, escrow.ErrPayoutUnverified) {
			t.Fatalf("expected resolve(approve=%v) refused while unverified, got %v", approve, err)
		}
	}
	if len(h.wallet.sent()) != 0 {
		t.Fatalf("expected no second payout attempt, got %+v", h.wallet.sent())
	}

	queue, err := h.svc.ListUnverifiedWithdrawals(ctx, h.actor(adminID), 0)
	must(t, err)
	if len(queue) != 1 || queue[0].ID != id {
		t.Fatalf("expected the request in the unverified queue, got %+v", queue)
	}

	if _, err := h.svc.ReconcileWithdrawal(ctx, h.actor(workerID), id, false, ""); !errors.Is(err, escrow.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-admin, got %v", err)
	}
	ok, err = h.svc.ReconcileWithdrawal(ctx, h.actor(adminID), id, false, "")
	if err != nil || !ok {
		t.Fatalf("expected refund to apply, got ok=%v err=%v", ok, err)
	}
	if b := h.balance(userID); b.Available != 5*sol || b.Frozen != 0 {
		t.Fatalf("expected funds refunded, got %+v", b)
	}
	w, err = h.repo.FindWithdrawalByID(ctx, id)
	must(t, err)
	if w.Status != domain.WithdrawalRejected {
		t.Fatalf("expected rejected after refund, got %s", w.Status)
	}
	if !h.notes.received(userID, domain.EventWithdrawalRejected) {
		t.Fatal("expected user told about the refund")
	}

	if _, err := h.svc.ReconcileWithdrawal(ctx, h.actor(adminID), id, false, ""); !errors.Is(err, escrow.ErrAlreadyProcessed) {
		t.Fatalf("expected second reconcile refused, got %v", err)
	}
	if b := h.balance(userID); b.Available != 5*sol {
		t.Fatalf("expected no double refund, got %+v", b)
	}
}

// flakyWithdrawalRepo fails the first transition for event.
type flakyWithdrawalRepo struct {
	*store.MemoryRepository
	event  escrow.WithdrawalEvent
	failed bool
}

func (r *flakyWithdrawalRepo) TransitionWithdrawal(ctx context.Context, p store.WithdrawalTransitionParams) (store.WithdrawalResult, error) {
	if p.Rule.Event == r.event && !r.failed {
		r.failed = true
		return store.WithdrawalResult{}, errors.New("connection reset by peer")
	}
	return r.MemoryRepository.TransitionWithdrawal(ctx, p)
}

func TestWithdrawalCompletionFaultIsParkedWithHash(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 5*sol)
	ctx := context.Background()
	svc := h.withRepo(&flakyWithdrawalRepo{MemoryRepository: h.repo, event: escrow.WithdrawalComplete})

	id, err := svc.CreateWithdrawal(ctx, h.actor(userID), 2*sol, "dest-addr", domain.WithdrawalBalance)
	must(t, err)

	ok, err := svc.ResolveWithdrawal(ctx, h.actor(adminID), id, true)
	if ok || !errors.Is(err, escrow.ErrPayoutUnverified) {
		t.Fatalf("expected ErrPayoutUnverified, got ok=%v err=%v", ok, err)
	}
	w, err := h.repo.FindWithdrawalByID(ctx, id)
	must(t, err)
	if w.Status != domain.WithdrawalPayoutUnverified || w.TxHash == nil || *w.TxHash != "sig-1" {
		t.Fatalf("expected parked withdrawal carrying the payout hash, got %+v", w)
	}
	if b := h.balance(userID); b.Frozen != 2*sol {
		t.Fatalf("expected escrow still frozen, got %+v", b)
	}

	if _, err := svc.ReconcileWithdrawal(ctx, h.actor(adminID), id, true, "  "); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected a hash to be required, got %v", err)
	}
	ok, err = svc.ReconcileWithdrawal(ctx, h.actor(adminID), id, true, "sig-1")
	if err != nil || !ok {
		t.Fatalf("expected confirm to apply, got ok=%v err=%v", ok, err)
	}
	if b := h.balance(userID); b.Available != 3*sol || b.Frozen != 0 {
		t.Fatalf("expected escrow consumed, got %+v", b)
	}
	w, err = h.repo.FindWithdrawalByID(ctx, id)
	must(t, err)
	if w.Status != domain.WithdrawalCompleted {
		t.Fatalf("expected completed withdrawal, got %+v", w)
	}
	if len(h.wallet.sent()) != 1 {
		t.Fatalf("expected exactly one payout, got %+v", h.wallet.sent())
	}
	if !h.notes.received(userID, domain.EventWithdrawalCompleted) {
		t.Fatal("expected completion notification")
	}
}

func TestCreateWithdrawalInsufficientFunds(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, sol)

	_, err := h.svc.CreateWithdrawal(context.Background(), h.actor(userID), 2*sol, "dest-addr", domain.WithdrawalBalance)
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if b := h.balance(userID); b.Available != sol || b.Frozen != 0 {
		t.Fatalf("expected balance untouched, got %+v", b)
	}
}

func TestEarningsWithdrawalDebitsAndRestoresCommission(t *testing.T) {
	h := newHarness(t, nil)
	h.settledPayment()
	ctx := context.Background()
	worker := h.actor(workerID)

	// 50.00 RUB of commission at 1000 RUB/SOL.
	id, err := h.svc.CreateWithdrawal(ctx, worker, 50_000_000, "worker-cold", domain.WithdrawalEarnings)
	must(t, err)
	stats, err := h.svc.WorkerStats(ctx, worker)
	must(t, err)
	if stats.TotalCommission != 0 {
		t.Fatalf("expected commission debited, got %d", stats.TotalCommission)
	}

	if _, err := h.svc.CreateWithdrawal(ctx, worker, 50_000_000, "worker-cold", domain.WithdrawalEarnings); !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected second earnings withdrawal refused, got %v", err)
	}

	if _, err := h.svc.ResolveWithdrawal(ctx, h.actor(adminID), id, false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	stats, err = h.svc.WorkerStats(ctx, worker)
	must(t, err)
	if stats.TotalCommission != 5_000 {
		t.Fatalf("expected commission restored, got %d", stats.TotalCommission)
	}
}

func TestEarningsWithdrawalPaysFromOperatorWallet(t *testing.T) {
	h := newHarness(t, nil)
	h.settledPayment()
	ctx := context.Background()

	id, err := h.svc.CreateWithdrawal(ctx, h.actor(workerID), 50_000_000, "worker-cold", domain.WithdrawalEarnings)
	must(t, err)
	if _, err := h.svc.ResolveWithdrawal(ctx, h.actor(adminID), id, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	sends := h.wallet.sent()
	last := sends[len(sends)-1]
	if last != (sendCall{from: "operator-key", to: "worker-cold", lamports: 50_000_000}) {
		t.Fatalf("unexpected earnings payout: %+v", last)
	}
}

func TestSweepTimesOutClaimedPaymentAndPenalisesWorker(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 10*sol)
	h.fund(workerID, 2*sol)
	ctx := context.Background()

	pe := h.open()
	if _, err := h.svc.ClaimPayment(ctx, h.actor(workerID), pe.Transaction.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	h.advance(179 * time.Second)
	report, err := h.svc.SweepStalePayments(ctx)
	must(t, err)
	if report.TimedOut != 0 {
		t.Fatalf("expected nothing timed out before the deadline, got %+v", report)
	}

	h.advance(2 * time.Second)
	report, err = h.svc.SweepStalePayments(ctx)
	must(t, err)
	if report.TimedOut != 1 || report.Penalised != 1 {
		t.Fatalf("expected one timeout with penalty, got %+v", report)
	}
	if st := h.status(pe.Transaction.ID); st != domain.StatusError {
		t.Fatalf("expected error status, got %s", st)
	}
	if b := h.balance(userID); b.Available != 10*sol || b.Frozen != 0 {
		t.Fatalf("expected escrow released, got %+v", b)
	}
	// 1 USD at 100 USD/SOL.
	if b := h.balance(workerID); b.Available != 2*sol-10_000_000 {
		t.Fatalf("expected 0.01 SOL penalty, got %+v", b)
	}
	if !h.notes.received(adminID, domain.EventPaymentTimeout) || !h.notes.received(workerID, domain.EventPenaltyCharged) {
		t.Fatal("expected timeout and penalty notifications")
	}

	h.advance(time.Hour)
	report, err = h.svc.SweepStalePayments(ctx)
	must(t, err)
	if report.TimedOut != 0 {
		t.Fatalf("expected terminal payment left alone, got %+v", report)
	}
	if b := h.balance(workerID); b.Available != 2*sol-10_000_000 {
		t.Fatalf("expected penalty charged once, got %+v", b)
	}
}

func TestSweepTimesOutUnclaimedPaymentWithoutPenalty(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 10*sol)
	pe := h.open()

	h.advance(181 * time.Second)
	report, err := h.svc.SweepStalePayments(context.Background())
	must(t, err)
	if report.TimedOut != 1 || report.Penalised != 0 {
		t.Fatalf("expected timeout without penalty, got %+v", report)
	}
	if st := h.status(pe.Transaction.ID); st != domain.StatusError {
		t.Fatalf("expected error status, got %s", st)
	}
}

type racingRepo struct {
	*store.MemoryRepository
	afterList func()
}

func (r *racingRepo) ListStalePayments(ctx context.Context, statuses []domain.TransactionStatus, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	out, err := r.MemoryRepository.ListStalePayments(ctx, statuses, updatedBefore, limit)
	if hook := r.afterList; hook != nil {
		r.afterList = nil
		hook()
	}
	return out, err
}

func TestSweepLosesToConcurrentWorkerConfirm(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 10*sol)
	ctx := context.Background()

	pe := h.open()
	if _, err := h.svc.ClaimPayment(ctx, h.actor(workerID), pe.Transaction.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	h.advance(181 * time.Second)

	repo := &racingRepo{MemoryRepository: h.repo}
	repo.afterList = func() {
		if _, err := h.svc.WorkerConfirm(ctx, h.actor(workerID), pe.Transaction.ID); err != nil {
			t.Errorf("confirm during sweep: %v", err)
		}
	}

	report, err := h.withRepo(repo).SweepStalePayments(ctx)
	must(t, err)
	if report.TimedOut != 0 || report.Lost != 1 {
		t.Fatalf("expected the sweep to lose the race, got %+v", report)
	}
	if st := h.status(pe.Transaction.ID); st != domain.StatusWaitingUserConfirmation {
		t.Fatalf("expected the confirmation to stand, got %s", st)
	}
	if b := h.balance(userID); b.Frozen != 1_100_000_000 {
		t.Fatalf("expected escrow still frozen, got %+v", b)
	}
}

func TestSweepDoesNotTimeOutLateClaim(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 10*sol)
	h.fund(workerID, 2*sol)
	ctx := context.Background()

	pe := h.open()
	h.advance(181 * time.Second)

	repo := &racingRepo{MemoryRepository: h.repo}
	repo.afterList = func() {
		if _, err := h.svc.ClaimPayment(ctx, h.actor(workerID), pe.Transaction.ID); err != nil {
			t.Errorf("claim during sweep: %v", err)
		}
	}

	report, err := h.withRepo(repo).SweepStalePayments(ctx)
	must(t, err)
	if report.TimedOut != 0 || report.Lost != 1 || report.Penalised != 0 {
		t.Fatalf("expected the fresh claim to survive the sweep, got %+v", report)
	}
	if st := h.status(pe.Transaction.ID); st != domain.StatusInProgress {
		t.Fatalf("expected the claim to stand, got %s", st)
	}
	if b := h.balance(workerID); b.Available != 2*sol {
		t.Fatalf("expected no penalty, got %+v", b)
	}
	if b := h.balance(userID); b.Frozen != 1_100_000_000 {
		t.Fatalf("expected escrow still frozen, got %+v", b)
	}
}

func TestSweepParksInterruptedWithdrawal(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 5*sol)
	ctx := context.Background()

	id, err := h.svc.CreateWithdrawal(ctx, h.actor(userID), 2*sol, "dest-addr", domain.WithdrawalBalance)
	must(t, err)
	res, err := h.repo.TransitionWithdrawal(ctx, store.WithdrawalTransitionParams{
		WithdrawalID: id,
		Rule:         escrow.MustWithdrawalRule(escrow.WithdrawalClaim),
		AdminID:      int64Ptr(adminID),
	})
	if err != nil || !res.Applied {
		t.Fatalf("claim withdrawal: applied=%v err=%v", res.Applied, err)
	}

	h.advance(5*180*time.Second - time.Second)
	report, err := h.svc.SweepStalePayments(ctx)
	must(t, err)
	if report.ParkedWithdrawals != 0 {
		t.Fatalf("expected a recent claim left alone, got %+v", report)
	}

	h.advance(2 * time.Second)
	report, err = h.svc.SweepStalePayments(ctx)
	must(t, err)
	if report.ParkedWithdrawals != 1 {
		t.Fatalf("expected the stuck withdrawal parked, got %+v", report)
	}
	w, err := h.repo.FindWithdrawalByID(ctx, id)
	must(t, err)
	if w.Status != domain.WithdrawalPayoutUnverified {
		t.Fatalf("expected payout_unverified, got %s", w.Status)
	}
	if b := h.balance(userID); b.Frozen != 2*sol {
		t.Fatalf("expected escrow still frozen, got %+v", b)
	}
	if !h.notes.received(adminID, domain.EventWithdrawalUnverified) {
		t.Fatal("expected admins told about the parked payout")
	}
}

func TestSweepParksInterruptedSettlement(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 10*sol)
	ctx := context.Background()

	pe := h.open()
	h.claimAndConfirm(pe.Transaction.ID)
	res, err := h.repo.TransitionPayment(ctx, store.TransitionParams{
		TransactionID: pe.Transaction.ID,
		Rule:          escrow.MustPaymentRule(escrow.EventUserConfirm),
		ActorID:       userID,
	})
	if err != nil || !res.Applied {
		t.Fatalf("move to settling: applied=%v err=%v", res.Applied, err)
	}

	h.advance(10 * time.Minute)
	report, err := h.svc.SweepStalePayments(ctx)
	must(t, err)
	if report.Interrupted != 0 {
		t.Fatalf("expected a recent settlement left alone, got %+v", report)
	}

	h.advance(6 * time.Minute)
	report, err = h.svc.SweepStalePayments(ctx)
	must(t, err)
	if report.Interrupted != 1 {
		t.Fatalf("expected one interrupted settlement, got %+v", report)
	}
	if st := h.status(pe.Transaction.ID); st != domain.StatusSettlementFailed {
		t.Fatalf("expected settlement_failed, got %s", st)
	}
	if b := h.balance(userID); b.Frozen != 1_100_000_000 {
		t.Fatalf("expected escrow kept frozen, got %+v", b)
	}
}

func TestDepositIsCreditedOnce(t *testing.T) {
	h := newHarness(t, nil)
	consumer := NewDepositConsumer(h.svc, h.deps.Logger)

	body, err := json.Marshal(domain.DepositEvent{
		EventID:   "evt-1",
		UserID:    userID,
		Amount:    3 * sol,
		Signature: "5xSig",
	})
	must(t, err)

	for i := 0; i < 2; i++ {
		if !consumer.HandleMessage(body) {
			t.Fatalf("delivery %d: expected ack", i)
		}
	}
	if b := h.balance(userID); b.Available != 3*sol {
		t.Fatalf("expected a single credit, got %+v", b)
	}
	if !h.notes.received(userID, domain.EventDepositCredited) {
		t.Fatal("expected deposit notification")
	}
}

func TestDepositConsumerAcksMalformedEvents(t *testing.T) {
	h := newHarness(t, nil)
	consumer := NewDepositConsumer(h.svc, h.deps.Logger)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"user_id":`},
		{name: "missing user", body: `{"amount": 10, "signature": "sig"}`},
		{name: "non-positive amount", body: `{"user_id": 100, "amount": 0, "signature": "sig"}`},
		{name: "missing reference", body: `{"user_id": 100, "amount": 10}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !consumer.HandleMessage([]byte(tt.body)) {
				t.Fatal("expected malformed event to be acknowledged")
			}
		})
	}
	if b := h.balance(userID); b.Available != 0 {
		t.Fatalf("expected no credit, got %+v", b)
	}
}

type failingDepositRepo struct {
	*store.MemoryRepository
}

func (failingDepositRepo) RecordDeposit(ctx context.Context, p store.DepositParams) (*domain.Transaction, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestDepositConsumerRequeuesStoreFailures(t *testing.T) {
	h := newHarness(t, nil)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	consumer := NewDepositConsumer(h.withRepo(failingDepositRepo{h.repo}), logger)

	body := []byte(`{"event_id": "evt-2", "user_id": 100, "amount": 1000, "signature": "sig-2"}`)
	if consumer.HandleMessage(body) {
		t.Fatal("expected store failure to be requeued")
	}
}

func TestTestDepositsRequireTestMode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.TestDeposit(ctx, h.actor(userID), sol); !errors.Is(err, escrow.ErrTestModeDisabled) {
		t.Fatalf("expected ErrTestModeDisabled, got %v", err)
	}
	if _, err := h.svc.ResetTestBalance(ctx, h.actor(userID)); !errors.Is(err, escrow.ErrTestModeDisabled) {
		t.Fatalf("expected ErrTestModeDisabled, got %v", err)
	}
}

func TestResetTestBalanceRemovesOnlyTestMoney(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.TestMode = true })
	ctx := context.Background()
	user := h.actor(userID)

	if _, err := h.svc.Deposit(ctx, domain.DepositEvent{UserID: userID, Amount: sol, Signature: "real"}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := h.svc.TestDeposit(ctx, user, 2*sol); err != nil {
			t.Fatalf("test deposit: %v", err)
		}
	}
	if b := h.balance(userID); b.Available != 5*sol {
		t.Fatalf("expected 5 SOL before reset, got %+v", b)
	}

	debited, err := h.svc.ResetTestBalance(ctx, user)
	must(t, err)
	if debited != 4*sol {
		t.Fatalf("expected 4 SOL debited, got %d", debited)
	}
	if b := h.balance(userID); b.Available != sol {
		t.Fatalf("expected the real deposit to remain, got %+v", b)
	}
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	h := newHarness(t, nil)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	scheduler := NewScheduler(NewJobs(h.svc, logger, time.Second), logger, "every now and then")
	if err := scheduler.Start(); err == nil {
		t.Fatal("expected an invalid schedule to fail")
	}
	<-scheduler.Stop().Done()
}

func TestJobsSweepRunsAgainstService(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(userID, 10*sol)
	pe := h.open()
	h.advance(time.Hour)

	NewJobs(h.svc, h.deps.Logger, 0).SweepStalePayments()

	if st := h.status(pe.Transaction.ID); st != domain.StatusError {
		t.Fatalf("expected the job to time out the payment, got %s", st)
	}
}
