package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/shopspring/decimal"
)

const sol = domain.LamportsPerSOL

func seedBalance(t *testing.T, repo *MemoryRepository, userID, amount int64) {
	t.Helper()
	if err := repo.Adjust(context.Background(), userID, domain.CurrencySOL, amount); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func openTestEscrow(t *testing.T, repo *MemoryRepository, userID, total int64) *domain.Transaction {
	t.Helper()
	tx, _, err := repo.OpenPaymentEscrow(context.Background(), OpenEscrowParams{
		UserID:     userID,
		Currency:   domain.CurrencySOL,
		FiatAmount: 1_150_000,
		Rate:       decimal.NewFromInt(11500),
		Split: escrow.Split{
			Base:                 total * 100 / 110,
			Total:                total,
			WorkerEarning:        total * 105 / 110,
			OperatorCommission:   total - total*105/110,
			WorkerCommissionFiat: 57_500,
		},
	})
	if err != nil {
		t.Fatalf("OpenPaymentEscrow returned error: %v", err)
	}
	return tx
}

func TestFreezeNoDoubleSpendUnderConcurrency(t *testing.T) {
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, 10*sol)

	const callers = 50
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Freeze(context.Background(), 1, domain.CurrencySOL, 3*sol)
			if err != nil {
				t.Errorf("Freeze returned error: %v", err)
				return
			}
			if ok {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != 3 {
		t.Fatalf("expected exactly 3 freezes to succeed, got %d", got)
	}
	b, _ := repo.GetBalance(context.Background(), 1, domain.CurrencySOL)
	if b.Available != 1*sol || b.Frozen != 9*sol {
		t.Fatalf("expected available=1 SOL frozen=9 SOL, got available=%d frozen=%d", b.Available, b.Frozen)
	}
	if b.Total() != 10*sol {
		t.Fatalf("total claim changed: %d", b.Total())
	}
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, amount := range []int64{1, sol / 2, 10 * sol} {
		repo := NewMemoryRepository()
		seedBalance(t, repo, 1, 10*sol)

		ok, err := repo.Freeze(ctx, 1, domain.CurrencySOL, amount)
		if err != nil || !ok {
			t.Fatalf("Freeze(%d) = %t, %v", amount, ok, err)
		}
		if ok, err := repo.Unfreeze(ctx, 1, domain.CurrencySOL); err != nil || !ok {
			t.Fatalf("Unfreeze = %t, %v", ok, err)
		}
		b, _ := repo.GetBalance(ctx, 1, domain.CurrencySOL)
		if b.Available != 10*sol || b.Frozen != 0 {
			t.Fatalf("amount %d: expected available=10 SOL frozen=0, got %d/%d", amount, b.Available, b.Frozen)
		}
		if ok, err := repo.Unfreeze(ctx, 1, domain.CurrencySOL); err != nil || !ok {
			t.Fatalf("second Unfreeze should be a successful no-op, got %t, %v", ok, err)
		}
	}
}

func TestFreezeInsufficientFundsLeavesBalance(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, sol/2)

	ok, err := repo.Freeze(ctx, 1, domain.CurrencySOL, 1_100_000_000)
	if err != nil {
		t.Fatalf("Freeze returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected freeze to fail for insufficient funds")
	}
	b, _ := repo.GetBalance(ctx, 1, domain.CurrencySOL)
	if b.Available != sol/2 || b.Frozen != 0 {
		t.Fatalf("balance mutated on failed freeze: %+v", b)
	}
}

func TestAdjustRejectsNegativeResult(t *testing.T) {
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, 100)
	if err := repo.Adjust(context.Background(), 1, domain.CurrencySOL, -101); !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestClaimSingleWinner(t *testing.T) {
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, 10*sol)
	tx := openTestEscrow(t, repo, 1, 1_100_000_000)

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int64
	)
	for w := int64(100); w < 100+workers; w++ {
		wg.Add(1)
		go func(workerID int64) {
			defer wg.Done()
			ok, err := repo.Claim(context.Background(), tx.ID, workerID)
			if err != nil {
				t.Errorf("Claim returned error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, workerID)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one claim winner, got %v", winners)
	}
	stored, _ := repo.FindTransactionByID(context.Background(), tx.ID)
	if stored.WorkerID == nil || *stored.WorkerID != winners[0] {
		t.Fatalf("expected worker_id=%d, got %v", winners[0], stored.WorkerID)
	}
	if stored.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", stored.Status)
	}
	item, _ := repo.FindWorkItemByTransactionID(context.Background(), tx.ID)
	if item.AssignedWorkerID == nil || *item.AssignedWorkerID != winners[0] {
		t.Fatalf("expected work item assigned to %d, got %v", winners[0], item.AssignedWorkerID)
	}
	pending, _ := repo.ListPending(context.Background(), 10)
	if len(pending) != 0 {
		t.Fatalf("claimed item should not be listed as pending, got %d", len(pending))
	}
}

func TestEnqueueDuplicateFails(t *testing.T) {
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, 10*sol)
	tx := openTestEscrow(t, repo, 1, sol)

	err := repo.Enqueue(context.Background(), &domain.WorkItem{TransactionID: tx.ID, FiatAmount: 100})
	if !errors.Is(err, escrow.ErrDuplicateWorkItem) {
		t.Fatalf("expected ErrDuplicateWorkItem, got %v", err)
	}
}

func TestTransitionReleasesOnlyThisEscrow(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, 10*sol)
	first := openTestEscrow(t, repo, 1, 2*sol)
	openTestEscrow(t, repo, 1, 3*sol)

	admin := int64(900)
	res, err := repo.TransitionPayment(ctx, TransitionParams{
		TransactionID: first.ID,
		Rule:          escrow.MustPaymentRule(escrow.EventAdminCancel),
		ActorID:       admin,
		AdminID:       &admin,
	})
	if err != nil || !res.Applied {
		t.Fatalf("admin cancel = %+v, %v", res, err)
	}
	b, _ := repo.GetBalance(ctx, 1, domain.CurrencySOL)
	if b.Available != 7*sol || b.Frozen != 3*sol {
		t.Fatalf("expected available=7 SOL frozen=3 SOL, got %d/%d", b.Available, b.Frozen)
	}
}

func TestTerminalTransitionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, 10*sol)
	tx := openTestEscrow(t, repo, 1, 2*sol)

	rule := escrow.MustPaymentRule(escrow.EventAdminCancel)
	if res, err := repo.TransitionPayment(ctx, TransitionParams{TransactionID: tx.ID, Rule: rule, ActorID: 9}); err != nil || !res.Applied {
		t.Fatalf("first cancel = %+v, %v", res, err)
	}
	before, _ := repo.GetBalance(ctx, 1, domain.CurrencySOL)

	res, err := repo.TransitionPayment(ctx, TransitionParams{TransactionID: tx.ID, Rule: rule, ActorID: 9})
	if err != nil {
		t.Fatalf("second cancel returned error: %v", err)
	}
	if res.Applied {
		t.Fatalf("second cancel must not apply")
	}
	if res.Transaction.Status != domain.StatusCancelled {
		t.Fatalf("expected current status cancelled, got %s", res.Transaction.Status)
	}
	after, _ := repo.GetBalance(ctx, 1, domain.CurrencySOL)
	if before != after {
		t.Fatalf("balance changed on refused transition: %+v -> %+v", before, after)
	}
}

func TestCompleteSettlementReconciles(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, 10*sol)
	tx := openTestEscrow(t, repo, 1, 1_100_000_000)

	steps := []struct {
		event escrow.Event
		actor int64
	}{
		{escrow.EventClaim, 50},
		{escrow.EventWorkerConfirm, 50},
		{escrow.EventUserConfirm, 1},
	}
	for _, step := range steps {
		res, err := repo.TransitionPayment(ctx, TransitionParams{TransactionID: tx.ID, Rule: escrow.MustPaymentRule(step.event), ActorID: step.actor})
		if err != nil || !res.Applied {
			t.Fatalf("%s = %+v, %v", step.event, res, err)
		}
	}

	reported := int64(8_899_990_000)
	res, err := repo.CompleteSettlement(ctx, SettlementParams{
		TransactionID:   tx.ID,
		Rule:            escrow.MustPaymentRule(escrow.EventSettle),
		ReportedBalance: &reported,
	})
	if err != nil || !res.Applied {
		t.Fatalf("CompleteSettlement = %+v, %v", res, err)
	}
	b, _ := repo.GetBalance(ctx, 1, domain.CurrencySOL)
	if b.Available != reported || b.Frozen != 0 {
		t.Fatalf("expected available=%d frozen=0, got %d/%d", reported, b.Available, b.Frozen)
	}
	stats, _ := repo.GetWorkerStats(ctx, 50)
	if stats.CompletedPayments != 1 || stats.TotalCommission != 57_500 || stats.TotalProcessed != 1_150_000 {
		t.Fatalf("unexpected worker stats: %+v", stats)
	}

	again, err := repo.CompleteSettlement(ctx, SettlementParams{TransactionID: tx.ID, Rule: escrow.MustPaymentRule(escrow.EventSettle), ReportedBalance: &reported})
	if err != nil || again.Applied {
		t.Fatalf("second settlement must be refused, got %+v, %v", again, err)
	}
}

func TestWithdrawalRejectRestoresFunds(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, 5*sol)

	w, err := repo.CreateWithdrawal(ctx, CreateWithdrawalParams{
		UserID:      1,
		Currency:    domain.CurrencySOL,
		Amount:      2 * sol,
		Destination: "Dest1111111111111111111111111111111111111",
		Type:        domain.WithdrawalBalance,
		Rate:        decimal.NewFromInt(11500),
	})
	if err != nil {
		t.Fatalf("CreateWithdrawal returned error: %v", err)
	}
	if avail, _ := repo.GetAvailable(ctx, 1, domain.CurrencySOL); avail != 3*sol {
		t.Fatalf("expected available=3 SOL after request, got %d", avail)
	}

	admin := int64(900)
	res, err := repo.TransitionWithdrawal(ctx, WithdrawalTransitionParams{
		WithdrawalID: w.ID,
		Rule:         escrow.MustWithdrawalRule(escrow.WithdrawalReject),
		AdminID:      &admin,
	})
	if err != nil || !res.Applied {
		t.Fatalf("reject = %+v, %v", res, err)
	}
	b, _ := repo.GetBalance(ctx, 1, domain.CurrencySOL)
	if b.Available != 5*sol || b.Frozen != 0 {
		t.Fatalf("expected funds restored, got %d/%d", b.Available, b.Frozen)
	}

	txs, _ := repo.ListTransactionsByUser(ctx, 1, 10)
	var linked *domain.Transaction
	for i := range txs {
		if txs[i].WithdrawalID != nil && *txs[i].WithdrawalID == w.ID {
			linked = &txs[i]
		}
	}
	if linked == nil || linked.Status != domain.StatusRejected {
		t.Fatalf("expected linked withdrawal transaction rejected, got %+v", linked)
	}
}

func TestEarningsWithdrawalRestoresCommission(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.stats[7] = &domain.WorkerStats{WorkerID: 7, TotalCommission: 100_000}

	if _, err := repo.CreateWithdrawal(ctx, CreateWithdrawalParams{
		UserID: 7, Currency: domain.CurrencySOL, Amount: sol, Destination: "d", Type: domain.WithdrawalEarnings, EarningsFiat: 200_000,
	}); !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for overdrawn earnings, got %v", err)
	}

	w, err := repo.CreateWithdrawal(ctx, CreateWithdrawalParams{
		UserID: 7, Currency: domain.CurrencySOL, Amount: sol / 100, Destination: "d", Type: domain.WithdrawalEarnings, EarningsFiat: 60_000,
	})
	if err != nil {
		t.Fatalf("CreateWithdrawal returned error: %v", err)
	}
	if s, _ := repo.GetWorkerStats(ctx, 7); s.TotalCommission != 40_000 {
		t.Fatalf("expected commission 40000 after request, got %d", s.TotalCommission)
	}
	if _, err := repo.TransitionWithdrawal(ctx, WithdrawalTransitionParams{WithdrawalID: w.ID, Rule: escrow.MustWithdrawalRule(escrow.WithdrawalReject)}); err != nil {
		t.Fatalf("reject returned error: %v", err)
	}
	if s, _ := repo.GetWorkerStats(ctx, 7); s.TotalCommission != 100_000 {
		t.Fatalf("expected commission restored to 100000, got %d", s.TotalCommission)
	}
}

func TestRecordDepositIsIdempotentByReference(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	params := DepositParams{UserID: 1, Currency: domain.CurrencySOL, Amount: sol, Kind: domain.KindDeposit, Reference: "sig-1"}

	if _, dup, err := repo.RecordDeposit(ctx, params); err != nil || dup {
		t.Fatalf("first deposit: dup=%t err=%v", dup, err)
	}
	if _, dup, err := repo.RecordDeposit(ctx, params); err != nil || !dup {
		t.Fatalf("second deposit should be duplicate: dup=%t err=%v", dup, err)
	}
	if avail, _ := repo.GetAvailable(ctx, 1, domain.CurrencySOL); avail != sol {
		t.Fatalf("expected 1 SOL credited once, got %d", avail)
	}
}

func TestResetTestBalanceDeletesOnlyTestDeposits(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	if _, _, err := repo.RecordDeposit(ctx, DepositParams{UserID: 1, Currency: domain.CurrencySOL, Amount: 2 * sol, Kind: domain.KindDeposit, Reference: "real"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := repo.RecordDeposit(ctx, DepositParams{UserID: 1, Currency: domain.CurrencySOL, Amount: 5 * sol, Kind: domain.KindTestDeposit}); err != nil {
		t.Fatal(err)
	}

	debited, err := repo.ResetTestBalance(ctx, 1, domain.CurrencySOL)
	if err != nil {
		t.Fatalf("ResetTestBalance returned error: %v", err)
	}
	if debited != 5*sol {
		t.Fatalf("expected 5 SOL debited, got %d", debited)
	}
	txs, _ := repo.ListTransactionsByUser(ctx, 1, 10)
	if len(txs) != 1 || txs[0].Kind != domain.KindDeposit {
		t.Fatalf("expected only the real deposit to remain, got %+v", txs)
	}
	if avail, _ := repo.GetAvailable(ctx, 1, domain.CurrencySOL); avail != 2*sol {
		t.Fatalf("expected 2 SOL remaining, got %d", avail)
	}
}

func TestApplyPenaltyClampsAndChargesOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, 50, 1000)

	charged, err := repo.ApplyPenalty(ctx, PenaltyParams{WorkerID: 50, Currency: domain.CurrencySOL, Amount: 5000, TransactionID: 3})
	if err != nil || charged != 1000 {
		t.Fatalf("expected 1000 charged, got %d, %v", charged, err)
	}
	charged, err = repo.ApplyPenalty(ctx, PenaltyParams{WorkerID: 50, Currency: domain.CurrencySOL, Amount: 5000, TransactionID: 3})
	if err != nil || charged != 0 {
		t.Fatalf("expected repeat penalty to be a no-op, got %d, %v", charged, err)
	}
}

func TestListStalePayments(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return base })
	seedBalance(t, repo, 1, 10*sol)
	stale := openTestEscrow(t, repo, 1, sol)

	repo.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	openTestEscrow(t, repo, 1, sol)

	active := []domain.TransactionStatus{domain.StatusPending, domain.StatusInProgress}
	got, err := repo.ListStalePayments(ctx, active, base.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStalePayments returned error: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("expected only transaction %d to be stale, got %+v", stale.ID, got)
	}
}

func TestTimeoutSkipsRowTouchedAfterCutoff(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return base })
	seedBalance(t, repo, 1, 10*sol)
	claimed := openTestEscrow(t, repo, 1, sol)
	idle := openTestEscrow(t, repo, 1, sol)

	repo.SetClock(func() time.Time { return base.Add(4 * time.Minute) })
	cutoff := base.Add(time.Minute)
	if ok, err := repo.Claim(ctx, claimed.ID, 7); err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}

	timeout := escrow.MustPaymentRule(escrow.EventTimeout)
	res, err := repo.TransitionPayment(ctx, TransitionParams{TransactionID: claimed.ID, Rule: timeout, UpdatedBefore: &cutoff})
	if err != nil {
		t.Fatalf("TransitionPayment returned error: %v", err)
	}
	if res.Applied || res.Transaction.Status != domain.StatusInProgress {
		t.Fatalf("expected the fresh claim to survive, got %+v", res)
	}

	res, err = repo.TransitionPayment(ctx, TransitionParams{TransactionID: idle.ID, Rule: timeout, UpdatedBefore: &cutoff})
	if err != nil || !res.Applied {
		t.Fatalf("expected the idle escrow to time out, got %+v, %v", res, err)
	}
	b, _ := repo.GetBalance(ctx, 1, domain.CurrencySOL)
	if b.Frozen != sol {
		t.Fatalf("expected only the claimed escrow frozen, got %+v", b)
	}
}

func TestClaimRefusesOwner(t *testing.T) {
	repo := NewMemoryRepository()
	seedBalance(t, repo, 1, 10*sol)
	tx := openTestEscrow(t, repo, 1, sol)

	ok, err := repo.Claim(context.Background(), tx.ID, 1)
	if err != nil || ok {
		t.Fatalf("expected owner claim refused, got %v, %v", ok, err)
	}
	stored, _ := repo.FindTransactionByID(context.Background(), tx.ID)
	if stored.WorkerID != nil || stored.Status != domain.StatusPending {
		t.Fatalf("expected unassigned pending row, got %+v", stored)
	}
}

func TestBindWalletRefusesWalletOfAnotherUser(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	if err := repo.BindWallet(ctx, domain.Wallet{UserID: 1, Address: "addr-1", KeyRef: "key-1"}); err != nil {
		t.Fatalf("BindWallet returned error: %v", err)
	}

	for _, w := range []domain.Wallet{
		{UserID: 2, Address: "addr-1", KeyRef: "key-2"},
		{UserID: 2, Address: "addr-2", KeyRef: "key-1"},
	} {
		if err := repo.BindWallet(ctx, w); !errors.Is(err, escrow.ErrWalletInUse) {
			t.Fatalf("expected ErrWalletInUse for %+v, got %v", w, err)
		}
	}
	if _, err := repo.FindWallet(ctx, 2); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected no wallet for user 2, got %v", err)
	}

	if err := repo.BindWallet(ctx, domain.Wallet{UserID: 1, Address: "addr-1b", KeyRef: "key-1"}); err != nil {
		t.Fatalf("expected rebinding own key to succeed, got %v", err)
	}
	if err := repo.BindWallet(ctx, domain.Wallet{UserID: 2, Address: "addr-1", KeyRef: "key-2"}); err != nil {
		t.Fatalf("expected released address to be reusable, got %v", err)
	}
}

func TestListWithdrawalsByStatusHonoursCutoff(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return base })
	seedBalance(t, repo, 1, 5*sol)

	var ids []int64
	for i := 0; i < 2; i++ {
		w, err := repo.CreateWithdrawal(ctx, CreateWithdrawalParams{
			UserID:      1,
			Currency:    domain.CurrencySOL,
			Amount:      sol,
			Destination: "Dest1111111111111111111111111111111111111",
			Type:        domain.WithdrawalBalance,
			Rate:        decimal.NewFromInt(11500),
		})
		if err != nil {
			t.Fatalf("CreateWithdrawal returned error: %v", err)
		}
		ids = append(ids, w.ID)
	}
	claim := escrow.MustWithdrawalRule(escrow.WithdrawalClaim)
	if _, err := repo.TransitionWithdrawal(ctx, WithdrawalTransitionParams{WithdrawalID: ids[0], Rule: claim}); err != nil {
		t.Fatalf("claim first: %v", err)
	}
	repo.SetClock(func() time.Time { return base.Add(time.Hour) })
	if _, err := repo.TransitionWithdrawal(ctx, WithdrawalTransitionParams{WithdrawalID: ids[1], Rule: claim}); err != nil {
		t.Fatalf("claim second: %v", err)
	}

	stale, err := repo.ListWithdrawalsByStatus(ctx, domain.WithdrawalProcessing, base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListWithdrawalsByStatus returned error: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != ids[0] {
		t.Fatalf("expected only withdrawal %d, got %+v", ids[0], stale)
	}
	all, _ := repo.ListWithdrawalsByStatus(ctx, domain.WithdrawalProcessing, time.Time{}, 10)
	if len(all) != 2 {
		t.Fatalf("expected both without a cutoff, got %+v", all)
	}
}

func TestMigrateURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@h:5432/db?sslmode=disable": "pgx5://u:p@h:5432/db?sslmode=disable",
		"postgresql://h/db":                        "pgx5://h/db",
		"pgx5://h/db":                              "pgx5://h/db",
	}
	for in, want := range tests {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}
