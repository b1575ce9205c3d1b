package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
)

type balanceKey struct {
	userID   int64
	currency string
}

// MemoryRepository keeps all state in process. One mutex stands in for the row-level
// atomicity a single SQL statement gets in Postgres; every method is one such statement.
type MemoryRepository struct {
	mu sync.Mutex

	balances      map[balanceKey]*domain.Balance
	transactions  map[int64]*domain.Transaction
	items         map[int64]*domain.WorkItem
	withdrawals   map[int64]*domain.WithdrawalRequest
	withdrawalTxs map[int64]int64
	references    map[string]int64
	stats         map[int64]*domain.WorkerStats
	roles         map[int64]map[domain.Role]bool
	wallets       map[int64]domain.Wallet

	nextTxID         int64
	nextItemID       int64
	nextWithdrawalID int64

	now func() time.Time
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		balances:      make(map[balanceKey]*domain.Balance),
		transactions:  make(map[int64]*domain.Transaction),
		items:         make(map[int64]*domain.WorkItem),
		withdrawals:   make(map[int64]*domain.WithdrawalRequest),
		withdrawalTxs: make(map[int64]int64),
		references:    make(map[string]int64),
		stats:         make(map[int64]*domain.WorkerStats),
		roles:         make(map[int64]map[domain.Role]bool),
		wallets:       make(map[int64]domain.Wallet),
		now:           time.Now,
	}
}

// SetClock overrides the time source used for created_at/updated_at.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepository) balanceLocked(userID int64, currency string) *domain.Balance {
	key := balanceKey{userID: userID, currency: currency}
	b, ok := m.balances[key]
	if !ok {
		b = &domain.Balance{UserID: userID, Currency: currency, UpdatedAt: m.now()}
		m.balances[key] = b
	}
	return b
}

func (m *MemoryRepository) freezeLocked(userID int64, currency string, amount int64) bool {
	b := m.balanceLocked(userID, currency)
	if b.Available < amount {
		return false
	}
	b.Available -= amount
	b.Frozen += amount
	b.UpdatedAt = m.now()
	return true
}

func (m *MemoryRepository) releaseLocked(userID int64, currency string, amount int64) bool {
	b := m.balanceLocked(userID, currency)
	if b.Frozen < amount {
		return false
	}
	b.Frozen -= amount
	b.Available += amount
	b.UpdatedAt = m.now()
	return true
}

func (m *MemoryRepository) Freeze(ctx context.Context, userID int64, currency string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, escrow.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freezeLocked(userID, currency, amount), nil
}

func (m *MemoryRepository) Unfreeze(ctx context.Context, userID int64, currency string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balanceLocked(userID, currency)
	b.Available += b.Frozen
	b.Frozen = 0
	b.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryRepository) Release(ctx context.Context, userID int64, currency string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, escrow.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(userID, currency, amount), nil
}

func (m *MemoryRepository) Adjust(ctx context.Context, userID int64, currency string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balanceLocked(userID, currency)
	if b.Available+delta < 0 {
		return escrow.ErrInsufficientFunds
	}
	b.Available += delta
	b.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) GetAvailable(ctx context.Context, userID int64, currency string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID, currency).Available, nil
}

func (m *MemoryRepository) GetBalance(ctx context.Context, userID int64, currency string) (domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.balanceLocked(userID, currency), nil
}

func (m *MemoryRepository) insertTransactionLocked(tx domain.Transaction) *domain.Transaction {
	m.nextTxID++
	now := m.now()
	tx.ID = m.nextTxID
	tx.CreatedAt = now
	tx.UpdatedAt = now
	stored := tx
	m.transactions[stored.ID] = &stored
	return &stored
}

func (m *MemoryRepository) enqueueLocked(item domain.WorkItem) (*domain.WorkItem, error) {
	if _, ok := m.transactions[item.TransactionID]; !ok {
		return nil, ErrTransactionNotFound
	}
	if _, exists := m.items[item.TransactionID]; exists {
		return nil, escrow.ErrDuplicateWorkItem
	}
	m.nextItemID++
	item.ID = m.nextItemID
	item.Status = domain.WorkItemPending
	item.CreatedAt = m.now()
	stored := item
	m.items[item.TransactionID] = &stored
	return &stored, nil
}

func (m *MemoryRepository) OpenPaymentEscrow(ctx context.Context, p OpenEscrowParams) (*domain.Transaction, *domain.WorkItem, error) {
	if p.Split.Total <= 0 {
		return nil, nil, escrow.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.freezeLocked(p.UserID, p.Currency, p.Split.Total) {
		return nil, nil, escrow.ErrInsufficientFunds
	}
	tx := m.insertTransactionLocked(domain.Transaction{
		UserID:       p.UserID,
		Kind:         domain.KindPayment,
		Currency:     p.Currency,
		Amount:       -p.Split.Total,
		FiatAmount:   -p.FiatAmount,
		FiatCurrency: p.FiatCurrency,
		Rate:         p.Rate,
		EscrowAmount: p.Split.Total,
		Status:       domain.StatusPending,
	})
	item, err := m.enqueueLocked(domain.WorkItem{
		TransactionID:        tx.ID,
		Descriptor:           p.Descriptor,
		FiatAmount:           p.FiatAmount,
		WorkerEarning:        p.Split.WorkerEarning,
		OperatorCommission:   p.Split.OperatorCommission,
		WorkerCommissionFiat: p.Split.WorkerCommissionFiat,
	})
	if err != nil {
		return nil, nil, err
	}
	txCopy, itemCopy := *tx, *item
	return &txCopy, &itemCopy, nil
}

func (m *MemoryRepository) Enqueue(ctx context.Context, item *domain.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.enqueueLocked(*item)
	if err != nil {
		return err
	}
	*item = *stored
	return nil
}

func (m *MemoryRepository) Claim(ctx context.Context, transactionID, workerID int64) (bool, error) {
	res, err := m.TransitionPayment(ctx, TransitionParams{
		TransactionID: transactionID,
		Rule:          escrow.MustPaymentRule(escrow.EventClaim),
		ActorID:       workerID,
	})
	if err != nil {
		return false, err
	}
	return res.Applied, nil
}

func (m *MemoryRepository) ListPending(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkItem
	for txID, item := range m.items {
		tx := m.transactions[txID]
		if item.Status == domain.WorkItemPending && tx != nil && tx.Status == domain.StatusPending && tx.WorkerID == nil {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) FindWorkItemByTransactionID(ctx context.Context, transactionID int64) (*domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[transactionID]
	if !ok {
		return nil, ErrWorkItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *MemoryRepository) TransitionPayment(ctx context.Context, p TransitionParams) (TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[p.TransactionID]
	if !ok {
		return TransitionResult{}, ErrTransactionNotFound
	}
	if !p.Rule.Apply(*tx, p.ActorID) || (p.UpdatedBefore != nil && !tx.UpdatedAt.Before(*p.UpdatedBefore)) {
		return TransitionResult{Applied: false, Transaction: *tx}, nil
	}
	if p.Rule.ReleaseEscrow && tx.EscrowAmount > 0 {
		if !m.releaseLocked(tx.UserID, tx.Currency, tx.EscrowAmount) {
			return TransitionResult{}, escrow.ErrEscrowMissing
		}
	}

	tx.Status = p.Rule.To
	if p.Rule.Guard == escrow.GuardUnassigned {
		worker := p.ActorID
		tx.WorkerID = &worker
	}
	if p.AdminID != nil {
		admin := *p.AdminID
		tx.AdminID = &admin
	}
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		tx.ErrorMessage = &msg
	}
	tx.UpdatedAt = m.now()

	if item, ok := m.items[tx.ID]; ok {
		if p.Rule.QueueStatus != "" {
			item.Status = p.Rule.QueueStatus
		}
		if p.Rule.Guard == escrow.GuardUnassigned {
			worker := p.ActorID
			item.AssignedWorkerID = &worker
		}
	}
	return TransitionResult{Applied: true, Transaction: *tx}, nil
}

func (m *MemoryRepository) CompleteSettlement(ctx context.Context, p SettlementParams) (TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[p.TransactionID]
	if !ok {
		return TransitionResult{}, ErrTransactionNotFound
	}
	if !p.Rule.Apply(*tx, 0) {
		return TransitionResult{Applied: false, Transaction: *tx}, nil
	}
	item, ok := m.items[tx.ID]
	if !ok {
		return TransitionResult{}, ErrWorkItemNotFound
	}

	b := m.balanceLocked(tx.UserID, tx.Currency)
	if b.Frozen < tx.EscrowAmount {
		return TransitionResult{}, escrow.ErrEscrowMissing
	}
	b.Frozen -= tx.EscrowAmount
	if p.ReportedBalance != nil {
		available := *p.ReportedBalance - b.Frozen
		if available < 0 {
			available = 0
		}
		b.Available = available
	}
	b.UpdatedAt = m.now()

	tx.Status = p.Rule.To
	if p.AdminID != nil {
		admin := *p.AdminID
		tx.AdminID = &admin
	}
	tx.UpdatedAt = m.now()
	item.Status = domain.WorkItemCompleted

	if tx.WorkerID != nil {
		s, ok := m.stats[*tx.WorkerID]
		if !ok {
			s = &domain.WorkerStats{WorkerID: *tx.WorkerID}
			m.stats[*tx.WorkerID] = s
		}
		now := m.now()
		s.CompletedPayments++
		s.TotalCommission += item.WorkerCommissionFiat
		s.TotalProcessed += item.FiatAmount
		s.LastPaymentAt = &now
	}
	return TransitionResult{Applied: true, Transaction: *tx}, nil
}

func (m *MemoryRepository) FindTransactionByID(ctx context.Context, id int64) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryRepository) ListStalePayments(ctx context.Context, statuses []domain.TransactionStatus, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[domain.TransactionStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []domain.Transaction
	for _, tx := range m.transactions {
		if tx.Kind != domain.KindPayment || !wanted[tx.Status] {
			continue
		}
		if tx.UpdatedAt.Before(updatedBefore) {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListTransactionsByUser(ctx context.Context, userID int64, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range m.transactions {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CreateWithdrawal(ctx context.Context, p CreateWithdrawalParams) (*domain.WithdrawalRequest, error) {
	if p.Amount <= 0 {
		return nil, escrow.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var escrowAmount, fiat int64
	switch p.Type {
	case domain.WithdrawalBalance:
		if !m.freezeLocked(p.UserID, p.Currency, p.Amount) {
			return nil, escrow.ErrInsufficientFunds
		}
		escrowAmount = p.Amount
		fiat = escrow.FiatFromLamports(p.Amount, p.Rate)
	case domain.WithdrawalEarnings:
		s, ok := m.stats[p.UserID]
		if !ok || p.EarningsFiat <= 0 || s.TotalCommission < p.EarningsFiat {
			return nil, escrow.ErrInsufficientFunds
		}
		s.TotalCommission -= p.EarningsFiat
		fiat = p.EarningsFiat
	default:
		return nil, ErrInvalidWithdrawalType
	}

	m.nextWithdrawalID++
	now := m.now()
	w := &domain.WithdrawalRequest{
		ID:           m.nextWithdrawalID,
		UserID:       p.UserID,
		Currency:     p.Currency,
		Amount:       p.Amount,
		Destination:  p.Destination,
		Type:         p.Type,
		EarningsFiat: p.EarningsFiat,
		Status:       domain.WithdrawalPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.withdrawals[w.ID] = w

	wid := w.ID
	tx := m.insertTransactionLocked(domain.Transaction{
		UserID:       p.UserID,
		Kind:         domain.KindWithdrawal,
		Currency:     p.Currency,
		Amount:       -p.Amount,
		FiatAmount:   -fiat,
		Rate:         p.Rate,
		EscrowAmount: escrowAmount,
		Status:       domain.StatusPending,
		WithdrawalID: &wid,
	})
	m.withdrawalTxs[w.ID] = tx.ID

	cp := *w
	return &cp, nil
}

func (m *MemoryRepository) TransitionWithdrawal(ctx context.Context, p WithdrawalTransitionParams) (WithdrawalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[p.WithdrawalID]
	if !ok {
		return WithdrawalResult{}, ErrWithdrawalNotFound
	}
	if w.Status != p.Rule.From {
		return WithdrawalResult{Applied: false, Withdrawal: *w}, nil
	}

	switch p.Rule.To {
	case domain.WithdrawalCompleted:
		if w.Type == domain.WithdrawalBalance {
			b := m.balanceLocked(w.UserID, w.Currency)
			if b.Frozen < w.Amount {
				return WithdrawalResult{}, escrow.ErrEscrowMissing
			}
			b.Frozen -= w.Amount
			b.UpdatedAt = m.now()
		}
	case domain.WithdrawalRejected:
		if w.Type == domain.WithdrawalBalance {
			if !m.releaseLocked(w.UserID, w.Currency, w.Amount) {
				return WithdrawalResult{}, escrow.ErrEscrowMissing
			}
		} else {
			s, ok := m.stats[w.UserID]
			if !ok {
				s = &domain.WorkerStats{WorkerID: w.UserID}
				m.stats[w.UserID] = s
			}
			s.TotalCommission += w.EarningsFiat
		}
	}

	w.Status = p.Rule.To
	if p.AdminID != nil {
		admin := *p.AdminID
		w.AdminID = &admin
	}
	if p.TxHash != nil {
		hash := *p.TxHash
		w.TxHash = &hash
	}
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		w.ErrorMessage = &msg
	}
	w.UpdatedAt = m.now()

	if txID, ok := m.withdrawalTxs[w.ID]; ok {
		tx := m.transactions[txID]
		if p.Rule.TransactionStatus != "" {
			tx.Status = p.Rule.TransactionStatus
		}
		if p.AdminID != nil {
			admin := *p.AdminID
			tx.AdminID = &admin
		}
		if p.ErrorMessage != nil {
			msg := *p.ErrorMessage
			tx.ErrorMessage = &msg
		}
		if p.TxHash != nil {
			hash := *p.TxHash
			tx.Reference = &hash
		}
		tx.UpdatedAt = m.now()
	}
	return WithdrawalResult{Applied: true, Withdrawal: *w}, nil
}

func (m *MemoryRepository) FindWithdrawalByID(ctx context.Context, id int64) (*domain.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryRepository) ListPendingWithdrawals(ctx context.Context, limit int) ([]domain.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WithdrawalRequest
	for _, w := range m.withdrawals {
		if w.Status == domain.WithdrawalPending {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) RecordDeposit(ctx context.Context, p DepositParams) (*domain.Transaction, bool, error) {
	if p.Amount <= 0 {
		return nil, false, escrow.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Reference != "" {
		if txID, ok := m.references[p.Reference]; ok {
			cp := *m.transactions[txID]
			return &cp, true, nil
		}
	}

	b := m.balanceLocked(p.UserID, p.Currency)
	b.Available += p.Amount
	b.UpdatedAt = m.now()

	tx := domain.Transaction{
		UserID:   p.UserID,
		Kind:     p.Kind,
		Currency: p.Currency,
		Amount:   p.Amount,
		Status:   domain.StatusCompleted,
	}
	if p.Reference != "" {
		ref := p.Reference
		tx.Reference = &ref
	}
	stored := m.insertTransactionLocked(tx)
	if p.Reference != "" {
		m.references[p.Reference] = stored.ID
	}
	cp := *stored
	return &cp, false, nil
}

func (m *MemoryRepository) ResetTestBalance(ctx context.Context, userID int64, currency string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for id, tx := range m.transactions {
		if tx.UserID == userID && tx.Currency == currency && tx.Kind == domain.KindTestDeposit {
			sum += tx.Amount
			if tx.Reference != nil {
				delete(m.references, *tx.Reference)
			}
			delete(m.transactions, id)
		}
	}
	b := m.balanceLocked(userID, currency)
	debit := sum
	if debit > b.Available {
		debit = b.Available
	}
	b.Available -= debit
	b.UpdatedAt = m.now()
	return debit, nil
}

func (m *MemoryRepository) ApplyPenalty(ctx context.Context, p PenaltyParams) (int64, error) {
	if p.Amount <= 0 {
		return 0, escrow.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := penaltyReference(p.TransactionID)
	if _, charged := m.references[ref]; charged {
		return 0, nil
	}
	b := m.balanceLocked(p.WorkerID, p.Currency)
	charged := p.Amount
	if charged > b.Available {
		charged = b.Available
	}
	if charged == 0 {
		return 0, nil
	}
	b.Available -= charged
	b.UpdatedAt = m.now()

	stored := m.insertTransactionLocked(domain.Transaction{
		UserID:    p.WorkerID,
		Kind:      domain.KindPenalty,
		Currency:  p.Currency,
		Amount:    -charged,
		Status:    domain.StatusCompleted,
		Reference: &ref,
	})
	m.references[ref] = stored.ID
	return charged, nil
}

func (m *MemoryRepository) GetWorkerStats(ctx context.Context, workerID int64) (*domain.WorkerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[workerID]
	if !ok {
		return &domain.WorkerStats{WorkerID: workerID}, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) ListTopWorkers(ctx context.Context, limit int) ([]domain.WorkerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.WorkerStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedPayments != out[j].CompletedPayments {
			return out[i].CompletedPayments > out[j].CompletedPayments
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListRoles(ctx context.Context, userID int64) ([]domain.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Role
	for role := range m.roles[userID] {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryRepository) ListWithdrawalsByStatus(ctx context.Context, status domain.WithdrawalStatus, updatedBefore time.Time, limit int) ([]domain.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WithdrawalRequest
	for _, w := range m.withdrawals {
		if w.Status != status {
			continue
		}
		if !updatedBefore.IsZero() && !w.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) GrantRole(ctx context.Context, userID int64, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[userID] == nil {
		m.roles[userID] = make(map[domain.Role]bool)
	}
	m.roles[userID][role] = true
	return nil
}

func (m *MemoryRepository) ListUserIDsByRole(ctx context.Context, role domain.Role) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for userID, roles := range m.roles {
		if roles[role] {
			out = append(out, userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryRepository) FindWallet(ctx context.Context, userID int64) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return &w, nil
}

func (m *MemoryRepository) BindWallet(ctx context.Context, wallet domain.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for owner, bound := range m.wallets {
		if owner == wallet.UserID {
			continue
		}
		if bound.Address == wallet.Address || bound.KeyRef == wallet.KeyRef {
			return escrow.ErrWalletInUse
		}
	}
	m.wallets[wallet.UserID] = wallet
	return nil
}
