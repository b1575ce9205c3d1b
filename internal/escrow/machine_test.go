package escrow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cryptopay/escrow-service/internal/domain"
)

func int64Ptr(v int64) *int64 { return &v }

func TestRuleApply(t *testing.T) {
	const user, worker, other = int64(10), int64(20), int64(30)

	tests := []struct {
		name    string
		event   Event
		status  domain.TransactionStatus
		worker  *int64
		actor   int64
		applies bool
	}{
		{"claim unassigned pending", EventClaim, domain.StatusPending, nil, worker, true},
		{"claim own payment", EventClaim, domain.StatusPending, nil, user, false},
		{"claim already assigned", EventClaim, domain.StatusPending, int64Ptr(other), worker, false},
		{"claim in progress", EventClaim, domain.StatusInProgress, int64Ptr(other), worker, false},
		{"worker confirm by assignee", EventWorkerConfirm, domain.StatusInProgress, int64Ptr(worker), worker, true},
		{"worker confirm by stranger", EventWorkerConfirm, domain.StatusInProgress, int64Ptr(worker), other, false},
		{"worker error by assignee", EventWorkerError, domain.StatusInProgress, int64Ptr(worker), worker, true},
		{"user confirm by owner", EventUserConfirm, domain.StatusWaitingUserConfirmation, int64Ptr(worker), user, true},
		{"user confirm by worker", EventUserConfirm, domain.StatusWaitingUserConfirmation, int64Ptr(worker), worker, false},
		{"user reject by owner", EventUserReject, domain.StatusWaitingUserConfirmation, int64Ptr(worker), user, true},
		{"admin cancel pending", EventAdminCancel, domain.StatusPending, nil, other, true},
		{"admin cancel claimed", EventAdminCancel, domain.StatusInProgress, int64Ptr(worker), other, false},
		{"timeout pending", EventTimeout, domain.StatusPending, nil, 0, true},
		{"timeout in progress", EventTimeout, domain.StatusInProgress, int64Ptr(worker), 0, true},
		{"timeout waiting user", EventTimeout, domain.StatusWaitingUserConfirmation, int64Ptr(worker), 0, false},
		{"settle from settling", EventSettle, domain.StatusSettling, int64Ptr(worker), 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := domain.Transaction{Kind: domain.KindPayment, UserID: user, Status: tt.status, WorkerID: tt.worker}
			if got := MustPaymentRule(tt.event).Apply(tx, tt.actor); got != tt.applies {
				t.Fatalf("expected apply=%t, got %t", tt.applies, got)
			}
		})
	}
}

func TestTerminalStatesRefuseEveryEvent(t *testing.T) {
	terminal := []domain.TransactionStatus{domain.StatusCompleted, domain.StatusCancelled, domain.StatusError}
	for _, status := range terminal {
		for event := range paymentRules {
			rule := MustPaymentRule(event)
			tx := domain.Transaction{Kind: domain.KindPayment, UserID: 1, Status: status, WorkerID: int64Ptr(2)}
			actor := int64(2)
			if rule.Guard == GuardUser {
				actor = 1
			}
			if rule.Apply(tx, actor) {
				t.Fatalf("event %s applied from terminal status %s", event, status)
			}
			if err := rule.Refusal(tx, actor); !errors.Is(err, ErrAlreadyProcessed) {
				t.Fatalf("event %s from %s: expected ErrAlreadyProcessed, got %v", event, status, err)
			}
		}
	}
}

func TestRefusalClassification(t *testing.T) {
	tests := []struct {
		name   string
		event  Event
		tx     domain.Transaction
		actor  int64
		expect error
	}{
		{
			name:   "claim lost race",
			event:  EventClaim,
			tx:     domain.Transaction{Kind: domain.KindPayment, Status: domain.StatusInProgress, WorkerID: int64Ptr(7)},
			actor:  8,
			expect: ErrAlreadyClaimed,
		},
		{
			name:   "claim own payment",
			event:  EventClaim,
			tx:     domain.Transaction{Kind: domain.KindPayment, UserID: 8, Status: domain.StatusPending},
			actor:  8,
			expect: ErrForbidden,
		},
		{
			name:   "worker confirm by stranger",
			event:  EventWorkerConfirm,
			tx:     domain.Transaction{Kind: domain.KindPayment, Status: domain.StatusInProgress, WorkerID: int64Ptr(7)},
			actor:  8,
			expect: ErrNotParticipant,
		},
		{
			name:   "worker confirm before claim",
			event:  EventWorkerConfirm,
			tx:     domain.Transaction{Kind: domain.KindPayment, Status: domain.StatusPending},
			actor:  8,
			expect: ErrNotParticipant,
		},
		{
			name:   "user confirm twice while settling",
			event:  EventUserConfirm,
			tx:     domain.Transaction{Kind: domain.KindPayment, UserID: 1, Status: domain.StatusSettling, WorkerID: int64Ptr(7)},
			actor:  1,
			expect: ErrAlreadyProcessed,
		},
		{
			name:   "user confirm before worker confirm",
			event:  EventUserConfirm,
			tx:     domain.Transaction{Kind: domain.KindPayment, UserID: 1, Status: domain.StatusInProgress, WorkerID: int64Ptr(7)},
			actor:  1,
			expect: ErrInvalidTransition,
		},
		{
			name:   "admin cancel after claim",
			event:  EventAdminCancel,
			tx:     domain.Transaction{Kind: domain.KindPayment, Status: domain.StatusInProgress, WorkerID: int64Ptr(7)},
			actor:  99,
			expect: ErrAlreadyProcessed,
		},
		{
			name:   "payment event on withdrawal row",
			event:  EventAdminCancel,
			tx:     domain.Transaction{Kind: domain.KindWithdrawal, Status: domain.StatusPending},
			actor:  99,
			expect: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MustPaymentRule(tt.event).Refusal(tt.tx, tt.actor)
			if !errors.Is(err, tt.expect) {
				t.Fatalf("expected %v, got %v", tt.expect, err)
			}
		})
	}
}

func TestPermitsChecksCapabilities(t *testing.T) {
	worker := domain.NewActor(5, []domain.Role{domain.RoleWorker})
	user := domain.NewActor(6, nil)
	tx := domain.Transaction{Kind: domain.KindPayment, UserID: 6, Status: domain.StatusPending}

	if err := MustPaymentRule(EventClaim).Permits(tx, user); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected plain user claim to be forbidden, got %v", err)
	}
	if err := MustPaymentRule(EventClaim).Permits(tx, worker); err != nil {
		t.Fatalf("expected worker claim to be permitted, got %v", err)
	}
	if err := MustPaymentRule(EventAdminCancel).Permits(tx, worker); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected worker cancel to be forbidden, got %v", err)
	}
	own := domain.Transaction{Kind: domain.KindPayment, UserID: 5, Status: domain.StatusPending}
	if err := MustPaymentRule(EventClaim).Permits(own, worker); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected claiming own payment to be forbidden, got %v", err)
	}
}

func TestWithdrawalRefusal(t *testing.T) {
	tests := []struct {
		event  WithdrawalEvent
		status domain.WithdrawalStatus
		expect error
	}{
		{WithdrawalReject, domain.WithdrawalCompleted, ErrAlreadyProcessed},
		{WithdrawalReject, domain.WithdrawalProcessing, ErrAlreadyProcessed},
		{WithdrawalClaim, domain.WithdrawalPayoutUnverified, ErrPayoutUnverified},
		{WithdrawalReject, domain.WithdrawalPayoutUnverified, ErrPayoutUnverified},
		{WithdrawalComplete, domain.WithdrawalPayoutUnverified, ErrPayoutUnverified},
		{WithdrawalRefund, domain.WithdrawalRejected, ErrAlreadyProcessed},
		{WithdrawalConfirmPaid, domain.WithdrawalPending, ErrInvalidTransition},
		{WithdrawalPark, domain.WithdrawalPending, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(string(tt.event)+"/"+string(tt.status), func(t *testing.T) {
			if err := MustWithdrawalRule(tt.event).Refusal(domain.WithdrawalRequest{Status: tt.status}); !errors.Is(err, tt.expect) {
				t.Fatalf("expected %v, got %v", tt.expect, err)
			}
		})
	}
}

func TestParkedWithdrawalRules(t *testing.T) {
	park := MustWithdrawalRule(WithdrawalPark)
	if park.From != domain.WithdrawalProcessing || park.To != domain.WithdrawalPayoutUnverified || park.TransactionStatus != "" {
		t.Fatalf("unexpected park rule %+v", park)
	}
	if domain.WithdrawalPayoutUnverified.IsTerminal() {
		t.Fatal("expected payout_unverified to stay open")
	}
	paid := MustWithdrawalRule(WithdrawalConfirmPaid)
	if paid.From != domain.WithdrawalPayoutUnverified || paid.To != domain.WithdrawalCompleted {
		t.Fatalf("unexpected confirm_paid rule %+v", paid)
	}
	refund := MustWithdrawalRule(WithdrawalRefund)
	if refund.From != domain.WithdrawalPayoutUnverified || refund.To != domain.WithdrawalRejected {
		t.Fatalf("unexpected refund rule %+v", refund)
	}
}

func TestReasonCode(t *testing.T) {
	wrapped := errors.Join(errors.New("leg operator"), ErrExternalTransferFailed)
	if got := ReasonCode(wrapped); got != "external_transfer_failed" {
		t.Fatalf("expected external_transfer_failed, got %q", got)
	}
	if got := ReasonCode(fmt.Errorf("%w: rpc unavailable", ErrPayoutUnverified)); got != "payout_unverified" {
		t.Fatalf("expected payout_unverified, got %q", got)
	}
	if got := ReasonCode(errors.New("connection refused")); got != "internal" {
		t.Fatalf("expected internal, got %q", got)
	}
	if IsRefusal(errors.New("boom")) {
		t.Fatalf("expected store fault not to be a refusal")
	}
}
