/**
 * @description
 * Transition table for payment and withdrawal transactions. Every rule names the statuses
 * it may leave, the status it enters, the row guard the store must encode in its WHERE
 * clause, and the money effect applied in the same database transaction.
 *
 * The store executes a rule as one guarded UPDATE. When the guard matches no row the
 * current row is re-read and Refusal classifies why, without mutating anything.
 */

package escrow

import "github.com/cryptopay/escrow-service/internal/domain"

// Event drives a payment transition.
type Event string

const (
	EventClaim         Event = "claim"
	EventWorkerConfirm Event = "worker_confirm"
	EventWorkerError   Event = "worker_error"
	EventUserConfirm   Event = "user_confirm"
	EventSettle        Event = "settle"
	EventSettleFailed  Event = "settle_failed"
	EventUserReject    Event = "user_reject"
	EventAdminCancel   Event = "admin_cancel"
	EventTimeout       Event = "timeout"
	EventAdminResolve  Event = "admin_resolve"
	EventAdminRefund   Event = "admin_refund"
)

// Guard is the row condition, beyond status, a transition requires.
type Guard int

const (
	GuardNone Guard = iota
	// GuardUnassigned requires worker_id IS NULL and an actor other than the owner, and
	// assigns the actor.
	GuardUnassigned
	// GuardWorker requires worker_id = actor.
	GuardWorker
	// GuardUser requires user_id = actor.
	GuardUser
)

// Rule describes one payment transition.
type Rule struct {
	Event         Event
	From          []domain.TransactionStatus
	To            domain.TransactionStatus
	Guard         Guard
	Capability    domain.Capability
	ReleaseEscrow bool
	QueueStatus   domain.WorkItemStatus
}

var paymentRules = map[Event]Rule{
	EventClaim: {
		Event:      EventClaim,
		From:       []domain.TransactionStatus{domain.StatusPending},
		To:         domain.StatusInProgress,
		Guard:      GuardUnassigned,
		Capability: domain.CapClaimPayments,
	},
	EventWorkerConfirm: {
		Event: EventWorkerConfirm,
		From:  []domain.TransactionStatus{domain.StatusInProgress},
		To:    domain.StatusWaitingUserConfirmation,
		Guard: GuardWorker,
	},
	EventWorkerError: {
		Event:         EventWorkerError,
		From:          []domain.TransactionStatus{domain.StatusInProgress},
		To:            domain.StatusError,
		Guard:         GuardWorker,
		ReleaseEscrow: true,
		QueueStatus:   domain.WorkItemError,
	},
	EventUserConfirm: {
		Event: EventUserConfirm,
		From:  []domain.TransactionStatus{domain.StatusWaitingUserConfirmation},
		To:    domain.StatusSettling,
		Guard: GuardUser,
	},
	EventSettle: {
		Event:       EventSettle,
		From:        []domain.TransactionStatus{domain.StatusSettling},
		To:          domain.StatusCompleted,
		QueueStatus: domain.WorkItemCompleted,
	},
	EventSettleFailed: {
		Event: EventSettleFailed,
		From:  []domain.TransactionStatus{domain.StatusSettling},
		To:    domain.StatusSettlementFailed,
	},
	EventUserReject: {
		Event:         EventUserReject,
		From:          []domain.TransactionStatus{domain.StatusWaitingUserConfirmation},
		To:            domain.StatusCancelled,
		Guard:         GuardUser,
		ReleaseEscrow: true,
		QueueStatus:   domain.WorkItemCancelled,
	},
	EventAdminCancel: {
		Event:         EventAdminCancel,
		From:          []domain.TransactionStatus{domain.StatusPending},
		To:            domain.StatusCancelled,
		Capability:    domain.CapCancelPayments,
		ReleaseEscrow: true,
		QueueStatus:   domain.WorkItemCancelled,
	},
	EventTimeout: {
		Event:         EventTimeout,
		From:          []domain.TransactionStatus{domain.StatusPending, domain.StatusInProgress},
		To:            domain.StatusError,
		ReleaseEscrow: true,
		QueueStatus:   domain.WorkItemError,
	},
	EventAdminResolve: {
		Event:       EventAdminResolve,
		From:        []domain.TransactionStatus{domain.StatusSettlementFailed},
		To:          domain.StatusCompleted,
		Capability:  domain.CapResolveSettlement,
		QueueStatus: domain.WorkItemCompleted,
	},
	EventAdminRefund: {
		Event:         EventAdminRefund,
		From:          []domain.TransactionStatus{domain.StatusSettlementFailed},
		To:            domain.StatusCancelled,
		Capability:    domain.CapResolveSettlement,
		ReleaseEscrow: true,
		QueueStatus:   domain.WorkItemCancelled,
	},
}

// PaymentRule returns the rule for event e.
func PaymentRule(e Event) (Rule, bool) {
	r, ok := paymentRules[e]
	return r, ok
}

// MustPaymentRule is PaymentRule for events known at compile time.
func MustPaymentRule(e Event) Rule {
	r, ok := paymentRules[e]
	if !ok {
		panic("escrow: unknown payment event " + string(e))
	}
	return r
}

// Allows reports whether the rule may leave status s.
func (r Rule) Allows(s domain.TransactionStatus) bool {
	for _, from := range r.From {
		if from == s {
			return true
		}
	}
	return false
}

// Permits checks the capability and participant guards against current without the status check.
func (r Rule) Permits(current domain.Transaction, actor domain.Actor) error {
	if r.Capability != "" && !actor.Can(r.Capability) {
		return ErrForbidden
	}
	switch r.Guard {
	case GuardUnassigned:
		if current.UserID == actor.UserID {
			return ErrForbidden
		}
	case GuardWorker:
		if current.WorkerID == nil || *current.WorkerID != actor.UserID {
			return ErrNotParticipant
		}
	case GuardUser:
		if current.UserID != actor.UserID {
			return ErrNotParticipant
		}
	}
	return nil
}

// Apply evaluates the rule against an in-memory row. Stores that cannot express the guard in
// SQL use it under their own atomicity; it mirrors the WHERE clause of the Postgres store.
func (r Rule) Apply(current domain.Transaction, actorID int64) bool {
	if current.Kind != domain.KindPayment || !r.Allows(current.Status) {
		return false
	}
	switch r.Guard {
	case GuardUnassigned:
		return current.WorkerID == nil && current.UserID != actorID
	case GuardWorker:
		return current.WorkerID != nil && *current.WorkerID == actorID
	case GuardUser:
		return current.UserID == actorID
	}
	return true
}

// Refusal classifies a guarded update that matched no row, given the row as it is now.
func (r Rule) Refusal(current domain.Transaction, actorID int64) error {
	if current.Kind != domain.KindPayment {
		return ErrInvalidTransition
	}
	switch r.Guard {
	case GuardWorker:
		if current.WorkerID == nil || *current.WorkerID != actorID {
			if current.Status.IsTerminal() {
				return ErrAlreadyProcessed
			}
			return ErrNotParticipant
		}
	case GuardUser:
		if current.UserID != actorID {
			return ErrNotParticipant
		}
	case GuardUnassigned:
		if current.UserID == actorID {
			return ErrForbidden
		}
		if current.WorkerID != nil && !current.Status.IsTerminal() {
			return ErrAlreadyClaimed
		}
	}
	if current.Status.IsTerminal() {
		return ErrAlreadyProcessed
	}
	if r.Allows(current.Status) || stage(current.Status) > r.maxFromStage() {
		return ErrAlreadyProcessed
	}
	return ErrInvalidTransition
}

func (r Rule) maxFromStage() int {
	max := -1
	for _, s := range r.From {
		if st := stage(s); st > max {
			max = st
		}
	}
	return max
}

func stage(s domain.TransactionStatus) int {
	switch s {
	case domain.StatusPending:
		return 0
	case domain.StatusInProgress:
		return 1
	case domain.StatusWaitingUserConfirmation:
		return 2
	case domain.StatusSettling:
		return 3
	case domain.StatusSettlementFailed:
		return 4
	}
	return 5
}

// WithdrawalEvent drives a withdrawal transition.
type WithdrawalEvent string

const (
	WithdrawalClaim    WithdrawalEvent = "claim"
	WithdrawalComplete WithdrawalEvent = "complete"
	WithdrawalRelease  WithdrawalEvent = "release"
	WithdrawalReject   WithdrawalEvent = "reject"
	// WithdrawalPark moves a payout whose result is unknown out of processing.
	WithdrawalPark WithdrawalEvent = "park"
	// WithdrawalConfirmPaid and WithdrawalRefund settle a parked payout by hand.
	WithdrawalConfirmPaid WithdrawalEvent = "confirm_paid"
	WithdrawalRefund      WithdrawalEvent = "refund"
)

// WithdrawalRule describes one withdrawal transition.
type WithdrawalRule struct {
	Event WithdrawalEvent
	From  domain.WithdrawalStatus
	To    domain.WithdrawalStatus
	// TransactionStatus is applied to the linked transaction; empty leaves it untouched.
	TransactionStatus domain.TransactionStatus
}

var withdrawalRules = map[WithdrawalEvent]WithdrawalRule{
	WithdrawalClaim:    {Event: WithdrawalClaim, From: domain.WithdrawalPending, To: domain.WithdrawalProcessing},
	WithdrawalComplete: {Event: WithdrawalComplete, From: domain.WithdrawalProcessing, To: domain.WithdrawalCompleted, TransactionStatus: domain.StatusCompleted},
	WithdrawalRelease:  {Event: WithdrawalRelease, From: domain.WithdrawalProcessing, To: domain.WithdrawalPending},
	WithdrawalReject:   {Event: WithdrawalReject, From: domain.WithdrawalPending, To: domain.WithdrawalRejected, TransactionStatus: domain.StatusRejected},
	WithdrawalPark:     {Event: WithdrawalPark, From: domain.WithdrawalProcessing, To: domain.WithdrawalPayoutUnverified},
	WithdrawalConfirmPaid: {
		Event:             WithdrawalConfirmPaid,
		From:              domain.WithdrawalPayoutUnverified,
		To:                domain.WithdrawalCompleted,
		TransactionStatus: domain.StatusCompleted,
	},
	WithdrawalRefund: {
		Event:             WithdrawalRefund,
		From:              domain.WithdrawalPayoutUnverified,
		To:                domain.WithdrawalRejected,
		TransactionStatus: domain.StatusRejected,
	},
}

// MustWithdrawalRule returns the rule for event e.
func MustWithdrawalRule(e WithdrawalEvent) WithdrawalRule {
	r, ok := withdrawalRules[e]
	if !ok {
		panic("escrow: unknown withdrawal event " + string(e))
	}
	return r
}

// Refusal classifies a withdrawal guard that matched no row.
func (r WithdrawalRule) Refusal(current domain.WithdrawalRequest) error {
	switch {
	case current.Status.IsTerminal():
		return ErrAlreadyProcessed
	case current.Status == domain.WithdrawalProcessing && r.From == domain.WithdrawalPending:
		return ErrAlreadyProcessed
	case current.Status == domain.WithdrawalPayoutUnverified && r.From != domain.WithdrawalPayoutUnverified:
		return ErrPayoutUnverified
	}
	return ErrInvalidTransition
}
