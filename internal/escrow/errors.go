package escrow

import "errors"

// Business refusals. Callers match them with errors.Is; store I/O faults are never one of these.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrAlreadyClaimed         = errors.New("payment already claimed")
	ErrAlreadyProcessed       = errors.New("transaction already processed")
	ErrExternalTransferFailed = errors.New("external transfer failed")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrNotParticipant         = errors.New("actor is not a participant of this transaction")
	ErrForbidden              = errors.New("actor lacks the required capability")
	ErrNotFound               = errors.New("not found")
	ErrAmountOutOfRange       = errors.New("amount out of range")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrDuplicateWorkItem      = errors.New("work item already exists for transaction")
	ErrEscrowMissing          = errors.New("frozen balance does not cover escrow")
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrTestModeDisabled       = errors.New("test mode disabled")
	ErrMissingWallet          = errors.New("wallet not registered")
	ErrWalletInUse            = errors.New("wallet address or key already bound")
	ErrPayoutUnverified       = errors.New("payout outcome unverified; reconcile required")
)

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrAlreadyClaimed, "already_claimed"},
	{ErrAlreadyProcessed, "already_processed"},
	{ErrExternalTransferFailed, "external_transfer_failed"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrNotParticipant, "not_participant"},
	{ErrForbidden, "forbidden"},
	{ErrNotFound, "not_found"},
	{ErrAmountOutOfRange, "amount_out_of_range"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrDuplicateWorkItem, "duplicate_work_item"},
	{ErrEscrowMissing, "escrow_missing"},
	{ErrRateLimited, "rate_limited"},
	{ErrTestModeDisabled, "test_mode_disabled"},
	{ErrMissingWallet, "missing_wallet"},
	{ErrWalletInUse, "wallet_in_use"},
	{ErrPayoutUnverified, "payout_unverified"},
}

// ReasonCode maps err to its stable refusal code. Unknown errors map to "internal".
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "internal"
}

// IsRefusal reports whether err is an expected business outcome rather than a fault.
func IsRefusal(err error) bool {
	return err != nil && ReasonCode(err) != "internal"
}
