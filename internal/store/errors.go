package store

import (
	"errors"
	"fmt"

	"github.com/cryptopay/escrow-service/internal/escrow"
)

var (
	ErrTransactionNotFound   = fmt.Errorf("transaction %w", escrow.ErrNotFound)
	ErrWorkItemNotFound      = fmt.Errorf("work item %w", escrow.ErrNotFound)
	ErrWithdrawalNotFound    = fmt.Errorf("withdrawal request %w", escrow.ErrNotFound)
	ErrWalletNotFound        = fmt.Errorf("wallet %w", escrow.ErrMissingWallet)
	ErrInvalidWithdrawalType = errors.New("invalid withdrawal type")
)

func penaltyReference(transactionID int64) string {
	return fmt.Sprintf("penalty:tx:%d", transactionID)
}
