package escrow

import (
	"fmt"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	hundred        = decimal.NewFromInt(100)
	lamportsPerSOL = decimal.NewFromInt(domain.LamportsPerSOL)
)

// Split is the fund allocation of one payment escrow.
type Split struct {
	// Base is the fiat amount converted to lamports at the escrow rate.
	Base int64
	// Total is what gets frozen: base plus the markup.
	Total int64
	// WorkerEarning reimburses the fiat the worker paid plus the worker commission.
	WorkerEarning int64
	// OperatorCommission is the remainder of Total after the worker leg.
	OperatorCommission int64
	// WorkerCommissionFiat is the worker commission in fiat minor units, credited to worker stats.
	WorkerCommissionFiat int64
}

// ComputeSplit allocates a payment of fiatMinor at rate (fiat per SOL). Total is rounded up and
// the worker leg down so that WorkerEarning + OperatorCommission == Total exactly.
func ComputeSplit(fiatMinor int64, rate, markupPercent, workerPercent decimal.Decimal) (Split, error) {
	if fiatMinor <= 0 {
		return Split{}, ErrInvalidAmount
	}
	if !rate.IsPositive() {
		return Split{}, fmt.Errorf("rate must be positive, got %s", rate)
	}
	if markupPercent.IsNegative() || workerPercent.IsNegative() || workerPercent.GreaterThan(markupPercent) {
		return Split{}, fmt.Errorf("invalid commission percentages markup=%s worker=%s", markupPercent, workerPercent)
	}

	base := LamportsFromFiat(fiatMinor, rate)
	if base <= 0 {
		return Split{}, ErrAmountOutOfRange
	}

	baseDec := decimal.NewFromInt(base)
	total := baseDec.Mul(hundred.Add(markupPercent)).Div(hundred).Ceil().IntPart()
	worker := baseDec.Mul(hundred.Add(workerPercent)).Div(hundred).Floor().IntPart()
	commissionFiat := decimal.NewFromInt(fiatMinor).Mul(workerPercent).Div(hundred).Round(0).IntPart()

	return Split{
		Base:                 base,
		Total:                total,
		WorkerEarning:        worker,
		OperatorCommission:   total - worker,
		WorkerCommissionFiat: commissionFiat,
	}, nil
}

// LamportsFromFiat converts fiat minor units to lamports at rate (fiat major units per SOL).
func LamportsFromFiat(fiatMinor int64, rate decimal.Decimal) int64 {
	if !rate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(fiatMinor).
		Div(hundred).
		Div(rate).
		Mul(lamportsPerSOL).
		Round(0).
		IntPart()
}

// LamportsFromMajor converts a major-unit amount (e.g. 1 USD) to lamports at rate.
func LamportsFromMajor(amount, rate decimal.Decimal) int64 {
	if !rate.IsPositive() || !amount.IsPositive() {
		return 0
	}
	return amount.Div(rate).Mul(lamportsPerSOL).Round(0).IntPart()
}

// FiatFromLamports converts lamports to fiat minor units at rate.
func FiatFromLamports(lamports int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(lamports).
		Div(lamportsPerSOL).
		Mul(rate).
		Mul(hundred).
		Round(0).
		IntPart()
}

// SOL formats lamports as a decimal SOL amount for logs and payloads.
func SOL(lamports int64) string {
	return decimal.NewFromInt(lamports).Div(lamportsPerSOL).StringFixed(9)
}
