package model

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ApplyRatio returns floor(amount / ratio). Both issuance on deposit and the
// payout on redemption use this convention, so a ratio above one yields fewer
// units out than went in.
func ApplyRatio(amount uint64, ratio decimal.Decimal) (uint64, error) {
	if !ratio.IsPositive() {
		return 0, fmt.Errorf("%w: ratio must be positive, got %s", ErrInvalidArgument, ratio)
	}
	num := new(big.Rat).SetInt(new(big.Int).SetUint64(amount))
	q := num.Quo(num, ratio.Rat())
	out := new(big.Int).Quo(q.Num(), q.Denom())
	if !out.IsUint64() {
		return 0, fmt.Errorf("%w: %d / %s overflows", ErrInvalidArgument, amount, ratio)
	}
	return out.Uint64(), nil
}

// ValidateAmountRatio rejects non-positive inputs shared by every operation.
func ValidateAmountRatio(amount uint64, ratio decimal.Decimal) error {
	if amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if !ratio.IsPositive() {
		return fmt.Errorf("%w: ratio must be positive", ErrInvalidArgument)
	}
	return nil
}
