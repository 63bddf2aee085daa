package redemption

import (
	"errors"
	"fmt"
)

var (
	ErrNoTokenAccount            = errors.New("holder has no token account")
	ErrInsufficientBalance       = errors.New("insufficient token balance")
	ErrBurnNotFound              = errors.New("burn transaction not found")
	ErrBurnFailed                = errors.New("burn transaction failed on chain")
	ErrBurnMismatch              = errors.New("burn transaction does not cover the requested amount")
	ErrBurnUnverifiable          = errors.New("could not verify burn transaction")
	ErrAlreadyRedeemed           = errors.New("burn transaction already redeemed")
	ErrInsufficientPlatformFunds = errors.New("platform has insufficient balance for this redemption")
	ErrChainUnavailable          = errors.New("chain read failed")
	ErrPayoutFailed              = errors.New("payout failed after burn was verified")
	ErrInvalidTransition         = errors.New("invalid redemption state transition")
)

// InsufficientBalanceError carries the figures behind ErrInsufficientBalance.
type InsufficientBalanceError struct {
	Required  uint64
	Available uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient token balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// PayoutError reports a verified burn whose payout did not go through.
// Released is true when the chain rejected the transfer before it could land
// and the burn was put back as redeemable.
type PayoutError struct {
	BurnSignature string
	Released      bool
	Err           error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("payout for burn %s failed: %v", e.BurnSignature, e.Err)
}

func (e *PayoutError) Unwrap() []error { return []error{ErrPayoutFailed, e.Err} }

// Retryable reports whether calling the same phase again may succeed without
// the holder doing anything new.
func Retryable(err error) bool {
	var pe *PayoutError
	if errors.As(err, &pe) {
		return pe.Released
	}
	return errors.Is(err, ErrInsufficientPlatformFunds) ||
		errors.Is(err, ErrBurnUnverifiable) ||
		errors.Is(err, ErrChainUnavailable)
}
