package domain

import "errors"

// Business-rule rejections. Callers classify with errors.Is; storage I/O
// failures are returned unwrapped by these sentinels so they can be retried
// with backoff instead of being treated as rejections.
var (
	// Validation: rejected before any state read or write, safe to retry
	// after fixing the input.
	ErrSelfTip           = errors.New("self-tip rejected")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidKey        = errors.New("malformed idempotency key")
	ErrInvalidBatch      = errors.New("empty batch")
	ErrMalformedBatch    = errors.New("batch items and keys length mismatch")
	ErrBelowMinimumStake = errors.New("stake below configured minimum")
	ErrRateTooHigh       = errors.New("daily rate above hard ceiling")
	ErrInvalidReset      = errors.New("spent cannot exceed granted")

	// Conflict: do not blindly retry with the same key.
	ErrDuplicateTip = errors.New("duplicate idempotency key")
	ErrContention   = errors.New("storage contention, retry budget exhausted")

	// Insufficient funds: user-correctable shortfalls.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientStake     = errors.New("unstake exceeds staked balance")
	ErrInsufficientReserve   = errors.New("insufficient custody reserve")
	ErrNothingToClaim        = errors.New("nothing to claim")

	// Authorization: fatal for the call, not retryable.
	ErrNotAuthorized = errors.New("not authorized")

	// Store lookups.
	ErrTipNotFound = errors.New("tip not found")
)

// IsValidation reports whether err is a pre-state validation rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrSelfTip) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidBatch) ||
		errors.Is(err, ErrMalformedBatch) ||
		errors.Is(err, ErrBelowMinimumStake) ||
		errors.Is(err, ErrRateTooHigh) ||
		errors.Is(err, ErrInvalidReset)
}

// IsConflict reports whether err requires a fresh idempotency key (or an
// outcome check) before any retry.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateTip) || errors.Is(err, ErrContention)
}

// IsInsufficientFunds reports whether err is a balance/allowance/reserve
// shortfall. The wrapped message carries the exact shortfall.
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientAllowance) ||
		errors.Is(err, ErrInsufficientStake) ||
		errors.Is(err, ErrInsufficientReserve) ||
		errors.Is(err, ErrNothingToClaim)
}
