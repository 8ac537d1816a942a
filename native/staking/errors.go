package staking

import "errors"

var (
	ErrNotFound           = errors.New("staking: not found")
	ErrInvalidState       = errors.New("staking: invalid state")
	ErrNotYetUnlocked     = errors.New("staking: not yet unlocked")
	ErrInsufficientAmount = errors.New("staking: insufficient amount")
	ErrSignatureMismatch  = errors.New("staking: signature mismatch")
	ErrConfiguration      = errors.New("staking: configuration error")
	ErrLedgerUnavailable  = errors.New("staking: ledger unavailable")
	ErrInvalidAddress     = errors.New("staking: invalid address")
	ErrInvalidAmount      = errors.New("staking: invalid amount")
	ErrConflict           = errors.New("staking: conflicting request")
	ErrInvalidRequest     = errors.New("staking: invalid request")
)

// UnlockError reports a complete-unstake attempt made before the lock window
// elapsed. It matches both ErrNotYetUnlocked and ErrInvalidState.
type UnlockError struct {
	UnlockAt int64
}

func (e *UnlockError) Error() string {
	return "staking: not yet unlocked"
}

func (e *UnlockError) Is(target error) bool {
	return target == ErrNotYetUnlocked || target == ErrInvalidState
}
