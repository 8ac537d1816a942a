package staking

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stakegate/crypto"
)

const (
	// LockDuration is the wait between requesting and completing an unstake.
	LockDuration = 48 * time.Hour
	// PenaltyWindow is the minimum stake age that avoids the early-unstake penalty.
	PenaltyWindow = 72 * time.Hour
	// PenaltyPercent is withheld on completion when the penalty flag is set.
	PenaltyPercent = 5
)

// Status represents the lifecycle state of a stake account.
type Status uint8

const (
	StatusActive Status = iota
	StatusUnstaking
	StatusUnstaked
)

// ParseStatus decodes the on-ledger enum discriminant.
func ParseStatus(b byte) (Status, error) {
	s := Status(b)
	if !s.Valid() {
		return 0, fmt.Errorf("staking: unknown status discriminant %d", b)
	}
	return s, nil
}

func (s Status) Valid() bool {
	return s <= StatusUnstaked
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusUnstaking:
		return "unstaking"
	case StatusUnstaked:
		return "unstaked"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("staking: invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "active":
		*s = StatusActive
	case "unstaking":
		*s = StatusUnstaking
	case "unstaked":
		*s = StatusUnstaked
	default:
		return fmt.Errorf("staking: unknown status %q", string(text))
	}
	return nil
}

// StakeAccount mirrors the per-user stake record held by the ledger. Amounts
// are in the token's smallest units.
type StakeAccount struct {
	Owner              crypto.PublicKey
	Amount             uint64
	StakedAt           time.Time
	UnstakeRequestedAt *time.Time
	Status             Status
	PenaltyApplied     bool
}

// Validate enforces the record invariants that hold for any settled account.
func (a *StakeAccount) Validate() error {
	if a == nil {
		return fmt.Errorf("staking: nil stake account")
	}
	if !a.Status.Valid() {
		return fmt.Errorf("staking: invalid status %d", uint8(a.Status))
	}
	if a.Amount == 0 && a.Status != StatusUnstaked {
		return fmt.Errorf("staking: zero amount with status %s", a.Status)
	}
	if a.Status == StatusUnstaking && a.UnstakeRequestedAt == nil {
		return fmt.Errorf("staking: unstaking without request timestamp")
	}
	if a.Status != StatusUnstaking && a.UnstakeRequestedAt != nil {
		return fmt.Errorf("staking: request timestamp set with status %s", a.Status)
	}
	return nil
}

// UnlockAt returns the time the pending unstake may be completed.
func (a *StakeAccount) UnlockAt() (time.Time, bool) {
	if a == nil || a.Status != StatusUnstaking || a.UnstakeRequestedAt == nil {
		return time.Time{}, false
	}
	return a.UnstakeRequestedAt.Add(LockDuration), true
}

// Unlocked reports whether a pending unstake may be completed at now.
func (a *StakeAccount) Unlocked(now time.Time) bool {
	unlock, ok := a.UnlockAt()
	return ok && !now.Before(unlock)
}

// Penalty returns the amount withheld on completion, floor(amount*5/100),
// computed without overflowing.
func (a *StakeAccount) Penalty() uint64 {
	if a == nil || !a.PenaltyApplied {
		return 0
	}
	return PenaltyOf(a.Amount)
}

// PenaltyOf returns floor(amount * PenaltyPercent / 100).
func PenaltyOf(amount uint64) uint64 {
	return amount/100*PenaltyPercent + amount%100*PenaltyPercent/100
}

// PenaltyApplies reports whether an unstake requested at requestedAt for a
// stake made at stakedAt falls inside the penalty window.
func PenaltyApplies(stakedAt, requestedAt time.Time) bool {
	return requestedAt.Sub(stakedAt) < PenaltyWindow
}

// HumanAmount converts the staked amount into human units.
func (a *StakeAccount) HumanAmount(decimals int32) decimal.Decimal {
	if a == nil {
		return decimal.Zero
	}
	return FromBaseUnits(a.Amount, decimals)
}

// Tier derives the access tier of the account. Accounts that are not active
// carry no tier.
func (a *StakeAccount) Tier(decimals int32) Tier {
	if a == nil || a.Status != StatusActive {
		return TierNone
	}
	return TierOfBaseUnits(a.Amount, decimals)
}
