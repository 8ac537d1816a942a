// Package access turns a user's stake record into storefront access decisions.
package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"stakegate/crypto"
	"stakegate/native/staking"
	"stakegate/observability"
)

const (
	ReasonNoActiveStake   = "No active stake found"
	ReasonUnstaking       = "Access revoked - unstaking in progress"
	ReasonCheckoutTier    = "Requires Tier 2 (500+ tokens) for checkout"
	ReasonExclusiveTier   = "Requires Tier 3 (1000+ tokens)"
	reasonVisibilityTierF = "Requires Tier 2 (500+ tokens), current: %d"
)

// StakeReader fetches the current stake record of a user. A nil account with a
// nil error means the user never staked.
type StakeReader interface {
	StakeAccount(ctx context.Context, user crypto.PublicKey) (*staking.StakeAccount, error)
}

// Decision is the outcome of a single gate check.
type Decision struct {
	Allowed bool
	Reason  string
	Tier    staking.Tier
}

// Discount is the result of applying the tier discount to a cart.
type Discount struct {
	Discount        decimal.Decimal
	DiscountPercent int64
	FinalTotal      decimal.Decimal
	Tier            staking.Tier
}

// Summary aggregates every decision for one user.
type Summary struct {
	IsStaking          bool
	Status             *staking.Status
	Tier               staking.Tier
	TierName           string
	StakedAmount       decimal.Decimal
	CanSeeProducts     bool
	CanCheckout        bool
	HasExclusiveAccess bool
	DiscountPercent    int64
	AccessRevoked      bool
	UnlockTimestamp    *int64
	PenaltyApplies     bool
}

// Gate answers access questions from fresh stake reads. It holds no state
// between calls.
type Gate struct {
	reader   StakeReader
	decimals int32
	logger   *slog.Logger
}

// New constructs a gate reading stakes through reader. decimals is the token
// precision used to convert stake amounts into human units.
func New(reader StakeReader, decimals int32, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{reader: reader, decimals: decimals, logger: logger}
}

// stake is the view of a user's record the checks share.
type stake struct {
	account *staking.StakeAccount
	tier    staking.Tier
}

func (s stake) active() bool {
	return s.account != nil && s.account.Status == staking.StatusActive && s.account.Amount > 0
}

// denial returns the reason an inactive stake is refused. An account that is
// mid-unstake is reported as revoked so the user knows why perks vanished.
func (s stake) denial() string {
	if s.account != nil && s.account.Status == staking.StatusUnstaking {
		return ReasonUnstaking
	}
	return ReasonNoActiveStake
}

func (g *Gate) load(ctx context.Context, check string, user crypto.PublicKey) (stake, error) {
	acct, err := g.reader.StakeAccount(ctx, user)
	if err != nil {
		g.logger.Warn("stake read failed", "check", check, "user", user.String(), "error", err)
		observability.StakeGate().RecordAccess(check, false, err)
		return stake{}, fmt.Errorf("access: %s status unknown: %w", check, err)
	}
	return stake{account: acct, tier: acct.Tier(g.decimals)}, nil
}

// CheckVisibility reports whether the user may see gated products.
func (g *Gate) CheckVisibility(ctx context.Context, user crypto.PublicKey) (Decision, error) {
	s, err := g.load(ctx, "visibility", user)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Tier: s.tier}
	switch {
	case !s.active():
		d.Reason = s.denial()
	case staking.CanSeeProducts(s.tier):
		d.Allowed = true
	default:
		d.Reason = fmt.Sprintf(reasonVisibilityTierF, s.tier)
	}
	observability.StakeGate().RecordAccess("visibility", d.Allowed, nil)
	return d, nil
}

// CheckCheckout reports whether the user may complete a purchase.
func (g *Gate) CheckCheckout(ctx context.Context, user crypto.PublicKey) (Decision, error) {
	s, err := g.load(ctx, "checkout", user)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Tier: s.tier}
	switch {
	case !s.active():
		d.Reason = s.denial()
	case staking.CanCheckout(s.tier):
		d.Allowed = true
	default:
		d.Reason = ReasonCheckoutTier
	}
	observability.StakeGate().RecordAccess("checkout", d.Allowed, nil)
	return d, nil
}

// CheckExclusive reports whether the user may access premium-only inventory.
func (g *Gate) CheckExclusive(ctx context.Context, user crypto.PublicKey) (Decision, error) {
	s, err := g.load(ctx, "exclusive", user)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Tier: s.tier}
	switch {
	case !s.active():
		d.Reason = s.denial()
	case staking.HasExclusiveAccess(s.tier):
		d.Allowed = true
	default:
		d.Reason = ReasonExclusiveTier
	}
	observability.StakeGate().RecordAccess("exclusive", d.Allowed, nil)
	return d, nil
}

// CalculateDiscount applies the user's tier discount to cartTotal. The final
// total never drops below zero.
func (g *Gate) CalculateDiscount(ctx context.Context, user crypto.PublicKey, cartTotal decimal.Decimal) (Discount, error) {
	if cartTotal.IsNegative() {
		return Discount{}, fmt.Errorf("%w: cart total must not be negative", staking.ErrInvalidAmount)
	}
	s, err := g.load(ctx, "discount", user)
	if err != nil {
		return Discount{}, err
	}
	out := Discount{Discount: decimal.Zero, FinalTotal: cartTotal}
	if !s.active() {
		observability.StakeGate().RecordAccess("discount", false, nil)
		return out, nil
	}
	out.Tier = s.tier
	out.DiscountPercent = staking.DiscountPercentOf(s.tier)
	out.Discount = cartTotal.Mul(decimal.NewFromInt(out.DiscountPercent)).Div(decimal.NewFromInt(100))
	out.FinalTotal = decimal.Max(decimal.Zero, cartTotal.Sub(out.Discount))
	observability.StakeGate().RecordAccess("discount", out.DiscountPercent > 0, nil)
	return out, nil
}

// StatusSummary aggregates every check into a single view for the storefront.
func (g *Gate) StatusSummary(ctx context.Context, user crypto.PublicKey) (Summary, error) {
	s, err := g.load(ctx, "status", user)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Tier:          s.tier,
		TierName:      s.tier.Name(),
		StakedAmount:  s.account.HumanAmount(g.decimals),
		AccessRevoked: true,
	}
	if s.account != nil {
		status := s.account.Status
		sum.Status = &status
		sum.PenaltyApplies = s.account.PenaltyApplied
		if unlock, ok := s.account.UnlockAt(); ok {
			ts := unlock.Unix()
			sum.UnlockTimestamp = &ts
		}
	}
	if s.active() {
		sum.IsStaking = true
		sum.AccessRevoked = false
		sum.CanSeeProducts = staking.CanSeeProducts(s.tier)
		sum.CanCheckout = staking.CanCheckout(s.tier)
		sum.HasExclusiveAccess = staking.HasExclusiveAccess(s.tier)
		sum.DiscountPercent = staking.DiscountPercentOf(s.tier)
	}
	observability.StakeGate().RecordAccess("status", sum.IsStaking, nil)
	return sum, nil
}
