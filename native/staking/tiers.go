package staking

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tier is the access level derived from the currently staked amount.
type Tier uint8

const (
	TierNone Tier = iota
	TierBase
	TierFull
	TierPremium
)

// MinStakeForMainPerks is the smallest stake that unlocks product visibility
// and checkout.
const MinStakeForMainPerks = 500

// TierDefinition is the static description of a tier.
type TierDefinition struct {
	Tier      Tier     `json:"tier"`
	Name      string   `json:"name"`
	MinTokens int64    `json:"minTokens"`
	Perks     []string `json:"perks"`
}

var tierDefinitions = [...]TierDefinition{
	{Tier: TierNone, Name: "No Access", MinTokens: 0, Perks: []string{}},
	{Tier: TierBase, Name: "Base Access", MinTokens: 250, Perks: []string{"Basic discounts (5%)"}},
	{Tier: TierFull, Name: "Full Access", MinTokens: 500, Perks: []string{"Full product visibility", "Standard discounts (10%)"}},
	{Tier: TierPremium, Name: "Premium Access", MinTokens: 1000, Perks: []string{"Larger discounts (20%)", "Exclusive products"}},
}

var discountPercents = [...]int64{0, 5, 10, 20}

// TierDefinitions returns a copy of the tier table ordered by tier.
func TierDefinitions() []TierDefinition {
	out := make([]TierDefinition, len(tierDefinitions))
	for i, def := range tierDefinitions {
		def.Perks = append([]string(nil), def.Perks...)
		out[i] = def
	}
	return out
}

// Valid reports whether the tier is one of the defined levels.
func (t Tier) Valid() bool {
	return t <= TierPremium
}

func (t Tier) Name() string {
	if !t.Valid() {
		return fmt.Sprintf("Tier(%d)", uint8(t))
	}
	return tierDefinitions[t].Name
}

func (t Tier) Perks() []string {
	if !t.Valid() {
		return nil
	}
	return append([]string(nil), tierDefinitions[t].Perks...)
}

// TierOf maps a staked amount in human units onto a tier. Lower bounds are
// inclusive and negative amounts are treated as zero.
func TierOf(amount decimal.Decimal) Tier {
	for i := len(tierDefinitions) - 1; i > 0; i-- {
		if amount.GreaterThanOrEqual(decimal.NewFromInt(tierDefinitions[i].MinTokens)) {
			return tierDefinitions[i].Tier
		}
	}
	return TierNone
}

// TierOfBaseUnits maps an amount in smallest units onto a tier.
func TierOfBaseUnits(units uint64, decimals int32) Tier {
	return TierOf(FromBaseUnits(units, decimals))
}

// DiscountPercentOf returns the checkout discount for a tier.
func DiscountPercentOf(t Tier) int64 {
	if !t.Valid() {
		return 0
	}
	return discountPercents[t]
}

func CanSeeProducts(t Tier) bool {
	return t.Valid() && t >= TierFull
}

func CanCheckout(t Tier) bool {
	return t.Valid() && t >= TierFull
}

func HasExclusiveAccess(t Tier) bool {
	return t.Valid() && t >= TierPremium
}

// IsAccessRevoked reports whether gated perks are withdrawn for the status.
// Perks are lost as soon as an unstake is requested.
func IsAccessRevoked(s Status) bool {
	return s == StatusUnstaking || s == StatusUnstaked
}
