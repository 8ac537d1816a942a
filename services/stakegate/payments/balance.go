package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"stakegate/crypto"
	"stakegate/native/staking"
)

// BalanceCheck reports whether a wallet holds enough tokens for a purchase.
// Amounts are in human units.
type BalanceCheck struct {
	Sufficient bool
	Balance    decimal.Decimal
	Overpaid   decimal.Decimal
	Reason     string
}

// CheckBalance compares the wallet's token balance with amount. A wallet
// without a token account holds nothing and is reported, not failed.
func (v *Verifier) CheckBalance(ctx context.Context, wallet crypto.PublicKey, amount decimal.Decimal) (BalanceCheck, error) {
	if wallet.IsZero() {
		return BalanceCheck{}, fmt.Errorf("%w: wallet required", staking.ErrInvalidAddress)
	}
	if !amount.IsPositive() {
		return BalanceCheck{}, fmt.Errorf("%w: amount must be greater than zero", staking.ErrInvalidAmount)
	}
	required, err := staking.ToBaseUnits(amount, v.vault.Decimals)
	if err != nil {
		return BalanceCheck{}, err
	}

	units, err := v.ledger.TokenBalance(ctx, wallet)
	if errors.Is(err, staking.ErrNotFound) {
		return BalanceCheck{
			Balance: decimal.Zero,
			Reason:  fmt.Sprintf("No %s token account", v.vault.Symbol()),
		}, nil
	}
	if err != nil {
		return BalanceCheck{}, err
	}

	balance := staking.FromBaseUnits(units, v.vault.Decimals)
	if units < required {
		return BalanceCheck{
			Balance: balance,
			Reason:  fmt.Sprintf("Insufficient %s tokens", v.vault.Symbol()),
		}, nil
	}
	return BalanceCheck{
		Sufficient: true,
		Balance:    balance,
		Overpaid:   staking.FromBaseUnits(units-required, v.vault.Decimals),
	}, nil
}
