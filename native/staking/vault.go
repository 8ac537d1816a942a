package staking

import (
	"fmt"
	"strings"

	"stakegate/crypto"
)

// VaultConfig identifies the staking vault and store token a service works
// against. It is built once at startup and passed to every component.
type VaultConfig struct {
	ProgramID   crypto.PublicKey
	Mint        crypto.PublicKey
	StoreWallet crypto.PublicKey
	Network     string
	Decimals    int32
	TokenSymbol string
}

// Validate checks the fields every staking read requires.
func (c VaultConfig) Validate() error {
	if c.ProgramID.IsZero() {
		return fmt.Errorf("%w: staking program id not configured", ErrConfiguration)
	}
	if c.Mint.IsZero() {
		return fmt.Errorf("%w: token mint not configured", ErrConfiguration)
	}
	if c.Decimals < 0 || c.Decimals > 18 {
		return fmt.Errorf("%w: token decimals %d out of range", ErrConfiguration, c.Decimals)
	}
	return nil
}

// ValidatePayments checks the fields payment verification requires.
func (c VaultConfig) ValidatePayments() error {
	if c.StoreWallet.IsZero() {
		return fmt.Errorf("%w: store wallet not configured", ErrConfiguration)
	}
	if c.Mint.IsZero() {
		return fmt.Errorf("%w: token mint not configured", ErrConfiguration)
	}
	return nil
}

// Symbol returns the display symbol of the store token.
func (c VaultConfig) Symbol() string {
	if s := strings.TrimSpace(c.TokenSymbol); s != "" {
		return s
	}
	return "ZOO"
}
