package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"stakegate/crypto"
	"stakegate/native/staking"
)

// Instruction names understood by the staking program.
const (
	InstructionStake           = "stake"
	InstructionRequestUnstake  = "request_unstake"
	InstructionCompleteUnstake = "complete_unstake"
)

// AccountMeta describes how an instruction uses an account.
type AccountMeta struct {
	Key      crypto.PublicKey
	Signer   bool
	Writable bool
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID crypto.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// InstructionDiscriminator returns the 8-byte selector of a program method.
func InstructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// Vault holds the addresses derived from a VaultConfig. Derivation is pure
// and needs no network access.
type Vault struct {
	Config       staking.VaultConfig
	Address      crypto.PublicKey
	Bump         uint8
	TokenAccount crypto.PublicKey
}

// NewVault derives the vault and its token account for cfg.
func NewVault(cfg staking.VaultConfig) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr, bump, err := VaultAddress(cfg.ProgramID, cfg.Mint)
	if err != nil {
		return nil, err
	}
	tokenAccount, err := crypto.AssociatedTokenAddress(addr, cfg.Mint)
	if err != nil {
		return nil, err
	}
	return &Vault{Config: cfg, Address: addr, Bump: bump, TokenAccount: tokenAccount}, nil
}

// VaultAddress derives the vault of mint under program.
func VaultAddress(program, mint crypto.PublicKey) (crypto.PublicKey, uint8, error) {
	addr, bump, err := crypto.FindProgramAddress([][]byte{[]byte("vault"), mint[:]}, program)
	if err != nil {
		return crypto.PublicKey{}, 0, fmt.Errorf("derive vault address: %w", err)
	}
	return addr, bump, nil
}

// StakeAddress derives the stake account of user in vault.
func StakeAddress(program, vault, user crypto.PublicKey) (crypto.PublicKey, error) {
	addr, _, err := crypto.FindProgramAddress([][]byte{[]byte("stake"), vault[:], user[:]}, program)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("derive stake address: %w", err)
	}
	return addr, nil
}

// StakeAddress derives the stake account of user in this vault.
func (v *Vault) StakeAddress(user crypto.PublicKey) (crypto.PublicKey, error) {
	return StakeAddress(v.Config.ProgramID, v.Address, user)
}

// UserTokenAccount returns the token account user stakes from.
func (v *Vault) UserTokenAccount(user crypto.PublicKey) (crypto.PublicKey, error) {
	return crypto.AssociatedTokenAddress(user, v.Config.Mint)
}

// StakeInstruction locks amount base units of the user's tokens in the vault.
func (v *Vault) StakeInstruction(user crypto.PublicKey, amount uint64) (Instruction, error) {
	if amount == 0 {
		return Instruction{}, fmt.Errorf("%w: stake amount must be positive", staking.ErrInvalidAmount)
	}
	accounts, err := v.transferAccounts(user)
	if err != nil {
		return Instruction{}, err
	}
	disc := InstructionDiscriminator(InstructionStake)
	data := binary.LittleEndian.AppendUint64(disc[:], amount)
	return Instruction{ProgramID: v.Config.ProgramID, Accounts: accounts, Data: data}, nil
}

// RequestUnstakeInstruction starts the lock window for user.
func (v *Vault) RequestUnstakeInstruction(user crypto.PublicKey) (Instruction, error) {
	stakeAddr, err := v.StakeAddress(user)
	if err != nil {
		return Instruction{}, err
	}
	disc := InstructionDiscriminator(InstructionRequestUnstake)
	return Instruction{
		ProgramID: v.Config.ProgramID,
		Accounts: []AccountMeta{
			{Key: v.Address},
			{Key: stakeAddr, Writable: true},
			{Key: user, Signer: true, Writable: true},
			{Key: crypto.SystemProgramID},
		},
		Data: disc[:],
	}, nil
}

// CompleteUnstakeInstruction returns the unlocked tokens to user.
func (v *Vault) CompleteUnstakeInstruction(user crypto.PublicKey) (Instruction, error) {
	accounts, err := v.transferAccounts(user)
	if err != nil {
		return Instruction{}, err
	}
	disc := InstructionDiscriminator(InstructionCompleteUnstake)
	return Instruction{ProgramID: v.Config.ProgramID, Accounts: accounts, Data: disc[:]}, nil
}

func (v *Vault) transferAccounts(user crypto.PublicKey) ([]AccountMeta, error) {
	stakeAddr, err := v.StakeAddress(user)
	if err != nil {
		return nil, err
	}
	userToken, err := v.UserTokenAccount(user)
	if err != nil {
		return nil, err
	}
	return []AccountMeta{
		{Key: v.Address},
		{Key: stakeAddr, Writable: true},
		{Key: user, Signer: true, Writable: true},
		{Key: userToken, Writable: true},
		{Key: v.TokenAccount, Writable: true},
		{Key: crypto.TokenProgramID},
		{Key: crypto.SystemProgramID},
	}, nil
}
