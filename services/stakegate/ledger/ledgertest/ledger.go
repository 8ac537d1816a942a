// Package ledgertest provides an in-memory ledger that settles staking
// instructions with the same rules as the on-chain program.
package ledgertest

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"stakegate/crypto"
	"stakegate/native/staking"
	"stakegate/services/stakegate/ledger"
)

// Ledger is a deterministic, concurrency-safe stand-in for a ledger node.
type Ledger struct {
	mu       sync.Mutex
	vault    *ledger.Vault
	now      func() time.Time
	accounts map[crypto.PublicKey]*staking.StakeAccount
	balances map[crypto.PublicKey]uint64
	vaultBal uint64
	txs      map[string]*ledger.Transaction
	hidden   map[string]int
	failures map[string]int
	calls    map[string]int
}

// New returns an empty ledger for vault. now drives the program clock.
func New(vault *ledger.Vault, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		vault:    vault,
		now:      now,
		accounts: make(map[crypto.PublicKey]*staking.StakeAccount),
		balances: make(map[crypto.PublicKey]uint64),
		txs:      make(map[string]*ledger.Transaction),
		hidden:   make(map[string]int),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// NewVault derives a vault for freshly generated program and mint keys.
func NewVault(storeWallet crypto.PublicKey) (*ledger.Vault, error) {
	program, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	mint, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return ledger.NewVault(staking.VaultConfig{
		ProgramID:   program.PubKey(),
		Mint:        mint.PubKey(),
		StoreWallet: storeWallet,
		Network:     "localnet",
		Decimals:    staking.DefaultDecimals,
		TokenSymbol: "ZOO",
	})
}

// SetBalance sets the token balance of owner.
func (l *Ledger) SetBalance(owner crypto.PublicKey, units uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] = units
}

// Balance returns the token balance of owner.
func (l *Ledger) Balance(owner crypto.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner]
}

// VaultBalance returns the tokens held by the vault.
func (l *Ledger) VaultBalance() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vaultBal
}

// PutAccount stores acct as the stake account of its owner.
func (l *Ledger) PutAccount(acct staking.StakeAccount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[acct.Owner] = &acct
}

// FailNext makes the next n calls of method fail with ErrLedgerUnavailable.
func (l *Ledger) FailNext(method string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[method] = n
}

// Calls reports how often method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

func (l *Ledger) enter(method string) error {
	l.calls[method]++
	if l.failures[method] > 0 {
		l.failures[method]--
		return fmt.Errorf("%w: simulated %s outage", staking.ErrLedgerUnavailable, method)
	}
	return nil
}

func (l *Ledger) StakeAccount(ctx context.Context, user crypto.PublicKey) (*staking.StakeAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("StakeAccount"); err != nil {
		return nil, err
	}
	acct, ok := l.accounts[user]
	if !ok {
		return nil, nil
	}
	clone := *acct
	if acct.UnstakeRequestedAt != nil {
		ts := *acct.UnstakeRequestedAt
		clone.UnstakeRequestedAt = &ts
	}
	return &clone, nil
}

func (l *Ledger) Transaction(ctx context.Context, signature string) (*ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("Transaction"); err != nil {
		return nil, err
	}
	tx, ok := l.txs[signature]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", staking.ErrNotFound, signature)
	}
	if l.hidden[signature] > 0 {
		l.hidden[signature]--
		return nil, fmt.Errorf("%w: transaction %s", staking.ErrNotFound, signature)
	}
	return tx, nil
}

func (l *Ledger) TokenBalance(ctx context.Context, owner crypto.PublicKey) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("TokenBalance"); err != nil {
		return 0, err
	}
	units, ok := l.balances[owner]
	if !ok {
		return 0, fmt.Errorf("%w: token account for %s", staking.ErrNotFound, owner)
	}
	return units, nil
}

// Submit settles ix immediately using the program's rules.
func (l *Ledger) Submit(ctx context.Context, ix ledger.Instruction, key *crypto.PrivateKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter("Submit"); err != nil {
		return "", err
	}
	if ix.ProgramID != l.vault.Config.ProgramID || len(ix.Data) < 8 || len(ix.Accounts) < 3 {
		return "", fmt.Errorf("%w: unknown instruction", staking.ErrInvalidState)
	}
	user := ix.Accounts[2].Key
	if key == nil || key.PubKey() != user {
		return "", fmt.Errorf("%w: missing required signature for %s", staking.ErrInvalidState, user)
	}
	stakeAddr, err := l.vault.StakeAddress(user)
	if err != nil {
		return "", err
	}
	if ix.Accounts[1].Key != stakeAddr {
		return "", fmt.Errorf("%w: stake account seeds mismatch", staking.ErrInvalidState)
	}

	now := l.now().UTC().Truncate(time.Second)
	switch [8]byte(ix.Data[:8]) {
	case ledger.InstructionDiscriminator(ledger.InstructionStake):
		if len(ix.Data) != 16 {
			return "", fmt.Errorf("%w: malformed stake arguments", staking.ErrInvalidState)
		}
		err = l.stake(user, binary.LittleEndian.Uint64(ix.Data[8:]), now)
	case ledger.InstructionDiscriminator(ledger.InstructionRequestUnstake):
		err = l.requestUnstake(user, now)
	case ledger.InstructionDiscriminator(ledger.InstructionCompleteUnstake):
		err = l.completeUnstake(user, now)
	default:
		err = fmt.Errorf("%w: unknown instruction", staking.ErrInvalidState)
	}
	if err != nil {
		return "", err
	}
	return randomSignature(), nil
}

func (l *Ledger) stake(user crypto.PublicKey, amount uint64, now time.Time) error {
	if l.balances[user] < amount {
		return fmt.Errorf("%w: insufficient funds", staking.ErrInvalidState)
	}
	acct, ok := l.accounts[user]
	if !ok {
		acct = &staking.StakeAccount{Owner: user, Status: staking.StatusUnstaked}
		l.accounts[user] = acct
	}
	if acct.Amount > ^uint64(0)-amount {
		return fmt.Errorf("%w: overflow", staking.ErrInvalidState)
	}
	l.balances[user] -= amount
	l.vaultBal += amount
	if acct.Amount == 0 {
		*acct = staking.StakeAccount{Owner: user, Amount: amount, StakedAt: now, Status: staking.StatusActive}
		return nil
	}
	acct.Amount += amount
	if acct.Status == staking.StatusUnstaking {
		acct.Status = staking.StatusActive
		acct.UnstakeRequestedAt = nil
	}
	return nil
}

func (l *Ledger) requestUnstake(user crypto.PublicKey, now time.Time) error {
	acct, ok := l.accounts[user]
	if !ok {
		return fmt.Errorf("%w: account not initialized", staking.ErrInvalidState)
	}
	if acct.Status != staking.StatusActive {
		return fmt.Errorf("%w: stake account is not active", staking.ErrInvalidState)
	}
	if acct.Amount == 0 {
		return fmt.Errorf("%w: no stake found", staking.ErrInvalidState)
	}
	if staking.PenaltyApplies(acct.StakedAt, now) {
		acct.PenaltyApplied = true
	}
	requested := now
	acct.UnstakeRequestedAt = &requested
	acct.Status = staking.StatusUnstaking
	return nil
}

func (l *Ledger) completeUnstake(user crypto.PublicKey, now time.Time) error {
	acct, ok := l.accounts[user]
	if !ok {
		return fmt.Errorf("%w: account not initialized", staking.ErrInvalidState)
	}
	if acct.Status != staking.StatusUnstaking {
		return fmt.Errorf("%w: not unstaking", staking.ErrInvalidState)
	}
	if !acct.Unlocked(now) {
		return fmt.Errorf("%w: lock period not over", staking.ErrInvalidState)
	}
	returned := acct.Amount - acct.Penalty()
	l.vaultBal -= returned
	l.balances[user] += returned
	acct.Amount = 0
	acct.Status = staking.StatusUnstaked
	acct.UnstakeRequestedAt = nil
	return nil
}

// Transfer describes a token payment to record as a settled transaction.
type Transfer struct {
	Payer     crypto.PublicKey
	Recipient crypto.PublicKey
	Amount    uint64
	// Mint defaults to the vault's mint.
	Mint crypto.PublicKey
	// RecipientPreBalance is the balance before the transfer; zero means the
	// recipient token account is created by the transfer.
	RecipientPreBalance uint64
	// OwnerAsTokenAccount reports the recipient token account itself as the
	// balance owner, as some nodes do for freshly created accounts.
	OwnerAsTokenAccount bool
	// FailWith records the transaction as failed with this error value.
	FailWith interface{}
	// HiddenFor is the number of lookups that miss before the transaction
	// becomes visible.
	HiddenFor int
}

// RecordTransfer stores a settled transfer and returns its signature.
func (l *Ledger) RecordTransfer(t Transfer) (string, error) {
	mint := t.Mint
	if mint.IsZero() {
		mint = l.vault.Config.Mint
	}
	payerATA, err := crypto.AssociatedTokenAddress(t.Payer, mint)
	if err != nil {
		return "", err
	}
	recipientATA, err := crypto.AssociatedTokenAddress(t.Recipient, mint)
	if err != nil {
		return "", err
	}
	owner := t.Recipient.String()
	if t.OwnerAsTokenAccount {
		owner = recipientATA.String()
	}
	post := t.RecipientPreBalance
	var txErr json.RawMessage
	if t.FailWith != nil {
		raw, err := json.Marshal(t.FailWith)
		if err != nil {
			return "", err
		}
		txErr = raw
	} else {
		post += t.Amount
	}

	sig := randomSignature()
	tx := &ledger.Transaction{
		Signature:   sig,
		Slot:        1,
		Err:         txErr,
		AccountKeys: []crypto.PublicKey{t.Payer, payerATA, recipientATA, crypto.TokenProgramID},
		Signers:     []crypto.PublicKey{t.Payer},
		PreTokenBalances: []ledger.TokenBalance{
			{AccountIndex: 1, Mint: mint.String(), Owner: t.Payer.String(), Amount: uint256.NewInt(t.Amount)},
		},
		PostTokenBalances: []ledger.TokenBalance{
			{AccountIndex: 1, Mint: mint.String(), Owner: t.Payer.String(), Amount: uint256.NewInt(0)},
			{AccountIndex: 2, Mint: mint.String(), Owner: owner, Amount: uint256.NewInt(post)},
		},
	}
	if t.RecipientPreBalance > 0 {
		tx.PreTokenBalances = append(tx.PreTokenBalances, ledger.TokenBalance{
			AccountIndex: 2, Mint: mint.String(), Owner: owner, Amount: uint256.NewInt(t.RecipientPreBalance),
		})
	}
	bt := l.now().UTC()
	tx.BlockTime = &bt

	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[sig] = tx
	l.hidden[sig] = t.HiddenFor
	return sig, nil
}

func randomSignature() string {
	var buf [crypto.SignatureSize]byte
	_, _ = rand.Read(buf[:])
	return crypto.EncodeSignature(buf[:])
}

var _ ledger.Ledger = (*Ledger)(nil)
