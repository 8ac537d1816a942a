// Package lifecycle drives the stake, request-unstake and complete-unstake
// transitions of a user's stake account.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"stakegate/crypto"
	"stakegate/native/staking"
	"stakegate/observability"
	"stakegate/services/stakegate/ledger"
)

const (
	MessageUnstakeRequested = "Unstake requested. Access revoked immediately. Tokens unlock in 2 days."
	MessageUnstakeCompleted = "Unstake completed. Tokens returned."
	MessageStaked           = "Stake confirmed."
)

// Config wires the manager's collaborators.
type Config struct {
	Ledger ledger.Ledger
	Vault  *ledger.Vault
	Keys   ledger.KeySource
	Now    func() time.Time
	Logger *slog.Logger
}

// Result describes a submitted lifecycle transaction. Amounts are in base
// units.
type Result struct {
	Signature string
	Message   string
	Status    staking.Status
	Amount    uint64
	Returned  uint64
	Penalty   uint64
	UnlockAt  *time.Time
}

// Manager serialises stake mutations per user and validates each transition
// against a fresh ledger read before submitting it.
type Manager struct {
	ledger ledger.Ledger
	vault  *ledger.Vault
	keys   ledger.KeySource
	now    func() time.Time
	logger *slog.Logger
	locks  *userLocks
}

// New validates cfg and returns a manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: lifecycle ledger required", staking.ErrConfiguration)
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("%w: lifecycle vault required", staking.ErrConfiguration)
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("%w: lifecycle key source required", staking.ErrConfiguration)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		ledger: cfg.Ledger,
		vault:  cfg.Vault,
		keys:   cfg.Keys,
		now:    cfg.Now,
		logger: cfg.Logger.With("component", "lifecycle"),
		locks:  newUserLocks(),
	}, nil
}

// Stake locks amount (human units) into the vault. Staking onto an account
// that is mid-unstake cancels the pending unstake.
func (m *Manager) Stake(ctx context.Context, user crypto.PublicKey, amount decimal.Decimal) (res Result, err error) {
	defer func() { m.record(ledger.InstructionStake, user, err) }()

	if !amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: stake amount must be greater than zero", staking.ErrInvalidAmount)
	}
	units, err := staking.ToBaseUnits(amount, m.vault.Config.Decimals)
	if err != nil {
		return Result{}, err
	}
	if units == 0 {
		return Result{}, fmt.Errorf("%w: stake amount below token precision", staking.ErrInvalidAmount)
	}

	release, err := m.locks.acquire(ctx, user)
	if err != nil {
		return Result{}, err
	}
	defer release()

	current, err := m.ledger.StakeAccount(ctx, user)
	if err != nil {
		return Result{}, err
	}
	if current != nil && current.Amount > ^uint64(0)-units {
		return Result{}, fmt.Errorf("%w: stake total overflows", staking.ErrInvalidAmount)
	}
	ix, err := m.vault.StakeInstruction(user, units)
	if err != nil {
		return Result{}, err
	}
	sig, err := m.submit(ctx, user, ix)
	if err != nil {
		return Result{}, err
	}
	total := units
	if current != nil {
		total += current.Amount
	}
	observability.Events().RecordTransfer("stake", m.vault.Config.Symbol(), amount.InexactFloat64())
	return Result{Signature: sig, Message: MessageStaked, Status: staking.StatusActive, Amount: total}, nil
}

// RequestUnstake starts the lock period. Gated access is withdrawn as soon
// as the transaction lands.
func (m *Manager) RequestUnstake(ctx context.Context, user crypto.PublicKey) (res Result, err error) {
	defer func() { m.record(ledger.InstructionRequestUnstake, user, err) }()

	release, err := m.locks.acquire(ctx, user)
	if err != nil {
		return Result{}, err
	}
	defer release()

	current, err := m.ledger.StakeAccount(ctx, user)
	if err != nil {
		return Result{}, err
	}
	switch {
	case current == nil:
		return Result{}, fmt.Errorf("%w: no active stake", staking.ErrInvalidState)
	case current.Status != staking.StatusActive:
		return Result{}, fmt.Errorf("%w: unstake requested while %s", staking.ErrInvalidState, current.Status)
	case current.Amount == 0:
		return Result{}, fmt.Errorf("%w: nothing staked", staking.ErrInvalidState)
	}

	requestedAt := m.now().UTC()
	ix, err := m.vault.RequestUnstakeInstruction(user)
	if err != nil {
		return Result{}, err
	}
	sig, err := m.submit(ctx, user, ix)
	if err != nil {
		return Result{}, err
	}
	unlock := requestedAt.Add(staking.LockDuration)
	res = Result{
		Signature: sig,
		Message:   MessageUnstakeRequested,
		Status:    staking.StatusUnstaking,
		Amount:    current.Amount,
		UnlockAt:  &unlock,
	}
	if staking.PenaltyApplies(current.StakedAt, requestedAt) {
		res.Penalty = staking.PenaltyOf(current.Amount)
	}
	res.Returned = current.Amount - res.Penalty
	return res, nil
}

// CompleteUnstake returns the staked tokens once the lock period is over,
// less the early-unstake penalty when it applies. Calling it early fails with
// an *staking.UnlockError carrying the unlock time.
func (m *Manager) CompleteUnstake(ctx context.Context, user crypto.PublicKey) (res Result, err error) {
	defer func() { m.record(ledger.InstructionCompleteUnstake, user, err) }()

	release, err := m.locks.acquire(ctx, user)
	if err != nil {
		return Result{}, err
	}
	defer release()

	current, err := m.ledger.StakeAccount(ctx, user)
	if err != nil {
		return Result{}, err
	}
	if current == nil {
		return Result{}, fmt.Errorf("%w: no active stake", staking.ErrInvalidState)
	}
	if current.Status != staking.StatusUnstaking {
		return Result{}, fmt.Errorf("%w: no unstake pending (status %s)", staking.ErrInvalidState, current.Status)
	}
	unlock, _ := current.UnlockAt()
	if !current.Unlocked(m.now()) {
		return Result{}, &staking.UnlockError{UnlockAt: unlock.Unix()}
	}

	ix, err := m.vault.CompleteUnstakeInstruction(user)
	if err != nil {
		return Result{}, err
	}
	sig, err := m.submit(ctx, user, ix)
	if err != nil {
		return Result{}, err
	}
	penalty := current.Penalty()
	returned := current.Amount - penalty
	decimals := m.vault.Config.Decimals
	observability.Events().RecordTransfer("unstake", m.vault.Config.Symbol(), staking.FromBaseUnits(returned, decimals).InexactFloat64())
	if penalty > 0 {
		observability.Events().RecordTransfer("penalty", m.vault.Config.Symbol(), staking.FromBaseUnits(penalty, decimals).InexactFloat64())
	}
	return Result{
		Signature: sig,
		Message:   MessageUnstakeCompleted,
		Status:    staking.StatusUnstaked,
		Amount:    current.Amount,
		Returned:  returned,
		Penalty:   penalty,
		UnlockAt:  &unlock,
	}, nil
}

func (m *Manager) submit(ctx context.Context, user crypto.PublicKey, ix ledger.Instruction) (string, error) {
	key, err := m.keys.KeyFor(ctx, user)
	if err != nil {
		return "", err
	}
	return m.ledger.Submit(ctx, ix, key)
}

func (m *Manager) record(op string, user crypto.PublicKey, err error) {
	observability.StakeGate().RecordLifecycle(op, err)
	if err == nil {
		m.logger.Info("stake transition submitted", "operation", op, "user", user.String())
		return
	}
	level := slog.LevelWarn
	if errors.Is(err, staking.ErrLedgerUnavailable) || errors.Is(err, staking.ErrConfiguration) {
		level = slog.LevelError
	}
	m.logger.Log(context.Background(), level, "stake transition rejected", "operation", op, "user", user.String(), "error", err)
}
