package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"stakegate/crypto"
	"stakegate/native/staking"
	"stakegate/services/stakegate/access"
	"stakegate/services/stakegate/ledger"
	"stakegate/services/stakegate/ledger/ledgertest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	mgr   *Manager
	led   *ledgertest.Ledger
	gate  *access.Gate
	clock *clock
	user  crypto.PublicKey
}

func tokens(n int64) uint64 {
	return uint64(n) * 1_000_000_000
}

func newHarness(t *testing.T, balance uint64) *harness {
	t.Helper()
	store, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	vault, err := ledgertest.NewVault(store.PubKey())
	require.NoError(t, err)
	clk := &clock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
	led := ledgertest.New(vault, clk.Now)

	userKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	led.SetBalance(userKey.PubKey(), balance)

	mgr, err := New(Config{
		Ledger: led,
		Vault:  vault,
		Keys:   ledger.NewKeyRing(userKey),
		Now:    clk.Now,
	})
	require.NoError(t, err)
	return &harness{
		mgr:   mgr,
		led:   led,
		gate:  access.New(led, staking.DefaultDecimals, nil),
		clock: clk,
		user:  userKey.PubKey(),
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, staking.ErrConfiguration)
}

func TestFullLifecycleWithoutPenalty(t *testing.T) {
	h := newHarness(t, tokens(1000))
	ctx := context.Background()

	res, err := h.mgr.Stake(ctx, h.user, decimal.NewFromInt(600))
	require.NoError(t, err)
	require.NotEmpty(t, res.Signature)
	require.Equal(t, tokens(600), res.Amount)
	require.Equal(t, tokens(400), h.led.Balance(h.user))

	vis, err := h.gate.CheckVisibility(ctx, h.user)
	require.NoError(t, err)
	require.True(t, vis.Allowed)
	require.Equal(t, staking.TierFull, vis.Tier)

	h.clock.Advance(4 * 24 * time.Hour)
	res, err = h.mgr.RequestUnstake(ctx, h.user)
	require.NoError(t, err)
	require.Equal(t, MessageUnstakeRequested, res.Message)
	require.Zero(t, res.Penalty)
	require.NotNil(t, res.UnlockAt)
	require.True(t, h.clock.Now().Add(staking.LockDuration).Equal(*res.UnlockAt))

	vis, err = h.gate.CheckVisibility(ctx, h.user)
	require.NoError(t, err)
	require.False(t, vis.Allowed)
	require.Equal(t, access.ReasonUnstaking, vis.Reason)

	h.clock.Advance(24 * time.Hour)
	_, err = h.mgr.CompleteUnstake(ctx, h.user)
	var unlockErr *staking.UnlockError
	require.ErrorAs(t, err, &unlockErr)
	require.ErrorIs(t, err, staking.ErrNotYetUnlocked)
	require.Equal(t, res.UnlockAt.Unix(), unlockErr.UnlockAt)
	require.Equal(t, 2, h.led.Calls("Submit"))

	h.clock.Advance(24 * time.Hour)
	res, err = h.mgr.CompleteUnstake(ctx, h.user)
	require.NoError(t, err)
	require.Equal(t, MessageUnstakeCompleted, res.Message)
	require.Equal(t, tokens(600), res.Returned)
	require.Zero(t, res.Penalty)
	require.Equal(t, tokens(1000), h.led.Balance(h.user))

	acct, err := h.led.StakeAccount(ctx, h.user)
	require.NoError(t, err)
	require.Equal(t, staking.StatusUnstaked, acct.Status)
	require.Zero(t, acct.Amount)
}

func TestEarlyUnstakeWithholdsPenalty(t *testing.T) {
	h := newHarness(t, tokens(1000))
	ctx := context.Background()

	_, err := h.mgr.Stake(ctx, h.user, decimal.NewFromInt(1000))
	require.NoError(t, err)

	h.clock.Advance(24 * time.Hour)
	req, err := h.mgr.RequestUnstake(ctx, h.user)
	require.NoError(t, err)
	require.Equal(t, tokens(50), req.Penalty)
	require.Equal(t, tokens(950), req.Returned)

	h.clock.Advance(staking.LockDuration)
	res, err := h.mgr.CompleteUnstake(ctx, h.user)
	require.NoError(t, err)
	require.Equal(t, tokens(50), res.Penalty)
	require.Equal(t, tokens(950), res.Returned)
	require.Equal(t, tokens(950), h.led.Balance(h.user))
	require.Equal(t, tokens(50), h.led.VaultBalance())
}

func TestRequestUnstakeRequiresActiveStake(t *testing.T) {
	h := newHarness(t, tokens(100))
	ctx := context.Background()

	_, err := h.mgr.RequestUnstake(ctx, h.user)
	require.ErrorIs(t, err, staking.ErrInvalidState)
	require.False(t, errors.Is(err, staking.ErrNotFound))

	_, err = h.mgr.Stake(ctx, h.user, decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = h.mgr.RequestUnstake(ctx, h.user)
	require.NoError(t, err)

	_, err = h.mgr.RequestUnstake(ctx, h.user)
	require.ErrorIs(t, err, staking.ErrInvalidState)
}

func TestCompleteUnstakeRequiresPendingRequest(t *testing.T) {
	h := newHarness(t, tokens(100))
	ctx := context.Background()
	_, err := h.mgr.CompleteUnstake(ctx, h.user)
	require.ErrorIs(t, err, staking.ErrInvalidState)

	_, err = h.mgr.Stake(ctx, h.user, decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = h.mgr.CompleteUnstake(ctx, h.user)
	require.ErrorIs(t, err, staking.ErrInvalidState)
	require.False(t, errors.Is(err, staking.ErrNotYetUnlocked))
}

func TestStakeRejectsNonPositiveAmounts(t *testing.T) {
	h := newHarness(t, tokens(100))
	ctx := context.Background()
	for _, amt := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5), decimal.RequireFromString("0.0000000001")} {
		_, err := h.mgr.Stake(ctx, h.user, amt)
		require.ErrorIs(t, err, staking.ErrInvalidAmount, amt.String())
	}
	require.Zero(t, h.led.Calls("Submit"))
}

func TestStakeWhileUnstakingReactivates(t *testing.T) {
	h := newHarness(t, tokens(1000))
	ctx := context.Background()
	_, err := h.mgr.Stake(ctx, h.user, decimal.NewFromInt(500))
	require.NoError(t, err)
	_, err = h.mgr.RequestUnstake(ctx, h.user)
	require.NoError(t, err)

	res, err := h.mgr.Stake(ctx, h.user, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Equal(t, tokens(600), res.Amount)

	acct, err := h.led.StakeAccount(ctx, h.user)
	require.NoError(t, err)
	require.Equal(t, staking.StatusActive, acct.Status)
	require.Nil(t, acct.UnstakeRequestedAt)
}

func TestRestakeAfterUnstakeStartsFresh(t *testing.T) {
	h := newHarness(t, tokens(500))
	ctx := context.Background()
	_, err := h.mgr.Stake(ctx, h.user, decimal.NewFromInt(500))
	require.NoError(t, err)
	h.clock.Advance(4 * 24 * time.Hour)
	_, err = h.mgr.RequestUnstake(ctx, h.user)
	require.NoError(t, err)
	h.clock.Advance(staking.LockDuration)
	_, err = h.mgr.CompleteUnstake(ctx, h.user)
	require.NoError(t, err)

	_, err = h.mgr.Stake(ctx, h.user, decimal.NewFromInt(250))
	require.NoError(t, err)
	acct, err := h.led.StakeAccount(ctx, h.user)
	require.NoError(t, err)
	require.Equal(t, staking.StatusActive, acct.Status)
	require.Equal(t, tokens(250), acct.Amount)
	require.True(t, h.clock.Now().Equal(acct.StakedAt))
	require.False(t, acct.PenaltyApplied)
}

func TestUnknownSignerIsConfigurationError(t *testing.T) {
	h := newHarness(t, tokens(100))
	stranger, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	_, err = h.mgr.Stake(context.Background(), stranger.PubKey(), decimal.NewFromInt(1))
	require.ErrorIs(t, err, staking.ErrConfiguration)
}

func TestLedgerOutageSurfaces(t *testing.T) {
	h := newHarness(t, tokens(100))
	h.led.FailNext("StakeAccount", 1)
	_, err := h.mgr.Stake(context.Background(), h.user, decimal.NewFromInt(1))
	require.ErrorIs(t, err, staking.ErrLedgerUnavailable)
	require.Zero(t, h.led.Calls("Submit"))
}

func TestConcurrentUnstakeRequestsSerialise(t *testing.T) {
	h := newHarness(t, tokens(1000))
	ctx := context.Background()
	_, err := h.mgr.Stake(ctx, h.user, decimal.NewFromInt(1000))
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.RequestUnstake(ctx, h.user)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, staking.ErrInvalidState)
		rejected++
	}
	require.Equal(t, 1, ok)
	require.Equal(t, callers-1, rejected)
	require.Equal(t, 2, h.led.Calls("Submit"))
	require.Zero(t, h.mgr.locks.size())
}

func TestUserLocksHonourCancellation(t *testing.T) {
	locks := newUserLocks()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	user := key.PubKey()

	release, err := locks.acquire(context.Background(), user)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, user)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	require.Zero(t, locks.size())
}
