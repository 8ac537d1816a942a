package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stakegate/crypto"
	"stakegate/native/staking"
	"stakegate/services/stakegate/ledger"
	"stakegate/services/stakegate/ledger/ledgertest"
	"stakegate/services/stakegate/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

type fixture struct {
	verifier *Verifier
	led      *ledgertest.Ledger
	store    crypto.PublicKey
	payer    *crypto.PrivateKey
	db       *gorm.DB
}

func zoo(n int64) uint64 {
	return uint64(n) * 1_000_000_000
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	storeKey, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	vault, err := ledgertest.NewVault(storeKey.PubKey())
	require.NoError(t, err)
	led := ledgertest.New(vault, nil)
	payer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	db := setupTestDB(t)

	cfg := Config{
		Ledger: led,
		Store:  NewGormStore(db),
		Vault:  vault.Config,
		Poll:   ledger.RetryPolicy{Attempts: 10, Delay: time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := New(cfg)
	require.NoError(t, err)
	return &fixture{verifier: v, led: led, store: storeKey.PubKey(), payer: payer, db: db}
}

func (f *fixture) pay(t *testing.T, units uint64, opts ...func(*ledgertest.Transfer)) string {
	t.Helper()
	tr := ledgertest.Transfer{Payer: f.payer.PubKey(), Recipient: f.store, Amount: units}
	for _, opt := range opts {
		opt(&tr)
	}
	sig, err := f.led.RecordTransfer(tr)
	require.NoError(t, err)
	return sig
}

func (f *fixture) request(sig string, amount string) Request {
	return Request{
		OrderID:   "1001",
		Signature: sig,
		Payer:     f.payer.PubKey(),
		Amount:    decimal.RequireFromString(amount),
	}
}

func TestVerifyAcceptsSufficientTransfer(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50))

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "50"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, models.VerdictAccepted, res.Verdict)
	require.Equal(t, sig, res.Signature)
	require.Equal(t, "1001", res.OrderID)
	require.False(t, res.Replayed)
	require.Equal(t, zoo(50), res.Received.Uint64())
	require.NoError(t, res.Err())
}

func TestVerifyRejectsShortTransfer(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(40))

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "50"))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, models.VerdictInsufficientAmount, res.Verdict)
	require.Equal(t, "Insufficient amount: received 40 ZOO, need 50", res.Reason)
	require.ErrorIs(t, res.Err(), staking.ErrInsufficientAmount)
}

func TestVerifyBoundaryAmounts(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(1000)-10_000_000)

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "1000"))
	require.NoError(t, err)
	require.False(t, res.Success)

	f2 := newFixture(t, nil)
	sig = f2.pay(t, zoo(1000))
	res, err = f2.verifier.Verify(context.Background(), f2.request(sig, "999.99"))
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestVerifyUsesBalanceDeltaNotPostBalance(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(5), func(tr *ledgertest.Transfer) { tr.RecipientPreBalance = zoo(100) })

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "50"))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, zoo(5), res.Received.Uint64())
}

func TestVerifyFallsBackToStoreTokenAccount(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(75), func(tr *ledgertest.Transfer) { tr.OwnerAsTokenAccount = true })

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "75"))
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestVerifyIgnoresTransfersToOtherWallets(t *testing.T) {
	f := newFixture(t, nil)
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	sig := f.pay(t, zoo(500), func(tr *ledgertest.Transfer) { tr.Recipient = other.PubKey() })

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "50"))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, models.VerdictNoTransfer, res.Verdict)
}

func TestVerifyIgnoresOtherMints(t *testing.T) {
	f := newFixture(t, nil)
	mint, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	sig := f.pay(t, zoo(500), func(tr *ledgertest.Transfer) { tr.Mint = mint.PubKey() })

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "50"))
	require.NoError(t, err)
	require.Equal(t, models.VerdictNoTransfer, res.Verdict)
}

func TestVerifyFailedTransactionIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50), func(tr *ledgertest.Transfer) {
		tr.FailWith = map[string]interface{}{"InstructionError": []interface{}{0, "InsufficientFunds"}}
	})

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "50"))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, models.VerdictTransactionFailed, res.Verdict)
	require.Contains(t, res.Reason, "Transaction failed: ")
	require.Contains(t, res.Reason, "InsufficientFunds")
	require.Equal(t, 1, f.led.Calls("Transaction"))
}

func TestVerifyRequiresPayerSignature(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50))
	impostor, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	req := f.request(sig, "50")
	req.Payer = impostor.PubKey()
	res, err := f.verifier.Verify(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.VerdictPayerMismatch, res.Verdict)
	require.ErrorIs(t, res.Err(), staking.ErrSignatureMismatch)
	require.False(t, res.Replayed)

	var count int64
	require.NoError(t, f.db.Model(&models.VerificationRecord{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestNonSignerClaimDoesNotBlockPayer(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50))
	ctx := context.Background()
	stranger, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	claim := f.request(sig, "50")
	claim.OrderID = "evil-1"
	claim.Payer = stranger.PubKey()
	res, err := f.verifier.Verify(ctx, claim)
	require.NoError(t, err)
	require.Equal(t, models.VerdictPayerMismatch, res.Verdict)

	res, err = f.verifier.Verify(ctx, f.request(sig, "50"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "1001", res.OrderID)
	require.False(t, res.Replayed)

	_, err = f.verifier.Verify(ctx, claim)
	require.ErrorIs(t, err, staking.ErrConflict)
}

func TestNegativeVerdictForAnotherOrderDoesNotBlockPayer(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50))
	ctx := context.Background()

	inflated := f.request(sig, "1000")
	inflated.OrderID = "evil-2"
	res, err := f.verifier.Verify(ctx, inflated)
	require.NoError(t, err)
	require.Equal(t, models.VerdictInsufficientAmount, res.Verdict)

	res, err = f.verifier.Verify(ctx, f.request(sig, "50"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Replayed)

	var stored models.VerificationRecord
	require.NoError(t, f.db.First(&stored, "signature = ?", sig).Error)
	require.Equal(t, "1001", stored.OrderID)
	require.Equal(t, models.VerdictAccepted, stored.Verdict)

	replay, err := f.verifier.Verify(ctx, f.request(sig, "50"))
	require.NoError(t, err)
	require.True(t, replay.Replayed)

	_, err = f.verifier.Verify(ctx, inflated)
	require.ErrorIs(t, err, staking.ErrConflict)
}

func TestVerifyWaitsForLateTransaction(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50), func(tr *ledgertest.Transfer) { tr.HiddenFor = 3 })

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "50"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 4, f.led.Calls("Transaction"))
}

func TestVerifyGivesUpAfterPolling(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50), func(tr *ledgertest.Transfer) { tr.HiddenFor = 100 })

	_, err := f.verifier.Verify(context.Background(), f.request(sig, "50"))
	require.ErrorIs(t, err, staking.ErrNotFound)
	require.Contains(t, err.Error(), "after 10 attempts")
	require.Equal(t, 10, f.led.Calls("Transaction"))

	var count int64
	require.NoError(t, f.db.Model(&models.VerificationRecord{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestVerifyRetriesLedgerOutage(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50))
	f.led.FailNext("Transaction", 2)

	res, err := f.verifier.Verify(context.Background(), f.request(sig, "50"))
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestVerifyReplaysStoredVerdict(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50))
	ctx := context.Background()

	first, err := f.verifier.Verify(ctx, f.request(sig, "50"))
	require.NoError(t, err)
	require.True(t, first.Success)
	calls := f.led.Calls("Transaction")

	second, err := f.verifier.Verify(ctx, f.request(sig, "50"))
	require.NoError(t, err)
	require.True(t, second.Success)
	require.True(t, second.Replayed)
	require.Equal(t, calls, f.led.Calls("Transaction"))
}

func TestVerifyReplaysNegativeVerdict(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(40))
	ctx := context.Background()

	_, err := f.verifier.Verify(ctx, f.request(sig, "50"))
	require.NoError(t, err)
	res, err := f.verifier.Verify(ctx, f.request(sig, "50"))
	require.NoError(t, err)
	require.False(t, res.Success)
	require.True(t, res.Replayed)
	require.Equal(t, 1, f.led.Calls("Transaction"))
}

func TestVerifyRejectsSignatureReuseForAnotherOrder(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50))
	ctx := context.Background()

	_, err := f.verifier.Verify(ctx, f.request(sig, "50"))
	require.NoError(t, err)

	other := f.request(sig, "50")
	other.OrderID = "2002"
	_, err = f.verifier.Verify(ctx, other)
	require.ErrorIs(t, err, staking.ErrConflict)

	cheaper := f.request(sig, "10")
	_, err = f.verifier.Verify(ctx, cheaper)
	require.ErrorIs(t, err, staking.ErrConflict)
}

func TestConcurrentDuplicatesSettleOnce(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(50), func(tr *ledgertest.Transfer) { tr.HiddenFor = 2 })

	const callers = 6
	results := make([]Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.verifier.Verify(context.Background(), f.request(sig, "50"))
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.True(t, results[i].Success)
		if !results[i].Replayed {
			fresh++
		}
	}
	require.Equal(t, 1, fresh)

	var count int64
	require.NoError(t, f.db.Model(&models.VerificationRecord{}).Where("signature = ?", sig).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestVerifyValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	sig := f.pay(t, zoo(1))
	ctx := context.Background()

	req := f.request(sig, "1")
	req.OrderID = " "
	_, err := f.verifier.Verify(ctx, req)
	require.ErrorIs(t, err, staking.ErrInvalidRequest)

	req = f.request("not-a-signature", "1")
	_, err = f.verifier.Verify(ctx, req)
	require.ErrorIs(t, err, staking.ErrInvalidRequest)

	req = f.request(sig, "0")
	_, err = f.verifier.Verify(ctx, req)
	require.ErrorIs(t, err, staking.ErrInvalidAmount)

	req = f.request(sig, "1")
	req.Payer = crypto.PublicKey{}
	_, err = f.verifier.Verify(ctx, req)
	require.ErrorIs(t, err, staking.ErrInvalidAddress)

	require.Zero(t, f.led.Calls("Transaction"))
}

func TestVerifyOrderAuthorization(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RequireAuthorization = true })
	sig := f.pay(t, zoo(50))
	ctx := context.Background()

	_, err := f.verifier.Verify(ctx, f.request(sig, "50"))
	require.ErrorIs(t, err, staking.ErrSignatureMismatch)

	impostor, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	forged := f.request(sig, "50")
	forged.SignedMessage = crypto.EncodeSignature(impostor.Sign([]byte(AuthorizationMessage("1001"))))
	_, err = f.verifier.Verify(ctx, forged)
	require.ErrorIs(t, err, staking.ErrSignatureMismatch)

	wrongOrder := f.request(sig, "50")
	wrongOrder.SignedMessage = crypto.EncodeSignature(f.payer.Sign([]byte(AuthorizationMessage("9999"))))
	_, err = f.verifier.Verify(ctx, wrongOrder)
	require.ErrorIs(t, err, staking.ErrSignatureMismatch)
	require.Zero(t, f.led.Calls("Transaction"))

	good := f.request(sig, "50")
	good.SignedMessage = crypto.EncodeSignature(f.payer.Sign([]byte(AuthorizationMessage("1001"))))
	good.SignerKey = f.payer.PubKey().String()
	res, err := f.verifier.Verify(ctx, good)
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestVerifyAuthorizationSignerMustBePayer(t *testing.T) {
	payer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	msg := []byte(AuthorizationMessage("7"))

	err = VerifyAuthorization("7", payer.PubKey(), other.PubKey().String(), crypto.EncodeSignature(other.Sign(msg)))
	require.ErrorIs(t, err, staking.ErrSignatureMismatch)

	require.NoError(t, VerifyAuthorization("7", payer.PubKey(), "", crypto.EncodeSignature(payer.Sign(msg))))
}

func TestCheckBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	wallet := f.payer.PubKey()

	res, err := f.verifier.CheckBalance(ctx, wallet, decimal.NewFromInt(10))
	require.NoError(t, err)
	require.False(t, res.Sufficient)
	require.Equal(t, "No ZOO token account", res.Reason)

	f.led.SetBalance(wallet, zoo(25))
	res, err = f.verifier.CheckBalance(ctx, wallet, decimal.NewFromInt(10))
	require.NoError(t, err)
	require.True(t, res.Sufficient)
	require.True(t, res.Overpaid.Equal(decimal.NewFromInt(15)))

	res, err = f.verifier.CheckBalance(ctx, wallet, decimal.NewFromInt(30))
	require.NoError(t, err)
	require.False(t, res.Sufficient)
	require.Equal(t, "Insufficient ZOO tokens", res.Reason)

	f.led.FailNext("TokenBalance", 1)
	_, err = f.verifier.CheckBalance(ctx, wallet, decimal.NewFromInt(1))
	require.ErrorIs(t, err, staking.ErrLedgerUnavailable)
}

func TestNewRequiresStoreConfiguration(t *testing.T) {
	db := setupTestDB(t)
	_, err := New(Config{Ledger: ledgertest.New(nil, nil), Store: NewGormStore(db), Vault: staking.VaultConfig{}})
	require.ErrorIs(t, err, staking.ErrConfiguration)
}
