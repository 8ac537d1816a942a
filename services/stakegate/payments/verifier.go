// Package payments verifies that a claimed token payment moved at least the
// required amount to the store before an order is marked paid.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"stakegate/crypto"
	"stakegate/native/staking"
	"stakegate/observability"
	"stakegate/services/stakegate/ledger"
	"stakegate/services/stakegate/models"
)

// TransactionSource is the slice of the ledger the verifier reads.
type TransactionSource interface {
	Transaction(ctx context.Context, signature string) (*ledger.Transaction, error)
	TokenBalance(ctx context.Context, owner crypto.PublicKey) (uint64, error)
}

// Request is a claimed payment for an order. Amount is in human units.
type Request struct {
	OrderID       string
	Signature     string
	Payer         crypto.PublicKey
	Amount        decimal.Decimal
	SignedMessage string
	SignerKey     string
}

// Result is the verifier's answer. Replayed marks answers served from a
// stored verdict without touching the ledger.
type Result struct {
	Success   bool
	Verdict   models.Verdict
	Signature string
	OrderID   string
	Reason    string
	Expected  *uint256.Int
	Received  *uint256.Int
	Replayed  bool
}

// Err maps a negative verdict onto the error taxonomy.
func (r Result) Err() error {
	switch r.Verdict {
	case models.VerdictAccepted:
		return nil
	case models.VerdictInsufficientAmount, models.VerdictNoTransfer:
		return fmt.Errorf("%w: %s", staking.ErrInsufficientAmount, r.Reason)
	case models.VerdictPayerMismatch:
		return fmt.Errorf("%w: %s", staking.ErrSignatureMismatch, r.Reason)
	default:
		return fmt.Errorf("%w: %s", staking.ErrInvalidState, r.Reason)
	}
}

// Config wires a Verifier.
type Config struct {
	Ledger TransactionSource
	Store  Store
	Vault  staking.VaultConfig
	// Poll bounds the wait for a just-submitted transaction to become
	// visible. Defaults to ledger.DefaultConfirmationPolicy.
	Poll ledger.RetryPolicy
	// RequireAuthorization rejects requests without a signed order
	// authorization.
	RequireAuthorization bool
	Logger               *slog.Logger
}

// Verifier checks claimed payments. Concurrent requests for one signature
// share a single ledger lookup and persist one verdict.
type Verifier struct {
	ledger      TransactionSource
	store       Store
	vault       staking.VaultConfig
	poll        ledger.RetryPolicy
	requireAuth bool
	logger      *slog.Logger
	recipient   recipient
	flights     singleflight.Group
}

func New(cfg Config) (*Verifier, error) {
	if cfg.Ledger == nil || cfg.Store == nil {
		return nil, fmt.Errorf("%w: payments ledger and store required", staking.ErrConfiguration)
	}
	if err := cfg.Vault.ValidatePayments(); err != nil {
		return nil, err
	}
	if cfg.Poll.Attempts == 0 {
		cfg.Poll = ledger.DefaultConfirmationPolicy
	}
	if cfg.Poll.RetryIf == nil {
		cfg.Poll.RetryIf = ledger.RetryWhilePending
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	storeATA, err := crypto.AssociatedTokenAddress(cfg.Vault.StoreWallet, cfg.Vault.Mint)
	if err != nil {
		return nil, fmt.Errorf("%w: store token account: %v", staking.ErrConfiguration, err)
	}
	return &Verifier{
		ledger:      cfg.Ledger,
		store:       cfg.Store,
		vault:       cfg.Vault,
		poll:        cfg.Poll,
		requireAuth: cfg.RequireAuthorization,
		logger:      cfg.Logger.With("component", "payments"),
		recipient: recipient{
			mint:         cfg.Vault.Mint.String(),
			wallet:       cfg.Vault.StoreWallet.String(),
			tokenAccount: storeATA,
		},
	}, nil
}

// fingerprint binds a verdict to the request that produced it.
type fingerprint struct {
	orderID  string
	payer    string
	expected string
}

func fingerprintOf(rec *models.VerificationRecord) fingerprint {
	return fingerprint{orderID: rec.OrderID, payer: rec.Payer, expected: rec.ExpectedUnits}
}

func (f fingerprint) matches(rec *models.VerificationRecord) bool {
	return fingerprintOf(rec) == f
}

// Verify decides whether req describes a genuine payment. Definitive
// verdicts, positive or negative, are returned as a Result with a nil error.
// Verdicts for transactions the payer signed are persisted so a retried call
// replays them. Errors are reserved for
// invalid input, missing or mismatched authorization, reuse of a signature
// for a different order, and transactions that could not be found in time.
func (v *Verifier) Verify(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Signature = strings.TrimSpace(req.Signature)
	if req.OrderID == "" {
		return Result{}, fmt.Errorf("%w: order id required", staking.ErrInvalidRequest)
	}
	if _, err := crypto.DecodeSignature(req.Signature); err != nil || len(req.Signature) > 128 {
		return Result{}, fmt.Errorf("%w: malformed transaction signature", staking.ErrInvalidRequest)
	}
	if req.Payer.IsZero() {
		return Result{}, fmt.Errorf("%w: payer address required", staking.ErrInvalidAddress)
	}
	if !req.Amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: amount must be greater than zero", staking.ErrInvalidAmount)
	}
	expected, err := staking.ToBaseUnits(req.Amount, v.vault.Decimals)
	if err != nil {
		return Result{}, err
	}
	if expected == 0 {
		return Result{}, fmt.Errorf("%w: amount below token precision", staking.ErrInvalidAmount)
	}
	if req.SignedMessage != "" || req.SignerKey != "" || v.requireAuth {
		if err := VerifyAuthorization(req.OrderID, req.Payer, req.SignerKey, req.SignedMessage); err != nil {
			observability.StakeGate().ObserveVerification("unauthorized", time.Since(start))
			return Result{}, err
		}
	}

	fp := fingerprint{orderID: req.OrderID, payer: req.Payer.String(), expected: strconv.FormatUint(expected, 10)}
	rec, fresh, err := v.settle(ctx, req, fp, expected)
	if err != nil {
		observability.StakeGate().ObserveVerification(outcomeLabel(err), time.Since(start))
		return Result{}, err
	}
	if !fp.matches(rec) {
		v.logger.Warn("signature reused for a different payment",
			"signature", req.Signature, "order_id", req.OrderID, "stored_order_id", rec.OrderID)
		observability.StakeGate().ObserveVerification("conflict", time.Since(start))
		return Result{}, fmt.Errorf("%w: signature already used for order %s", staking.ErrConflict, rec.OrderID)
	}
	if !fresh {
		observability.StakeGate().RecordReplay("verification")
	}
	result := resultFrom(rec, !fresh)
	observability.StakeGate().ObserveVerification(strings.ToLower(string(result.Verdict)), time.Since(start))
	return result, nil
}

// settle returns the verdict for the request. A stored verdict is replayed
// when it was produced by the same request or when it accepted the payment.
// Otherwise the transaction is evaluated for this request. fresh is false
// only for replayed verdicts.
func (v *Verifier) settle(ctx context.Context, req Request, fp fingerprint, expected uint64) (*models.VerificationRecord, bool, error) {
	stored, err := v.store.Find(ctx, req.Signature)
	if err != nil {
		return nil, false, err
	}
	if stored != nil && (fp.matches(stored) || stored.Success()) {
		return stored, false, nil
	}

	tx, err := v.fetch(ctx, req.Signature)
	if err != nil {
		return nil, false, err
	}
	rec := v.evaluate(tx, req, fp, expected)
	if rec.Verdict == models.VerdictPayerMismatch {
		// Anyone can name a signature they did not sign; such claims are
		// answered but never stored against it.
		v.logger.Info("payment claimed by a non-signer", "signature", req.Signature, "order_id", req.OrderID, "payer", fp.payer)
		return rec, true, nil
	}
	persisted, fresh, err := v.persist(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if fresh {
		v.logger.Info("payment verified",
			"signature", req.Signature,
			"order_id", req.OrderID,
			"payer", fp.payer,
			"verdict", string(persisted.Verdict),
			"expected_units", persisted.ExpectedUnits,
			"received_units", persisted.ReceivedUnits,
		)
		if persisted.Success() {
			observability.Events().RecordTransfer("payment", v.vault.Symbol(), req.Amount.InexactFloat64())
		}
	}
	return persisted, fresh, nil
}

// persist stores rec under its signature. A negative verdict recorded for a
// different request does not own the signature: an accepting rec replaces it,
// a negative one is returned without being stored.
func (v *Verifier) persist(ctx context.Context, rec *models.VerificationRecord) (*models.VerificationRecord, bool, error) {
	stored, created, err := v.store.Save(ctx, rec)
	if err != nil || created {
		return stored, created, err
	}
	if fingerprintOf(stored) == fingerprintOf(rec) || stored.Success() {
		return stored, false, nil
	}
	if !rec.Success() {
		return rec, true, nil
	}
	replaced, ok, err := v.store.Supersede(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if ok {
		v.logger.Warn("accepted payment replaced a verdict recorded for another request",
			"signature", rec.Signature, "order_id", rec.OrderID, "previous_order_id", stored.OrderID)
	}
	return replaced, ok, nil
}

// fetch polls the ledger until the transaction is visible. Concurrent
// callers for one signature share a single polling loop.
func (v *Verifier) fetch(ctx context.Context, signature string) (*ledger.Transaction, error) {
	policy := v.poll
	policy.OnRetry = func(err error, wait time.Duration) {
		v.logger.Debug("transaction not visible yet", "signature", signature, "wait", wait, "error", err)
	}
	ch := v.flights.DoChan(signature, func() (interface{}, error) {
		return ledger.RetryValue(context.WithoutCancel(ctx), policy, func(ctx context.Context) (*ledger.Transaction, error) {
			return v.ledger.Transaction(ctx, signature)
		})
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if errors.Is(res.Err, staking.ErrNotFound) {
			return nil, fmt.Errorf("%w: transaction not found or not confirmed after %d attempts", staking.ErrNotFound, policy.Attempts)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ledger.Transaction), nil
	}
}

func (v *Verifier) evaluate(tx *ledger.Transaction, req Request, fp fingerprint, expected uint64) *models.VerificationRecord {
	rec := &models.VerificationRecord{
		Signature:     req.Signature,
		OrderID:       fp.orderID,
		Payer:         fp.payer,
		ExpectedUnits: fp.expected,
		ReceivedUnits: "0",
		Slot:          int64(tx.Slot),
		BlockTime:     tx.BlockTime,
		CreatedAt:     time.Now().UTC(),
	}
	if !tx.SignedBy(req.Payer) {
		rec.Verdict = models.VerdictPayerMismatch
		rec.Reason = fmt.Sprintf("Transaction was not signed by payer %s", req.Payer)
		return rec
	}
	if tx.Failed() {
		rec.Verdict = models.VerdictTransactionFailed
		rec.Reason = "Transaction failed: " + tx.FailureReason()
		return rec
	}
	received, ok := v.recipient.received(tx)
	rec.ReceivedUnits = received.Dec()
	if !ok {
		rec.Verdict = models.VerdictNoTransfer
		rec.Reason = "No transfer to the store wallet found in transaction"
		return rec
	}
	if received.Lt(uint256.NewInt(expected)) {
		rec.Verdict = models.VerdictInsufficientAmount
		rec.Reason = fmt.Sprintf("Insufficient amount: received %s %s, need %s",
			humanUnits(received, v.vault.Decimals), v.vault.Symbol(), req.Amount.String())
		return rec
	}
	rec.Verdict = models.VerdictAccepted
	return rec
}

func resultFrom(rec *models.VerificationRecord, replayed bool) Result {
	res := Result{
		Success:   rec.Success(),
		Verdict:   rec.Verdict,
		Signature: rec.Signature,
		OrderID:   rec.OrderID,
		Reason:    rec.Reason,
		Replayed:  replayed,
	}
	if n, err := uint256.FromDecimal(rec.ExpectedUnits); err == nil {
		res.Expected = n
	}
	if n, err := uint256.FromDecimal(rec.ReceivedUnits); err == nil {
		res.Received = n
	}
	return res
}

func humanUnits(units *uint256.Int, decimals int32) string {
	d, err := decimal.NewFromString(units.Dec())
	if err != nil {
		return units.Dec()
	}
	return d.Shift(-decimals).String()
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, staking.ErrNotFound):
		return "not_confirmed"
	case errors.Is(err, staking.ErrLedgerUnavailable):
		return "ledger_unavailable"
	default:
		return "error"
	}
}
