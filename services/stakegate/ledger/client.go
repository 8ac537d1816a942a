package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/holiman/uint256"

	"stakegate/crypto"
	"stakegate/native/staking"
)

// Ledger is the ledger surface the store backend depends on.
type Ledger interface {
	// StakeAccount returns nil and no error when user has never staked.
	StakeAccount(ctx context.Context, user crypto.PublicKey) (*staking.StakeAccount, error)
	// Transaction performs one lookup and returns staking.ErrNotFound when the
	// ledger does not know the signature yet.
	Transaction(ctx context.Context, signature string) (*Transaction, error)
	// TokenBalance returns the store-token balance held by owner's token
	// account, or staking.ErrNotFound when that account does not exist.
	TokenBalance(ctx context.Context, owner crypto.PublicKey) (uint64, error)
	// Submit signs ix with key, sends it, and waits for confirmation.
	Submit(ctx context.Context, ix Instruction, key *crypto.PrivateKey) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithReadPolicy overrides the retry policy for account reads.
func WithReadPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.readPolicy = p }
}

// WithConfirmationPolicy overrides how long submissions wait for confirmation.
func WithConfirmationPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.confirmPolicy = p }
}

// WithCommitment sets the commitment level used for reads.
func WithCommitment(level string) Option {
	return func(c *Client) {
		if level = strings.TrimSpace(level); level != "" {
			c.commitment = level
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// codePreflightFailure is returned when the node's simulation of a
// submitted transaction fails.
const codePreflightFailure = -32002

// Client implements Ledger over a node's JSON-RPC interface.
type Client struct {
	rpc           *RPCClient
	vault         *Vault
	readPolicy    RetryPolicy
	confirmPolicy RetryPolicy
	commitment    string
	logger        *slog.Logger
}

// NewClient builds a ledger client for vault.
func NewClient(rpc *RPCClient, vault *Vault, opts ...Option) *Client {
	c := &Client{
		rpc:           rpc,
		vault:         vault,
		readPolicy:    DefaultReadPolicy,
		confirmPolicy: DefaultConfirmationPolicy,
		commitment:    "confirmed",
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ledger")
	return c
}

func (c *Client) Vault() *Vault {
	return c.vault
}

type accountInfoResult struct {
	Value *struct {
		Data  []string `json:"data"`
		Owner string   `json:"owner"`
	} `json:"value"`
}

func (c *Client) StakeAccount(ctx context.Context, user crypto.PublicKey) (*staking.StakeAccount, error) {
	addr, err := c.vault.StakeAddress(user)
	if err != nil {
		return nil, err
	}
	result, err := RetryValue(ctx, c.readPolicy, func(ctx context.Context) (accountInfoResult, error) {
		var out accountInfoResult
		params := []interface{}{addr.String(), map[string]string{"encoding": "base64", "commitment": c.commitment}}
		err := c.rpc.Call(ctx, "getAccountInfo", params, &out)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("read stake account %s: %w", addr, asUnavailable(err))
	}
	if result.Value == nil {
		return nil, nil
	}
	if result.Value.Owner != c.vault.Config.ProgramID.String() {
		return nil, fmt.Errorf("%w: stake account %s owned by %s", ErrMalformedAccount, addr, result.Value.Owner)
	}
	if len(result.Value.Data) != 2 || result.Value.Data[1] != "base64" {
		return nil, fmt.Errorf("%w: unexpected data encoding", ErrMalformedAccount)
	}
	raw, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAccount, err)
	}
	acct, err := DecodeStakeAccount(raw)
	if err != nil {
		return nil, err
	}
	if acct.Owner != user {
		return nil, fmt.Errorf("%w: stake account belongs to %s", ErrMalformedAccount, acct.Owner)
	}
	return acct, nil
}

func (c *Client) Transaction(ctx context.Context, signature string) (*Transaction, error) {
	var raw *rpcTransaction
	params := []interface{}{signature, map[string]interface{}{
		"encoding":                       "jsonParsed",
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	}}
	if err := c.rpc.Call(ctx, "getTransaction", params, &raw); err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: transaction %s", staking.ErrNotFound, signature)
	}
	return decodeTransaction(signature, *raw)
}

func (c *Client) TokenBalance(ctx context.Context, owner crypto.PublicKey) (uint64, error) {
	tokenAccount, err := crypto.AssociatedTokenAddress(owner, c.vault.Config.Mint)
	if err != nil {
		return 0, err
	}
	var result struct {
		Value struct {
			Amount string `json:"amount"`
		} `json:"value"`
	}
	err = Retry(ctx, c.readPolicy, func(ctx context.Context) error {
		return c.rpc.Call(ctx, "getTokenAccountBalance", []interface{}{tokenAccount.String()}, &result)
	})
	if isAccountMissing(err) {
		return 0, fmt.Errorf("%w: token account %s", staking.ErrNotFound, tokenAccount)
	}
	if err != nil {
		return 0, fmt.Errorf("read token balance %s: %w", tokenAccount, asUnavailable(err))
	}
	amount, err := uint256.FromDecimal(result.Value.Amount)
	if err != nil || !amount.IsUint64() {
		return 0, fmt.Errorf("%w: token balance %q", staking.ErrLedgerUnavailable, result.Value.Amount)
	}
	return amount.Uint64(), nil
}

func (c *Client) Submit(ctx context.Context, ix Instruction, key *crypto.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("%w: no signing key", staking.ErrConfiguration)
	}
	var latest struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	err := Retry(ctx, c.readPolicy, func(ctx context.Context) error {
		return c.rpc.Call(ctx, "getLatestBlockhash", []interface{}{map[string]string{"commitment": c.commitment}}, &latest)
	})
	if err != nil {
		return "", fmt.Errorf("latest blockhash: %w", asUnavailable(err))
	}
	blockhash, err := crypto.PublicKeyFromBase58(latest.Value.Blockhash)
	if err != nil {
		return "", fmt.Errorf("%w: blockhash %q", staking.ErrLedgerUnavailable, latest.Value.Blockhash)
	}
	message, err := CompileMessage(key.PubKey(), ix, blockhash)
	if err != nil {
		return "", err
	}
	wire, signature := SignTransaction(key, message)

	var sent string
	params := []interface{}{base64.StdEncoding.EncodeToString(wire), map[string]string{
		"encoding":            "base64",
		"preflightCommitment": c.commitment,
	}}
	if err := c.rpc.Call(ctx, "sendTransaction", params, &sent); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && (rpcErr.Code == codePreflightFailure || !isServerError(rpcErr.Code)) {
			// Preflight simulation rejected the transaction; the program's
			// checks are authoritative.
			return "", fmt.Errorf("%w: %s", staking.ErrInvalidState, rpcErr.Message)
		}
		return "", fmt.Errorf("send transaction: %w", err)
	}
	if sent != "" && sent != signature {
		c.logger.Warn("node reported unexpected signature", slog.String("expected", signature), slog.String("got", sent))
	}
	if err := c.awaitConfirmation(ctx, signature); err != nil {
		if errors.Is(err, staking.ErrNotFound) {
			return signature, fmt.Errorf("%w: transaction %s not confirmed", staking.ErrLedgerUnavailable, signature)
		}
		return signature, err
	}
	return signature, nil
}

func (c *Client) awaitConfirmation(ctx context.Context, signature string) error {
	return Retry(ctx, c.confirmPolicy, func(ctx context.Context) error {
		var statuses struct {
			Value []*struct {
				Err                json.RawMessage `json:"err"`
				ConfirmationStatus string          `json:"confirmationStatus"`
			} `json:"value"`
		}
		if err := c.rpc.Call(ctx, "getSignatureStatuses", []interface{}{[]string{signature}}, &statuses); err != nil {
			return err
		}
		if len(statuses.Value) == 0 || statuses.Value[0] == nil {
			return fmt.Errorf("%w: signature %s pending", staking.ErrNotFound, signature)
		}
		status := statuses.Value[0]
		if len(status.Err) > 0 && strings.TrimSpace(string(status.Err)) != "null" {
			return fmt.Errorf("%w: transaction %s failed: %s", staking.ErrInvalidState, signature, strings.TrimSpace(string(status.Err)))
		}
		switch status.ConfirmationStatus {
		case "confirmed", "finalized":
			return nil
		default:
			return fmt.Errorf("%w: signature %s at %q", staking.ErrNotFound, signature, status.ConfirmationStatus)
		}
	})
}

// asUnavailable keeps typed errors and folds request-level RPC errors into
// ErrLedgerUnavailable so callers never mistake them for a policy outcome.
func asUnavailable(err error) error {
	if err == nil || errors.Is(err, staking.ErrLedgerUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", staking.ErrLedgerUnavailable, err)
}

var _ Ledger = (*Client)(nil)
