package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"stakegate/crypto"
)

// TokenBalance is one entry of a transaction's token balance record.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       *uint256.Int
}

// Transaction is the settled view of a transaction used for payment checks.
type Transaction struct {
	Signature         string
	Slot              uint64
	BlockTime         *time.Time
	Err               json.RawMessage
	AccountKeys       []crypto.PublicKey
	Signers           []crypto.PublicKey
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// Failed reports whether the ledger recorded an execution error.
func (t *Transaction) Failed() bool {
	if t == nil || len(t.Err) == 0 {
		return false
	}
	return strings.TrimSpace(string(t.Err)) != "null"
}

// FailureReason renders the recorded error compactly.
func (t *Transaction) FailureReason() string {
	if !t.Failed() {
		return ""
	}
	return strings.TrimSpace(string(t.Err))
}

// SignedBy reports whether key signed the transaction.
func (t *Transaction) SignedBy(key crypto.PublicKey) bool {
	for _, signer := range t.Signers {
		if signer == key {
			return true
		}
	}
	return false
}

// AccountAt returns the account key at index.
func (t *Transaction) AccountAt(index int) (crypto.PublicKey, bool) {
	if index < 0 || index >= len(t.AccountKeys) {
		return crypto.PublicKey{}, false
	}
	return t.AccountKeys[index], true
}

type rpcTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals int    `json:"decimals"`
	} `json:"uiTokenAmount"`
}

type rpcTransaction struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err               json.RawMessage   `json:"err"`
		PreTokenBalances  []rpcTokenBalance `json:"preTokenBalances"`
		PostTokenBalances []rpcTokenBalance `json:"postTokenBalances"`
	} `json:"meta"`
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
				Signer bool   `json:"signer"`
			} `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

func decodeTransaction(signature string, raw rpcTransaction) (*Transaction, error) {
	if raw.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no status metadata", signature)
	}
	tx := &Transaction{
		Signature: signature,
		Slot:      raw.Slot,
		Err:       raw.Meta.Err,
	}
	if raw.BlockTime != nil {
		bt := time.Unix(*raw.BlockTime, 0).UTC()
		tx.BlockTime = &bt
	}
	for i, key := range raw.Transaction.Message.AccountKeys {
		pub, err := crypto.PublicKeyFromBase58(key.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("transaction %s account %d: %w", signature, i, err)
		}
		tx.AccountKeys = append(tx.AccountKeys, pub)
		if key.Signer {
			tx.Signers = append(tx.Signers, pub)
		}
	}
	var err error
	if tx.PreTokenBalances, err = decodeTokenBalances(raw.Meta.PreTokenBalances); err != nil {
		return nil, fmt.Errorf("transaction %s pre balances: %w", signature, err)
	}
	if tx.PostTokenBalances, err = decodeTokenBalances(raw.Meta.PostTokenBalances); err != nil {
		return nil, fmt.Errorf("transaction %s post balances: %w", signature, err)
	}
	return tx, nil
}

func decodeTokenBalances(in []rpcTokenBalance) ([]TokenBalance, error) {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		amount, err := uint256.FromDecimal(strings.TrimSpace(b.UITokenAmount.Amount))
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", b.UITokenAmount.Amount, err)
		}
		out = append(out, TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint,
			Owner:        b.Owner,
			Amount:       amount,
		})
	}
	return out, nil
}
