package payments

import (
	"github.com/holiman/uint256"

	"stakegate/crypto"
	"stakegate/services/stakegate/ledger"
)

// recipient identifies the store's token account inside a transaction.
type recipient struct {
	mint         string
	wallet       string
	tokenAccount crypto.PublicKey
}

func (r recipient) matches(tx *ledger.Transaction, b ledger.TokenBalance) bool {
	if b.Mint != r.mint {
		return false
	}
	if b.Owner == r.wallet || b.Owner == r.tokenAccount.String() {
		return true
	}
	key, ok := tx.AccountAt(b.AccountIndex)
	return ok && key == r.tokenAccount
}

// received returns how many base units the store gained in tx, computed from
// the transaction's own balance record. ok is false when the store's token
// account does not appear in the post-balances at all. A missing
// pre-balance means the account was created by the transaction.
func (r recipient) received(tx *ledger.Transaction) (amount *uint256.Int, ok bool) {
	var post *ledger.TokenBalance
	for i := range tx.PostTokenBalances {
		if r.matches(tx, tx.PostTokenBalances[i]) {
			post = &tx.PostTokenBalances[i]
			break
		}
	}
	if post == nil || post.Amount == nil {
		return uint256.NewInt(0), false
	}

	pre := uint256.NewInt(0)
	for _, b := range tx.PreTokenBalances {
		if b.AccountIndex == post.AccountIndex && b.Mint == r.mint && b.Amount != nil {
			pre = b.Amount
			break
		}
	}
	if post.Amount.Lt(pre) {
		return uint256.NewInt(0), true
	}
	return new(uint256.Int).Sub(post.Amount, pre), true
}
