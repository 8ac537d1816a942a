package ledger

import (
	"errors"
	"fmt"

	"stakegate/crypto"
)

// ErrUnsignableInstruction reports an instruction that needs a signature other
// than the fee payer's.
var ErrUnsignableInstruction = errors.New("ledger: instruction requires additional signers")

// CompileMessage lays out a legacy transaction message for a single
// instruction paid for by payer: signer-writable accounts first, then
// signer-readonly, writable, and readonly accounts.
func CompileMessage(payer crypto.PublicKey, ix Instruction, recentBlockhash crypto.PublicKey) ([]byte, error) {
	type entry struct {
		key      crypto.PublicKey
		signer   bool
		writable bool
	}
	order := []crypto.PublicKey{payer}
	entries := map[crypto.PublicKey]*entry{payer: {key: payer, signer: true, writable: true}}
	merge := func(meta AccountMeta) {
		if e, ok := entries[meta.Key]; ok {
			e.signer = e.signer || meta.Signer
			e.writable = e.writable || meta.Writable
			return
		}
		entries[meta.Key] = &entry{key: meta.Key, signer: meta.Signer, writable: meta.Writable}
		order = append(order, meta.Key)
	}
	for _, meta := range ix.Accounts {
		merge(meta)
	}
	merge(AccountMeta{Key: ix.ProgramID})

	var groups [4][]crypto.PublicKey
	for _, key := range order {
		e := entries[key]
		switch {
		case e.signer && e.writable:
			groups[0] = append(groups[0], key)
		case e.signer:
			groups[1] = append(groups[1], key)
		case e.writable:
			groups[2] = append(groups[2], key)
		default:
			groups[3] = append(groups[3], key)
		}
	}
	numSigners := len(groups[0]) + len(groups[1])
	if numSigners != 1 {
		return nil, fmt.Errorf("%w: %d signers", ErrUnsignableInstruction, numSigners)
	}
	keys := make([]crypto.PublicKey, 0, len(order))
	for _, g := range groups {
		keys = append(keys, g...)
	}
	index := make(map[crypto.PublicKey]byte, len(keys))
	for i, key := range keys {
		index[key] = byte(i)
	}

	msg := []byte{byte(numSigners), byte(len(groups[1])), byte(len(groups[3]))}
	msg = appendCompactU16(msg, len(keys))
	for _, key := range keys {
		msg = append(msg, key[:]...)
	}
	msg = append(msg, recentBlockhash[:]...)
	msg = appendCompactU16(msg, 1)
	msg = append(msg, index[ix.ProgramID])
	msg = appendCompactU16(msg, len(ix.Accounts))
	for _, meta := range ix.Accounts {
		msg = append(msg, index[meta.Key])
	}
	msg = appendCompactU16(msg, len(ix.Data))
	msg = append(msg, ix.Data...)
	return msg, nil
}

// SignTransaction signs message with key and returns the wire transaction and
// its base58 signature, which doubles as the transaction id.
func SignTransaction(key *crypto.PrivateKey, message []byte) ([]byte, string) {
	sig := key.Sign(message)
	tx := appendCompactU16(make([]byte, 0, 1+len(sig)+len(message)), 1)
	tx = append(tx, sig...)
	tx = append(tx, message...)
	return tx, crypto.EncodeSignature(sig)
}

func appendCompactU16(dst []byte, n int) []byte {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
