package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"stakegate/crypto"
	"stakegate/native/staking"
)

// ErrMalformedAccount reports account data that does not match the stake
// account layout.
var ErrMalformedAccount = errors.New("ledger: malformed stake account")

// stakeAccountMinLen is discriminator + owner + amount + staked-at + option tag
// + status + penalty flag, i.e. the encoding with no unstake timestamp.
const stakeAccountMinLen = 8 + 32 + 8 + 8 + 1 + 1 + 1

// AccountDiscriminator returns the 8-byte prefix that tags program accounts of
// the named type.
func AccountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

var stakeAccountDiscriminator = AccountDiscriminator("StakeAccount")

// DecodeStakeAccount parses the raw data of a stake account. Any deviation
// from the expected layout is an error; trailing bytes left over from earlier
// encodings are ignored.
func DecodeStakeAccount(data []byte) (*staking.StakeAccount, error) {
	if len(data) < stakeAccountMinLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAccount, len(data))
	}
	if [8]byte(data[:8]) != stakeAccountDiscriminator {
		return nil, fmt.Errorf("%w: unexpected discriminator %x", ErrMalformedAccount, data[:8])
	}
	r := accountReader{buf: data[8:]}

	owner, err := crypto.PublicKeyFromBytes(r.take(32))
	if err != nil {
		return nil, fmt.Errorf("%w: owner: %v", ErrMalformedAccount, err)
	}
	acct := &staking.StakeAccount{
		Owner:    owner,
		Amount:   r.u64(),
		StakedAt: time.Unix(r.i64(), 0).UTC(),
	}
	switch tag := r.u8(); tag {
	case 0:
	case 1:
		if r.remaining() < 8+2 {
			return nil, fmt.Errorf("%w: truncated unstake timestamp", ErrMalformedAccount)
		}
		requested := time.Unix(r.i64(), 0).UTC()
		acct.UnstakeRequestedAt = &requested
	default:
		return nil, fmt.Errorf("%w: option tag %d", ErrMalformedAccount, tag)
	}
	status, err := staking.ParseStatus(r.u8())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAccount, err)
	}
	acct.Status = status
	switch flag := r.u8(); flag {
	case 0:
	case 1:
		acct.PenaltyApplied = true
	default:
		return nil, fmt.Errorf("%w: penalty flag %d", ErrMalformedAccount, flag)
	}
	if err := acct.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAccount, err)
	}
	return acct, nil
}

// EncodeStakeAccount produces the on-ledger encoding of acct.
func EncodeStakeAccount(acct *staking.StakeAccount) []byte {
	out := make([]byte, 0, stakeAccountMinLen+8)
	out = append(out, stakeAccountDiscriminator[:]...)
	out = append(out, acct.Owner[:]...)
	out = binary.LittleEndian.AppendUint64(out, acct.Amount)
	out = binary.LittleEndian.AppendUint64(out, uint64(acct.StakedAt.Unix()))
	if acct.UnstakeRequestedAt != nil {
		out = append(out, 1)
		out = binary.LittleEndian.AppendUint64(out, uint64(acct.UnstakeRequestedAt.Unix()))
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(acct.Status))
	if acct.PenaltyApplied {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return out
}

// accountReader consumes little-endian fields. Callers check the length up
// front so the reads cannot run past the buffer.
type accountReader struct {
	buf []byte
	off int
}

func (r *accountReader) take(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *accountReader) remaining() int { return len(r.buf) - r.off }

func (r *accountReader) u8() byte { return r.take(1)[0] }

func (r *accountReader) u64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }

func (r *accountReader) i64() int64 { return int64(r.u64()) }
