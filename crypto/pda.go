package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	maxSeeds      = 16
	maxSeedLength = 32
	pdaMarker     = "ProgramDerivedAddress"
)

var (
	// SystemProgramID is the all-zero address of the system program.
	SystemProgramID = PublicKey{}
	// TokenProgramID owns fungible token accounts.
	TokenProgramID = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	// AssociatedTokenProgramID derives canonical token accounts per owner and mint.
	AssociatedTokenProgramID = MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

var (
	ErrSeedTooLong    = errors.New("crypto: seed exceeds 32 bytes")
	ErrTooManySeeds   = errors.New("crypto: too many seeds")
	ErrAddressOnCurve = errors.New("crypto: derived address lies on the curve")
	ErrNoViableBump   = errors.New("crypto: no viable bump seed")
)

// CreateProgramAddress hashes the seeds with the program id. The result must
// not be a valid curve point so no private key can sign for it.
func CreateProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, error) {
	if len(seeds) > maxSeeds {
		return PublicKey{}, ErrTooManySeeds
	}
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > maxSeedLength {
			return PublicKey{}, ErrSeedTooLong
		}
		h.Write(seed)
	}
	h.Write(program[:])
	h.Write([]byte(pdaMarker))
	var addr PublicKey
	copy(addr[:], h.Sum(nil))
	if addr.IsOnCurve() {
		return PublicKey{}, ErrAddressOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bump seeds from 255 down to 1 and returns the
// first off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, uint8, error) {
	if len(seeds) >= maxSeeds {
		return PublicKey{}, 0, ErrTooManySeeds
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	return searchBump(func(bump uint8) (PublicKey, error) {
		withBump[len(seeds)] = []byte{bump}
		return CreateProgramAddress(withBump, program)
	})
}

// searchBump walks the canonical bump range. Bump 0 is never tried.
func searchBump(derive func(bump uint8) (PublicKey, error)) (PublicKey, uint8, error) {
	for bump := 255; bump >= 1; bump-- {
		addr, err := derive(uint8(bump))
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrAddressOnCurve) {
			return PublicKey{}, 0, err
		}
	}
	return PublicKey{}, 0, ErrNoViableBump
}

// AssociatedTokenAddress returns the canonical token account holding mint for owner.
func AssociatedTokenAddress(owner, mint PublicKey) (PublicKey, error) {
	addr, _, err := FindProgramAddress([][]byte{owner[:], TokenProgramID[:], mint[:]}, AssociatedTokenProgramID)
	if err != nil {
		return PublicKey{}, fmt.Errorf("derive associated token address: %w", err)
	}
	return addr, nil
}
