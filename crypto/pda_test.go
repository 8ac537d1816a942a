package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindProgramAddressIsDeterministicAndOffCurve(t *testing.T) {
	program, err := GeneratePrivateKey()
	require.NoError(t, err)
	mint, err := GeneratePrivateKey()
	require.NoError(t, err)

	seeds := [][]byte{[]byte("vault"), mint.PubKey().Bytes()}
	first, bump, err := FindProgramAddress(seeds, program.PubKey())
	require.NoError(t, err)
	second, bump2, err := FindProgramAddress(seeds, program.PubKey())
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, bump, bump2)
	require.False(t, first.IsOnCurve())

	recreated, err := CreateProgramAddress(append(seeds, []byte{bump}), program.PubKey())
	require.NoError(t, err)
	require.Equal(t, first, recreated)

	for higher := int(bump) + 1; higher <= 255; higher++ {
		_, err := CreateProgramAddress(append(seeds, []byte{byte(higher)}), program.PubKey())
		require.ErrorIs(t, err, ErrAddressOnCurve)
	}
}

func TestFindProgramAddressSeparatesSeeds(t *testing.T) {
	program, err := GeneratePrivateKey()
	require.NoError(t, err)

	a, _, err := FindProgramAddress([][]byte{[]byte("stake"), bytes.Repeat([]byte{1}, 32)}, program.PubKey())
	require.NoError(t, err)
	b, _, err := FindProgramAddress([][]byte{[]byte("stake"), bytes.Repeat([]byte{2}, 32)}, program.PubKey())
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCreateProgramAddressValidatesSeeds(t *testing.T) {
	_, err := CreateProgramAddress([][]byte{bytes.Repeat([]byte{1}, 33)}, TokenProgramID)
	require.ErrorIs(t, err, ErrSeedTooLong)

	seeds := make([][]byte, 17)
	for i := range seeds {
		seeds[i] = []byte{byte(i)}
	}
	_, err = CreateProgramAddress(seeds, TokenProgramID)
	require.ErrorIs(t, err, ErrTooManySeeds)
}

func TestAssociatedTokenAddressDependsOnOwnerAndMint(t *testing.T) {
	owner, err := GeneratePrivateKey()
	require.NoError(t, err)
	other, err := GeneratePrivateKey()
	require.NoError(t, err)
	mint, err := GeneratePrivateKey()
	require.NoError(t, err)

	ata, err := AssociatedTokenAddress(owner.PubKey(), mint.PubKey())
	require.NoError(t, err)
	again, err := AssociatedTokenAddress(owner.PubKey(), mint.PubKey())
	require.NoError(t, err)
	otherATA, err := AssociatedTokenAddress(other.PubKey(), mint.PubKey())
	require.NoError(t, err)

	require.Equal(t, ata, again)
	require.NotEqual(t, ata, otherATA)
	require.False(t, ata.IsOnCurve())
}

func TestBumpSearchStopsAtOne(t *testing.T) {
	var tried []uint8
	_, _, err := searchBump(func(bump uint8) (PublicKey, error) {
		tried = append(tried, bump)
		return PublicKey{}, ErrAddressOnCurve
	})
	require.ErrorIs(t, err, ErrNoViableBump)
	require.Len(t, tried, 255)
	require.Equal(t, uint8(255), tried[0])
	require.Equal(t, uint8(1), tried[len(tried)-1])

	addr, bump, err := searchBump(func(bump uint8) (PublicKey, error) {
		if bump > 7 {
			return PublicKey{}, ErrAddressOnCurve
		}
		return PublicKey{bump}, nil
	})
	require.NoError(t, err)
	require.Equal(t, uint8(7), bump)
	require.Equal(t, PublicKey{7}, addr)
}
