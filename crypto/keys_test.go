package crypto

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublicKeyBase58RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	pub := key.PubKey()
	decoded, err := PublicKeyFromBase58(pub.String())
	require.NoError(t, err)
	require.Equal(t, pub, decoded)
	require.True(t, pub.IsOnCurve())
}

func TestPublicKeyRejectsMalformedInput(t *testing.T) {
	for _, input := range []string{"", "   ", "not-base58-0OIl", "3yZe7d"} {
		_, err := PublicKeyFromBase58(input)
		require.ErrorIs(t, err, ErrInvalidPublicKey, input)
	}
}

func TestSystemProgramEncodesAsOnes(t *testing.T) {
	require.Equal(t, "11111111111111111111111111111111", SystemProgramID.String())
	require.Equal(t, "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", TokenProgramID.String())
}

func TestSignatureVerifiesInBothEncodings(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	msg := []byte("authorize order #42")
	sig := key.Sign(msg)

	for _, encoded := range []string{EncodeSignature(sig), base64.StdEncoding.EncodeToString(sig)} {
		raw, err := DecodeSignature(encoded)
		require.NoError(t, err)
		require.True(t, Verify(key.PubKey(), msg, raw))
		require.False(t, Verify(key.PubKey(), []byte("authorize order #43"), raw))
	}

	_, err = DecodeSignature("abc")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestPrivateKeyFromBytesChecksKeypairHalves(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	restored, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.PubKey(), restored.PubKey())

	fromSeed, err := PrivateKeyFromBytes(key.Bytes()[:32])
	require.NoError(t, err)
	require.Equal(t, key.PubKey(), fromSeed.PubKey())

	tampered := key.Bytes()
	tampered[63] ^= 0xff
	_, err = PrivateKeyFromBytes(tampered)
	require.Error(t, err)
}

func TestKeypairFileRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wallet", "id.json")

	require.NoError(t, SaveKeypairFile(path, key))
	loaded, err := LoadKeypairFile(path)
	require.NoError(t, err)
	require.Equal(t, key.PubKey(), loaded.PubKey())
}
