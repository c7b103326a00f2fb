package identity

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeypair_SignVerify(t *testing.T) {
	keypair := NewKeypair()
	verifier := NewVerifier()

	sig := keypair.Sign([]byte("foo"))
	assert.True(t, verifier.Verify(keypair.Pubkey(), []byte("foo"), sig))
	assert.False(t, verifier.Verify(keypair.Pubkey(), []byte("bar"), sig))
	assert.False(t, verifier.Verify(NewKeypair().Pubkey(), []byte("foo"), sig))
}

func TestKeypair_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, SeedSize)

	k1, err := KeypairFromSeed(seed)
	require.NoError(t, err)
	k2, err := GenerateKeypair(bytes.NewReader(seed))
	require.NoError(t, err)

	assert.Equal(t, k1.Pubkey(), k2.Pubkey())

	_, err = KeypairFromSeed(seed[:10])
	assert.Error(t, err)
}

func TestKeypair_LoadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")

	keypair := NewKeypair()
	require.NoError(t, WriteKeypair(path, keypair))

	loaded, err := LoadKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, keypair.Pubkey(), loaded.Pubkey())
}

func TestPubkey_Text(t *testing.T) {
	pubkey := NewKeypair().Pubkey()

	b, err := pubkey.MarshalText()
	require.NoError(t, err)

	var parsed Pubkey
	require.NoError(t, parsed.UnmarshalText(b))
	assert.Equal(t, pubkey, parsed)

	_, err = ParsePubkey("not-base58-0OIl")
	assert.Error(t, err)
	_, err = ParsePubkey("abc")
	assert.Error(t, err)
}
