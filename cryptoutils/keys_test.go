package cryptoutils

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateScopedKeypair(t *testing.T) {
	priv1, pub1, err := GenerateScopedKeypair()
	require.NoError(t, err)
	priv2, pub2, err := GenerateScopedKeypair()
	require.NoError(t, err)

	assert.False(t, bytes.Equal(pub1, pub2), "keys must never repeat across issuances")

	msg := []byte("process_payment")
	sig := ed25519.Sign(priv1, msg)
	assert.True(t, ed25519.Verify(pub1, msg, sig))
	assert.False(t, ed25519.Verify(pub2, msg, ed25519.Sign(priv2, []byte("other"))))
}

func TestSealRoundTrip(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	key, err := DeriveSealingKey(seed, "keyvault/records")
	require.NoError(t, err)

	plaintext := []byte("custodied private key bytes")
	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(plaintext))

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	// A key derived under a different label must not open the record.
	otherKey, err := DeriveSealingKey(seed, "other/context")
	require.NoError(t, err)
	_, err = Open(otherKey, sealed)
	assert.Error(t, err)
}

func TestDeriveSealingKeyDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	k1, err := DeriveSealingKey(seed, "keyvault/records")
	require.NoError(t, err)
	k2, err := DeriveSealingKey(seed, "keyvault/records")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	short := make([]byte, 16)
	_, err = DeriveSealingKey(short, "keyvault/records")
	assert.Error(t, err, "short seeds are rejected")
}

func TestDummyAttestationProvider(t *testing.T) {
	p := DummyAttestationProvider{}

	m1, err := p.Measurement()
	require.NoError(t, err)
	m2, err := p.Measurement()
	require.NoError(t, err)
	assert.Equal(t, m1, m2, "measurement must be stable for one enclave image")

	var reportData [64]byte
	copy(reportData[:], []byte("worker account binding"))
	quote, err := p.Attest(reportData)
	require.NoError(t, err)
	assert.NotEmpty(t, quote)
}
