package keyvault

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAdmin struct {
	privPEM []byte
	pubPEM  []byte
}

func newECDSAAdmin(t *testing.T) testAdmin {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	return testAdmin{
		privPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		pubPEM:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
	}
}

func newEd25519Admin(t *testing.T) testAdmin {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	return testAdmin{
		privPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		pubPEM:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
	}
}

func TestShamirSplitAndRecover(t *testing.T) {
	admins := []testAdmin{newECDSAAdmin(t), newECDSAAdmin(t), newEd25519Admin(t)}

	config := ShamirConfig{Threshold: 2}
	for _, a := range admins {
		config.AdminPubKeys = append(config.AdminPubKeys, a.pubPEM)
	}

	masterSeed := make([]byte, 32)
	_, err := rand.Read(masterSeed)
	require.NoError(t, err)
	seedCopy := append([]byte(nil), masterSeed...)

	split, shares, err := SplitSeed(masterSeed, config)
	require.NoError(t, err)
	require.Len(t, shares, 3)
	assert.True(t, split.IsUnlocked())

	recovery, err := NewRecoveryUnsealer(config)
	require.NoError(t, err)
	assert.False(t, recovery.IsUnlocked())

	_, err = recovery.MasterSeed()
	assert.Error(t, err)

	sig0, err := SignShare(admins[0].privPEM, shares[0])
	require.NoError(t, err)
	require.NoError(t, recovery.SubmitShare(0, shares[0], sig0, admins[0].pubPEM))
	assert.False(t, recovery.IsUnlocked(), "one share below threshold must not unlock")

	sig2, err := SignShare(admins[2].privPEM, shares[2])
	require.NoError(t, err)
	require.NoError(t, recovery.SubmitShare(2, shares[2], sig2, admins[2].pubPEM))
	require.True(t, recovery.IsUnlocked())

	recovered, err := recovery.MasterSeed()
	require.NoError(t, err)
	assert.Equal(t, seedCopy, recovered)
}

func TestShamirRejectsBadSubmissions(t *testing.T) {
	admins := []testAdmin{newECDSAAdmin(t), newECDSAAdmin(t)}
	outsider := newECDSAAdmin(t)

	config := ShamirConfig{
		Threshold:    2,
		AdminPubKeys: [][]byte{admins[0].pubPEM, admins[1].pubPEM},
	}

	masterSeed := make([]byte, 32)
	_, err := rand.Read(masterSeed)
	require.NoError(t, err)

	_, shares, err := SplitSeed(masterSeed, config)
	require.NoError(t, err)

	recovery, err := NewRecoveryUnsealer(config)
	require.NoError(t, err)

	// Unregistered admin key.
	sig, err := SignShare(outsider.privPEM, shares[0])
	require.NoError(t, err)
	assert.Error(t, recovery.SubmitShare(0, shares[0], sig, outsider.pubPEM))

	// Registered key but signature from the wrong admin.
	wrongSig, err := SignShare(admins[1].privPEM, shares[0])
	require.NoError(t, err)
	assert.Error(t, recovery.SubmitShare(0, shares[0], wrongSig, admins[0].pubPEM))

	// Signature over different data.
	tamperedSig, err := SignShare(admins[0].privPEM, []byte("tampered"))
	require.NoError(t, err)
	assert.Error(t, recovery.SubmitShare(0, shares[0], tamperedSig, admins[0].pubPEM))

	assert.False(t, recovery.IsUnlocked())
}

func TestShamirConfigValidation(t *testing.T) {
	admin := newECDSAAdmin(t)
	seed := make([]byte, 32)

	_, _, err := SplitSeed(seed[:16], ShamirConfig{Threshold: 2, AdminPubKeys: [][]byte{admin.pubPEM, admin.pubPEM}})
	assert.Error(t, err, "short seeds are rejected")

	_, _, err = SplitSeed(seed, ShamirConfig{Threshold: 1, AdminPubKeys: [][]byte{admin.pubPEM}})
	assert.Error(t, err, "threshold below 2 is rejected")

	_, _, err = SplitSeed(seed, ShamirConfig{Threshold: 3, AdminPubKeys: [][]byte{admin.pubPEM, admin.pubPEM}})
	assert.Error(t, err, "fewer shares than threshold is rejected")

	_, err = NewRecoveryUnsealer(ShamirConfig{Threshold: 2, AdminPubKeys: [][]byte{[]byte("not a pem key")}})
	assert.Error(t, err, "malformed admin keys are rejected")
}
