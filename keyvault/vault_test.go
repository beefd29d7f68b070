package keyvault

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subpay/tee-subscription-backend/cryptoutils"
	"github.com/subpay/tee-subscription-backend/interfaces"
	"github.com/subpay/tee-subscription-backend/storage"
)

func newTestVault(t *testing.T) *EnclaveVault {
	t.Helper()

	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	records, err := storage.NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	vault, err := NewEnclaveVault(seed, records, slog.Default())
	require.NoError(t, err)
	return vault
}

func TestVaultStoreAndSign(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	priv, pub, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)

	id := interfaces.SubscriptionID("sub-1")
	require.NoError(t, vault.Store(ctx, id, priv, pub))

	payload := []byte("process_payment:sub-1:1000")
	sig, err := vault.Sign(ctx, id, payload)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), payload, sig))

	got, err := vault.SigningKey(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PublicKey(pub), got)
}

func TestVaultDuplicateStore(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	priv, pub, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)
	id := interfaces.SubscriptionID("sub-1")
	require.NoError(t, vault.Store(ctx, id, priv, pub))

	priv2, pub2, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)
	err = vault.Store(ctx, id, priv2, pub2)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyStored)

	// The original key must remain usable after the rejected duplicate.
	payload := []byte("still works")
	sig, err := vault.Sign(ctx, id, payload)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), payload, sig))
}

func TestVaultSignUnknownSubscription(t *testing.T) {
	vault := newTestVault(t)

	sig, err := vault.Sign(context.Background(), "missing", []byte("payload"))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Nil(t, sig)
}

func TestVaultDestroyIdempotent(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	priv, pub, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)
	id := interfaces.SubscriptionID("sub-1")
	require.NoError(t, vault.Store(ctx, id, priv, pub))

	require.NoError(t, vault.Destroy(ctx, id))
	_, err = vault.Sign(ctx, id, []byte("payload"))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	// Destroying again is a silent no-op; cancellation may race a prior
	// destroy.
	require.NoError(t, vault.Destroy(ctx, id))
}

func TestVaultDestroyDuringConcurrentSigning(t *testing.T) {
	vault := newTestVault(t)
	ctx := context.Background()

	priv, pub, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)
	id := interfaces.SubscriptionID("sub-1")
	require.NoError(t, vault.Store(ctx, id, priv, pub))

	// Sign in a tight loop while Destroy wipes the cached key. Every
	// signature handed out before the destroy must still verify; a signer
	// reading key bytes mid-wipe would produce garbage.
	payload := []byte("charge")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			sig, err := vault.Sign(ctx, id, payload)
			if err != nil {
				assert.ErrorIs(t, err, interfaces.ErrNotFound)
				return
			}
			assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), payload, sig))
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, vault.Destroy(ctx, id))
	<-done
}

func TestVaultSurvivesRestart(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	dir := t.TempDir()
	records, err := storage.NewFileStore(dir, slog.Default())
	require.NoError(t, err)

	vault, err := NewEnclaveVault(seed, records, slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	priv, pub, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)
	id := interfaces.SubscriptionID("sub-1")
	require.NoError(t, vault.Store(ctx, id, priv, pub))

	// A fresh vault over the same seed and records must be able to sign.
	records2, err := storage.NewFileStore(dir, slog.Default())
	require.NoError(t, err)
	vault2, err := NewEnclaveVault(seed, records2, slog.Default())
	require.NoError(t, err)

	payload := []byte("after restart")
	sig, err := vault2.Sign(ctx, id, payload)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), payload, sig))

	// A vault with the wrong seed cannot open the records.
	wrongSeed := make([]byte, 32)
	_, err = rand.Read(wrongSeed)
	require.NoError(t, err)
	vault3, err := NewEnclaveVault(wrongSeed, records2, slog.Default())
	require.NoError(t, err)
	_, err = vault3.Sign(ctx, id, payload)
	assert.ErrorIs(t, err, interfaces.ErrEnclaveUnavailable)
}

func TestVaultRejectsMismatchedKeypair(t *testing.T) {
	vault := newTestVault(t)

	priv, _, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)
	_, otherPub, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)

	err = vault.Store(context.Background(), "sub-1", priv, otherPub)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters)
}
