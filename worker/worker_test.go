package worker

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subpay/tee-subscription-backend/cryptoutils"
	"github.com/subpay/tee-subscription-backend/interfaces"
	"github.com/subpay/tee-subscription-backend/ledger"
)

func newTestIdentity(t *testing.T, mock *ledger.MockLedger) *Identity {
	t.Helper()

	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	id, err := NewIdentity(cryptoutils.DummyAttestationProvider{}, mock, seed, slog.Default())
	require.NoError(t, err)
	return id
}

func TestDeriveIsIdempotent(t *testing.T) {
	id := newTestIdentity(t, ledger.NewMockLedger())

	account, err := id.Derive()
	require.NoError(t, err)
	assert.False(t, account.IsZero())
	assert.Equal(t, interfaces.WorkerDerived, id.Status().State)

	again, err := id.Derive()
	require.NoError(t, err)
	assert.Equal(t, account, again)
}

func TestDeriveIsDeterministicPerSeed(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	mock := ledger.NewMockLedger()
	first, err := NewIdentity(cryptoutils.DummyAttestationProvider{}, mock, seed, slog.Default())
	require.NoError(t, err)
	second, err := NewIdentity(cryptoutils.DummyAttestationProvider{}, mock, seed, slog.Default())
	require.NoError(t, err)

	a1, err := first.Derive()
	require.NoError(t, err)
	a2, err := second.Derive()
	require.NoError(t, err)
	assert.Equal(t, a1, a2, "same seed and measurement must yield the same account")

	otherSeed := make([]byte, 32)
	_, err = rand.Read(otherSeed)
	require.NoError(t, err)
	third, err := NewIdentity(cryptoutils.DummyAttestationProvider{}, mock, otherSeed, slog.Default())
	require.NoError(t, err)
	a3, err := third.Derive()
	require.NoError(t, err)
	assert.NotEqual(t, a1, a3)
}

func TestRegisterAndVerifyLifecycle(t *testing.T) {
	mock := ledger.NewMockLedger()
	id := newTestIdentity(t, mock)
	ctx := context.Background()

	// Register before derive is an invalid transition.
	assert.ErrorIs(t, id.Register(ctx), interfaces.ErrInvalidState)
	_, err := id.Verify(ctx)
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	_, err = id.Derive()
	require.NoError(t, err)

	// Not yet registered is a normal state.
	verified, err := id.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, verified)
	assert.False(t, id.Verified())

	require.NoError(t, id.Register(ctx))
	assert.Equal(t, interfaces.WorkerRegisteredPending, id.Status().State)
	assert.NotEmpty(t, id.Status().AttestationQuote)

	// Registering again is a no-op.
	require.NoError(t, id.Register(ctx))

	verified, err = id.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verified)
	assert.True(t, id.Verified())
	assert.Equal(t, interfaces.WorkerVerified, id.Status().State)
}

func TestRegisterRejectedAttestation(t *testing.T) {
	mock := ledger.NewMockLedger()
	mock.RejectRegistration = true
	id := newTestIdentity(t, mock)

	_, err := id.Derive()
	require.NoError(t, err)

	err = id.Register(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrRegistrationFailed)
	assert.Equal(t, interfaces.WorkerDerived, id.Status().State, "a rejected registration must not advance the state machine")
}

func TestTransactOptsRequiresDerivedKey(t *testing.T) {
	id := newTestIdentity(t, ledger.NewMockLedger())

	_, err := id.TransactOpts(big.NewInt(1))
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	_, err = id.Derive()
	require.NoError(t, err)

	opts, err := id.TransactOpts(big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, id.Status().Account.Bytes(), opts.From.Bytes())
}
