package monitor

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subpay/tee-subscription-backend/cryptoutils"
	"github.com/subpay/tee-subscription-backend/interfaces"
	"github.com/subpay/tee-subscription-backend/keyvault"
	"github.com/subpay/tee-subscription-backend/ledger"
	"github.com/subpay/tee-subscription-backend/storage"
	"github.com/subpay/tee-subscription-backend/subscription"
)

var (
	payer, _    = interfaces.NewAccountAddressFromHex("0x1111111111111111111111111111111111111111")
	receiver, _ = interfaces.NewAccountAddressFromHex("0x2222222222222222222222222222222222222222")
)

type staticGate struct{ verified bool }

func (g staticGate) Verified() bool { return g.verified }

type fixture struct {
	store  *subscription.SQLiteStore
	vault  *keyvault.EnclaveVault
	ledger *ledger.MockLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := subscription.NewSQLiteStore(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SeedMerchants(context.Background(), []interfaces.Merchant{
		{ID: "m1", Name: "Merchant", Receiver: receiver},
	}))

	seed := make([]byte, 32)
	_, err = rand.Read(seed)
	require.NoError(t, err)
	records, err := storage.NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	vault, err := keyvault.NewEnclaveVault(seed, records, slog.Default())
	require.NoError(t, err)

	mock := ledger.NewMockLedger()
	mock.VerifySignatures = true

	return &fixture{store: store, vault: vault, ledger: mock}
}

func (f *fixture) newMonitor(t *testing.T, cfg Config) *Monitor {
	t.Helper()
	m := New(f.store, f.vault, f.ledger, staticGate{verified: true}, nil, cfg, slog.Default())
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
		m.Wait()
	})
	return m
}

// authorizedSubscription creates an Active subscription with its scoped
// key in the vault and registered on the mock ledger.
func (f *fixture) authorizedSubscription(t *testing.T, frequencySeconds int64, maxPayments uint32) interfaces.SubscriptionID {
	t.Helper()
	ctx := context.Background()

	sub, err := f.store.Create(ctx, interfaces.CreateSubscriptionParams{
		MerchantID:       "m1",
		Payer:            payer,
		Amount:           big.NewInt(1000),
		FrequencySeconds: frequencySeconds,
		MaxPayments:      maxPayments,
	})
	require.NoError(t, err)

	priv, pub, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)
	require.NoError(t, f.vault.Store(ctx, sub.ID, priv, pub))
	require.NoError(t, f.ledger.RegisterSubscriptionKey(ctx, sub.ID, interfaces.PublicKey(pub)))
	require.NoError(t, f.store.Authorize(ctx, sub.ID, interfaces.PublicKey(pub)))

	return sub.ID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestChargeCycleHappyPath(t *testing.T) {
	f := newFixture(t)
	id := f.authorizedSubscription(t, 86400, 0)
	m := f.newMonitor(t, Config{})

	require.NoError(t, m.Start(context.Background(), 200*time.Millisecond))
	waitFor(t, 5*time.Second, func() bool { return f.ledger.PaymentCount() == 1 })

	sub, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sub.PaymentsMade)
	assert.Equal(t, interfaces.StatusActive, sub.Status)
	assert.NotEmpty(t, sub.LastTxHash)
	require.NotNil(t, sub.NextChargeAt)
	assert.True(t, sub.NextChargeAt.After(time.Now()), "next charge is one period out")

	receipts, err := f.store.Receipts(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.True(t, receipts[0].Success)
}

func TestNoDoubleChargeOnOverlappingTicks(t *testing.T) {
	f := newFixture(t)
	f.ledger.ProcessDelay = 400 * time.Millisecond
	f.authorizedSubscription(t, 86400, 0)
	m := f.newMonitor(t, Config{})

	// The tick interval is far shorter than the ledger latency, so many
	// cycles observe the subscription as due while the first charge is
	// still in flight.
	require.NoError(t, m.Start(context.Background(), 100*time.Millisecond))
	waitFor(t, 5*time.Second, func() bool { return f.ledger.PaymentCount() >= 1 })
	require.NoError(t, m.Stop(context.Background()))
	m.Wait()

	assert.Equal(t, 1, f.ledger.PaymentCount(), "single-flight guard must prevent double charges")
}

func TestFailedChargeBacksOff(t *testing.T) {
	f := newFixture(t)
	id := f.authorizedSubscription(t, 86400, 0)
	f.ledger.ProcessErr = interfaces.ErrLedgerRejected
	m := f.newMonitor(t, Config{})

	require.NoError(t, m.Start(context.Background(), 100*time.Millisecond))
	waitFor(t, 5*time.Second, func() bool {
		sub, err := f.store.Get(context.Background(), id)
		return err == nil && sub.FailureCount >= 1
	})
	require.NoError(t, m.Stop(context.Background()))
	m.Wait()

	sub, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), sub.PaymentsMade)
	assert.Equal(t, interfaces.StatusActive, sub.Status)
	require.NotNil(t, sub.NextChargeAt)
	assert.True(t, sub.NextChargeAt.After(time.Now()), "failed subscription is backed off, not hot-looped")
}

func TestEnclaveOutageLeavesSubscriptionDue(t *testing.T) {
	f := newFixture(t)

	// Authorized in the store and on the ledger, but no key in the vault:
	// signing fails like an enclave outage.
	ctx := context.Background()
	sub, err := f.store.Create(ctx, interfaces.CreateSubscriptionParams{
		MerchantID: "m1", Payer: payer, Amount: big.NewInt(1000), FrequencySeconds: 86400,
	})
	require.NoError(t, err)
	_, pub, err := cryptoutils.GenerateScopedKeypair()
	require.NoError(t, err)
	require.NoError(t, f.store.Authorize(ctx, sub.ID, interfaces.PublicKey(pub)))

	m := f.newMonitor(t, Config{})
	require.NoError(t, m.Start(ctx, 100*time.Millisecond))
	waitFor(t, 5*time.Second, func() bool {
		receipts, err := f.store.Receipts(ctx, sub.ID)
		return err == nil && len(receipts) >= 1
	})
	require.NoError(t, m.Stop(ctx))
	m.Wait()

	got, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.FailureCount, "an enclave outage must not consume the retry budget")
	require.NotNil(t, got.NextChargeAt)
	assert.False(t, got.NextChargeAt.After(time.Now()), "subscription stays due")
	assert.Equal(t, 0, f.ledger.PaymentCount())
}

func TestUnverifiedWorkerRefusesDispatch(t *testing.T) {
	f := newFixture(t)
	f.authorizedSubscription(t, 86400, 0)

	m := New(f.store, f.vault, f.ledger, staticGate{verified: false}, nil, Config{}, slog.Default())
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	require.NoError(t, m.Start(context.Background(), 100*time.Millisecond))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 0, f.ledger.PaymentCount())
	assert.Contains(t, m.Status().LastError, "not verified")
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.newMonitor(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, time.Second))
	require.NoError(t, m.Start(ctx, 5*time.Second), "starting a running monitor is ensure-running")

	require.Eventually(t, func() bool { return m.Status().LastRunAt != nil }, time.Second, 10*time.Millisecond,
		"the first cycle runs in the loop goroutine; wait for it before asserting")

	status := m.Status()
	assert.True(t, status.IsMonitoring)
	assert.Equal(t, time.Second, status.Interval, "the original interval is kept")
	assert.NotNil(t, status.LastRunAt)

	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.Status().IsMonitoring)
	require.NoError(t, m.Stop(ctx), "stopping a stopped monitor is a no-op")
}

func TestStartValidatesInterval(t *testing.T) {
	f := newFixture(t)
	m := f.newMonitor(t, Config{})

	err := m.Start(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters)
}

// slowListStore stalls the due scan so a cycle can be caught in flight.
type slowListStore struct {
	interfaces.SubscriptionStore
	entered chan struct{}
	delay   time.Duration
}

func (s *slowListStore) ListDue(ctx context.Context, now time.Time) ([]*interfaces.Subscription, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	time.Sleep(s.delay)
	return nil, errors.New("store offline")
}

func TestStopReturnsWhileCycleInFlight(t *testing.T) {
	f := newFixture(t)
	store := &slowListStore{
		SubscriptionStore: f.store,
		entered:           make(chan struct{}, 1),
		delay:             300 * time.Millisecond,
	}
	m := New(store, f.vault, f.ledger, staticGate{verified: true}, nil, Config{}, slog.Default())

	require.NoError(t, m.Start(context.Background(), 100*time.Millisecond))
	<-store.entered

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a cycle was in flight")
	}

	assert.False(t, m.Status().IsMonitoring)
	assert.Contains(t, m.Status().LastError, "store offline")
}

func TestStartZeroIntervalUsesDefault(t *testing.T) {
	f := newFixture(t)
	m := f.newMonitor(t, Config{DefaultInterval: 200 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, 0))
	assert.Equal(t, 200*time.Millisecond, m.Status().Interval)
	require.NoError(t, m.Stop(ctx))
}

func TestMonitorStatePersistsAcrossRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.newMonitor(t, Config{})
	require.NoError(t, m.Start(ctx, time.Second))

	// A second monitor over the same store picks the state up, the way a
	// restarted process would.
	m2 := New(f.store, f.vault, f.ledger, staticGate{verified: true}, nil, Config{}, slog.Default())
	t.Cleanup(func() { _ = m2.Stop(ctx) })

	require.NoError(t, m2.Resume(ctx))
	status := m2.Status()
	assert.True(t, status.IsMonitoring)
	assert.Equal(t, time.Second, status.Interval)

	// After an explicit stop, a restart stays stopped.
	require.NoError(t, m.Stop(ctx))
	m3 := New(f.store, f.vault, f.ledger, staticGate{verified: true}, nil, Config{}, slog.Default())
	require.NoError(t, m3.Resume(ctx))
	assert.False(t, m3.Status().IsMonitoring)
}

func TestCompletedSubscriptionStopsCharging(t *testing.T) {
	f := newFixture(t)
	id := f.authorizedSubscription(t, 1, 2)
	m := f.newMonitor(t, Config{})

	require.NoError(t, m.Start(context.Background(), 200*time.Millisecond))
	waitFor(t, 10*time.Second, func() bool {
		sub, err := f.store.Get(context.Background(), id)
		return err == nil && sub.Status == interfaces.StatusCompleted
	})
	require.NoError(t, m.Stop(context.Background()))
	m.Wait()

	sub, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sub.PaymentsMade, "the cap is never exceeded")
	assert.Equal(t, 2, f.ledger.PaymentCount())
	assert.Nil(t, sub.NextChargeAt)
}
