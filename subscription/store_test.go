package subscription

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subpay/tee-subscription-backend/interfaces"
)

var (
	testPayer, _    = interfaces.NewAccountAddressFromHex("0x1111111111111111111111111111111111111111")
	testReceiver, _ = interfaces.NewAccountAddressFromHex("0x2222222222222222222222222222222222222222")
)

func testKey() interfaces.PublicKey {
	key := make([]byte, 32)
	key[0] = 1
	return key
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.SeedMerchants(context.Background(), []interfaces.Merchant{
		{ID: "m1", Name: "Test Merchant", Receiver: testReceiver},
	}))
	return store
}

func createTestSubscription(t *testing.T, store *SQLiteStore, maxPayments uint32) *interfaces.Subscription {
	t.Helper()

	sub, err := store.Create(context.Background(), interfaces.CreateSubscriptionParams{
		MerchantID:       "m1",
		Payer:            testPayer,
		Amount:           big.NewInt(1000),
		FrequencySeconds: 86400,
		MaxPayments:      maxPayments,
	})
	require.NoError(t, err)
	return sub
}

func TestCreateValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params interfaces.CreateSubscriptionParams
	}{
		{"zero amount", interfaces.CreateSubscriptionParams{MerchantID: "m1", Payer: testPayer, Amount: big.NewInt(0), FrequencySeconds: 60}},
		{"negative amount", interfaces.CreateSubscriptionParams{MerchantID: "m1", Payer: testPayer, Amount: big.NewInt(-5), FrequencySeconds: 60}},
		{"nil amount", interfaces.CreateSubscriptionParams{MerchantID: "m1", Payer: testPayer, FrequencySeconds: 60}},
		{"zero frequency", interfaces.CreateSubscriptionParams{MerchantID: "m1", Payer: testPayer, Amount: big.NewInt(1), FrequencySeconds: 0}},
		{"zero payer", interfaces.CreateSubscriptionParams{MerchantID: "m1", Amount: big.NewInt(1), FrequencySeconds: 60}},
		{"unknown merchant", interfaces.CreateSubscriptionParams{MerchantID: "nope", Payer: testPayer, Amount: big.NewInt(1), FrequencySeconds: 60}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Create(ctx, tc.params)
			assert.ErrorIs(t, err, interfaces.ErrInvalidParameters)
		})
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	sub := createTestSubscription(t, store, 3)

	assert.Equal(t, interfaces.StatusPending, sub.Status)
	assert.Nil(t, sub.NextChargeAt)

	got, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, "m1", got.MerchantID)
	assert.Equal(t, big.NewInt(1000), got.Amount)
	assert.Equal(t, uint32(3), got.MaxPayments)
	assert.Equal(t, interfaces.StatusPending, got.Status)
	assert.True(t, got.Token.IsZero(), "absent token means native payment")

	_, err = store.Get(context.Background(), "unknown")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAuthorizeTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := createTestSubscription(t, store, 0)

	require.NoError(t, store.Authorize(ctx, sub.ID, testKey()))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusActive, got.Status)
	assert.Equal(t, testKey(), got.AuthorizedKey)
	require.NotNil(t, got.NextChargeAt)
	assert.WithinDuration(t, time.Now(), *got.NextChargeAt, 5*time.Second)

	// Authorizing twice is an invalid transition.
	err = store.Authorize(ctx, sub.ID, testKey())
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	err = store.Authorize(ctx, "unknown", testKey())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	err = store.Authorize(ctx, sub.ID, interfaces.PublicKey("short"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters)
}

func TestPauseResumeCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := createTestSubscription(t, store, 0)

	// Pause requires Active.
	assert.ErrorIs(t, store.Pause(ctx, sub.ID), interfaces.ErrInvalidState)

	require.NoError(t, store.Authorize(ctx, sub.ID, testKey()))
	require.NoError(t, store.Pause(ctx, sub.ID))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPaused, got.Status)
	assert.Nil(t, got.NextChargeAt, "paused subscriptions are never due")

	require.NoError(t, store.Resume(ctx, sub.ID))
	got, err = store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusActive, got.Status)
	assert.NotNil(t, got.NextChargeAt)

	// Resume requires Paused.
	assert.ErrorIs(t, store.Resume(ctx, sub.ID), interfaces.ErrInvalidState)

	require.NoError(t, store.Cancel(ctx, sub.ID))
	got, err = store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCancelled, got.Status)

	// Cancelling again is an idempotent no-op; resuming is not.
	require.NoError(t, store.Cancel(ctx, sub.ID))
	assert.ErrorIs(t, store.Resume(ctx, sub.ID), interfaces.ErrInvalidState)
}

func TestCancelCompletedRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := createTestSubscription(t, store, 1)

	require.NoError(t, store.Authorize(ctx, sub.ID, testKey()))
	require.NoError(t, store.RecordCharge(ctx, sub.ID, true, time.Now(), "0xabc", ""))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, interfaces.StatusCompleted, got.Status)

	assert.ErrorIs(t, store.Cancel(ctx, sub.ID), interfaces.ErrInvalidState)
}

func TestRecordChargeSuccessSchedulesNext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := createTestSubscription(t, store, 0)
	require.NoError(t, store.Authorize(ctx, sub.ID, testKey()))

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordCharge(ctx, sub.ID, true, ts, "0xdeadbeef", ""))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.PaymentsMade)
	assert.Equal(t, interfaces.StatusActive, got.Status)
	assert.Equal(t, "0xdeadbeef", got.LastTxHash)
	require.NotNil(t, got.NextChargeAt)
	assert.Equal(t, ts.Add(24*time.Hour), *got.NextChargeAt)
}

func TestRecordChargeCompletesAtCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := createTestSubscription(t, store, 3)
	require.NoError(t, store.Authorize(ctx, sub.ID, testKey()))

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * 24 * time.Hour)
		require.NoError(t, store.RecordCharge(ctx, sub.ID, true, ts, "0xabc", ""))
	}

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, got.Status)
	assert.Equal(t, uint32(3), got.PaymentsMade)
	assert.Nil(t, got.NextChargeAt)

	// The completed subscription never shows up as due again.
	due, err := store.ListDue(ctx, base.Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	// And a further charge cannot exceed the cap.
	err = store.RecordCharge(ctx, sub.ID, true, base, "0xabc", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestRecordChargeFailureBacksOff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := createTestSubscription(t, store, 0)
	require.NoError(t, store.Authorize(ctx, sub.ID, testKey()))

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordCharge(ctx, sub.ID, false, ts, "", "ledger rejected"))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusActive, got.Status)
	assert.Equal(t, uint32(0), got.PaymentsMade)
	assert.Equal(t, uint32(1), got.FailureCount)
	assert.Equal(t, "ledger rejected", got.LastError)
	require.NotNil(t, got.NextChargeAt)
	assert.True(t, got.NextChargeAt.After(ts), "failed charge must not stay due immediately")
	assert.False(t, got.NextChargeAt.After(ts.Add(got.Frequency())), "backoff never exceeds one period")

	// A success resets the failure counter.
	require.NoError(t, store.RecordCharge(ctx, sub.ID, true, ts, "0xabc", ""))
	got, err = store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.FailureCount)
	assert.Empty(t, got.LastError)
}

func TestRecordChargeExhaustionForcesPause(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := createTestSubscription(t, store, 0)
	require.NoError(t, store.Authorize(ctx, sub.ID, testKey()))

	ts := time.Now().UTC()
	for i := 0; i < MaxConsecutiveFailures; i++ {
		require.NoError(t, store.RecordCharge(ctx, sub.ID, false, ts, "", "allowance exhausted"))
		ts = ts.Add(time.Hour)
	}

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPaused, got.Status)
	assert.True(t, got.FlaggedForReview)
	assert.Nil(t, got.NextChargeAt)

	// Operator resume clears the flag and restores the retry budget.
	require.NoError(t, store.Resume(ctx, sub.ID))
	got, err = store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, got.FlaggedForReview)
	assert.Equal(t, uint32(0), got.FailureCount)
}

func TestListDue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := createTestSubscription(t, store, 0)
	require.NoError(t, store.Authorize(ctx, active.ID, testKey()))

	// A pending subscription is never due.
	createTestSubscription(t, store, 0)

	paused := createTestSubscription(t, store, 0)
	require.NoError(t, store.Authorize(ctx, paused.ID, testKey()))
	require.NoError(t, store.Pause(ctx, paused.ID))

	due, err := store.ListDue(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, active.ID, due[0].ID)

	// Nothing is due before the authorized charge time.
	due, err = store.ListDue(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestListByAccountInsertionOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := createTestSubscription(t, store, 0)
	second := createTestSubscription(t, store, 0)

	other, _ := interfaces.NewAccountAddressFromHex("0x3333333333333333333333333333333333333333")
	_, err := store.Create(ctx, interfaces.CreateSubscriptionParams{
		MerchantID: "m1", Payer: other, Amount: big.NewInt(1), FrequencySeconds: 60,
	})
	require.NoError(t, err)

	subs, err := store.ListByAccount(ctx, testPayer)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, first.ID, subs[0].ID)
	assert.Equal(t, second.ID, subs[1].ID)
}

func TestMonitorStatePersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	enabled, _, err := store.MonitorState(ctx)
	require.NoError(t, err)
	assert.False(t, enabled, "fresh store starts with monitoring disabled")

	require.NoError(t, store.SetMonitorState(ctx, true, 30*time.Second))
	enabled, interval, err := store.MonitorState(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, 30*time.Second, interval)

	require.NoError(t, store.SetMonitorState(ctx, false, 30*time.Second))
	enabled, _, err = store.MonitorState(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestReceiptsAuditLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := createTestSubscription(t, store, 0)

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.RecordReceipt(ctx, interfaces.ChargeReceipt{
		SubscriptionID: sub.ID, Success: false, Error: "ledger timeout", AttemptedAt: ts,
	}))
	require.NoError(t, store.RecordReceipt(ctx, interfaces.ChargeReceipt{
		SubscriptionID: sub.ID, Success: true, TxHash: "0xabc", AttemptedAt: ts.Add(time.Hour),
	}))

	receipts, err := store.Receipts(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.False(t, receipts[0].Success)
	assert.Equal(t, "ledger timeout", receipts[0].Error)
	assert.True(t, receipts[1].Success)
	assert.Equal(t, "0xabc", receipts[1].TxHash)
	assert.Equal(t, ts, receipts[0].AttemptedAt)
}

func TestMerchantDirectory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	merchants, err := store.Merchants(ctx)
	require.NoError(t, err)
	require.Len(t, merchants, 1)
	assert.Equal(t, "m1", merchants[0].ID)
	assert.Equal(t, testReceiver, merchants[0].Receiver)

	m, err := store.Merchant(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Test Merchant", m.Name)

	_, err = store.Merchant(ctx, "nope")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
