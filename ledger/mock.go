package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/subpay/tee-subscription-backend/interfaces"
)

// MockLedger is an in-memory interfaces.PaymentLedger for tests. Failure
// injection and an artificial submission delay make it possible to
// exercise timeout, rejection, and overlapping-cycle behavior without a
// chain.
type MockLedger struct {
	mu sync.Mutex

	workers map[interfaces.AccountAddress]bool
	keys    map[interfaces.SubscriptionID]interfaces.PublicKey

	// Payments records every successful ProcessPayment call in order.
	Payments []interfaces.PaymentRequest

	// ProcessErr, when set, is returned by ProcessPayment instead of
	// executing the charge.
	ProcessErr error

	// ProcessDelay stalls ProcessPayment before it checks the context,
	// simulating a slow RPC endpoint.
	ProcessDelay time.Duration

	// RejectRegistration makes RegisterWorker fail like an attestation
	// the contract does not allow-list.
	RejectRegistration bool

	// VerifySignatures enables ed25519 verification of charge payloads
	// against the registered subscription key.
	VerifySignatures bool

	txCounter int
}

// NewMockLedger creates an empty mock ledger.
func NewMockLedger() *MockLedger {
	return &MockLedger{
		workers: make(map[interfaces.AccountAddress]bool),
		keys:    make(map[interfaces.SubscriptionID]interfaces.PublicKey),
	}
}

// ProcessPayment executes a charge against the in-memory state.
func (m *MockLedger) ProcessPayment(ctx context.Context, req interfaces.PaymentRequest) (string, error) {
	if delay := m.processDelay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", interfaces.ErrLedgerTimeout, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrLedgerTimeout, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ProcessErr != nil {
		return "", m.ProcessErr
	}

	registered, ok := m.keys[req.SubscriptionID]
	if !ok {
		return "", fmt.Errorf("%w: no key registered for %s", interfaces.ErrLedgerRejected, req.SubscriptionID)
	}
	if m.VerifySignatures {
		payload := ChargePayload(req)
		if !ed25519.Verify(ed25519.PublicKey(registered), payload, req.Signature) {
			return "", fmt.Errorf("%w: invalid charge signature", interfaces.ErrLedgerRejected)
		}
	}

	m.Payments = append(m.Payments, req)
	m.txCounter++
	return fmt.Sprintf("0xmock%04d", m.txCounter), nil
}

// RegisterWorker records the worker account as registered.
func (m *MockLedger) RegisterWorker(_ context.Context, account interfaces.AccountAddress, quote []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RejectRegistration {
		return fmt.Errorf("%w: measurement not allow-listed", interfaces.ErrRegistrationFailed)
	}
	if len(quote) == 0 {
		return fmt.Errorf("%w: empty attestation quote", interfaces.ErrRegistrationFailed)
	}

	m.workers[account] = true
	return nil
}

// WorkerRegistered reports the registration status of an account.
func (m *MockLedger) WorkerRegistered(_ context.Context, account interfaces.AccountAddress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[account], nil
}

// RegisterSubscriptionKey records the scoped key grant.
func (m *MockLedger) RegisterSubscriptionKey(_ context.Context, id interfaces.SubscriptionID, key interfaces.PublicKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrLedgerRejected, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = append(interfaces.PublicKey(nil), key...)
	return nil
}

// SubscriptionKey returns the registered key or ErrNotFound.
func (m *MockLedger) SubscriptionKey(_ context.Context, id interfaces.SubscriptionID) (interfaces.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return key, nil
}

// PaymentCount returns the number of executed charges.
func (m *MockLedger) PaymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Payments)
}

func (m *MockLedger) processDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ProcessDelay
}
