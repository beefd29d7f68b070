// Package worker manages the service's enclave-derived ledger identity:
// deterministic account derivation from the enclave measurement,
// attestation-backed registration with the payments contract, and
// verification of on-chain status.
package worker

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/subpay/tee-subscription-backend/cryptoutils"
	"github.com/subpay/tee-subscription-backend/interfaces"
	"golang.org/x/crypto/hkdf"
)

const identityContext = "worker/ledger-identity/v1"

// Identity is the worker's enclave-bound ledger account. It moves through
// Uninitialized, Derived, RegisteredPending, and Verified; each process
// constructs exactly one and injects it where needed.
type Identity struct {
	provider cryptoutils.AttestationProvider
	ledger   interfaces.PaymentLedger
	seed     []byte
	log      *slog.Logger

	mu      sync.RWMutex
	state   interfaces.WorkerState
	account interfaces.AccountAddress
	key     *ecdsa.PrivateKey
	quote   []byte
}

// NewIdentity creates an uninitialized worker identity. The seed is the
// vault master seed; combined with the enclave measurement it yields a
// deterministic per-enclave-image account.
func NewIdentity(provider cryptoutils.AttestationProvider, ledger interfaces.PaymentLedger, seed []byte, log *slog.Logger) (*Identity, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("%w: identity seed must be at least 32 bytes", interfaces.ErrInvalidParameters)
	}

	return &Identity{
		provider: provider,
		ledger:   ledger,
		seed:     seed,
		log:      log,
		state:    interfaces.WorkerUninitialized,
	}, nil
}

// Derive computes the worker account from the enclave measurement. It is
// idempotent: repeated calls inside the same enclave image always yield
// the same account.
func (w *Identity) Derive() (interfaces.AccountAddress, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != interfaces.WorkerUninitialized {
		return w.account, nil
	}

	measurement, err := w.provider.Measurement()
	if err != nil {
		return interfaces.AccountAddress{}, fmt.Errorf("%w: reading enclave measurement: %v", interfaces.ErrEnclaveUnavailable, err)
	}

	key, err := deriveAccountKey(w.seed, measurement)
	if err != nil {
		return interfaces.AccountAddress{}, err
	}

	account, err := interfaces.NewAccountAddressFromBytes(crypto.PubkeyToAddress(key.PublicKey).Bytes())
	if err != nil {
		return interfaces.AccountAddress{}, err
	}

	w.key = key
	w.account = account
	w.state = interfaces.WorkerDerived

	w.log.Info("Derived worker identity", slog.String("account", account.String()))
	return account, nil
}

// Register submits the worker identity and a fresh attestation quote to
// the payments contract. A contract rejection is fatal to startup and
// surfaces as ErrRegistrationFailed.
func (w *Identity) Register(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case interfaces.WorkerUninitialized:
		return fmt.Errorf("%w: derive the identity before registering", interfaces.ErrInvalidState)
	case interfaces.WorkerRegisteredPending, interfaces.WorkerVerified:
		return nil
	}

	quote, err := w.provider.Attest(w.reportData())
	if err != nil {
		return fmt.Errorf("%w: issuing attestation quote: %v", interfaces.ErrRegistrationFailed, err)
	}

	if err := w.ledger.RegisterWorker(ctx, w.account, quote); err != nil {
		return err
	}

	w.quote = quote
	w.state = interfaces.WorkerRegisteredPending

	w.log.Info("Submitted worker registration", slog.String("account", w.account.String()))
	return nil
}

// Verify reads the on-chain registration status. Not being registered yet
// is a normal state, reported as false without an error.
func (w *Identity) Verify(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == interfaces.WorkerUninitialized {
		return false, fmt.Errorf("%w: derive the identity before verifying", interfaces.ErrInvalidState)
	}

	registered, err := w.ledger.WorkerRegistered(ctx, w.account)
	if err != nil {
		return false, fmt.Errorf("reading worker status: %w", err)
	}

	if registered {
		if w.state != interfaces.WorkerVerified {
			w.log.Info("Worker registration verified", slog.String("account", w.account.String()))
		}
		w.state = interfaces.WorkerVerified
	}
	return registered, nil
}

// Status returns a snapshot of the identity.
func (w *Identity) Status() interfaces.WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return interfaces.WorkerStatus{
		Account:          w.account,
		State:            w.state,
		AttestationQuote: append([]byte(nil), w.quote...),
	}
}

// Verified reports whether the identity completed on-chain verification.
func (w *Identity) Verified() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state == interfaces.WorkerVerified
}

// TransactOpts returns a keyed transactor for the worker account, used by
// the on-chain ledger client to sign submissions.
func (w *Identity) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.key == nil {
		return nil, fmt.Errorf("%w: identity not derived", interfaces.ErrInvalidState)
	}
	return bind.NewKeyedTransactorWithChainID(w.key, chainID)
}

// reportData binds the attestation quote to the worker account: the
// account address in the first 20 bytes, the seed-independent measurement
// commitment in the rest.
func (w *Identity) reportData() [64]byte {
	var report [64]byte
	copy(report[:20], w.account.Bytes())

	commitment := sha256.Sum256(w.account.Bytes())
	copy(report[20:], commitment[:])
	return report
}

// deriveAccountKey expands the seed and measurement into a secp256k1
// private key. Same seed and same enclave image always produce the same
// account.
func deriveAccountKey(seed, measurement []byte) (*ecdsa.PrivateKey, error) {
	material := hkdf.New(sha256.New, seed, measurement, []byte(identityContext))

	keyBytes := make([]byte, 32)
	if _, err := material.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("deriving identity key: %w", err)
	}

	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("deriving identity key: %w", err)
	}
	return key, nil
}
