package interfaces

import (
	"context"
	"math/big"
	"time"
)

// CreateSubscriptionParams carries the validated inputs for Create.
type CreateSubscriptionParams struct {
	MerchantID       string
	Payer            AccountAddress
	Amount           *big.Int
	FrequencySeconds int64
	MaxPayments      uint32
	Token            AccountAddress
}

// SubscriptionStore is the durable state machine for subscriptions. It is
// the single source of truth for due-ness; NextChargeAt and PaymentsMade
// are mutated only through these operations.
type SubscriptionStore interface {
	// Create inserts a new subscription in Pending status. Fails with
	// ErrInvalidParameters if amount or frequency are not positive. A zero
	// MaxPayments means uncapped.
	Create(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// Authorize transitions Pending to Active once the scoped key is
	// registered on-chain, and sets NextChargeAt to now.
	Authorize(ctx context.Context, id SubscriptionID, key PublicKey) error

	// Get returns the subscription or ErrNotFound.
	Get(ctx context.Context, id SubscriptionID) (*Subscription, error)

	// ListByAccount returns the payer's subscriptions in insertion order.
	ListByAccount(ctx context.Context, payer AccountAddress) ([]*Subscription, error)

	// ListDue returns Active subscriptions with NextChargeAt <= now.
	ListDue(ctx context.Context, now time.Time) ([]*Subscription, error)

	// Pause transitions Active to Paused and clears NextChargeAt.
	Pause(ctx context.Context, id SubscriptionID) error

	// Resume transitions Paused to Active, sets NextChargeAt to now, and
	// clears any operator review flag.
	Resume(ctx context.Context, id SubscriptionID) error

	// Cancel transitions any non-terminal state to Cancelled. Cancelling a
	// Cancelled subscription is a no-op so that cancellation stays
	// idempotent.
	Cancel(ctx context.Context, id SubscriptionID) error

	// RecordCharge books the outcome of one charge attempt. On success it
	// increments PaymentsMade, completing the subscription at the cap or
	// scheduling the next charge one period after ts. On failure it
	// advances NextChargeAt by a bounded backoff, force-pausing the
	// subscription when the retry budget is exhausted.
	RecordCharge(ctx context.Context, id SubscriptionID, success bool, ts time.Time, txHash, chargeErr string) error

	// Merchants returns the read-only merchant directory.
	Merchants(ctx context.Context) ([]Merchant, error)

	// Merchant returns a directory entry or ErrNotFound.
	Merchant(ctx context.Context, id string) (*Merchant, error)

	// MonitorState returns the persisted monitoring toggle and interval.
	MonitorState(ctx context.Context) (enabled bool, interval time.Duration, err error)

	// SetMonitorState persists the monitoring toggle and interval so the
	// monitor can resume across restarts.
	SetMonitorState(ctx context.Context, enabled bool, interval time.Duration) error

	// RecordReceipt appends a charge attempt to the audit log.
	RecordReceipt(ctx context.Context, receipt ChargeReceipt) error

	// Receipts returns the audit log for one subscription, oldest first.
	Receipts(ctx context.Context, id SubscriptionID) ([]ChargeReceipt, error)
}

// Signer is the only capability the host ever holds over custodied key
// material: it can request a signature bound to a subscription, never the
// key itself. There is deliberately no operation that returns private key
// bytes.
type Signer interface {
	// Sign returns the enclave signature over payload for the
	// subscription's custodied key, or ErrNotFound if no key is stored.
	Sign(ctx context.Context, id SubscriptionID, payload []byte) ([]byte, error)

	// SigningKey returns the public half of the custodied key.
	SigningKey(ctx context.Context, id SubscriptionID) (PublicKey, error)
}

// KeyVault is the enclave-side custody contract.
type KeyVault interface {
	Signer

	// Store accepts custody of a keypair exactly once per subscription;
	// a duplicate fails with ErrAlreadyStored and leaves the original key
	// usable.
	Store(ctx context.Context, id SubscriptionID, privateKey, publicKey []byte) error

	// Destroy irreversibly removes key material. Destroying an absent key
	// is a no-op, since cancellation may race with a prior destroy.
	Destroy(ctx context.Context, id SubscriptionID) error
}

// PaymentRequest carries everything the ledger needs to execute one charge.
type PaymentRequest struct {
	SubscriptionID SubscriptionID
	Payer          AccountAddress
	Merchant       AccountAddress
	Amount         *big.Int
	Token          AccountAddress
	PublicKey      PublicKey

	// PaymentIndex is the zero-based position of this charge in the
	// subscription's payment sequence. It is part of the signed payload,
	// binding each enclave signature to a single billing window.
	PaymentIndex uint32

	Signature []byte
}

// PaymentLedger is the boundary to the on-chain payments contract. The
// contract itself is an external collaborator; this interface is its
// complete surface as used by the engine.
type PaymentLedger interface {
	// ProcessPayment submits a signed process_payment call and waits for
	// inclusion. Returns the transaction hash, or ErrLedgerRejected /
	// ErrLedgerTimeout.
	ProcessPayment(ctx context.Context, req PaymentRequest) (string, error)

	// RegisterWorker submits the worker identity and attestation quote to
	// the contract's register_worker entry point.
	RegisterWorker(ctx context.Context, account AccountAddress, quote []byte) error

	// WorkerRegistered reads the on-chain registration status. An
	// unregistered worker is a normal state, not an error.
	WorkerRegistered(ctx context.Context, account AccountAddress) (bool, error)

	// RegisterSubscriptionKey submits the user-signed authorization that
	// grants the scoped key on the payments contract.
	RegisterSubscriptionKey(ctx context.Context, id SubscriptionID, key PublicKey) error

	// SubscriptionKey reads the registered key for a subscription, or
	// ErrNotFound.
	SubscriptionKey(ctx context.Context, id SubscriptionID) (PublicKey, error)
}

// RecordStore is keyed, sealed record persistence used by the vault. The
// stored bytes are always ciphertext sealed to the enclave; backends never
// see plaintext key material.
type RecordStore interface {
	// Put stores data under key, overwriting any existing record.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves a record or ErrRecordNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}
