package interfaces

import "errors"

var (
	// ErrInvalidParameters is returned for bad input, rejected before any
	// state change.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrNotFound is returned when a subscription, key record, or merchant
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned for an illegal lifecycle transition.
	// Invalid transitions never silently no-op.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrAlreadyStored is returned when key custody is offered twice for
	// the same subscription. The original key remains usable.
	ErrAlreadyStored = errors.New("key already stored")

	// ErrAlreadyExists is an idempotency guard for duplicate creation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrLedgerRejected is returned when an on-chain call failed. For
	// charges it is recorded as a failed attempt, never propagated as a
	// crash.
	ErrLedgerRejected = errors.New("ledger rejected transaction")

	// ErrLedgerTimeout is returned when a ledger call exceeded its
	// deadline. Treated like a rejection for charge bookkeeping, kept
	// distinct for observability.
	ErrLedgerTimeout = errors.New("ledger call timed out")

	// ErrEnclaveUnavailable is returned when the enclave signing or custody
	// operation failed. The charge attempt is aborted and the subscription
	// remains due.
	ErrEnclaveUnavailable = errors.New("enclave unavailable")

	// ErrRegistrationFailed is returned when the ledger contract rejects
	// the worker's attestation. Fatal at startup.
	ErrRegistrationFailed = errors.New("worker registration failed")

	// ErrRecordNotFound is returned when a sealed record is absent from the
	// record store.
	ErrRecordNotFound = errors.New("record not found")

	// ErrStoreUnavailable is returned when a record store backend is not
	// accessible.
	ErrStoreUnavailable = errors.New("record store unavailable")
)
