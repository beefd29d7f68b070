package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// SubscriptionID uniquely identifies a subscription. IDs are UUID strings
// assigned at creation and never reused.
type SubscriptionID string

// String returns the raw identifier.
func (id SubscriptionID) String() string {
	return string(id)
}

// Validate checks that the identifier is non-empty.
func (id SubscriptionID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return errors.New("empty subscription id")
	}
	return nil
}

// AccountAddress is a 20-byte ledger account or contract address.
type AccountAddress [20]byte

// NewAccountAddressFromBytes creates an address from a raw 20-byte slice.
func NewAccountAddressFromBytes(addr []byte) (AccountAddress, error) {
	if len(addr) != 20 {
		return AccountAddress{}, errors.New("invalid address length: must be 20 bytes")
	}

	var res AccountAddress
	copy(res[:], addr)
	return res, nil
}

// NewAccountAddressFromHex creates an address from a hex string, with or
// without the 0x prefix.
func NewAccountAddressFromHex(addr string) (AccountAddress, error) {
	clean := strings.TrimPrefix(addr, "0x")
	if len(clean) != 40 {
		return AccountAddress{}, errors.New("invalid address length: hex string must be 40 characters")
	}

	addrBytes, err := hex.DecodeString(clean)
	if err != nil {
		return AccountAddress{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewAccountAddressFromBytes(addrBytes)
}

// String returns the hex representation of the address.
func (addr AccountAddress) String() string {
	return hex.EncodeToString(addr[:])
}

// Bytes returns the raw 20-byte address.
func (addr AccountAddress) Bytes() []byte {
	return addr[:]
}

// IsZero reports whether the address is the zero address. A zero token
// address denotes a native-token payment.
func (addr AccountAddress) IsZero() bool {
	return addr == AccountAddress{}
}

// PublicKey is a subscription signing public key (ed25519, 32 bytes).
type PublicKey []byte

// Validate checks the key has the expected ed25519 length.
func (pk PublicKey) Validate() error {
	if len(pk) != 32 {
		return fmt.Errorf("invalid public key length %d, want 32", len(pk))
	}
	return nil
}

// String returns the hex representation of the key.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk)
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	// StatusPending: created, scoped key not yet registered on-chain.
	StatusPending SubscriptionStatus = "pending"
	// StatusActive: authorized and eligible for charging.
	StatusActive SubscriptionStatus = "active"
	// StatusPaused: charging suspended by the payer or by backoff exhaustion.
	StatusPaused SubscriptionStatus = "paused"
	// StatusCancelled: terminal; key material destroyed.
	StatusCancelled SubscriptionStatus = "cancelled"
	// StatusCompleted: terminal; the payment cap was reached.
	StatusCompleted SubscriptionStatus = "completed"
)

// Terminal reports whether the status admits no further transitions.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Valid reports whether s is a known status value.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused, StatusCancelled, StatusCompleted:
		return true
	default:
		return false
	}
}

// Subscription is the durable record of one recurring payment agreement.
// All mutation goes through the SubscriptionStore contract; nothing else
// writes NextChargeAt or PaymentsMade.
type Subscription struct {
	ID         SubscriptionID
	MerchantID string
	Payer      AccountAddress

	// Amount in smallest-denomination units, always > 0.
	Amount *big.Int

	// FrequencySeconds is the charge period, always > 0.
	FrequencySeconds int64

	// MaxPayments caps the number of successful charges. Zero means
	// unlimited.
	MaxPayments uint32

	// PaymentsMade counts successful charges, monotonically non-decreasing.
	PaymentsMade uint32

	Status SubscriptionStatus

	// NextChargeAt is set only while the subscription is Active.
	NextChargeAt *time.Time

	// Token is the payment token contract; the zero address means a
	// native-token payment.
	Token AccountAddress

	// AuthorizedKey is the scoped public key registered on-chain, set once
	// on authorization.
	AuthorizedKey PublicKey

	// FailureCount is the number of consecutive failed charge attempts,
	// reset on success.
	FailureCount uint32

	// FlaggedForReview marks a subscription force-paused after backoff
	// exhaustion; an operator must resume it explicitly.
	FlaggedForReview bool

	LastChargeAt *time.Time
	LastTxHash   string
	LastError    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Frequency returns the charge period as a duration.
func (s *Subscription) Frequency() time.Duration {
	return time.Duration(s.FrequencySeconds) * time.Second
}

// Capped reports whether the subscription has a payment count cap.
func (s *Subscription) Capped() bool {
	return s.MaxPayments > 0
}

// Due reports whether the subscription should be charged at the given time.
func (s *Subscription) Due(now time.Time) bool {
	return s.Status == StatusActive && s.NextChargeAt != nil && !s.NextChargeAt.After(now)
}

// Merchant is a read-only entry in the merchant directory.
type Merchant struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Receiver AccountAddress `json:"-"`
}

// WorkerState is the lifecycle state of the service's enclave identity.
type WorkerState string

const (
	WorkerUninitialized     WorkerState = "uninitialized"
	WorkerDerived           WorkerState = "derived"
	WorkerRegisteredPending WorkerState = "registered_pending"
	WorkerVerified          WorkerState = "verified"
)

// WorkerStatus is a snapshot of the worker identity.
type WorkerStatus struct {
	Account          AccountAddress
	State            WorkerState
	AttestationQuote []byte
}

// MonitoringStatus is a snapshot of the payment monitor, mutated only by
// the monitor's start/stop operations.
type MonitoringStatus struct {
	IsMonitoring bool
	Interval     time.Duration
	LastRunAt    *time.Time
	LastError    string
}

// ChargeReceipt is one audit-log entry for a charge attempt.
type ChargeReceipt struct {
	SubscriptionID SubscriptionID
	Success        bool
	TxHash         string
	Error          string
	AttemptedAt    time.Time
}

// UnsignedAuthorization is the transaction a payer must sign with their
// wallet to grant a scoped key permission on the payments contract. The
// engine never sees the payer's master key; only this unsigned payload
// crosses back to the user.
type UnsignedAuthorization struct {
	// Payer is the account that must sign.
	Payer AccountAddress `json:"payer"`

	// Contract is the payments contract receiving the key grant.
	Contract AccountAddress `json:"contract"`

	// PublicKey is the scoped key being authorized.
	PublicKey PublicKey `json:"public_key"`

	// MethodName is the single contract method the key may call.
	MethodName string `json:"method_name"`

	// Allowance caps total spend authorized to the key, in
	// smallest-denomination native units. Covers gas reserve, not principal.
	Allowance *big.Int `json:"allowance"`

	// Calldata is the ABI-encoded key registration call.
	Calldata []byte `json:"calldata"`
}
