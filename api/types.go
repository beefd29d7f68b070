// Package api defines the JSON request and response types of the payment
// service's HTTP interface, shared between the server and the Go client.
package api

import "time"

// AttestedChannelHeader marks a request as arriving over the attested
// transport. Key-custody endpoints refuse requests without it: raw key
// material must never cross an unattested channel.
const AttestedChannelHeader = "X-Attested-Channel"

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateSubscriptionRequest creates a subscription in Pending status.
// Amount is a base-10 integer string in smallest-denomination units.
type CreateSubscriptionRequest struct {
	MerchantID       string `json:"merchantId"`
	Payer            string `json:"payer"`
	Amount           string `json:"amount"`
	FrequencySeconds int64  `json:"frequencySeconds"`
	MaxPayments      uint32 `json:"maxPayments,omitempty"`
	Token            string `json:"tokenAddress,omitempty"`
}

// CreateSubscriptionResponse returns the assigned subscription id.
type CreateSubscriptionResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscriptionId"`
}

// Subscription is the wire form of one subscription record.
type Subscription struct {
	ID               string     `json:"id"`
	MerchantID       string     `json:"merchantId"`
	Payer            string     `json:"payer"`
	Amount           string     `json:"amount"`
	FrequencySeconds int64      `json:"frequencySeconds"`
	MaxPayments      uint32     `json:"maxPayments,omitempty"`
	PaymentsMade     uint32     `json:"paymentsMade"`
	Status           string     `json:"status"`
	NextChargeAt     *time.Time `json:"nextChargeAt,omitempty"`
	Token            string     `json:"tokenAddress,omitempty"`
	AuthorizedKey    string     `json:"authorizedPublicKey,omitempty"`
	FailureCount     uint32     `json:"failureCount,omitempty"`
	FlaggedForReview bool       `json:"flaggedForReview,omitempty"`
	LastChargeAt     *time.Time `json:"lastChargeAt,omitempty"`
	LastTxHash       string     `json:"lastTxHash,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// SubscriptionListResponse wraps a subscription listing.
type SubscriptionListResponse struct {
	Subscriptions []Subscription `json:"subscriptions"`
}

// RegisterKeyRequest issues and registers a scoped key for a subscription.
// Allowance is an optional base-10 integer string; empty uses the service
// default gas reserve.
type RegisterKeyRequest struct {
	Allowance string `json:"allowance,omitempty"`
}

// RegisterKeyResponse returns the scoped public key and the unsigned
// authorization the payer's wallet must sign. The private key never
// appears here; it went straight into enclave custody.
type RegisterKeyResponse struct {
	Success       bool          `json:"success"`
	PublicKey     string        `json:"publicKey"`
	Authorization Authorization `json:"authorization"`
}

// Authorization is the wire form of the unsigned key-grant transaction.
type Authorization struct {
	Payer      string `json:"payer"`
	Contract   string `json:"contract"`
	PublicKey  string `json:"publicKey"`
	MethodName string `json:"methodName"`
	Allowance  string `json:"allowance"`
	Calldata   string `json:"calldata"`
}

// StoreKeyRequest places an externally issued keypair into enclave
// custody. Only accepted over the attested channel.
type StoreKeyRequest struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// StatusResponse acknowledges a lifecycle transition.
type StatusResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
}

// Merchant is one read-only merchant directory entry.
type Merchant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MerchantListResponse wraps the merchant directory.
type MerchantListResponse struct {
	Merchants []Merchant `json:"merchants"`
}

// MonitorStartRequest starts the payment monitor.
type MonitorStartRequest struct {
	IntervalMs int64 `json:"intervalMs"`
}

// MonitorStatusResponse reports the monitor state.
type MonitorStatusResponse struct {
	IsMonitoring bool       `json:"isMonitoring"`
	IntervalMs   int64      `json:"intervalMs"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// WorkerVerifyResponse reports the worker's on-chain verification status.
type WorkerVerifyResponse struct {
	Verified  bool   `json:"verified"`
	AccountID string `json:"accountId"`
	State     string `json:"state"`
}

// WorkerRegisterResponse acknowledges a registration submission.
type WorkerRegisterResponse struct {
	AccountID  string `json:"accountId"`
	Registered bool   `json:"registered"`
}

// ReceiptListResponse wraps a subscription's charge audit log.
type ReceiptListResponse struct {
	Receipts []Receipt `json:"receipts"`
}

// Receipt is one audit-log entry.
type Receipt struct {
	Success     bool      `json:"success"`
	TxHash      string    `json:"txHash,omitempty"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attemptedAt"`
}
