package keyvault

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/subpay/tee-subscription-backend/cryptoutils"
	"github.com/subpay/tee-subscription-backend/interfaces"
)

const recordPrefix = "keys/"

// sealing key derivation label; changing it invalidates all stored records.
const sealContext = "keyvault/subscription-keys/v1"

// keyRecord is the plaintext layout sealed into the record store.
type keyRecord struct {
	PrivateKey []byte `json:"private_key"`
	PublicKey  []byte `json:"public_key"`
}

// EnclaveVault implements interfaces.KeyVault. It holds the sealing key in
// memory only and persists sealed records through an interfaces.RecordStore.
type EnclaveVault struct {
	sealKey [32]byte
	records interfaces.RecordStore
	log     *slog.Logger

	mu    sync.RWMutex
	cache map[interfaces.SubscriptionID]ed25519.PrivateKey
}

// NewEnclaveVault creates a vault from the master seed. The seed must be at
// least 32 bytes; it is not retained, only the derived sealing key is.
func NewEnclaveVault(masterSeed []byte, records interfaces.RecordStore, log *slog.Logger) (*EnclaveVault, error) {
	sealKey, err := cryptoutils.DeriveSealingKey(masterSeed, sealContext)
	if err != nil {
		return nil, err
	}

	return &EnclaveVault{
		sealKey: sealKey,
		records: records,
		log:     log,
		cache:   make(map[interfaces.SubscriptionID]ed25519.PrivateKey),
	}, nil
}

// Store accepts custody of a keypair exactly once per subscription.
func (v *EnclaveVault) Store(ctx context.Context, id interfaces.SubscriptionID, privateKey, publicKey []byte) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidParameters, err)
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: private key must be %d bytes", interfaces.ErrInvalidParameters, ed25519.PrivateKeySize)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes", interfaces.ErrInvalidParameters, ed25519.PublicKeySize)
	}

	priv := ed25519.PrivateKey(privateKey)
	if !bytes.Equal(priv.Public().(ed25519.PublicKey), publicKey) {
		return fmt.Errorf("%w: public key does not match private key", interfaces.ErrInvalidParameters)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.cache[id]; ok {
		return interfaces.ErrAlreadyStored
	}
	if _, err := v.records.Get(ctx, recordKey(id)); err == nil {
		return interfaces.ErrAlreadyStored
	} else if !errors.Is(err, interfaces.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", interfaces.ErrEnclaveUnavailable, err)
	}

	plaintext, err := json.Marshal(keyRecord{PrivateKey: privateKey, PublicKey: publicKey})
	if err != nil {
		return fmt.Errorf("encoding key record: %w", err)
	}

	sealed, err := cryptoutils.Seal(v.sealKey, plaintext)
	wipeBytes(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrEnclaveUnavailable, err)
	}

	if err := v.records.Put(ctx, recordKey(id), sealed); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrEnclaveUnavailable, err)
	}

	v.cache[id] = append(ed25519.PrivateKey(nil), priv...)

	v.log.Info("Accepted key custody", slog.String("subscription", id.String()))
	return nil
}

// Sign returns the enclave signature over payload for the subscription's
// custodied key. The raw key never crosses this boundary.
func (v *EnclaveVault) Sign(ctx context.Context, id interfaces.SubscriptionID, payload []byte) ([]byte, error) {
	priv, err := v.loadKey(ctx, id)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(priv)
	return ed25519.Sign(priv, payload), nil
}

// SigningKey returns the public half of the custodied key.
func (v *EnclaveVault) SigningKey(ctx context.Context, id interfaces.SubscriptionID) (interfaces.PublicKey, error) {
	priv, err := v.loadKey(ctx, id)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(priv)
	return interfaces.PublicKey(priv.Public().(ed25519.PublicKey)), nil
}

// Destroy irreversibly removes key material. Absent keys are a no-op so a
// cancel racing an earlier destroy stays idempotent.
func (v *EnclaveVault) Destroy(ctx context.Context, id interfaces.SubscriptionID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if priv, ok := v.cache[id]; ok {
		wipeBytes(priv)
		delete(v.cache, id)
	}

	if err := v.records.Delete(ctx, recordKey(id)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrEnclaveUnavailable, err)
	}

	v.log.Info("Destroyed key material", slog.String("subscription", id.String()))
	return nil
}

// loadKey returns a private copy of the custodied key. Handing out the
// cached slice would let Destroy's in-place wipe race a concurrent Sign;
// callers wipe their copy when done.
func (v *EnclaveVault) loadKey(ctx context.Context, id interfaces.SubscriptionID) (ed25519.PrivateKey, error) {
	v.mu.RLock()
	cached, ok := v.cache[id]
	if ok {
		priv := append(ed25519.PrivateKey(nil), cached...)
		v.mu.RUnlock()
		return priv, nil
	}
	v.mu.RUnlock()

	sealed, err := v.records.Get(ctx, recordKey(id))
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrEnclaveUnavailable, err)
	}

	plaintext, err := cryptoutils.Open(v.sealKey, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrEnclaveUnavailable, err)
	}
	defer wipeBytes(plaintext)

	var record keyRecord
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("%w: corrupt key record", interfaces.ErrEnclaveUnavailable)
	}

	priv := ed25519.PrivateKey(record.PrivateKey)

	v.mu.Lock()
	if _, ok := v.cache[id]; !ok {
		v.cache[id] = append(ed25519.PrivateKey(nil), priv...)
	}
	v.mu.Unlock()

	return priv, nil
}

func recordKey(id interfaces.SubscriptionID) string {
	return recordPrefix + id.String()
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
