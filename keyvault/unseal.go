package keyvault

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
)

// ShamirUnsealer reconstructs the vault master seed from administrator
// shares. The seed is never written to persistent storage: it is split
// into shares at provisioning time, erased, and recombined in memory at
// boot once a threshold of signed shares has been submitted.
type ShamirUnsealer struct {
	mu             sync.RWMutex
	masterSeed     []byte
	isUnlocked     bool
	threshold      int
	receivedShares map[int][]byte

	// adminPubKeys maps SHA-256 fingerprints to the registered PEM keys.
	adminPubKeys map[string][]byte
}

// ShamirConfig configures seed splitting and recovery.
type ShamirConfig struct {
	// Threshold is the minimum number of shares required to reconstruct
	// the master seed.
	Threshold int

	// AdminPubKeys lists authorized administrator public keys (PEM,
	// ECDSA or ed25519).
	AdminPubKeys [][]byte
}

// SplitSeed splits a master seed into one share per administrator and
// returns an unsealer that is already unlocked. The caller must
// distribute the shares and erase the original seed.
func SplitSeed(masterSeed []byte, config ShamirConfig) (*ShamirUnsealer, [][]byte, error) {
	if len(masterSeed) < 32 {
		return nil, nil, errors.New("master seed must be at least 32 bytes")
	}
	if config.Threshold < 2 {
		return nil, nil, errors.New("threshold must be at least 2")
	}
	if len(config.AdminPubKeys) < config.Threshold {
		return nil, nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(masterSeed, len(config.AdminPubKeys), config.Threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split master seed: %w", err)
	}

	u := &ShamirUnsealer{
		masterSeed:     masterSeed,
		isUnlocked:     true,
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
	}
	if err := u.registerAdmins(config.AdminPubKeys); err != nil {
		return nil, nil, err
	}

	return u, shares, nil
}

// NewRecoveryUnsealer creates an unsealer in locked state. It stays locked
// until a threshold of valid shares has been submitted.
func NewRecoveryUnsealer(config ShamirConfig) (*ShamirUnsealer, error) {
	if config.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}

	u := &ShamirUnsealer{
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
	}
	if err := u.registerAdmins(config.AdminPubKeys); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *ShamirUnsealer) registerAdmins(pubKeys [][]byte) error {
	for _, publicKeyPEM := range pubKeys {
		if _, err := parseAdminKey(publicKeyPEM); err != nil {
			return fmt.Errorf("invalid admin pubkey: %w", err)
		}
		fingerprint := sha256.Sum256(publicKeyPEM)
		u.adminPubKeys[hex.EncodeToString(fingerprint[:])] = publicKeyPEM
	}
	return nil
}

// SubmitShare accepts one administrator share. The share must be signed by
// the registered admin key. When the threshold is reached the master seed
// is reconstructed and the shares are wiped from memory.
func (u *ShamirUnsealer) SubmitShare(shareIndex int, share, signature, adminPubKeyPEM []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.isUnlocked {
		return errors.New("vault is already unsealed")
	}

	fingerprint := sha256.Sum256(adminPubKeyPEM)
	registered, found := u.adminPubKeys[hex.EncodeToString(fingerprint[:])]
	if !found {
		return errors.New("unregistered admin public key")
	}
	if !bytes.Equal(registered, adminPubKeyPEM) {
		return errors.New("public key does not match registered fingerprint")
	}

	pubKey, err := parseAdminKey(adminPubKeyPEM)
	if err != nil {
		return err
	}

	switch key := pubKey.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(share)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return errors.New("invalid share signature")
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(key, share, signature) {
			return errors.New("invalid share signature")
		}
	default:
		return errors.New("admin public key is neither ECDSA nor ed25519")
	}

	u.receivedShares[shareIndex] = share
	return u.tryReconstruct()
}

// tryReconstruct combines the received shares once the threshold is met.
func (u *ShamirUnsealer) tryReconstruct() error {
	if len(u.receivedShares) < u.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(u.receivedShares))
	for _, share := range u.receivedShares {
		shares = append(shares, share)
	}

	masterSeed, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master seed: %w", err)
	}

	u.masterSeed = masterSeed
	u.isUnlocked = true

	for i := range u.receivedShares {
		wipeBytes(u.receivedShares[i])
	}
	u.receivedShares = make(map[int][]byte)

	return nil
}

// IsUnlocked reports whether the master seed has been reconstructed.
func (u *ShamirUnsealer) IsUnlocked() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.isUnlocked
}

// MasterSeed returns the reconstructed seed, or an error while locked.
func (u *ShamirUnsealer) MasterSeed() ([]byte, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if !u.isUnlocked {
		return nil, errors.New("vault is sealed - more shares required")
	}
	return u.masterSeed, nil
}

// SignShare produces the signature an administrator submits alongside
// their share. ECDSA keys sign the SHA-256 digest of the share; ed25519
// keys sign the share directly.
func SignShare(privKeyPEM, share []byte) ([]byte, error) {
	block, _ := pem.Decode(privKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if ecKey, ecErr := x509.ParseECPrivateKey(block.Bytes); ecErr == nil {
			key = ecKey
		} else {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(share)
		return ecdsa.SignASN1(rand.Reader, k, digest[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(k, share), nil
	default:
		return nil, errors.New("unsupported private key type")
	}
}

func parseAdminKey(publicKeyPEM []byte) (any, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}
