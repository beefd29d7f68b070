package cryptoutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// GenerateScopedKeypair creates a fresh ed25519 keypair for one
// subscription. Keys are drawn from crypto/rand on every call and never
// reused across subscriptions.
func GenerateScopedKeypair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating scoped keypair: %w", err)
	}
	return priv, pub, nil
}

// DeriveSealingKey derives a 32-byte sealing key from the vault master seed
// and a context label via HKDF-SHA256. Distinct labels yield independent
// keys from the same seed.
func DeriveSealingKey(masterSeed []byte, context string) ([32]byte, error) {
	var key [32]byte
	if len(masterSeed) < 32 {
		return key, errors.New("master seed must be at least 32 bytes")
	}

	r := hkdf.New(sha256.New, masterSeed, nil, []byte(context))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("deriving sealing key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with the sealing key. The random nonce is
// prepended to the returned ciphertext.
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

// Open decrypts a sealed record produced by Seal.
func Open(key [32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errors.New("sealed record too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &key)
	if !ok {
		return nil, errors.New("sealed record authentication failed")
	}
	return plaintext, nil
}
