// Package cryptoutils provides the cryptographic primitives shared by the
// engine: TEE attestation quote issuance and verification, scoped signing
// keypair generation, and the sealing scheme used to encrypt custodied key
// material at rest.
package cryptoutils
