// Package keyvault implements TEE-backed custody of subscription signing
// keys.
//
// The defining guarantee is capability-shaped: once a keypair is stored,
// the only operation the host process can perform with it is Sign. There
// is no accessor returning private key bytes, so a compromised host
// without a compromised enclave cannot exfiltrate keys. At worst it can
// spend up to the allowance already granted on-chain.
//
// Key material is sealed with a key derived from the vault master seed
// (HKDF-SHA256 + NaCl secretbox) before it reaches the record store, and
// the master seed itself is either supplied at boot or reconstructed from
// administrator Shamir shares without ever touching persistent storage.
package keyvault
