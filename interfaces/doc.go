// Package interfaces defines the core types and contracts of the
// subscription payment automation engine. It is the single place where the
// component boundaries are spelled out: the durable subscription state
// machine, the enclave key custody capability, the on-chain payment ledger,
// and the sealed record storage used by the vault.
//
// The package deliberately contains no implementation beyond validation and
// formatting helpers, so that every component depends on contracts rather
// than on each other.
package interfaces
