// Package ledger is the boundary to the on-chain payments contract.
//
// PaymentsClient talks to the contract through a bound ABI over any
// go-ethereum backend; MockLedger is an in-memory stand-in for tests. The
// contract itself is an external collaborator: this package submits
// signed calls and reads state, it never reimplements contract logic.
package ledger
