// Package subscription implements the durable subscription state machine
// on SQLite.
//
// The store is the single source of truth for due-ness: NextChargeAt and
// PaymentsMade are written only by the transition operations here, inside
// transactions, so a monitor restart or an overlapping tick can never
// observe a half-applied charge outcome. Lifecycle transitions are
// enforced at the SQL layer by matching on the current status, which makes
// invalid transitions fail with ErrInvalidState instead of silently
// rewriting state.
package subscription
