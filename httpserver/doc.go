// Package httpserver binds the payment engine's operations to a JSON/HTTP
// API: subscription lifecycle, scoped-key issuance and custody, worker
// identity, and monitor control, plus the operational endpoints
// (liveness, readiness, drain, pprof, metrics).
package httpserver
