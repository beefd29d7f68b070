// Package monitor implements the due-payment scheduler: a periodic scan
// of the subscription store that signs and submits charges for due
// subscriptions through the enclave vault and the payments ledger.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/subpay/tee-subscription-backend/interfaces"
	"github.com/subpay/tee-subscription-backend/ledger"
	"github.com/subpay/tee-subscription-backend/metrics"
	"go.uber.org/atomic"
)

const (
	// DefaultChargeTimeout bounds one ledger submission. A hung RPC must
	// not hold a worker slot indefinitely.
	DefaultChargeTimeout = 30 * time.Second

	// DefaultParallelism caps concurrent charge submissions per cycle.
	DefaultParallelism = 4

	// DefaultInterval is used when Start is called without an interval.
	DefaultInterval = 30 * time.Second

	// MinInterval rejects pathologically tight polling loops.
	MinInterval = 100 * time.Millisecond
)

// WorkerGate reports whether the service's enclave identity has completed
// on-chain verification. The monitor refuses to dispatch charges through
// an unverified worker.
type WorkerGate interface {
	Verified() bool
}

// Config carries the monitor's tunables. Zero values fall back to the
// package defaults.
type Config struct {
	ChargeTimeout time.Duration
	Parallelism   int

	// DefaultInterval substitutes for a zero interval passed to Start.
	DefaultInterval time.Duration
}

// Monitor drives the charge cycle. One timer goroutine scans for due
// subscriptions; submissions run on a bounded worker pool with a
// per-subscription single-flight guard so overlapping cycles can never
// double-charge.
type Monitor struct {
	store   interfaces.SubscriptionStore
	signer  interfaces.Signer
	ledger  interfaces.PaymentLedger
	gate    WorkerGate
	metrics *metrics.Collectors
	log     *slog.Logger

	chargeTimeout   time.Duration
	defaultInterval time.Duration
	sem             chan struct{}

	running atomic.Bool

	// mu guards the start/stop lifecycle. The loop goroutine must never
	// take it: Stop waits for the loop while holding it.
	mu       sync.Mutex
	stop     chan struct{}
	loopDone chan struct{}

	statusMu  sync.Mutex
	interval  time.Duration
	lastRunAt *time.Time
	lastError string

	inflightMu sync.Mutex
	inflight   map[interfaces.SubscriptionID]struct{}
	charges    sync.WaitGroup
}

// New creates a stopped monitor.
func New(store interfaces.SubscriptionStore, signer interfaces.Signer, paymentLedger interfaces.PaymentLedger, gate WorkerGate, collectors *metrics.Collectors, cfg Config, log *slog.Logger) *Monitor {
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = DefaultChargeTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultInterval
	}

	return &Monitor{
		store:           store,
		signer:          signer,
		ledger:          paymentLedger,
		gate:            gate,
		metrics:         collectors,
		log:             log,
		chargeTimeout:   cfg.ChargeTimeout,
		defaultInterval: cfg.DefaultInterval,
		sem:             make(chan struct{}, cfg.Parallelism),
		inflight:        make(map[interfaces.SubscriptionID]struct{}),
	}
}

// Start launches the monitoring loop with the given interval. Starting a
// running monitor is an idempotent no-op that keeps the existing interval.
// The enabled state is persisted so the monitor resumes after a restart.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	if interval == 0 {
		interval = m.defaultInterval
	}
	if interval < MinInterval {
		return fmt.Errorf("%w: interval must be at least %s", interfaces.ErrInvalidParameters, MinInterval)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return nil
	}

	if err := m.store.SetMonitorState(ctx, true, interval); err != nil {
		return fmt.Errorf("persisting monitor state: %w", err)
	}

	m.statusMu.Lock()
	m.interval = interval
	m.statusMu.Unlock()

	m.stop = make(chan struct{})
	m.loopDone = make(chan struct{})
	m.running.Store(true)

	go m.loop(m.stop, m.loopDone, interval)

	m.log.Info("Payment monitoring started", slog.Duration("interval", interval))
	return nil
}

// Stop prevents new cycles from starting. In-flight charges run to
// completion; Stop does not wait for them.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return nil
	}

	close(m.stop)
	<-m.loopDone
	m.running.Store(false)

	m.statusMu.Lock()
	interval := m.interval
	m.statusMu.Unlock()

	if err := m.store.SetMonitorState(ctx, false, interval); err != nil {
		return fmt.Errorf("persisting monitor state: %w", err)
	}

	m.log.Info("Payment monitoring stopped")
	return nil
}

// Resume restores the persisted monitoring state after a restart. A store
// that reports monitoring enabled brings the loop back up with the saved
// interval.
func (m *Monitor) Resume(ctx context.Context) error {
	enabled, interval, err := m.store.MonitorState(ctx)
	if err != nil {
		return fmt.Errorf("reading monitor state: %w", err)
	}
	if !enabled {
		return nil
	}
	return m.Start(ctx, interval)
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() interfaces.MonitoringStatus {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	status := interfaces.MonitoringStatus{
		IsMonitoring: m.running.Load(),
		Interval:     m.interval,
		LastError:    m.lastError,
	}
	if m.lastRunAt != nil {
		t := *m.lastRunAt
		status.LastRunAt = &t
	}
	return status
}

// Wait blocks until all in-flight charges have completed. Used during
// process shutdown, after Stop.
func (m *Monitor) Wait() {
	m.charges.Wait()
}

func (m *Monitor) loop(stop, done chan struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.runCycle()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runCycle()
		}
	}
}

func (m *Monitor) runCycle() {
	now := time.Now().UTC()
	m.setLastRun(now)

	if !m.gate.Verified() {
		m.setLastError("worker identity not verified, refusing to dispatch charges")
		m.log.Warn("Skipping charge cycle, worker not verified")
		return
	}

	due, err := m.store.ListDue(context.Background(), now)
	if err != nil {
		m.setLastError(err.Error())
		m.log.Error("Listing due subscriptions failed", slog.Any("err", err))
		return
	}
	m.metrics.RecordCycle(len(due), time.Since(now))

	for _, sub := range due {
		if !m.acquire(sub.ID) {
			continue
		}

		m.sem <- struct{}{}
		m.charges.Add(1)
		go func(sub *interfaces.Subscription) {
			defer m.charges.Done()
			defer func() { <-m.sem }()
			defer m.release(sub.ID)

			m.chargeOne(sub)
		}(sub)
	}
}

// chargeOne executes a single charge attempt end to end: merchant lookup,
// enclave signature, ledger submission, outcome bookkeeping.
func (m *Monitor) chargeOne(sub *interfaces.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), m.chargeTimeout)
	defer cancel()

	started := time.Now()

	merchant, err := m.store.Merchant(ctx, sub.MerchantID)
	if err != nil {
		m.setLastError(fmt.Sprintf("subscription %s: merchant lookup: %v", sub.ID, err))
		m.log.Error("Merchant lookup failed", slog.String("subscription", sub.ID.String()), slog.Any("err", err))
		return
	}

	req := interfaces.PaymentRequest{
		SubscriptionID: sub.ID,
		Payer:          sub.Payer,
		Merchant:       merchant.Receiver,
		Amount:         sub.Amount,
		Token:          sub.Token,
		PublicKey:      sub.AuthorizedKey,
		PaymentIndex:   sub.PaymentsMade,
	}

	req.Signature, err = m.signer.Sign(ctx, sub.ID, ledger.ChargePayload(req))
	if err != nil {
		// The subscription stays due; an enclave outage must not consume
		// the retry budget.
		m.metrics.RecordEnclaveError()
		m.setLastError(fmt.Sprintf("subscription %s: enclave signing: %v", sub.ID, err))
		m.log.Error("Enclave signing failed, leaving subscription due",
			slog.String("subscription", sub.ID.String()), slog.Any("err", err))
		m.recordReceipt(sub.ID, false, "", fmt.Sprintf("enclave signing: %v", err))
		return
	}

	txHash, err := m.ledger.ProcessPayment(ctx, req)
	attemptedAt := time.Now().UTC()

	if err != nil {
		m.metrics.RecordCharge(chargeOutcome(err), time.Since(started))
		m.setLastError(fmt.Sprintf("subscription %s: %v", sub.ID, err))
		m.log.Warn("Charge failed",
			slog.String("subscription", sub.ID.String()),
			slog.Any("err", err))

		m.recordReceipt(sub.ID, false, "", err.Error())
		if err := m.store.RecordCharge(context.Background(), sub.ID, false, attemptedAt, "", err.Error()); err != nil {
			m.log.Error("Recording failed charge", slog.String("subscription", sub.ID.String()), slog.Any("err", err))
		}
		return
	}

	m.metrics.RecordCharge("success", time.Since(started))
	m.log.Info("Charge succeeded",
		slog.String("subscription", sub.ID.String()),
		slog.String("tx", txHash))

	m.recordReceipt(sub.ID, true, txHash, "")
	if err := m.store.RecordCharge(context.Background(), sub.ID, true, attemptedAt, txHash, ""); err != nil {
		m.log.Error("Recording successful charge", slog.String("subscription", sub.ID.String()), slog.Any("err", err))
	}
}

func (m *Monitor) recordReceipt(id interfaces.SubscriptionID, success bool, txHash, errMsg string) {
	receipt := interfaces.ChargeReceipt{
		SubscriptionID: id,
		Success:        success,
		TxHash:         txHash,
		Error:          errMsg,
		AttemptedAt:    time.Now().UTC(),
	}
	if err := m.store.RecordReceipt(context.Background(), receipt); err != nil {
		m.log.Error("Recording charge receipt", slog.String("subscription", id.String()), slog.Any("err", err))
	}
}

func (m *Monitor) acquire(id interfaces.SubscriptionID) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()

	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Monitor) release(id interfaces.SubscriptionID) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	delete(m.inflight, id)
}

func (m *Monitor) setLastRun(t time.Time) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.lastRunAt = &t
	m.lastError = ""
}

func (m *Monitor) setLastError(msg string) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.lastError = msg
}

func chargeOutcome(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrLedgerTimeout):
		return "timeout"
	case errors.Is(err, interfaces.ErrLedgerRejected):
		return "rejected"
	default:
		return "error"
	}
}
