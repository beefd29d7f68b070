package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/subpay/tee-subscription-backend/interfaces"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements interfaces.SubscriptionStore on a local SQLite
// database. All lifecycle transitions run inside transactions and match on
// the current status, so concurrent callers observe either the old or the
// new state, never a blend.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteStore opens (and if needed initializes) the database at path.
// Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening subscription database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent transactions.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, log: log}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			payer TEXT NOT NULL,
			amount TEXT NOT NULL,
			frequency_seconds INTEGER NOT NULL,
			max_payments INTEGER NOT NULL DEFAULT 0,
			payments_made INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			next_charge_at INTEGER,
			token TEXT NOT NULL,
			authorized_key BLOB,
			failure_count INTEGER NOT NULL DEFAULT 0,
			flagged_for_review INTEGER NOT NULL DEFAULT 0,
			last_charge_at INTEGER,
			last_tx_hash TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_due
			ON subscriptions(status, next_charge_at);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_payer
			ON subscriptions(payer);`,
		`CREATE TABLE IF NOT EXISTS merchants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			receiver TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS charges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subscription_id TEXT NOT NULL,
			success INTEGER NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempted_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_charges_subscription
			ON charges(subscription_id, id);`,
		`CREATE TABLE IF NOT EXISTS monitor_state (
			name TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL,
			interval_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new subscription in Pending status.
func (s *SQLiteStore) Create(ctx context.Context, params interfaces.CreateSubscriptionParams) (*interfaces.Subscription, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", interfaces.ErrInvalidParameters)
	}
	if params.FrequencySeconds <= 0 {
		return nil, fmt.Errorf("%w: frequency must be positive", interfaces.ErrInvalidParameters)
	}
	if params.Payer.IsZero() {
		return nil, fmt.Errorf("%w: payer account required", interfaces.ErrInvalidParameters)
	}
	if _, err := s.Merchant(ctx, params.MerchantID); err != nil {
		return nil, fmt.Errorf("%w: unknown merchant %q", interfaces.ErrInvalidParameters, params.MerchantID)
	}

	now := time.Now().UTC()
	sub := &interfaces.Subscription{
		ID:               interfaces.SubscriptionID(uuid.New().String()),
		MerchantID:       params.MerchantID,
		Payer:            params.Payer,
		Amount:           new(big.Int).Set(params.Amount),
		FrequencySeconds: params.FrequencySeconds,
		MaxPayments:      params.MaxPayments,
		Status:           interfaces.StatusPending,
		Token:            params.Token,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO subscriptions
		(id, merchant_id, payer, amount, frequency_seconds, max_payments, status, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID.String(), sub.MerchantID, sub.Payer.String(), sub.Amount.String(),
		sub.FrequencySeconds, sub.MaxPayments, string(sub.Status), sub.Token.String(),
		now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Info("Created subscription",
		slog.String("subscription", sub.ID.String()),
		slog.String("merchant", sub.MerchantID))
	return sub, nil
}

// Authorize transitions Pending to Active once the scoped key is registered
// on-chain.
func (s *SQLiteStore) Authorize(ctx context.Context, id interfaces.SubscriptionID, key interfaces.PublicKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidParameters, err)
	}

	now := time.Now().UTC()
	return s.transition(ctx, id, `UPDATE subscriptions
		SET status = ?, authorized_key = ?, next_charge_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(interfaces.StatusActive), []byte(key), now.Unix(), now.Unix(),
		id.String(), string(interfaces.StatusPending))
}

// Get returns the subscription or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id interfaces.SubscriptionID) (*interfaces.Subscription, error) {
	row := s.db.QueryRowContext(ctx, selectSubscription+` WHERE id = ?`, id.String())
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return sub, nil
}

// ListByAccount returns the payer's subscriptions in insertion order.
func (s *SQLiteStore) ListByAccount(ctx context.Context, payer interfaces.AccountAddress) ([]*interfaces.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, selectSubscription+` WHERE payer = ? ORDER BY rowid`, payer.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ListDue returns Active subscriptions with NextChargeAt <= now.
func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time) ([]*interfaces.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, selectSubscription+`
		WHERE status = ? AND next_charge_at IS NOT NULL AND next_charge_at <= ?
		ORDER BY next_charge_at`,
		string(interfaces.StatusActive), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// Pause transitions Active to Paused and clears NextChargeAt.
func (s *SQLiteStore) Pause(ctx context.Context, id interfaces.SubscriptionID) error {
	return s.transition(ctx, id, `UPDATE subscriptions
		SET status = ?, next_charge_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(interfaces.StatusPaused), time.Now().UTC().Unix(),
		id.String(), string(interfaces.StatusActive))
}

// Resume transitions Paused to Active. The failure counter and review flag
// are cleared so the subscription gets a fresh retry budget.
func (s *SQLiteStore) Resume(ctx context.Context, id interfaces.SubscriptionID) error {
	now := time.Now().UTC()
	return s.transition(ctx, id, `UPDATE subscriptions
		SET status = ?, next_charge_at = ?, failure_count = 0, flagged_for_review = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(interfaces.StatusActive), now.Unix(), now.Unix(),
		id.String(), string(interfaces.StatusPaused))
}

// Cancel transitions any non-terminal state to Cancelled. A repeated cancel
// is a no-op; cancelling a Completed subscription is ErrInvalidState.
func (s *SQLiteStore) Cancel(ctx context.Context, id interfaces.SubscriptionID) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions
		SET status = ?, next_charge_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		string(interfaces.StatusCancelled), now.Unix(), id.String(),
		string(interfaces.StatusPending), string(interfaces.StatusActive), string(interfaces.StatusPaused))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if affected == 1 {
		return nil
	}

	sub, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == interfaces.StatusCancelled {
		return nil
	}
	return fmt.Errorf("%w: cannot cancel %s subscription", interfaces.ErrInvalidState, sub.Status)
}

// RecordCharge books the outcome of one charge attempt inside a single
// transaction.
func (s *SQLiteStore) RecordCharge(ctx context.Context, id interfaces.SubscriptionID, success bool, ts time.Time, txHash, chargeErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectSubscription+` WHERE id = ?`, id.String())
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if sub.Status != interfaces.StatusActive {
		return fmt.Errorf("%w: charge recorded against %s subscription", interfaces.ErrInvalidState, sub.Status)
	}

	ts = ts.UTC()
	if success {
		sub.PaymentsMade++
		sub.FailureCount = 0
		sub.LastTxHash = txHash
		sub.LastError = ""
		if sub.Capped() && sub.PaymentsMade >= sub.MaxPayments {
			sub.Status = interfaces.StatusCompleted
			sub.NextChargeAt = nil
		} else {
			next := ts.Add(sub.Frequency())
			sub.NextChargeAt = &next
		}
	} else {
		sub.FailureCount++
		sub.LastError = chargeErr
		if sub.FailureCount >= MaxConsecutiveFailures {
			sub.Status = interfaces.StatusPaused
			sub.FlaggedForReview = true
			sub.NextChargeAt = nil
			s.log.Warn("Retry budget exhausted, pausing subscription for review",
				slog.String("subscription", id.String()),
				slog.Uint64("failures", uint64(sub.FailureCount)))
		} else {
			next := ts.Add(retryDelay(sub.Frequency(), sub.FailureCount))
			sub.NextChargeAt = &next
		}
	}
	sub.LastChargeAt = &ts

	_, err = tx.ExecContext(ctx, `UPDATE subscriptions
		SET status = ?, payments_made = ?, failure_count = ?, flagged_for_review = ?,
		    next_charge_at = ?, last_charge_at = ?, last_tx_hash = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(sub.Status), sub.PaymentsMade, sub.FailureCount, boolToInt(sub.FlaggedForReview),
		nullableUnix(sub.NextChargeAt), ts.Unix(), sub.LastTxHash, sub.LastError, ts.Unix(),
		id.String())
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// SeedMerchants loads the read-only merchant directory, replacing existing
// entries with the same id. Called once at boot.
func (s *SQLiteStore) SeedMerchants(ctx context.Context, merchants []interfaces.Merchant) error {
	for _, m := range merchants {
		if m.ID == "" || m.Receiver.IsZero() {
			return fmt.Errorf("%w: merchant needs id and receiver", interfaces.ErrInvalidParameters)
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO merchants (id, name, receiver) VALUES (?, ?, ?)`,
			m.ID, m.Name, m.Receiver.String())
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Merchants returns the merchant directory.
func (s *SQLiteStore) Merchants(ctx context.Context) ([]interfaces.Merchant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, receiver FROM merchants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var merchants []interfaces.Merchant
	for rows.Next() {
		var m interfaces.Merchant
		var receiver string
		if err := rows.Scan(&m.ID, &m.Name, &receiver); err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
		}
		if m.Receiver, err = interfaces.NewAccountAddressFromHex(receiver); err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
		}
		merchants = append(merchants, m)
	}
	return merchants, rows.Err()
}

// Merchant returns a directory entry or ErrNotFound.
func (s *SQLiteStore) Merchant(ctx context.Context, id string) (*interfaces.Merchant, error) {
	var m interfaces.Merchant
	var receiver string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, receiver FROM merchants WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &receiver)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if m.Receiver, err = interfaces.NewAccountAddressFromHex(receiver); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return &m, nil
}

// MonitorState returns the persisted monitoring toggle and interval.
// A store that has never been written reports disabled.
func (s *SQLiteStore) MonitorState(ctx context.Context) (bool, time.Duration, error) {
	var enabled int
	var intervalMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, interval_ms FROM monitor_state WHERE name = 'monitor'`).
		Scan(&enabled, &intervalMs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return enabled != 0, time.Duration(intervalMs) * time.Millisecond, nil
}

// SetMonitorState persists the monitoring toggle and interval.
func (s *SQLiteStore) SetMonitorState(ctx context.Context, enabled bool, interval time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO monitor_state (name, enabled, interval_ms) VALUES ('monitor', ?, ?)`,
		boolToInt(enabled), interval.Milliseconds())
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// RecordReceipt appends a charge attempt to the audit log.
func (s *SQLiteStore) RecordReceipt(ctx context.Context, receipt interfaces.ChargeReceipt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO charges (subscription_id, success, tx_hash, error, attempted_at) VALUES (?, ?, ?, ?, ?)`,
		receipt.SubscriptionID.String(), boolToInt(receipt.Success),
		receipt.TxHash, receipt.Error, receipt.AttemptedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Receipts returns the audit log for one subscription, oldest first.
func (s *SQLiteStore) Receipts(ctx context.Context, id interfaces.SubscriptionID) ([]interfaces.ChargeReceipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscription_id, success, tx_hash, error, attempted_at FROM charges WHERE subscription_id = ? ORDER BY id`,
		id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var receipts []interfaces.ChargeReceipt
	for rows.Next() {
		var r interfaces.ChargeReceipt
		var subID string
		var success int
		var attemptedAt int64
		if err := rows.Scan(&subID, &success, &r.TxHash, &r.Error, &attemptedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
		}
		r.SubscriptionID = interfaces.SubscriptionID(subID)
		r.Success = success != 0
		r.AttemptedAt = time.Unix(attemptedAt, 0).UTC()
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// transition runs a guarded UPDATE that matches on the current status and
// maps zero affected rows to NotFound or InvalidState.
func (s *SQLiteStore) transition(ctx context.Context, id interfaces.SubscriptionID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if affected == 1 {
		return nil
	}

	sub, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: subscription is %s", interfaces.ErrInvalidState, sub.Status)
}

const selectSubscription = `SELECT
	id, merchant_id, payer, amount, frequency_seconds, max_payments, payments_made,
	status, next_charge_at, token, authorized_key, failure_count, flagged_for_review,
	last_charge_at, last_tx_hash, last_error, created_at, updated_at
	FROM subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*interfaces.Subscription, error) {
	var sub interfaces.Subscription
	var payer, amount, status, token string
	var nextChargeAt, lastChargeAt sql.NullInt64
	var authorizedKey []byte
	var flagged int
	var createdAt, updatedAt int64

	err := row.Scan(&sub.ID, &sub.MerchantID, &payer, &amount, &sub.FrequencySeconds,
		&sub.MaxPayments, &sub.PaymentsMade, &status, &nextChargeAt, &token,
		&authorizedKey, &sub.FailureCount, &flagged, &lastChargeAt,
		&sub.LastTxHash, &sub.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if sub.Payer, err = interfaces.NewAccountAddressFromHex(payer); err != nil {
		return nil, fmt.Errorf("corrupt payer address: %w", err)
	}
	if sub.Token, err = interfaces.NewAccountAddressFromHex(token); err != nil {
		return nil, fmt.Errorf("corrupt token address: %w", err)
	}

	var ok bool
	if sub.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("corrupt amount %q", amount)
	}
	sub.Status = interfaces.SubscriptionStatus(status)
	if !sub.Status.Valid() {
		return nil, fmt.Errorf("corrupt status %q", status)
	}
	if len(authorizedKey) > 0 {
		sub.AuthorizedKey = interfaces.PublicKey(authorizedKey)
	}
	sub.FlaggedForReview = flagged != 0
	if nextChargeAt.Valid {
		t := time.Unix(nextChargeAt.Int64, 0).UTC()
		sub.NextChargeAt = &t
	}
	if lastChargeAt.Valid {
		t := time.Unix(lastChargeAt.Int64, 0).UTC()
		sub.LastChargeAt = &t
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]*interfaces.Subscription, error) {
	var subs []*interfaces.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
