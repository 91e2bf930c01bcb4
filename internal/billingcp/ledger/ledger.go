package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrConflict is returned by version-guarded writes when the row was modified
// by a concurrent transaction. Callers retry from a fresh read.
var ErrConflict = errors.New("ledger: concurrent modification")

const (
	txRetryAttempts = 5
	txRetryBaseWait = 25 * time.Millisecond
)

// SlotConfig is the read-only founder-slot capacity configuration applied to
// the singleton counter row on open.
type SlotConfig struct {
	TotalSlots int
	Active     bool
}

// Store provides durable storage for entitlements, the founder-slot counter,
// slot claims, and processed-event markers, backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the billing ledger database in dir and applies the
// slot capacity configuration.
func New(dir string, slots SlotConfig) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	if slots.TotalSlots < 0 {
		return nil, fmt.Errorf("total slots must not be negative, got %d", slots.TotalSlots)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applySlotConfig(slots); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		user_id                TEXT PRIMARY KEY,
		is_premium             INTEGER NOT NULL DEFAULT 0,
		is_founder             INTEGER NOT NULL DEFAULT 0,
		subscription_status    TEXT NOT NULL DEFAULT 'none',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		last_event_seq         INTEGER NOT NULL DEFAULT 0,
		version                INTEGER NOT NULL DEFAULT 0,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_stripe_customer_id ON entitlements(stripe_customer_id);

	CREATE TABLE IF NOT EXISTS founder_slots (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		total_slots   INTEGER NOT NULL,
		claimed_slots INTEGER NOT NULL DEFAULT 0,
		is_active     INTEGER NOT NULL DEFAULT 1,
		updated_at    INTEGER NOT NULL,
		CHECK (claimed_slots >= 0 AND claimed_slots <= total_slots)
	);

	CREATE TABLE IF NOT EXISTS slot_claims (
		user_id     TEXT PRIMARY KEY,
		claim_id    TEXT NOT NULL,
		slot_number INTEGER NOT NULL UNIQUE,
		claimed_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		outcome      TEXT NOT NULL DEFAULT '',
		processed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_events_processed_at ON processed_events(processed_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing ledger schema: %w", err)
	}
	return nil
}

// applySlotConfig seeds or updates the singleton counter row. Capacity may
// grow or shrink between restarts but never below the slots already claimed.
func (s *Store) applySlotConfig(slots SlotConfig) error {
	now := time.Now().UTC().Unix()
	res, err := s.db.Exec(`
		UPDATE founder_slots SET
			total_slots = MAX(?, claimed_slots),
			is_active = ?,
			updated_at = ?
		WHERE id = 1`,
		slots.TotalSlots, boolToInt(slots.Active), now)
	if err != nil {
		return fmt.Errorf("apply slot config: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return nil
	}
	_, err = s.db.Exec(`
		INSERT INTO founder_slots (id, total_slots, claimed_slots, is_active, updated_at)
		VALUES (1, ?, 0, ?, ?)`,
		slots.TotalSlots, boolToInt(slots.Active), now)
	if err != nil {
		return fmt.Errorf("seed slot counter: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx, so row operations can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// WithTx runs fn inside a transaction, retrying with backoff when fn reports
// ErrConflict or SQLite signals a busy/locked database. This is the single
// transactional read-modify-write primitive every write path goes through.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		if attempt > 0 {
			wait := txRetryBaseWait*time.Duration(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(txRetryBaseWait)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// GetEntitlement retrieves an entitlement by user ID, or nil if absent.
func (s *Store) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	return getEntitlement(ctx, s.db, userID)
}

// GetEntitlementTx is GetEntitlement inside a transaction.
func (s *Store) GetEntitlementTx(ctx context.Context, tx *sql.Tx, userID string) (*Entitlement, error) {
	return getEntitlement(ctx, tx, userID)
}

func getEntitlement(ctx context.Context, q querier, userID string) (*Entitlement, error) {
	row := q.QueryRowContext(ctx, `SELECT
		user_id, is_premium, is_founder, subscription_status,
		stripe_customer_id, stripe_subscription_id, last_event_seq, version,
		created_at, updated_at
		FROM entitlements WHERE user_id = ?`, userID)
	return scanEntitlement(row)
}

// GetEntitlementByCustomerID retrieves an entitlement by Stripe customer ID,
// or nil if no record carries that mapping yet.
func (s *Store) GetEntitlementByCustomerID(ctx context.Context, customerID string) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		user_id, is_premium, is_founder, subscription_status,
		stripe_customer_id, stripe_subscription_id, last_event_seq, version,
		created_at, updated_at
		FROM entitlements WHERE stripe_customer_id = ?`, customerID)
	return scanEntitlement(row)
}

// InsertEntitlementTx inserts a new entitlement record inside a transaction.
func (s *Store) InsertEntitlementTx(ctx context.Context, tx *sql.Tx, e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Version = 1

	_, err := tx.ExecContext(ctx, `
		INSERT INTO entitlements (
			user_id, is_premium, is_founder, subscription_status,
			stripe_customer_id, stripe_subscription_id, last_event_seq, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, boolToInt(e.IsPremium), boolToInt(e.IsFounder), string(e.SubscriptionStatus),
		e.StripeCustomerID, e.StripeSubscriptionID, e.LastEventSeq, e.Version,
		e.CreatedAt.Unix(), e.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert entitlement: %w", err)
	}
	return nil
}

// UpdateEntitlementTx writes an entitlement guarded by its version. The write
// only lands if no concurrent transaction committed first; otherwise it
// returns ErrConflict and the caller retries from a fresh read.
func (s *Store) UpdateEntitlementTx(ctx context.Context, tx *sql.Tx, e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	prevVersion := e.Version
	e.Version = prevVersion + 1
	e.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE entitlements SET
			is_premium = ?, is_founder = ?, subscription_status = ?,
			stripe_customer_id = ?, stripe_subscription_id = ?, last_event_seq = ?,
			version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		boolToInt(e.IsPremium), boolToInt(e.IsFounder), string(e.SubscriptionStatus),
		e.StripeCustomerID, e.StripeSubscriptionID, e.LastEventSeq,
		e.Version, e.UpdatedAt.Unix(),
		e.UserID, prevVersion,
	)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		e.Version = prevVersion
		return ErrConflict
	}
	return nil
}

// EnsureEntitlement returns the entitlement for userID, creating a default
// (non-premium) record if none exists yet. Used by the first-sign-in path.
func (s *Store) EnsureEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	var out *Entitlement
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getEntitlement(ctx, tx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		e := &Entitlement{
			UserID:             userID,
			SubscriptionStatus: StatusNone,
		}
		if err := s.InsertEntitlementTx(ctx, tx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountEntitlementsByStatus returns a map of subscription status -> count.
func (s *Store) CountEntitlementsByStatus(ctx context.Context) (map[SubscriptionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subscription_status, COUNT(*) FROM entitlements GROUP BY subscription_status`)
	if err != nil {
		return nil, fmt.Errorf("count entitlements by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[SubscriptionStatus(status)] = count
	}
	return counts, rows.Err()
}

// HasProcessedEvent reports whether eventID was already applied, returning the
// recorded outcome when it was.
func (s *Store) HasProcessedEvent(ctx context.Context, eventID string) (string, bool, error) {
	return hasProcessedEvent(ctx, s.db, eventID)
}

// HasProcessedEventTx is HasProcessedEvent inside a transaction.
func (s *Store) HasProcessedEventTx(ctx context.Context, tx *sql.Tx, eventID string) (string, bool, error) {
	return hasProcessedEvent(ctx, tx, eventID)
}

func hasProcessedEvent(ctx context.Context, q querier, eventID string) (string, bool, error) {
	var outcome string
	err := q.QueryRowContext(ctx, `SELECT outcome FROM processed_events WHERE event_id = ?`, eventID).Scan(&outcome)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup processed event: %w", err)
	}
	return outcome, true, nil
}

// MarkProcessedTx records eventID as applied. Runs in the same transaction as
// the entitlement write so a crash cannot separate the two.
func (s *Store) MarkProcessedTx(ctx context.Context, tx *sql.Tx, eventID, outcome string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, outcome, processed_at)
		VALUES (?, ?, ?)`,
		eventID, outcome, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// PruneProcessedEvents deletes processed-event markers older than cutoff and
// returns the number removed. The retention window must exceed the provider's
// maximum redelivery window.
func (s *Store) PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetSlotCounter retrieves the singleton founder-slot counter.
func (s *Store) GetSlotCounter(ctx context.Context) (*SlotCounter, error) {
	return getSlotCounter(ctx, s.db)
}

// GetSlotCounterTx is GetSlotCounter inside a transaction.
func (s *Store) GetSlotCounterTx(ctx context.Context, tx *sql.Tx) (*SlotCounter, error) {
	return getSlotCounter(ctx, tx)
}

func getSlotCounter(ctx context.Context, q querier) (*SlotCounter, error) {
	var c SlotCounter
	var active int
	var updatedAt int64
	err := q.QueryRowContext(ctx, `SELECT total_slots, claimed_slots, is_active, updated_at FROM founder_slots WHERE id = 1`).
		Scan(&c.TotalSlots, &c.ClaimedSlots, &active, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("read slot counter: %w", err)
	}
	c.IsActive = active != 0
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

// IncrementClaimedSlotsTx performs the compare-and-increment on the counter.
// The guard re-checks the claimed count read earlier in the same logical
// operation; a concurrent commit in between yields ErrConflict.
func (s *Store) IncrementClaimedSlotsTx(ctx context.Context, tx *sql.Tx, expectedClaimed int) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE founder_slots SET
			claimed_slots = claimed_slots + 1,
			updated_at = ?
		WHERE id = 1 AND claimed_slots = ? AND claimed_slots < total_slots AND is_active = 1`,
		time.Now().UTC().Unix(), expectedClaimed)
	if err != nil {
		return fmt.Errorf("increment claimed slots: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// GetSlotClaim retrieves the claim held by userID, or nil if none.
func (s *Store) GetSlotClaim(ctx context.Context, userID string) (*SlotClaim, error) {
	return getSlotClaim(ctx, s.db, userID)
}

// GetSlotClaimTx is GetSlotClaim inside a transaction.
func (s *Store) GetSlotClaimTx(ctx context.Context, tx *sql.Tx, userID string) (*SlotClaim, error) {
	return getSlotClaim(ctx, tx, userID)
}

func getSlotClaim(ctx context.Context, q querier, userID string) (*SlotClaim, error) {
	row := q.QueryRowContext(ctx, `SELECT user_id, claim_id, slot_number, claimed_at FROM slot_claims WHERE user_id = ?`, userID)
	return scanSlotClaim(row)
}

// InsertSlotClaimTx creates a claim row. The UNIQUE constraint on slot_number
// is the last line of defense against duplicate assignment.
func (s *Store) InsertSlotClaimTx(ctx context.Context, tx *sql.Tx, c *SlotClaim) error {
	if c == nil {
		return fmt.Errorf("slot claim is nil")
	}
	if c.ClaimedAt.IsZero() {
		c.ClaimedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO slot_claims (user_id, claim_id, slot_number, claimed_at)
		VALUES (?, ?, ?, ?)`,
		c.UserID, c.ClaimID, c.SlotNumber, c.ClaimedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert slot claim: %w", err)
	}
	return nil
}

// ListSlotClaims returns all claims in slot order.
func (s *Store) ListSlotClaims(ctx context.Context) ([]*SlotClaim, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, claim_id, slot_number, claimed_at FROM slot_claims ORDER BY slot_number ASC`)
	if err != nil {
		return nil, fmt.Errorf("list slot claims: %w", err)
	}
	defer rows.Close()

	var claims []*SlotClaim
	for rows.Next() {
		c, err := scanSlotClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(sc scanner) (*Entitlement, error) {
	var e Entitlement
	var premium, founder int
	var status string
	var createdAt, updatedAt int64

	err := sc.Scan(
		&e.UserID, &premium, &founder, &status,
		&e.StripeCustomerID, &e.StripeSubscriptionID, &e.LastEventSeq, &e.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	e.IsPremium = premium != 0
	e.IsFounder = founder != 0
	e.SubscriptionStatus = SubscriptionStatus(status)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}

func scanSlotClaim(sc scanner) (*SlotClaim, error) {
	var c SlotClaim
	var claimedAt int64
	err := sc.Scan(&c.UserID, &c.ClaimID, &c.SlotNumber, &claimedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan slot claim: %w", err)
	}
	c.ClaimedAt = time.Unix(claimedAt, 0).UTC()
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
