package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T, slots SlotConfig) *Store {
	t.Helper()
	s, err := New(t.TempDir(), slots)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureEntitlementCreatesDefault(t *testing.T) {
	s := newTestStore(t, SlotConfig{TotalSlots: 10, Active: true})
	ctx := context.Background()

	e, err := s.EnsureEntitlement(ctx, "u_1")
	if err != nil {
		t.Fatalf("EnsureEntitlement: %v", err)
	}
	if e.IsPremium || e.IsFounder {
		t.Errorf("new entitlement should not be premium or founder: %+v", e)
	}
	if e.SubscriptionStatus != StatusNone {
		t.Errorf("status = %q, want %q", e.SubscriptionStatus, StatusNone)
	}
	if e.Version != 1 {
		t.Errorf("version = %d, want 1", e.Version)
	}

	// Second call returns the existing record untouched.
	again, err := s.EnsureEntitlement(ctx, "u_1")
	if err != nil {
		t.Fatalf("EnsureEntitlement (second): %v", err)
	}
	if again.Version != e.Version {
		t.Errorf("second EnsureEntitlement bumped version: %d != %d", again.Version, e.Version)
	}
}

func TestUpdateEntitlementVersionGuard(t *testing.T) {
	s := newTestStore(t, SlotConfig{TotalSlots: 10, Active: true})
	ctx := context.Background()

	if _, err := s.EnsureEntitlement(ctx, "u_guard"); err != nil {
		t.Fatalf("EnsureEntitlement: %v", err)
	}

	// Two reads of the same version; the second writer must observe a conflict.
	first, err := s.GetEntitlement(ctx, "u_guard")
	if err != nil {
		t.Fatalf("GetEntitlement: %v", err)
	}
	stale := *first

	first.IsPremium = true
	first.SubscriptionStatus = StatusActive
	err = s.runTx(ctx, func(tx *sql.Tx) error {
		return s.UpdateEntitlementTx(ctx, tx, first)
	})
	if err != nil {
		t.Fatalf("first guarded update: %v", err)
	}

	stale.IsPremium = true
	err = s.runTx(ctx, func(tx *sql.Tx) error {
		return s.UpdateEntitlementTx(ctx, tx, &stale)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale guarded update err = %v, want ErrConflict", err)
	}

	got, err := s.GetEntitlement(ctx, "u_guard")
	if err != nil {
		t.Fatalf("GetEntitlement: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
	if got.SubscriptionStatus != StatusActive {
		t.Errorf("status = %q, want %q (stale write must not land)", got.SubscriptionStatus, StatusActive)
	}
}

func TestGetEntitlementByCustomerID(t *testing.T) {
	s := newTestStore(t, SlotConfig{TotalSlots: 10, Active: true})
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertEntitlementTx(ctx, tx, &Entitlement{
			UserID:             "u_cust",
			SubscriptionStatus: StatusActive,
			IsPremium:          true,
			StripeCustomerID:   "cus_abc123",
		})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	e, err := s.GetEntitlementByCustomerID(ctx, "cus_abc123")
	if err != nil {
		t.Fatalf("GetEntitlementByCustomerID: %v", err)
	}
	if e == nil || e.UserID != "u_cust" {
		t.Fatalf("lookup by customer = %+v, want user u_cust", e)
	}

	missing, err := s.GetEntitlementByCustomerID(ctx, "cus_unknown")
	if err != nil {
		t.Fatalf("GetEntitlementByCustomerID (missing): %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown customer, got %+v", missing)
	}
}

func TestProcessedEvents(t *testing.T) {
	s := newTestStore(t, SlotConfig{TotalSlots: 10, Active: true})
	ctx := context.Background()

	_, seen, err := s.HasProcessedEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("HasProcessedEvent: %v", err)
	}
	if seen {
		t.Fatal("event should not be marked processed yet")
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkProcessedTx(ctx, tx, "evt_1", "applied")
	})
	if err != nil {
		t.Fatalf("MarkProcessedTx: %v", err)
	}

	outcome, seen, err := s.HasProcessedEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("HasProcessedEvent: %v", err)
	}
	if !seen || outcome != "applied" {
		t.Fatalf("seen=%v outcome=%q, want seen=true outcome=applied", seen, outcome)
	}
}

func TestPruneProcessedEvents(t *testing.T) {
	s := newTestStore(t, SlotConfig{TotalSlots: 10, Active: true})
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.MarkProcessedTx(ctx, tx, "evt_old", "applied"); err != nil {
			return err
		}
		return s.MarkProcessedTx(ctx, tx, "evt_new", "applied")
	})
	if err != nil {
		t.Fatalf("mark: %v", err)
	}

	// Backdate one marker beyond the cutoff.
	if _, err := s.db.Exec(`UPDATE processed_events SET processed_at = ? WHERE event_id = 'evt_old'`,
		time.Now().UTC().Add(-60*24*time.Hour).Unix()); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := s.PruneProcessedEvents(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneProcessedEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}

	_, seen, err := s.HasProcessedEvent(ctx, "evt_new")
	if err != nil || !seen {
		t.Fatalf("evt_new should survive pruning (seen=%v err=%v)", seen, err)
	}
}

func TestApplySlotConfigNeverShrinksBelowClaimed(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, SlotConfig{TotalSlots: 5, Active: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.IncrementClaimedSlotsTx(ctx, tx, 0); err != nil {
			return err
		}
		if err := s.IncrementClaimedSlotsTx(ctx, tx, 1); err != nil {
			return err
		}
		return s.IncrementClaimedSlotsTx(ctx, tx, 2)
	})
	if err != nil {
		t.Fatalf("claim three slots: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen with a smaller capacity than already claimed.
	s2, err := New(dir, SlotConfig{TotalSlots: 1, Active: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	c, err := s2.GetSlotCounter(ctx)
	if err != nil {
		t.Fatalf("GetSlotCounter: %v", err)
	}
	if c.TotalSlots != 3 || c.ClaimedSlots != 3 {
		t.Errorf("counter = %+v, want total=3 claimed=3", c)
	}
	if c.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", c.Remaining())
	}
}

func TestIncrementClaimedSlotsGuards(t *testing.T) {
	s := newTestStore(t, SlotConfig{TotalSlots: 1, Active: true})
	ctx := context.Background()

	// Stale expected count is rejected.
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		return s.IncrementClaimedSlotsTx(ctx, tx, 5)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale increment err = %v, want ErrConflict", err)
	}

	if err := s.runTx(ctx, func(tx *sql.Tx) error {
		return s.IncrementClaimedSlotsTx(ctx, tx, 0)
	}); err != nil {
		t.Fatalf("first increment: %v", err)
	}

	// Counter is full; a correct expected value still must not pass the capacity guard.
	err = s.runTx(ctx, func(tx *sql.Tx) error {
		return s.IncrementClaimedSlotsTx(ctx, tx, 1)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("over-capacity increment err = %v, want ErrConflict", err)
	}
}
