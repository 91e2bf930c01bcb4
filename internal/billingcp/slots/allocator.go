// Package slots allocates the strictly-capped founder slots. All mutation
// goes through Allocator.Claim, a single transactional compare-and-increment
// over the ledger's counter row.
package slots

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/repogym/repogym/internal/billingcp/ledger"
	"github.com/rs/zerolog/log"
)

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Granted        bool   `json:"granted"`
	SlotNumber     int    `json:"slot_number,omitempty"`
	SlotsRemaining int    `json:"slots_remaining"`
	Reason         string `json:"reason,omitempty"`
}

const (
	ReasonAlreadyHeld = "already_held"
	ReasonInactive    = "inactive"
	ReasonSoldOut     = "sold_out"
)

// Allocator hands out founder slots. Claim is idempotent per user: a repeat
// call returns the original slot number without touching the counter.
type Allocator struct {
	store *ledger.Store
}

// NewAllocator creates an Allocator backed by the given ledger store.
func NewAllocator(store *ledger.Store) *Allocator {
	return &Allocator{store: store}
}

// Claim attempts to allocate a founder slot to userID. It runs as one atomic
// transaction: check for an existing claim, check capacity, compare-and-
// increment the counter, insert the claim row. A conflicting concurrent
// commit restarts the whole sequence from a fresh read, so two purchasers can
// never be assigned the same slot number and the pool can never be oversold.
func (a *Allocator) Claim(ctx context.Context, userID string) (ClaimResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ClaimResult{}, fmt.Errorf("user id is required")
	}

	var result ClaimResult
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := a.store.GetSlotClaimTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		counter, err := a.store.GetSlotCounterTx(ctx, tx)
		if err != nil {
			return err
		}

		if existing != nil {
			result = ClaimResult{
				Granted:        true,
				SlotNumber:     existing.SlotNumber,
				SlotsRemaining: counter.Remaining(),
				Reason:         ReasonAlreadyHeld,
			}
			return nil
		}

		if !counter.IsActive {
			result = ClaimResult{SlotsRemaining: counter.Remaining(), Reason: ReasonInactive}
			return nil
		}
		if counter.ClaimedSlots >= counter.TotalSlots {
			result = ClaimResult{SlotsRemaining: 0, Reason: ReasonSoldOut}
			return nil
		}

		// Ties the slot number to commit order, not arrival order: the guard
		// fails if another claim committed since our read, and WithTx retries
		// from the top.
		if err := a.store.IncrementClaimedSlotsTx(ctx, tx, counter.ClaimedSlots); err != nil {
			return err
		}
		claim := &ledger.SlotClaim{
			UserID:     userID,
			ClaimID:    ulid.Make().String(),
			SlotNumber: counter.ClaimedSlots + 1,
		}
		if err := a.store.InsertSlotClaimTx(ctx, tx, claim); err != nil {
			return err
		}

		result = ClaimResult{
			Granted:        true,
			SlotNumber:     claim.SlotNumber,
			SlotsRemaining: counter.TotalSlots - claim.SlotNumber,
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim founder slot: %w", err)
	}

	if result.Granted && result.Reason != ReasonAlreadyHeld {
		log.Info().
			Str("user_id", userID).
			Int("slot_number", result.SlotNumber).
			Int("slots_remaining", result.SlotsRemaining).
			Msg("Founder slot claimed")
	}
	return result, nil
}
