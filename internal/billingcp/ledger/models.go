package ledger

import (
	"time"
)

// SubscriptionStatus is the coarse subscription lifecycle state tracked on an
// entitlement record. Unknown provider statuses map to StatusPastDue so they
// never grant premium access.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// PremiumFor reports whether a subscription status grants premium access.
func PremiumFor(status SubscriptionStatus) bool {
	return status == StatusActive || status == StatusTrialing
}

// Entitlement is the per-user record of paid-access state. It is mutated only
// by the reconciler; every write is a version-guarded read-modify-write.
type Entitlement struct {
	UserID               string             `json:"user_id"`
	IsPremium            bool               `json:"is_premium"`
	IsFounder            bool               `json:"is_founder"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	LastEventSeq         int64              `json:"last_event_seq"`
	Version              int64              `json:"version"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// SlotCounter is the singleton founder-slot aggregate. ClaimedSlots always
// equals the number of rows in slot_claims; the allocator maintains both in
// one transaction.
type SlotCounter struct {
	TotalSlots   int       `json:"total_slots"`
	ClaimedSlots int       `json:"claimed_slots"`
	IsActive     bool      `json:"is_active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Remaining returns the number of unclaimed slots, never negative.
func (c *SlotCounter) Remaining() int {
	if c == nil {
		return 0
	}
	if c.ClaimedSlots >= c.TotalSlots {
		return 0
	}
	return c.TotalSlots - c.ClaimedSlots
}

// SlotClaim records a founder slot held by a user. It is the source of truth
// for "does this user hold a slot"; the IsFounder flag on the entitlement is
// derived from it.
type SlotClaim struct {
	UserID     string    `json:"user_id"`
	ClaimID    string    `json:"claim_id"`
	SlotNumber int       `json:"slot_number"`
	ClaimedAt  time.Time `json:"claimed_at"`
}

// ProcessedEvent marks an externally-assigned event ID as applied, together
// with the outcome it produced. At-least-once delivery dedupes through it.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	Outcome     string    `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}
