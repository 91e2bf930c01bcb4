// Package reconcile maps payment-provider events onto ledger state. Apply is
// idempotent per event ID, so the webhook push path and the checkout-verify
// poll path can both feed it, in any order, any number of times.
package reconcile

import (
	"github.com/repogym/repogym/internal/billingcp/ledger"
)

// Event is the closed union of payment events the reconciler accepts. The
// verifier/poller boundary is responsible for producing these; nothing else
// reaches the ledger.
type Event interface {
	// EventID is the externally-assigned (or deterministically synthesized)
	// identifier the idempotency check keys on.
	EventID() string
	kind() string
}

// PurchaseCompleted is a finished checkout. The poll path synthesizes it from
// a retrieved session with EventID "session:<id>:paid", and the webhook path
// derives the same ID for checkout events, so the two paths collide on the
// dedup key instead of double-applying.
type PurchaseCompleted struct {
	ID             string
	UserID         string
	CustomerID     string
	SubscriptionID string
	WantsFounder   bool
}

func (e PurchaseCompleted) EventID() string { return e.ID }
func (e PurchaseCompleted) kind() string    { return "purchase_completed" }

// SubscriptionCanceled is a terminal cancellation. It always wins: premium is
// revoked regardless of prior state or event ordering. Seq advances the
// record's event clock so stale pre-cancellation transitions are rejected.
type SubscriptionCanceled struct {
	ID         string
	CustomerID string
	Seq        int64
}

func (e SubscriptionCanceled) EventID() string { return e.ID }
func (e SubscriptionCanceled) kind() string    { return "subscription_canceled" }

// SubscriptionStatusChanged carries a subscription lifecycle transition. Seq
// is the provider's event timestamp; transitions older than the last applied
// one are rejected as stale.
type SubscriptionStatusChanged struct {
	ID         string
	CustomerID string
	Status     ledger.SubscriptionStatus
	Seq        int64
}

func (e SubscriptionStatusChanged) EventID() string { return e.ID }
func (e SubscriptionStatusChanged) kind() string    { return "subscription_status_changed" }
