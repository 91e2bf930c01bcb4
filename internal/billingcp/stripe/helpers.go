package stripe

import (
	"strings"

	"github.com/repogym/repogym/internal/billingcp/ledger"
)

// CheckoutEventID derives the ledger event ID for a completed checkout
// session. The webhook path and the verification fallback both use this
// form, so whichever path lands first wins and the other deduplicates.
func CheckoutEventID(sessionID string) string {
	return "session:" + sessionID + ":paid"
}

// MapSubscriptionStatus converts a Stripe subscription status string to the
// internal status. Unknown statuses fail closed (past_due, no premium).
func MapSubscriptionStatus(status string) ledger.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return ledger.StatusActive
	case "trialing":
		return ledger.StatusTrialing
	case "canceled", "incomplete_expired":
		return ledger.StatusCanceled
	case "past_due", "unpaid", "incomplete", "paused":
		return ledger.StatusPastDue
	default:
		return ledger.StatusPastDue
	}
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_..., cs_...) is
// safe for use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// founderRequested reports whether checkout metadata asked for a founder
// slot alongside the premium purchase.
func founderRequested(metadata map[string]string) bool {
	switch strings.ToLower(strings.TrimSpace(metadata["founder_slot"])) {
	case "1", "true", "yes":
		return true
	}
	return false
}
