package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/repogym/repogym/internal/billingcp/bpmetrics"
	"github.com/repogym/repogym/internal/billingcp/ledger"
	"github.com/repogym/repogym/internal/billingcp/slots"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnresolvableUser means the payment customer reference could not be
	// mapped to a user. The event is dropped, not retried; operators are
	// expected to alert on the log line and metric.
	ErrUnresolvableUser = errors.New("reconcile: unresolvable user")

	// ErrReconciliationFailed means the transactional write could not land
	// within the retry limit. Nothing was applied; the provider will
	// redeliver, or the fallback verify path will pick the purchase up.
	ErrReconciliationFailed = errors.New("reconcile: reconciliation failed")
)

const (
	lookupRetryAttempts = 3
	lookupRetryWait     = 200 * time.Millisecond
)

// Status classifies what Apply did with an event.
type Status string

const (
	StatusApplied        Status = "applied"
	StatusAlreadyApplied Status = "already_applied"
	StatusStale          Status = "stale"
)

// Outcome is the result of applying one event.
type Outcome struct {
	Status      Status
	UserID      string
	Entitlement *ledger.Entitlement
	// Claim is set when the event requested a founder slot and the allocator
	// was reached.
	Claim *slots.ClaimResult
	// AllocatorDown is true when the claim failed independently of the
	// entitlement grant; premium access is kept and operators must reconcile
	// the slot count manually.
	AllocatorDown bool
}

// CustomerResolver maps a payment customer reference to a user ID. The Stripe
// implementation reads the customer's metadata; tests substitute a stub.
type CustomerResolver interface {
	ResolveUserID(ctx context.Context, customerID string) (string, error)
}

// Reconciler applies payment events to the ledger. It is safe to invoke
// concurrently from independent request contexts; same-event and same-user
// operations serialize through the ledger's transactions, not through any
// in-process lock.
type Reconciler struct {
	store     *ledger.Store
	allocator *slots.Allocator
	resolver  CustomerResolver
}

// New creates a Reconciler.
func New(store *ledger.Store, allocator *slots.Allocator, resolver CustomerResolver) *Reconciler {
	return &Reconciler{store: store, allocator: allocator, resolver: resolver}
}

// Apply maps one event onto ledger state. Every externally-triggered write
// passes through the processed-event check exactly once per distinct event
// ID; duplicates are answered from the ledger without side effects.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	out, err := r.apply(ctx, ev)
	outcome := string(out.Status)
	if err != nil {
		outcome = "error"
	}
	bpmetrics.ReconcileTotal.WithLabelValues(outcome).Inc()
	return out, err
}

func (r *Reconciler) apply(ctx context.Context, ev Event) (Outcome, error) {
	eventID := strings.TrimSpace(ev.EventID())
	if eventID == "" {
		return Outcome{}, fmt.Errorf("event id is required")
	}

	// Fast path: duplicate delivery. The authoritative check runs again
	// inside the write transaction; this one just avoids the user resolution
	// round-trip for the common retry case.
	if _, seen, err := r.store.HasProcessedEvent(ctx, eventID); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
	} else if seen {
		return r.alreadyApplied(ctx, ev)
	}

	userID, err := r.resolveUser(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		// Authoritative idempotency boundary: both the push path and the
		// poll fallback pass through here with the same key.
		if _, seen, err := r.store.HasProcessedEventTx(ctx, tx, eventID); err != nil {
			return err
		} else if seen {
			out = Outcome{Status: StatusAlreadyApplied, UserID: userID}
			return nil
		}

		current, err := r.store.GetEntitlementTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		next, status := nextEntitlement(ev, userID, current)
		if status == StatusApplied {
			if current == nil {
				if err := r.store.InsertEntitlementTx(ctx, tx, next); err != nil {
					return err
				}
			} else if err := r.store.UpdateEntitlementTx(ctx, tx, next); err != nil {
				return err
			}
		}

		// Same transaction as the entitlement write: a crash between the two
		// cannot cause a silent double-apply on retry.
		if err := r.store.MarkProcessedTx(ctx, tx, eventID, string(status)); err != nil {
			return err
		}
		out = Outcome{Status: status, UserID: userID, Entitlement: next}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrReconciliationFailed, err)
	}

	if out.Status == StatusAlreadyApplied {
		return r.alreadyApplied(ctx, ev)
	}

	if purchase, ok := ev.(PurchaseCompleted); ok && purchase.WantsFounder && out.Status == StatusApplied {
		r.claimFounderSlot(ctx, userID, &out)
	}
	return out, nil
}

// alreadyApplied answers a duplicate delivery from current ledger state so
// the caller still gets an accurate view of the user's entitlement.
func (r *Reconciler) alreadyApplied(ctx context.Context, ev Event) (Outcome, error) {
	out := Outcome{Status: StatusAlreadyApplied}
	purchase, isPurchase := ev.(PurchaseCompleted)
	if !isPurchase {
		return out, nil
	}
	out.UserID = purchase.UserID

	e, err := r.store.GetEntitlement(ctx, purchase.UserID)
	if err != nil {
		return out, nil
	}
	out.Entitlement = e

	if purchase.WantsFounder {
		claim, err := r.store.GetSlotClaim(ctx, purchase.UserID)
		if err == nil && claim != nil {
			counter, cerr := r.store.GetSlotCounter(ctx)
			remaining := 0
			if cerr == nil {
				remaining = counter.Remaining()
			}
			out.Claim = &slots.ClaimResult{
				Granted:        true,
				SlotNumber:     claim.SlotNumber,
				SlotsRemaining: remaining,
				Reason:         slots.ReasonAlreadyHeld,
			}
		}
	}
	return out, nil
}

// claimFounderSlot invokes the allocator after the entitlement commit. A
// failed claim never rolls back the premium grant: the payment already
// happened, so the user keeps access and the failure is surfaced for
// operator reconciliation.
func (r *Reconciler) claimFounderSlot(ctx context.Context, userID string, out *Outcome) {
	res, err := r.allocator.Claim(ctx, userID)
	if err != nil {
		log.Error().Err(err).
			Str("user_id", userID).
			Msg("Founder slot claim failed after premium grant; manual slot reconciliation needed")
		bpmetrics.SlotClaimsTotal.WithLabelValues("error").Inc()
		out.AllocatorDown = true
		return
	}

	out.Claim = &res
	switch {
	case res.Granted && res.Reason == slots.ReasonAlreadyHeld:
		bpmetrics.SlotClaimsTotal.WithLabelValues("already_held").Inc()
	case res.Granted:
		bpmetrics.SlotClaimsTotal.WithLabelValues("granted").Inc()
	default:
		bpmetrics.SlotClaimsTotal.WithLabelValues(res.Reason).Inc()
	}

	if res.Granted {
		if err := r.setFounderFlag(ctx, userID); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to set founder flag; slot claim remains the source of truth")
		} else if out.Entitlement != nil {
			out.Entitlement.IsFounder = true
		}
	}
}

// setFounderFlag marks the entitlement as founder in its own guarded write.
// The slot claim row, not this flag, is what makes re-claims idempotent.
func (r *Reconciler) setFounderFlag(ctx context.Context, userID string) error {
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		e, err := r.store.GetEntitlementTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if e == nil {
			return fmt.Errorf("entitlement %q missing", userID)
		}
		if e.IsFounder {
			return nil
		}
		e.IsFounder = true
		return r.store.UpdateEntitlementTx(ctx, tx, e)
	})
}

// resolveUser finds the user an event applies to. Purchase events carry the
// user explicitly; subscription lifecycle events resolve through the local
// customer mapping first, then the provider lookup with bounded retries.
func (r *Reconciler) resolveUser(ctx context.Context, ev Event) (string, error) {
	switch e := ev.(type) {
	case PurchaseCompleted:
		userID := strings.TrimSpace(e.UserID)
		if userID == "" {
			return "", fmt.Errorf("%w: purchase %s carries no user id", ErrUnresolvableUser, e.ID)
		}
		return userID, nil
	case SubscriptionCanceled:
		return r.resolveByCustomer(ctx, e.CustomerID)
	case SubscriptionStatusChanged:
		return r.resolveByCustomer(ctx, e.CustomerID)
	default:
		return "", fmt.Errorf("unknown event kind %q", ev.kind())
	}
}

func (r *Reconciler) resolveByCustomer(ctx context.Context, customerID string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", fmt.Errorf("%w: event carries no customer reference", ErrUnresolvableUser)
	}

	if e, err := r.store.GetEntitlementByCustomerID(ctx, customerID); err == nil && e != nil {
		return e.UserID, nil
	}

	if r.resolver == nil {
		return "", fmt.Errorf("%w: no provider lookup configured for customer %s", ErrUnresolvableUser, customerID)
	}

	var lastErr error
	for attempt := 0; attempt < lookupRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(lookupRetryWait * time.Duration(attempt)):
			}
		}
		userID, err := r.resolver.ResolveUserID(ctx, customerID)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.TrimSpace(userID) != "" {
			return strings.TrimSpace(userID), nil
		}
		// Empty mapping is definitive; retrying will not invent a user.
		break
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: provider lookup for customer %s: %v", ErrUnresolvableUser, customerID, lastErr)
	}
	return "", fmt.Errorf("%w: customer %s has no user mapping", ErrUnresolvableUser, customerID)
}

// nextEntitlement computes the record an event produces, as a pure function
// of the event and the current record. Upsert semantics: a missing record is
// created with defaults first.
func nextEntitlement(ev Event, userID string, current *ledger.Entitlement) (*ledger.Entitlement, Status) {
	var next ledger.Entitlement
	if current != nil {
		next = *current
	} else {
		next = ledger.Entitlement{
			UserID:             userID,
			SubscriptionStatus: ledger.StatusNone,
		}
	}

	switch e := ev.(type) {
	case PurchaseCompleted:
		next.IsPremium = true
		next.SubscriptionStatus = ledger.StatusActive
		if strings.TrimSpace(e.CustomerID) != "" {
			next.StripeCustomerID = strings.TrimSpace(e.CustomerID)
		}
		if strings.TrimSpace(e.SubscriptionID) != "" {
			next.StripeSubscriptionID = strings.TrimSpace(e.SubscriptionID)
		}
		return &next, StatusApplied

	case SubscriptionCanceled:
		// Terminal: wins over any stale concurrent "active" write.
		next.IsPremium = false
		next.SubscriptionStatus = ledger.StatusCanceled
		if e.Seq > next.LastEventSeq {
			next.LastEventSeq = e.Seq
		}
		return &next, StatusApplied

	case SubscriptionStatusChanged:
		if e.Seq > 0 && e.Seq <= next.LastEventSeq {
			return &next, StatusStale
		}
		next.SubscriptionStatus = e.Status
		next.IsPremium = ledger.PremiumFor(e.Status)
		if e.Seq > next.LastEventSeq {
			next.LastEventSeq = e.Seq
		}
		return &next, StatusApplied
	}
	return &next, StatusStale
}
