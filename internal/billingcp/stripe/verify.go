package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/repogym/repogym/internal/billingcp/reconcile"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
)

// SessionVerifier confirms a checkout session directly against the Stripe
// API and reconciles the result. It is the fallback for webhook deliveries
// that are delayed or lost: the client returns from checkout with a session
// ID, and verification synthesizes the same event the webhook would have,
// so the two paths converge on one ledger write.
type SessionVerifier struct {
	reconciler *reconcile.Reconciler

	// Injectable for tests.
	getCheckoutSession func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// NewSessionVerifier creates a verifier backed by the live Stripe API.
func NewSessionVerifier(apiKey string, reconciler *reconcile.Reconciler) *SessionVerifier {
	stripelib.Key = strings.TrimSpace(apiKey)
	return &SessionVerifier{
		reconciler:         reconciler,
		getCheckoutSession: stripesession.Get,
	}
}

// VerifyResult is the client-facing outcome of a session verification.
type VerifyResult struct {
	Status         string `json:"status"`
	IsPremium      bool   `json:"is_premium"`
	IsFounder      bool   `json:"is_founder"`
	SlotNumber     int    `json:"slot_number,omitempty"`
	SlotsRemaining int    `json:"slots_remaining"`
}

// Verification statuses.
const (
	VerifyStatusPaid     = "paid"
	VerifyStatusPending  = "pending"
	VerifyStatusExpired  = "expired"
	VerifyStatusNotFound = "not_found"
)

// ErrSessionNotFound is returned when Stripe does not know the session ID.
var ErrSessionNotFound = errors.New("checkout session not found")

// VerifySession fetches the session from Stripe and, if it is complete and
// paid, applies the purchase through the reconciler. Safe to call any number
// of times for the same session.
func (v *SessionVerifier) VerifySession(ctx context.Context, sessionID string) (VerifyResult, error) {
	if !IsSafeStripeID(sessionID) {
		return VerifyResult{Status: VerifyStatusNotFound}, ErrSessionNotFound
	}

	session, err := v.getCheckoutSession(sessionID, nil)
	if err != nil || session == nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Checkout session lookup failed")
		return VerifyResult{Status: VerifyStatusNotFound}, ErrSessionNotFound
	}

	switch session.Status {
	case stripelib.CheckoutSessionStatusExpired:
		return VerifyResult{Status: VerifyStatusExpired}, nil
	case stripelib.CheckoutSessionStatusComplete:
	default:
		return VerifyResult{Status: VerifyStatusPending}, nil
	}
	if session.PaymentStatus != stripelib.CheckoutSessionPaymentStatusPaid {
		return VerifyResult{Status: VerifyStatusPending}, nil
	}

	userID := strings.TrimSpace(session.Metadata["user_id"])
	if userID == "" {
		return VerifyResult{}, fmt.Errorf("%w: session %s has no user_id metadata", reconcile.ErrUnresolvableUser, sessionID)
	}

	ev := reconcile.PurchaseCompleted{
		ID:           CheckoutEventID(session.ID),
		UserID:       userID,
		WantsFounder: founderRequested(session.Metadata),
	}
	if session.Customer != nil {
		ev.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		ev.SubscriptionID = session.Subscription.ID
	}

	out, err := v.reconciler.Apply(ctx, ev)
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{Status: VerifyStatusPaid, IsPremium: true}
	if out.Entitlement != nil {
		result.IsPremium = out.Entitlement.IsPremium
		result.IsFounder = out.Entitlement.IsFounder
	}
	if out.Claim != nil {
		result.SlotsRemaining = out.Claim.SlotsRemaining
		if out.Claim.Granted {
			result.IsFounder = true
			result.SlotNumber = out.Claim.SlotNumber
		}
	}
	return result, nil
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
}

// HandleVerify is the HTTP surface for session verification.
func (v *SessionVerifier) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "session_id is required"})
		return
	}

	result, err := v.VerifySession(r.Context(), req.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, webhookErrorResponse{Error: "checkout session not found"})
	case errors.Is(err, reconcile.ErrUnresolvableUser):
		writeJSON(w, http.StatusUnprocessableEntity, webhookErrorResponse{Error: "session has no associated user"})
	case err != nil:
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("Checkout verification failed")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "verification failed"})
	default:
		writeJSON(w, http.StatusOK, result)
	}
}
