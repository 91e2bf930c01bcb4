package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/repogym/repogym/internal/billingcp/bpmetrics"
	"github.com/repogym/repogym/internal/billingcp/reconcile"
	"github.com/repogym/repogym/internal/logging"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events and feeds them to
// the reconciler.
type WebhookHandler struct {
	secret     string
	reconciler *reconcile.Reconciler
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(secret string, reconciler *reconcile.Reconciler) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		reconciler: reconciler,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		bpmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		bpmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		log.Error().Msg("Stripe webhook received but no signing secret is configured")
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	ev, err := h.translateEvent(&event)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook payload rejected")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "malformed event payload"})
		return
	}
	if ev == nil {
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Status: "ignored"})
		return
	}

	out, err := h.reconciler.Apply(r.Context(), ev)
	switch {
	case errors.Is(err, reconcile.ErrUnresolvableUser):
		// No user will ever map to this customer; retrying the delivery
		// cannot help, so acknowledge it and drop.
		log.Warn().
			Str("event_id", ev.EventID()).
			Str("type", string(event.Type)).
			Msg("Stripe webhook dropped: no user for customer")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Status: "dropped"})
	case err != nil:
		log.Error().Err(err).
			Str("event_id", ev.EventID()).
			Str("type", string(event.Type)).
			Str("request_id", logging.RequestID(r.Context())).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
	case out.Status == reconcile.StatusAlreadyApplied:
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Status: "duplicate"})
	case out.Status == reconcile.StatusStale:
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Status: "stale"})
	default:
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
	}
}

// translateEvent maps a raw Stripe event to a reconcile event. A nil event
// with nil error means the type is not handled.
func (h *WebhookHandler) translateEvent(event *stripelib.Event) (reconcile.Event, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.translateCheckout(event, session)

	case "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		if !IsSafeStripeID(sub.Customer) {
			return nil, fmt.Errorf("unsafe customer ID %q", sub.Customer)
		}
		return reconcile.SubscriptionStatusChanged{
			ID:         event.ID,
			CustomerID: sub.Customer,
			Status:     MapSubscriptionStatus(sub.Status),
			Seq:        event.Created,
		}, nil

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		if !IsSafeStripeID(sub.Customer) {
			return nil, fmt.Errorf("unsafe customer ID %q", sub.Customer)
		}
		return reconcile.SubscriptionCanceled{
			ID:         event.ID,
			CustomerID: sub.Customer,
			Seq:        event.Created,
		}, nil

	default:
		return nil, nil
	}
}

func (h *WebhookHandler) translateCheckout(event *stripelib.Event, session CheckoutSession) (reconcile.Event, error) {
	if !IsSafeStripeID(session.ID) {
		return nil, fmt.Errorf("unsafe session ID %q", session.ID)
	}
	if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
		// Async payment methods complete the session before the charge
		// settles; the paid confirmation arrives as a later event or via
		// the verification endpoint.
		log.Info().
			Str("session_id", session.ID).
			Str("payment_status", session.PaymentStatus).
			Msg("Checkout session completed but not yet paid; deferring")
		return nil, nil
	}
	userID := strings.TrimSpace(session.Metadata["user_id"])
	if userID == "" {
		return nil, fmt.Errorf("checkout session %s has no user_id metadata", session.ID)
	}
	return reconcile.PurchaseCompleted{
		ID:             CheckoutEventID(session.ID),
		UserID:         userID,
		CustomerID:     strings.TrimSpace(session.Customer),
		SubscriptionID: strings.TrimSpace(session.Subscription),
		WantsFounder:   founderRequested(session.Metadata),
	}, nil
}

// CheckoutSession is a minimal representation of a Stripe checkout.session
// event payload.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a Stripe subscription event
// payload.
type Subscription struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billingcp.stripe: encode response")
	}
}
