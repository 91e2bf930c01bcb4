package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/repogym/repogym/internal/billingcp/ledger"
	"github.com/repogym/repogym/internal/billingcp/reconcile"
	"github.com/repogym/repogym/internal/billingcp/slots"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T, session *stripelib.CheckoutSession, lookupErr error) (*SessionVerifier, *ledger.Store) {
	t.Helper()
	store, err := ledger.New(t.TempDir(), ledger.SlotConfig{TotalSlots: 3, Active: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v := NewSessionVerifier("sk_test_key", reconcile.New(store, slots.NewAllocator(store), nil))
	v.getCheckoutSession = func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		if lookupErr != nil {
			return nil, lookupErr
		}
		return session, nil
	}
	return v, store
}

func paidSession(id, userID string) *stripelib.CheckoutSession {
	return &stripelib.CheckoutSession{
		ID:            id,
		Status:        stripelib.CheckoutSessionStatusComplete,
		PaymentStatus: stripelib.CheckoutSessionPaymentStatusPaid,
		Customer:      &stripelib.Customer{ID: "cus_vf_1"},
		Subscription:  &stripelib.Subscription{ID: "sub_vf_1"},
		Metadata:      map[string]string{"user_id": userID, "founder_slot": "true"},
	}
}

func TestVerifySessionPaidGrantsEntitlement(t *testing.T) {
	v, store := newTestVerifier(t, paidSession("cs_vf_1", "u_vf_1"), nil)

	result, err := v.VerifySession(context.Background(), "cs_vf_1")
	require.NoError(t, err)
	require.Equal(t, VerifyStatusPaid, result.Status)
	require.True(t, result.IsPremium)
	require.True(t, result.IsFounder)
	require.Equal(t, 1, result.SlotNumber)
	require.Equal(t, 2, result.SlotsRemaining)

	e, err := store.GetEntitlement(context.Background(), "u_vf_1")
	require.NoError(t, err)
	require.True(t, e.IsPremium)
	require.Equal(t, "cus_vf_1", e.StripeCustomerID)
}

func TestVerifyConvergesWithWebhookDelivery(t *testing.T) {
	v, store := newTestVerifier(t, paidSession("cs_conv_1", "u_conv_1"), nil)

	// The webhook delivery lands first with the same derived event ID.
	webhookEv := reconcile.PurchaseCompleted{
		ID:           CheckoutEventID("cs_conv_1"),
		UserID:       "u_conv_1",
		CustomerID:   "cus_vf_1",
		WantsFounder: true,
	}
	_, err := v.reconciler.Apply(context.Background(), webhookEv)
	require.NoError(t, err)

	// Verification of the same session deduplicates instead of double-applying.
	result, err := v.VerifySession(context.Background(), "cs_conv_1")
	require.NoError(t, err)
	require.Equal(t, VerifyStatusPaid, result.Status)
	require.True(t, result.IsPremium)
	require.True(t, result.IsFounder)
	require.Equal(t, 1, result.SlotNumber)

	claims, err := store.ListSlotClaims(context.Background())
	require.NoError(t, err)
	require.Len(t, claims, 1)
	counter, err := store.GetSlotCounter(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counter.ClaimedSlots)
}

func TestVerifySessionPendingPayment(t *testing.T) {
	session := paidSession("cs_pend_1", "u_pend_1")
	session.PaymentStatus = stripelib.CheckoutSessionPaymentStatusUnpaid
	v, store := newTestVerifier(t, session, nil)

	result, err := v.VerifySession(context.Background(), "cs_pend_1")
	require.NoError(t, err)
	require.Equal(t, VerifyStatusPending, result.Status)
	require.False(t, result.IsPremium)

	e, err := store.GetEntitlement(context.Background(), "u_pend_1")
	require.NoError(t, err)
	require.Nil(t, e, "pending session must not write the ledger")
}

func TestVerifySessionExpired(t *testing.T) {
	session := paidSession("cs_exp_1", "u_exp_1")
	session.Status = stripelib.CheckoutSessionStatusExpired
	v, _ := newTestVerifier(t, session, nil)

	result, err := v.VerifySession(context.Background(), "cs_exp_1")
	require.NoError(t, err)
	require.Equal(t, VerifyStatusExpired, result.Status)
}

func TestVerifySessionNotFound(t *testing.T) {
	v, _ := newTestVerifier(t, nil, errors.New("no such session"))

	_, err := v.VerifySession(context.Background(), "cs_missing_1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHandleVerifyHTTP(t *testing.T) {
	v, _ := newTestVerifier(t, paidSession("cs_http_1", "u_http_1"), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/checkout/verify",
		newJSONBody(t, verifyRequest{SessionID: "cs_http_1"}))
	rec := httptest.NewRecorder()
	v.HandleVerify(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"status":"paid"`)

	// Missing session ID.
	req = httptest.NewRequest(http.MethodPost, "/api/billing/checkout/verify",
		newJSONBody(t, verifyRequest{}))
	rec = httptest.NewRecorder()
	v.HandleVerify(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Wrong method.
	req = httptest.NewRequest(http.MethodGet, "/api/billing/checkout/verify", nil)
	rec = httptest.NewRecorder()
	v.HandleVerify(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
