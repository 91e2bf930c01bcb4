package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/repogym/repogym/internal/billingcp/ledger"
	"github.com/repogym/repogym/internal/billingcp/slots"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	mapping map[string]string
	err     error
	calls   int
}

func (s *stubResolver) ResolveUserID(ctx context.Context, customerID string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.mapping[customerID], nil
}

func newTestReconciler(t *testing.T, totalSlots int, resolver CustomerResolver) (*Reconciler, *ledger.Store) {
	t.Helper()
	store, err := ledger.New(t.TempDir(), ledger.SlotConfig{TotalSlots: totalSlots, Active: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store, slots.NewAllocator(store), resolver), store
}

func TestPurchaseGrantsPremiumAndFounder(t *testing.T) {
	r, store := newTestReconciler(t, 3, nil)
	ctx := context.Background()

	out, err := r.Apply(ctx, PurchaseCompleted{
		ID:             "session:cs_1:paid",
		UserID:         "u_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		WantsFounder:   true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, out.Status)
	require.NotNil(t, out.Claim)
	require.True(t, out.Claim.Granted)
	require.Equal(t, 1, out.Claim.SlotNumber)
	require.False(t, out.AllocatorDown)

	e, err := store.GetEntitlement(ctx, "u_1")
	require.NoError(t, err)
	require.True(t, e.IsPremium)
	require.True(t, e.IsFounder)
	require.Equal(t, ledger.StatusActive, e.SubscriptionStatus)
	require.Equal(t, "cus_1", e.StripeCustomerID)
	require.Equal(t, "sub_1", e.StripeSubscriptionID)
}

func TestPurchaseIdempotent(t *testing.T) {
	r, store := newTestReconciler(t, 3, nil)
	ctx := context.Background()

	ev := PurchaseCompleted{
		ID:           "session:cs_dup:paid",
		UserID:       "u_dup",
		CustomerID:   "cus_dup",
		WantsFounder: true,
	}

	first, err := r.Apply(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, first.Status)

	second, err := r.Apply(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyApplied, second.Status)
	require.NotNil(t, second.Claim)
	require.True(t, second.Claim.Granted)
	require.Equal(t, first.Claim.SlotNumber, second.Claim.SlotNumber)

	// Final record identical, exactly one claim.
	e1, err := store.GetEntitlement(ctx, "u_dup")
	require.NoError(t, err)
	require.True(t, e1.IsPremium)
	claims, err := store.ListSlotClaims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	counter, err := store.GetSlotCounter(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counter.ClaimedSlots)
}

func TestCancellationWinsOverStaleActive(t *testing.T) {
	r, store := newTestReconciler(t, 3, nil)
	ctx := context.Background()

	_, err := r.Apply(ctx, PurchaseCompleted{ID: "session:cs_c:paid", UserID: "u_c", CustomerID: "cus_c"})
	require.NoError(t, err)

	_, err = r.Apply(ctx, SubscriptionCanceled{ID: "evt_cancel", CustomerID: "cus_c", Seq: 200})
	require.NoError(t, err)

	// A stale "active" transition that was emitted before the cancellation
	// commits afterwards; the event clock rejects it.
	out, err := r.Apply(ctx, SubscriptionStatusChanged{ID: "evt_stale", CustomerID: "cus_c", Status: ledger.StatusActive, Seq: 150})
	require.NoError(t, err)
	require.Equal(t, StatusStale, out.Status)

	e, err := store.GetEntitlement(ctx, "u_c")
	require.NoError(t, err)
	require.False(t, e.IsPremium)
	require.Equal(t, ledger.StatusCanceled, e.SubscriptionStatus)

	// A genuinely newer transition (resubscription) still applies.
	out, err = r.Apply(ctx, SubscriptionStatusChanged{ID: "evt_resub", CustomerID: "cus_c", Status: ledger.StatusActive, Seq: 300})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, out.Status)
	e, err = store.GetEntitlement(ctx, "u_c")
	require.NoError(t, err)
	require.True(t, e.IsPremium)
}

func TestStatusChangedPremiumMapping(t *testing.T) {
	tests := []struct {
		status      ledger.SubscriptionStatus
		wantPremium bool
	}{
		{ledger.StatusActive, true},
		{ledger.StatusTrialing, true},
		{ledger.StatusPastDue, false},
		{ledger.StatusCanceled, false},
	}

	for i, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			r, store := newTestReconciler(t, 3, nil)
			ctx := context.Background()

			_, err := r.Apply(ctx, PurchaseCompleted{ID: "session:cs_m:paid", UserID: "u_m", CustomerID: "cus_m"})
			require.NoError(t, err)

			_, err = r.Apply(ctx, SubscriptionStatusChanged{
				ID:         fmt.Sprintf("evt_m_%d", i),
				CustomerID: "cus_m",
				Status:     tt.status,
				Seq:        int64(100 + i),
			})
			require.NoError(t, err)

			e, err := store.GetEntitlement(ctx, "u_m")
			require.NoError(t, err)
			require.Equal(t, tt.wantPremium, e.IsPremium)
			require.Equal(t, tt.status, e.SubscriptionStatus)
		})
	}
}

func TestUnresolvableUserDropsEvent(t *testing.T) {
	resolver := &stubResolver{mapping: map[string]string{}}
	r, store := newTestReconciler(t, 3, resolver)
	ctx := context.Background()

	_, err := r.Apply(ctx, SubscriptionCanceled{ID: "evt_orphan", CustomerID: "cus_nobody", Seq: 10})
	require.ErrorIs(t, err, ErrUnresolvableUser)

	// Nothing written: the event was dropped, not partially applied.
	_, seen, err := store.HasProcessedEvent(ctx, "evt_orphan")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestResolverRetriesBoundedOnError(t *testing.T) {
	resolver := &stubResolver{err: errors.New("provider unavailable")}
	r, _ := newTestReconciler(t, 3, resolver)
	ctx := context.Background()

	_, err := r.Apply(ctx, SubscriptionStatusChanged{ID: "evt_retry", CustomerID: "cus_down", Status: ledger.StatusActive, Seq: 1})
	require.ErrorIs(t, err, ErrUnresolvableUser)
	require.Equal(t, lookupRetryAttempts, resolver.calls)
}

func TestResolverUsesLocalMappingFirst(t *testing.T) {
	resolver := &stubResolver{mapping: map[string]string{}}
	r, store := newTestReconciler(t, 3, resolver)
	ctx := context.Background()

	_, err := r.Apply(ctx, PurchaseCompleted{ID: "session:cs_l:paid", UserID: "u_l", CustomerID: "cus_l"})
	require.NoError(t, err)

	_, err = r.Apply(ctx, SubscriptionStatusChanged{ID: "evt_l", CustomerID: "cus_l", Status: ledger.StatusPastDue, Seq: 5})
	require.NoError(t, err)
	require.Zero(t, resolver.calls, "local customer mapping should short-circuit the provider lookup")

	e, err := store.GetEntitlement(ctx, "u_l")
	require.NoError(t, err)
	require.False(t, e.IsPremium)
	require.Equal(t, ledger.StatusPastDue, e.SubscriptionStatus)
}

func TestSoldOutClaimKeepsPremium(t *testing.T) {
	r, store := newTestReconciler(t, 1, nil)
	ctx := context.Background()

	_, err := r.Apply(ctx, PurchaseCompleted{ID: "session:cs_a:paid", UserID: "u_a", WantsFounder: true})
	require.NoError(t, err)

	out, err := r.Apply(ctx, PurchaseCompleted{ID: "session:cs_b:paid", UserID: "u_b", WantsFounder: true})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, out.Status)
	require.NotNil(t, out.Claim)
	require.False(t, out.Claim.Granted)
	require.Equal(t, 0, out.Claim.SlotsRemaining)

	// Premium granted even though no slot was available.
	e, err := store.GetEntitlement(ctx, "u_b")
	require.NoError(t, err)
	require.True(t, e.IsPremium)
	require.False(t, e.IsFounder)
}
