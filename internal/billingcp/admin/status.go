package admin

import (
	"encoding/json"
	"net/http"

	"github.com/repogym/repogym/internal/billingcp/bpmetrics"
	"github.com/repogym/repogym/internal/billingcp/ledger"
)

type statusResponse struct {
	Version        string                           `json:"version"`
	TotalUsers     int                              `json:"total_users"`
	Premium        int                              `json:"premium"`
	ByStatus       map[ledger.SubscriptionStatus]int `json:"by_status"`
	TotalSlots     int                              `json:"total_slots"`
	ClaimedSlots   int                              `json:"claimed_slots"`
	SlotsRemaining int                              `json:"slots_remaining"`
	SlotsActive    bool                             `json:"slots_active"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(store *ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate billing status.
func HandleStatus(store *ledger.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountEntitlementsByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		total := 0
		for _, c := range counts {
			total += c
		}
		premium := counts[ledger.StatusActive] + counts[ledger.StatusTrialing]

		counter, err := store.GetSlotCounter(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		bpmetrics.SlotsTotal.Set(float64(counter.TotalSlots))
		bpmetrics.SlotsClaimed.Set(float64(counter.ClaimedSlots))

		resp := statusResponse{
			Version:        version,
			TotalUsers:     total,
			Premium:        premium,
			ByStatus:       counts,
			TotalSlots:     counter.TotalSlots,
			ClaimedSlots:   counter.ClaimedSlots,
			SlotsRemaining: counter.Remaining(),
			SlotsActive:    counter.IsActive,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
