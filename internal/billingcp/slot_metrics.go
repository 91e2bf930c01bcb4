package billingcp

import (
	"context"
	"time"

	"github.com/repogym/repogym/internal/billingcp/bpmetrics"
	"github.com/repogym/repogym/internal/billingcp/ledger"
	"github.com/rs/zerolog/log"
)

const slotMetricsInterval = 30 * time.Second

func runSlotMetrics(ctx context.Context, store *ledger.Store) {
	ticker := time.NewTicker(slotMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for these gauges.
	updateSlotGauges(ctx, store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSlotGauges(ctx, store)
		}
	}
}

func updateSlotGauges(ctx context.Context, store *ledger.Store) {
	counter, err := store.GetSlotCounter(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update founder slot metrics")
		return
	}
	bpmetrics.SlotsTotal.Set(float64(counter.TotalSlots))
	bpmetrics.SlotsClaimed.Set(float64(counter.ClaimedSlots))
}
