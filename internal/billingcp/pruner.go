package billingcp

import (
	"context"
	"time"

	"github.com/repogym/repogym/internal/billingcp/bpmetrics"
	"github.com/repogym/repogym/internal/billingcp/ledger"
	"github.com/rs/zerolog/log"
)

const (
	pruneInterval  = 1 * time.Hour
	eventRetention = 30 * 24 * time.Hour
)

// EventPruner periodically removes processed-event markers older than the
// retention window. Stripe redelivers failed webhooks for days, not weeks,
// so markers past the window only grow the database.
type EventPruner struct {
	store *ledger.Store
}

// NewEventPruner creates an EventPruner.
func NewEventPruner(store *ledger.Store) *EventPruner {
	return &EventPruner{store: store}
}

// Run starts the pruning loop. It blocks until ctx is cancelled.
func (p *EventPruner) Run(ctx context.Context) {
	log.Info().Msg("Processed event pruner started")

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Processed event pruner stopped")
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *EventPruner) prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-eventRetention)
	pruned, err := p.store.PruneProcessedEvents(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Event pruner: failed to prune processed events")
		return
	}
	if pruned > 0 {
		bpmetrics.ProcessedEventsPruned.Add(float64(pruned))
		log.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("Pruned processed event markers")
	}
}
