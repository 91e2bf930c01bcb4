package billingcp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/repogym/repogym/internal/billingcp/ledger"
	"github.com/repogym/repogym/internal/billingcp/reconcile"
	"github.com/repogym/repogym/internal/billingcp/slots"
	rgstripe "github.com/repogym/repogym/internal/billingcp/stripe"
	"github.com/repogym/repogym/internal/logging"
	"github.com/rs/zerolog/log"
)

// Run starts the billing control plane HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billing",
	})

	log.Info().Str("version", version).Msg("Starting RepoGym billing control plane")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.BillingDir(), 0o755); err != nil {
		return fmt.Errorf("create billing dir: %w", err)
	}

	store, err := ledger.New(cfg.BillingDir(), ledger.SlotConfig{
		TotalSlots: cfg.FounderTotalSlots,
		Active:     cfg.FounderSlotsActive,
	})
	if err != nil {
		return fmt.Errorf("open billing ledger: %w", err)
	}
	defer store.Close()

	// Customer lookups fall back to the Stripe API only when a key is set;
	// the local ledger mapping covers customers seen via checkout.
	var resolver reconcile.CustomerResolver
	if cfg.StripeAPIKey != "" {
		resolver = rgstripe.NewCustomerResolver()
	}
	reconciler := reconcile.New(store, slots.NewAllocator(store), resolver)

	var verifier *rgstripe.SessionVerifier
	if cfg.StripeAPIKey != "" {
		verifier = rgstripe.NewSessionVerifier(cfg.StripeAPIKey, reconciler)
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set; checkout verification endpoint disabled")
	}

	mux := http.NewServeMux()
	deps := &Deps{
		Config:     cfg,
		Store:      store,
		Reconciler: reconciler,
		Verifier:   verifier,
		Version:    version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start processed event pruner
	pruner := NewEventPruner(store)
	go pruner.Run(ctx)

	// Start metrics updater
	go runSlotMetrics(ctx, store)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Billing control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billing control plane stopped")
	return nil
}
