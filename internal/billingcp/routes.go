package billingcp

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/repogym/repogym/internal/billingcp/admin"
	"github.com/repogym/repogym/internal/billingcp/ledger"
	"github.com/repogym/repogym/internal/billingcp/reconcile"
	rgstripe "github.com/repogym/repogym/internal/billingcp/stripe"
	"github.com/repogym/repogym/internal/logging"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *Config
	Store      *ledger.Store
	Reconciler *reconcile.Reconciler
	Verifier   *rgstripe.SessionVerifier // nil when no Stripe API key is configured
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Store))

	// Status and metrics are private by default.
	statusHandler := http.HandlerFunc(admin.HandleStatus(deps.Store, deps.Version))
	if deps.Config.PublicStatus {
		mux.Handle("/status", statusHandler)
	} else {
		mux.Handle("/status", adminAuth(statusHandler))
	}

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	webhookHandler := rgstripe.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Reconciler)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/billing/webhook", withRequestID(webhookLimiter.Middleware(webhookHandler)))

	// Checkout verification fallback (client-initiated, rate limited)
	if deps.Verifier != nil {
		verifyLimiter := NewRateLimiter(30, time.Minute)
		mux.Handle("/api/billing/checkout/verify", withRequestID(verifyLimiter.Middleware(http.HandlerFunc(deps.Verifier.HandleVerify))))
	}

	// Admin API (key-authenticated)
	mux.Handle("GET /admin/entitlements/{user_id}", adminAuth(admin.HandleGetEntitlement(deps.Store)))
	mux.Handle("/admin/slots", adminAuth(admin.HandleSlots(deps.Store)))
	mux.Handle("/admin/claims", adminAuth(admin.HandleListClaims(deps.Store)))
}

// withRequestID attaches a correlation ID to the request context and echoes
// it back, honoring an inbound X-Request-ID when present.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = logging.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}
