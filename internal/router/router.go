package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inaiurai/credits/internal/auth"
	"github.com/inaiurai/credits/internal/handlers"
	"github.com/inaiurai/credits/internal/middleware"
)

// Pinger reports datastore health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Tokens     middleware.TokenValidator
	Credits    *handlers.CreditHandler
	Billing    *handlers.BillingHandler
	Affiliates *handlers.AffiliateHandler
	Webhook    http.Handler
	DB         Pinger
	Logger     *slog.Logger
}

// New returns an http.Handler serving the /v1 API, the Stripe webhook, /metrics and /healthz.
// Middleware chain: BearerAuth -> role -> scope -> handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	authn := middleware.BearerAuth(d.Tokens)
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(middleware.RequireRole(auth.RoleAdmin)(h))
	}
	workspace := func(h http.HandlerFunc, roles ...string) http.Handler {
		return authn(middleware.RequireRole(roles...)(middleware.RequireWorkspace(h)))
	}
	affiliate := func(h http.HandlerFunc) http.Handler {
		return authn(middleware.RequireRole(auth.RoleAdmin, auth.RoleAffiliate)(middleware.RequireAffiliate(h)))
	}

	// Workspaces
	mux.Handle("GET /v1/workspaces/{id}/balance", workspace(d.Credits.GetBalance, auth.RoleAdmin, auth.RoleMember, auth.RoleService))
	mux.Handle("GET /v1/workspaces/{id}/ledger", workspace(d.Credits.ListLedger, auth.RoleAdmin, auth.RoleMember))
	mux.Handle("POST /v1/workspaces/{id}/usage", workspace(d.Credits.RecordUsage, auth.RoleService))

	// Affiliates
	mux.Handle("GET /v1/affiliates/{id}", affiliate(d.Affiliates.GetAffiliate))
	mux.Handle("POST /v1/affiliates/{id}/payouts", affiliate(d.Affiliates.RequestPayout))

	// Admin
	mux.Handle("POST /v1/admin/workspaces/{id}/adjustments", admin(d.Credits.Adjust))
	mux.Handle("POST /v1/admin/refunds", admin(d.Billing.IssueRefund))
	mux.Handle("POST /v1/admin/subscriptions/{id}/cancel", admin(d.Billing.CancelSubscription))
	mux.Handle("POST /v1/admin/subscriptions/{id}/reactivate", admin(d.Billing.ReactivateSubscription))
	mux.Handle("POST /v1/admin/payouts/{id}/approve", admin(d.Affiliates.ApprovePayout))
	mux.Handle("POST /v1/admin/payouts/{id}/reject", admin(d.Affiliates.RejectPayout))
	mux.Handle("POST /v1/admin/payouts/{id}/process", admin(d.Affiliates.ProcessPayout))
	mux.Handle("GET /v1/admin/clawbacks", admin(d.Affiliates.ListClawbacks))

	// Processor callbacks authenticate by signature, not bearer token.
	mux.Handle("/v1/webhooks/stripe", d.Webhook)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", healthz(d.DB, d.Logger))

	return mux
}

func healthz(db Pinger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				if log != nil {
					log.Warn("health check failed", "error", err)
				}
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	}
}
