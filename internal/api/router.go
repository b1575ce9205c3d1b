/**
 * @description
 * This file sets up the HTTP router for the escrow-service. It defines the API endpoints
 * used by the bot and web front-ends, associates them with their handlers and applies the
 * middleware stack (request logging, panic recovery, timeouts, metrics, authentication).
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - internal/metrics: request counters and latency histograms.
 */

package api

import (
	"net/http"
	"time"

	"github.com/cryptopay/escrow-service/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// EscrowRoutes creates and returns a new router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, auth func(http.Handler) http.Handler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(MetricsMiddleware(m))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)

		r.Get("/me/balance", h.GetBalanceHandler)
		r.Get("/me/transactions", h.ListTransactionsHandler)
		r.Post("/me/wallet", h.ProvisionWalletHandler)
		r.Put("/admin/users/{id}/wallet", h.AssignWalletHandler)

		r.Post("/payments", h.OpenPaymentHandler)
		r.Get("/payments/pending", h.ListPendingPaymentsHandler)
		r.Route("/payments/{id}", func(r chi.Router) {
			r.Get("/", h.GetPaymentHandler)
			r.Post("/claim", h.ClaimPaymentHandler)
			r.Post("/worker-confirm", h.WorkerConfirmHandler)
			r.Post("/worker-error", h.WorkerErrorHandler)
			r.Post("/confirm", h.UserConfirmHandler)
			r.Post("/reject", h.UserRejectHandler)
			r.Post("/cancel", h.AdminCancelHandler)
			r.Post("/resolve", h.ResolveSettlementHandler)
		})

		r.Post("/withdrawals", h.CreateWithdrawalHandler)
		r.Get("/withdrawals/pending", h.ListPendingWithdrawalsHandler)
		r.Post("/withdrawals/{id}/resolve", h.ResolveWithdrawalHandler)
		r.Get("/withdrawals/unverified", h.ListUnverifiedWithdrawalsHandler)
		r.Post("/withdrawals/{id}/reconcile", h.ReconcileWithdrawalHandler)

		r.Get("/workers/me/stats", h.WorkerStatsHandler)
		r.Get("/workers/top", h.TopWorkersHandler)

		r.Post("/test/deposits", h.TestDepositHandler)
		r.Delete("/test/balance", h.ResetTestBalanceHandler)
	})

	return r
}
