package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(m.Compress)
	r.Use(m.Timeout(15 * time.Second))
	r.Use(middleware.Heartbeat("/ping"))

	// CORS and rate limiting - configured from main
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		// Liquidity requests
		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.CreateRequest)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRequest)
				r.Get("/owner", h.GetRequestOwner)
				r.Post("/deposit", h.DepositPaired)
				r.Post("/execute", h.ExecuteRequest)
				r.Post("/retry-lock", h.RetryLock)
			})
		})

		// Account views
		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Get("/balances", h.GetAccountBalances)
			r.Get("/requests", h.GetAccountRequests)
		})

		// Withdrawals
		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/bridged", h.WithdrawBridged)
			r.Post("/paired", h.WithdrawPaired)
		})

		// Pool views
		r.Get("/pool/reserves", h.GetPoolReserves)
		r.Get("/preview", h.GetPreview)

		// Share locks
		r.Get("/locks/{id}", h.GetLock)

		// Operator controls
		r.Route("/admin", func(r chi.Router) {
			r.Get("/state", h.GetGuardState)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Put("/min-withdrawal", h.SetMinWithdrawal)
			r.Post("/finalize/{id}", h.FinalizeTransfer)
		})

		// Live updates
		r.Get("/stream", h.HandleSSE)
		r.Get("/ws", h.HandleWebSocket)
	})

	return r
}
