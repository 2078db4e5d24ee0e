package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))

	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	r.Get("/health", h.Health)
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	// Request/response endpoints get a hard latency bound; the SSE stream
	// stays outside it.
	r.Group(func(r chi.Router) {
		r.Use(m.Timeout(15 * time.Second))

		r.Route("/deposits", func(r chi.Router) {
			r.Get("/native/wallet", h.DepositWallet)
			r.Get("/native/{addr}", h.Balance)
		})

		r.Route("/withdrawals", func(r chi.Router) {
			r.Post("/native", h.Withdraw)
			r.Get("/pending", h.PendingWithdrawals)
		})

		r.Post("/claim", h.Claim)
		r.Post("/swap", h.Swap)

		r.Get("/history/{evm}/{native}", h.History)
	})

	r.Get("/events/{native}", h.Events)

	return r
}
