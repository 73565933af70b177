package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/rating-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware системы рейтинга.
func (h *Handler) SetupRouter(adminAuth *custommiddleware.AdminAuth) *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", h.RegisterUser)
		r.Get("/users/{userID}/score", h.GetScore)
		r.Get("/users/{userID}/rank", h.GetRank)
		r.Get("/users/{userID}/history", h.GetHistory)
		r.Get("/users/{userID}/referral", h.GetReferralInfo)
		r.Get("/users/{userID}/subscription", h.GetSubscriptionStatus)
		r.Post("/users/{userID}/subscription/refresh", h.RefreshSubscription)

		r.Post("/referrals/claim", h.ClaimReferral)
		r.Get("/leaderboard", h.GetLeaderboard)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth.Middleware)

			r.Post("/credits", h.Credit)
			r.Post("/orders", h.RecordOrder)
			r.Post("/orders/{orderID}/retry", h.RetryOrder)
			r.Get("/export", h.Export)
			r.Post("/resync", h.Resync)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
