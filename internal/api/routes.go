package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/claims", h.StartClaim)
		r.Post("/resume", h.Resume)
		r.Get("/reviews/pending", h.PendingReviews)
		r.Route("/claims/{claimId}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				h.GetClaim(w, r, chi.URLParam(r, "claimId"))
			})
			r.Get("/ledger", func(w http.ResponseWriter, r *http.Request) {
				h.GetLedger(w, r, chi.URLParam(r, "claimId"))
			})
			r.Post("/cancel", func(w http.ResponseWriter, r *http.Request) {
				h.CancelClaim(w, r, chi.URLParam(r, "claimId"))
			})
		})
	})

	return r
}
