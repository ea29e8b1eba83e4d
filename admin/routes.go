package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes mounts the admin API under /admin on mux.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(handlers.secret))

	r.Get("/coordinator", handlers.handleStatus)
	r.Get("/coordinator/ledger", handlers.handleLedger)
	r.Get("/coordinator/handoff", handlers.handleHandoff)
	r.Get("/mvcc/snapshot", handlers.handleSnapshot)

	if handlers.cluster != nil {
		r.Route("/cluster", func(r chi.Router) {
			r.Get("/members", handlers.cluster.HandleMembers)
			r.Post("/remove/{nodeID}", handlers.cluster.HandleRemove)
			r.Post("/allow/{nodeID}", handlers.cluster.HandleAllow)
		})
	}

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
