package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

const adminPrefix = "/admin"

func newRouter(handlers *AdminHandlers, secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Liveness stays open so probes need no secret
	r.Get("/health", handlers.handleHealth)

	r.Route("/shards", func(r chi.Router) {
		r.Use(AuthMiddleware(secret))
		r.Get("/", handlers.handleListShards)
		r.Route("/{mdt}", func(r chi.Router) {
			r.Get("/", handlers.handleShard)
			r.Get("/failures", handlers.handleShardFailures)
		})
	})
	return r
}

// RegisterRoutes mounts the admin API under /admin on mux
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	mux.Handle(adminPrefix, http.RedirectHandler(adminPrefix+"/", http.StatusMovedPermanently))
	mux.Handle(adminPrefix+"/", http.StripPrefix(adminPrefix, newRouter(handlers, secret)))

	log.Info().Bool("auth", secret != "").Msg("Admin endpoints enabled at /admin/shards/*")
}
