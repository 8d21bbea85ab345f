package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/edgectl/dispatcher/internal/api/handlers"
	"github.com/edgectl/dispatcher/internal/api/middleware"
)

// Version of the dispatcher service, reported by /version.
const Version = "1.0.0"

// NewRouter creates the HTTP router with the dispatch and table change
// routes. The verifier may be nil, which disables caller authentication;
// requireAuth is shared with the Security category handler so enforcement
// can be toggled at runtime.
func NewRouter(serviceName string, h *handlers.Handlers, verifier middleware.TokenVerifier, requireAuth *atomic.Bool) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if verifier != nil {
		r.Use(middleware.BearerAuth(verifier, requireAuth))
	}

	// Health & info
	r.Get("/health", healthHandler(serviceName))
	r.Get("/version", versionHandler(serviceName))

	r.Route("/dispatch", func(r chi.Router) {
		r.Post("/write", h.DispatchWrite)
		r.Post("/operation", h.DispatchOperation)

		// Category change callbacks from the core
		r.Post("/change", h.ConfigChange)

		// Table change notifications from the storage layer
		r.Route("/table", func(r chi.Router) {
			r.Post("/insert/{table}", h.TableInsert)
			r.Post("/update/{table}", h.TableUpdate)
			r.Post("/delete/{table}", h.TableDelete)
		})
	})

	return r
}

func healthHandler(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": serviceName,
		})
	}
}

func versionHandler(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": Version,
			"service": serviceName,
		})
	}
}
