package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const version = "0.3.0"

// Router builds the HTTP surface. Actor routes expect identity
// headers from the platform gateway; automation routes expect the
// shared sweep token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(&s.logger))

	// Dev CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "version": version})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireActor)
			r.Post("/changes", s.handleCreateChange)
			r.Get("/changes", s.handleListChanges)
			r.Get("/changes/{id}", s.handleGetChange)
			r.Post("/changes/{id}/approval", s.handleRequestApproval)
			r.Put("/changes/{id}/approval", s.handleDecideApproval)
			r.Post("/changes/{id}/completion", s.handleReportCompletion)
			r.Get("/changes/{id}/completion", s.handleGetCompletion)
			r.Get("/notifications", s.handleListNotifications)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSweepToken(s.cfg.SweepToken))
			r.Post("/automation/sweep", s.handleSweep)
			r.Get("/automation/status", s.handleAutomationStatus)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
