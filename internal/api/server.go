package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/vizreview/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter, requestsPerHour int, trustProxy bool) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Endpoints that launch browsers or crawl are rate limited
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	rateLimitedAPI.Use(RateLimitMiddleware(rateLimiter, requestsPerHour, trustProxy))

	rateLimitedAPI.HandleFunc("/reviews", h.StartReview).Methods("POST", "OPTIONS")
	rateLimitedAPI.HandleFunc("/reviews/stream", h.StreamReview).Methods("GET")
	rateLimitedAPI.HandleFunc("/discover", h.Discover).Methods("POST", "OPTIONS")
	rateLimitedAPI.HandleFunc("/sessions/{id}/poll", h.RunPollCycle).Methods("POST", "OPTIONS")

	// Reads and session control (not rate limited)
	api.HandleFunc("/reports", h.ListReports).Methods("GET")
	api.HandleFunc("/reports/{id}", h.GetReport).Methods("GET")
	api.HandleFunc("/reports/{id}/archive", h.GetArchive).Methods("GET")
	api.HandleFunc("/reports/{id}/screenshots/{name}", h.GetScreenshot).Methods("GET")

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/sessions/{id}/polling", h.EnablePolling).Methods("PUT", "OPTIONS")
	api.HandleFunc("/sessions/{id}/polling", h.DisablePolling).Methods("DELETE")

	r.Use(corsMiddleware)
	r.Use(loggingMiddleware(h.logger))

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
