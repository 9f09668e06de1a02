package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"safety-aware-orchestrator/pkg/config"
	"safety-aware-orchestrator/pkg/handlers"
)

func NewHTTPServer(config *config.Config, handler *handlers.Handler, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      NewRouter(handler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func NewRouter(handler *handlers.Handler, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Dialogue and records
	router.HandleFunc("/threads/{id}/messages", handler.ThreadMessage).Methods("POST")
	router.HandleFunc("/users/{id}/mood", handler.LogMood).Methods("POST")
	router.HandleFunc("/users/{id}/mood", handler.MoodHistory).Methods("GET")
	router.HandleFunc("/users/{id}/notifications", handler.Notifications).Methods("GET")

	// Alerts
	router.HandleFunc("/users/{id}/alerts", handler.SendAlert).Methods("POST")
	router.HandleFunc("/integrations/status", handler.IntegrationsStatus).Methods("GET")

	// Live sessions
	router.HandleFunc("/sessions", handler.StartSession).Methods("POST")
	router.HandleFunc("/sessions", handler.Sessions).Methods("GET")
	router.HandleFunc("/sessions/{id}", handler.StopSession).Methods("DELETE")

	router.HandleFunc("/health", handler.Health).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Add logging middleware
	router.Use(loggingMiddleware(logger))

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			entry := logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("HTTP request failed")
				return
			}
			entry.Debug("HTTP request processed")
		})
	}
}
