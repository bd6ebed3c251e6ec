package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/llm-router/internal/auth"
)

// NewRouter builds the HTTP route table. authMiddleware may be nil, in which case the /v1
// routes are open.
func NewRouter(h *Handler, authMiddleware auth.Middleware, logger logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "llm-router"})
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware)
		}
		r.Post("/v1/chat/completions", h.HandleComplete)
		r.Get("/v1/providers", h.HandleProviders)
		r.Post("/v1/providers/{name}/test", h.HandleTestProvider)
		r.Get("/v1/metrics", h.HandleMetrics)
		r.Get("/v1/usage", h.HandleUsage)
	})

	return r
}

func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  auth.GetRequestID(r.Context()),
				"remote":      r.RemoteAddr,
			}).Info("request")
		})
	}
}
