package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/voicelink/pkg/logger"
)

// NewRouter builds the HTTP router for the server
func NewRouter(h *Handler, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log.Named("http")))
	r.Use(corsMiddleware(h.config.Server.CORSAllowedOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.GetHealth)

		r.Route("/session", func(r chi.Router) {
			r.Post("/connect", h.ConnectSession)
			r.Post("/disconnect", h.DisconnectSession)
			r.Post("/interrupt", h.InterruptSession)
			r.Get("/status", h.GetSessionStatus)
		})

		r.Get("/loudness", h.GetLoudness)

		r.Route("/transcript", func(r chi.Router) {
			r.Get("/", h.GetTranscript)
			r.Get("/export", h.ExportTranscript)
			r.Get("/stored", h.GetStoredTranscript)
		})
	})

	r.Get("/ws", h.HandleWebSocket)

	if h.config.Server.StaticFilesDir != "" {
		staticHandler := NewStaticFileHandler(h.config.Server.StaticFilesDir, log)
		r.NotFound(staticHandler.ServeHTTP)
	}

	return r
}

// requestLogger logs each request with its duration at debug level
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("Request handled",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", ww.Status()),
				logger.Duration("duration", time.Since(start)))
		})
	}
}

// corsMiddleware applies the configured allowed origins
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool)
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
