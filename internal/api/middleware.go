package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// authMiddleware accepts the static API key or a signed actor token.
// API key holders are operators: privileged, actor taken from X-Actor.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" && s.config.JWTSecret == "" {
			// No auth configured, allow all
			actor := r.Header.Get("X-Actor")
			if actor == "" {
				actor = "anonymous"
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), Principal{Actor: actor})))
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if s.config.APIKey != "" && subtle.ConstantTimeCompare([]byte(auth), []byte(s.config.APIKey)) == 1 {
			actor := r.Header.Get("X-Actor")
			if actor == "" {
				actor = "api"
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), Principal{Actor: actor, Privileged: true})))
			return
		}

		if s.config.JWTSecret != "" && auth != "" {
			claims, err := ParseToken(s.config.JWTSecret, auth)
			if err == nil {
				p := Principal{Actor: claims.Subject, Privileged: claims.Privileged}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
				return
			}
			s.logger.Debug("rejected actor token", "error", err)
		}

		s.logger.Warn("unauthorized API request",
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path,
		)
		s.sendError(w, http.StatusUnauthorized, "Unauthorized")
	})
}
