package httpserver

import (
	"net/http"
	"strings"

	"github.com/whisperwire/whisperwire-relay/internal/origin"
)

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalized, _, ok := origin.Normalize(originHeader)
		if !ok || !s.origins.Admit(originHeader, r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// CORS headers are only needed when the browser sends an Origin header.
		// Same-origin requests don't require them, but setting them makes it
		// possible to serve the frontend from a separate origin in development.
		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		// Basic preflight support. The per-route handler doesn't run for
		// preflight requests.
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
