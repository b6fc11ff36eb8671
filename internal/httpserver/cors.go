package httpserver

import (
	"net/http"
	"strings"

	"github.com/playtalk-labs/voicegate/internal/origin"
)

// corsMiddleware applies the origin allow-list to every route. Browser
// clients embed the gateway from arbitrary pages, so the default config
// ships a wildcard list; deployments tighten it via ALLOWED_ORIGINS.
func (s *Server) corsMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			originHeader := strings.TrimSpace(r.Header.Get("Origin"))
			if originHeader == "" {
				// Same-origin and non-browser clients skip CORS entirely.
				next.ServeHTTP(w, r)
				return
			}

			normalized, ok := origin.Normalize(originHeader)
			if !ok || !origin.Allowed(normalized, r.Host, s.cfg.AllowedOrigins) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			// Echo the normalized origin rather than "*" so credentialed
			// requests keep working under a wildcard allow-list.
			w.Header().Set("Access-Control-Allow-Origin", normalized)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
