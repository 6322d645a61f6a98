package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/udp-fanout-relay/internal/origin"
)

// peersPreflightMaxAge is how long (seconds) a browser may cache a /peers
// preflight answer.
const peersPreflightMaxAge = "600"

// withOriginPolicy gates browser requests on the configured origin policy.
// Requests without an Origin header are not from a browser page and pass
// untouched. An allowed cross-origin dashboard gets CORS headers so it can
// poll /peers, and its preflight is answered here without reaching next.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Origin"))
		if header == "" {
			next(w, r)
			return
		}

		allowed, ok := origin.Allowed(header, r.Host, s.cfg.AllowedOrigins)
		if !ok {
			s.log.Debug("origin rejected", "path", r.URL.Path, "origin", header)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowed)
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		h.Add("Vary", "Origin")

		if isPreflight(r) {
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			if want := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); want != "" {
				h.Set("Access-Control-Allow-Headers", want)
			}
			h.Set("Access-Control-Max-Age", peersPreflightMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}
