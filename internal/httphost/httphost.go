// Package httphost assembles the single shared chi router both HTTP
// consumer transports (SSE, streamable) register their routes on, plus the
// CORS and Origin/Accept/protocol-version validation middleware every route
// needs (SPEC_FULL.md §4.7.3). Grounded on the retrieved pack's chi usage
// (kadirpekel-hector's pkg/transport, the only chi-based HTTP server in the
// pack) for the router/middleware shape, and on go-chi/cors directly for
// the CORS layer since the teacher serves no consumer-facing HTTP itself.
package httphost

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/edgerun/edgerund/internal/edgeerr"
)

// Config controls the validation middleware's behavior (SPEC_FULL.md §6.3).
type Config struct {
	// AllowedOrigins is the DNS-rebinding-defense allowlist. Empty means
	// "accept only loopback", the default policy.
	AllowedOrigins []string
	// PreventDNSRebinding turns on Origin enforcement at all.
	PreventDNSRebinding bool
	// StrictAcceptHeader requires application/json on POST /messages.
	StrictAcceptHeader bool
}

// New builds the shared router with CORS and validation middleware
// installed. Transport packages register their own routes via chi's Route
// method on the returned router.
func New(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"mcp-session-id"},
		AllowCredentials: false,
	}))
	r.Use(originMiddleware(cfg))
	r.Use(protocolVersionMiddleware)
	if cfg.StrictAcceptHeader {
		r.Use(func(next http.Handler) http.Handler {
			strict := RequireAccept("application/json")(next)
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if req.Method == http.MethodPost && req.URL.Path == "/messages" {
					strict.ServeHTTP(w, req)
					return
				}
				next.ServeHTTP(w, req)
			})
		})
	}
	return r
}

// originMiddleware enforces the DNS-rebinding-defense Origin allowlist
// (SPEC_FULL.md §4.7.3). Disabled entirely unless cfg.PreventDNSRebinding.
func originMiddleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !cfg.PreventDNSRebinding {
				next.ServeHTTP(w, req)
				return
			}
			origin := req.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, req)
				return
			}
			if !originAllowed(origin, cfg.AllowedOrigins) {
				WriteError(w, http.StatusForbidden, edgeerr.MakeOriginRefused(fmt.Errorf("origin %q is not allowed", origin)))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func originAllowed(origin string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return isLoopbackOrigin(origin)
	}
	for _, allowed := range allowlist {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// SupportedProtocolVersions mirrors session.SupportsProtocolVersion's pair
// without importing internal/session, avoiding a dependency cycle (session
// does not need to know about HTTP).
var SupportedProtocolVersions = map[string]struct{}{
	"":           {},
	"2025-03-26": {},
	"2024-11-05": {},
}

const protocolVersionHeader = "mcp-protocol-version"

// protocolVersionMiddleware enforces the mcp-protocol-version header rule
// (SPEC_FULL.md §4.7.3): absent means legacy, present-and-unsupported is a
// 400.
func protocolVersionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		v := req.Header.Get(protocolVersionHeader)
		if _, ok := SupportedProtocolVersions[v]; !ok {
			WriteError(w, http.StatusBadRequest, edgeerr.MakeProtocolUnsupported(fmt.Errorf("unsupported %s %q", protocolVersionHeader, v)))
			return
		}
		next.ServeHTTP(w, req)
	})
}

// RequireAccept returns middleware that 406s a request whose Accept header
// doesn't contain any of want.
func RequireAccept(want ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			accept := req.Header.Get("Accept")
			for _, w2 := range want {
				if strings.Contains(accept, w2) {
					next.ServeHTTP(w, req)
					return
				}
			}
			WriteError(w, http.StatusNotAcceptable, edgeerr.MakeNotAcceptable(fmt.Errorf("Accept %q does not include any of %v", accept, want)))
		})
	}
}

// WriteError writes a JSON error body with the given HTTP status.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + jsonEscape(err.Error()) + `"}`))
}

func jsonEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
