package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// AuthOptions relaxes the API key check.
type AuthOptions struct {
	// Public paths never need a key (health, metrics).
	Public []string
	// PublicReads lets GET and HEAD through without a key, so dashboards
	// can read status while bets and resets stay protected.
	PublicReads bool
}

// Auth requires apiKey as a Bearer token or in the X-API-Key header. An
// empty apiKey disables the check. Preflight requests always pass.
func Auth(apiKey string, opts AuthOptions) func(http.Handler) http.Handler {
	public := make(map[string]bool, len(opts.Public))
	for _, p := range opts.Public {
		public[p] = true
	}
	exempt := func(r *http.Request) bool {
		switch {
		case apiKey == "", r.Method == http.MethodOptions, public[r.URL.Path]:
			return true
		case opts.PublicReads:
			return r.Method == http.MethodGet || r.Method == http.MethodHead
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt(r) {
				next.ServeHTTP(w, r)
				return
			}

			token := requestToken(r)
			switch {
			case token == "":
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing API key")
			case subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1:
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// requestToken returns the Bearer token, else the X-API-Key header.
func requestToken(r *http.Request) string {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// writeJSONError writes the API's standard error body.
func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": msg})
}
