// Package httpx holds the gateway's shared HTTP plumbing: hardened response
// headers, CORS allowlisting, JSON envelopes and the retrying JSON client the
// oracle transport builds on.
package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Referrer-Policy":           "no-referrer",
	"Permissions-Policy":        "geolocation=(), camera=(), microphone=()",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'; base-uri 'none'",
	"Strict-Transport-Security": "max-age=63072000; includeSubDomains; preload",
	"Cache-Control":             "no-store",
}

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range securityHeaders {
			h.Set(name, value)
		}
		next.ServeHTTP(w, r)
	})
}

// originPolicy is the parsed form of the comma-separated allowlist.
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
}

func parseOriginPolicy(allowedOrigins string) originPolicy {
	p := originPolicy{allowed: map[string]struct{}{}}
	for _, part := range strings.Split(allowedOrigins, ",") {
		switch origin := strings.TrimSpace(part); origin {
		case "":
		case "*":
			p.allowAll = true
		default:
			p.allowed[origin] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if p.allowAll {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

// CORSMiddleware enforces an explicit origin allowlist from comma-separated
// origins. Disallowed preflights get a 403; disallowed simple requests pass
// through without CORS headers so the browser blocks the response.
func CORSMiddleware(allowedOrigins string) func(http.Handler) http.Handler {
	policy := parseOriginPolicy(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !policy.allows(origin) {
				if isPreflight(r) {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
			if reqHeaders == "" {
				reqHeaders = "Authorization,Content-Type,X-Requested-With"
			}
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			h.Set("Access-Control-Max-Age", "600")
			if isPreflight(r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the gateway's JSON error envelope.
func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]interface{}{"error": msg})
}
