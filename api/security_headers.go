package api

import (
	"net/http"
	"strings"
)

// hstsValue is sent once the gateway knows the client connected over TLS.
const hstsValue = "max-age=63072000; includeSubDomains"

// SecurityHeaders hardens the JSON responses the gateway writes itself.
// Proxied homeserver responses keep their own headers. Challenges carry
// session ids, so nothing here may be cached.
func (a *API) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		h.Add("Vary", "Authorization")
		if a.requestIsSecure(r) {
			h.Set("Strict-Transport-Security", hstsValue)
		}
		next.ServeHTTP(w, r)
	})
}

// requestIsSecure reports whether the client reached the gateway over TLS.
// Forwarded protocol headers count only when the peer is a trusted proxy.
func (a *API) requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if !fromTrustedProxy(remoteIP, a.trustedProxies) {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
		return true
	}
	for _, elem := range strings.Split(r.Header.Get("Forwarded"), ",") {
		for _, param := range strings.Split(elem, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.EqualFold(k, "proto") && strings.EqualFold(strings.Trim(v, `"`), "https") {
				return true
			}
		}
	}
	return false
}
