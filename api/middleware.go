package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jmcleod/uiagate/homeserver"
	"github.com/jmcleod/uiagate/uia"
)

type contextKey int

const (
	userIDKey contextKey = iota
	accessTokenKey
)

// accessToken returns the token from the Authorization header or, failing
// that, the deprecated access_token query parameter.
func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// BearerAuth resolves the caller's access token through the homeserver and
// stores the user id on the request context.
func (a *API) BearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := accessToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, uia.CodeMissingToken, "Missing access token")
			return
		}
		userID, err := a.hs.Whoami(r.Context(), token)
		if err != nil {
			if errors.Is(err, homeserver.ErrUnknownToken) {
				writeError(w, http.StatusUnauthorized, uia.CodeUnknownToken, "Unrecognised access token")
				return
			}
			a.upstreamError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, accessTokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects callers the homeserver does not consider server
// admins. It must run after BearerAuth.
func (a *API) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFromContext(r.Context())
		token, _ := r.Context().Value(accessTokenKey).(string)
		if userID == "" || token == "" {
			writeError(w, http.StatusUnauthorized, uia.CodeMissingToken, "Missing access token")
			return
		}
		ok, err := a.hs.IsAdmin(r.Context(), token, userID)
		if err != nil {
			a.upstreamError(w, r, err)
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, uia.CodeForbidden, "You are not a server admin")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
