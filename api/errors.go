package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/uiagate/homeserver"
	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errcode, msg string) {
	writeJSON(w, status, ErrorResponse{Errcode: errcode, Error: msg})
}

// writeChallenge sends a UIA challenge. Clients expect empty lists rather
// than nulls.
func writeChallenge(w http.ResponseWriter, ch *uia.Challenge) {
	if ch.Completed == nil {
		ch.Completed = []string{}
	}
	if ch.Params == nil {
		ch.Params = map[string]map[string]any{}
	}
	writeJSON(w, http.StatusUnauthorized, ch)
}

// mapError translates an error from the UIA engine, a store or the
// homeserver client into a Matrix error response. Causes of server-side
// failures are logged, never sent. A classified *uia.Error decides the
// response even when it wraps a storage or homeserver sentinel.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var uiaErr *uia.Error
	var hsErr *homeserver.Error
	switch {
	case errors.As(err, &uiaErr):
	case errors.As(err, &hsErr):
		code := hsErr.Errcode
		if code == "" {
			code = uia.CodeUnknown
		}
		writeError(w, hsErr.StatusCode, code, hsErr.Message)
		return
	case errors.Is(err, homeserver.ErrUnknownToken):
		writeError(w, http.StatusUnauthorized, uia.CodeUnknownToken, "Unrecognised access token")
		return
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, uia.CodeNotFound, "not found")
		return
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, "already exists")
		return
	}

	e := uia.AsError(err)
	switch e.Kind {
	case uia.KindConfig, uia.KindInternal, uia.KindUpstream:
		a.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", e.Kind.String(), "error", err)
	default:
		a.logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "kind", e.Kind.String(), "error", err)
	}
	writeError(w, e.Status, e.Code, e.Message)
}

// upstreamError answers for a homeserver call that failed outright.
func (a *API) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var hsErr *homeserver.Error
	if errors.As(err, &hsErr) || errors.Is(err, homeserver.ErrUnknownToken) {
		a.mapError(w, r, err)
		return
	}
	a.mapError(w, r, uia.UpstreamFailure(err))
}

func logHookError(logger *slog.Logger, r *http.Request, err error) {
	if err != nil {
		logger.ErrorContext(r.Context(), "post-authentication hooks failed", "path", r.URL.Path, "error", err)
	}
}
