package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/uiagate/checker"
	"github.com/jmcleod/uiagate/uia"
)

// AppStoreNotifier applies verified App Store Server Notifications.
type AppStoreNotifier interface {
	HandleNotification(ctx context.Context, signedPayload string) error
}

// WithAppStoreNotifications accepts App Store Server Notifications V2 at
// /_swiclops/subscriptions/apple/{version}/notify.
func WithAppStoreNotifications(n AppStoreNotifier) Option {
	return func(a *API) { a.appStore = n }
}

// AppStoreNotification receives a ResponseBodyV2 from the App Store.
func (a *API) AppStoreNotification(w http.ResponseWriter, r *http.Request) {
	if a.appStore == nil {
		writeError(w, http.StatusNotFound, uia.CodeUnrecognized, "App Store notifications are not enabled")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var signed string
	if raw, found := body["signedPayload"]; !found || json.Unmarshal(raw, &signed) != nil || signed == "" {
		writeError(w, http.StatusBadRequest, uia.CodeBadJSON, "signedPayload is required")
		return
	}

	err := a.appStore.HandleNotification(r.Context(), signed)
	if errors.Is(err, checker.ErrUnsupportedNotification) {
		a.audit.log(AuditAppStoreNotification, r, slog.String("version", chi.URLParam(r, "version")), slog.String("outcome", "unsupported"))
		writeError(w, http.StatusNotImplemented, uia.CodeUnrecognized, "notification type not supported")
		return
	}
	if err != nil {
		a.audit.log(AuditAppStoreNotification, r, slog.String("version", chi.URLParam(r, "version")), slog.String("outcome", "rejected"))
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditAppStoreNotification, r, slog.String("version", chi.URLParam(r, "version")), slog.String("outcome", "applied"))
	writeJSON(w, http.StatusOK, struct{}{})
}
