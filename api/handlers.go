package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmcleod/uiagate/checker"
	"github.com/jmcleod/uiagate/homeserver"
	"github.com/jmcleod/uiagate/uia"
)

const legacyPasswordLogin = "m.login.password"

func (a *API) endpoint(r *http.Request) uia.Endpoint {
	ep, _ := matrixEndpoint(r.Method, r.URL.Path)
	return ep
}

// LoginFlows lists the UIA flows for POST /login followed by the legacy
// password flow.
func (a *API) LoginFlows(w http.ResponseWriter, r *http.Request) {
	flows := []any{}
	if a.orch != nil {
		for _, f := range a.orch.Flows(uia.Endpoint{Method: http.MethodPost, Path: "/login"}) {
			flows = append(flows, f)
		}
	}
	flows = append(flows, LegacyLoginFlow{Type: legacyPasswordLogin})
	writeJSON(w, http.StatusOK, LoginFlowsResponse{Flows: flows})
}

// Login authenticates the user through UIA, then logs them in at the
// homeserver with a shared-secret login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if token := accessToken(r); token != "" {
		if _, err := a.hs.Whoami(r.Context(), token); err == nil {
			writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, "Can't /login if you already have an access_token")
			return
		}
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, ok := a.guard(w, r, a.endpoint(r), body, "")
	if !ok {
		return
	}
	userID := req.KnownUserID()
	if userID == "" {
		writeError(w, http.StatusForbidden, uia.CodeForbidden, "authentication did not identify a user")
		return
	}

	header := r.Header.Clone()
	header.Del("Authorization")
	resp, err := a.hs.Login(r.Context(), r.URL.Path, userID, req.Body, header)
	if err != nil {
		a.upstreamError(w, r, err)
		return
	}
	if resp.OK() {
		logHookError(a.logger, r, a.orch.Complete(r.Context(), req, userID))
		a.audit.logEvent(AuditLogin, r, userID)
	}
	resp.Relay(w)
}

// Register creates the account claimed during UIA through the homeserver's
// shared-secret registration API.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	if kind := r.URL.Query().Get("kind"); kind != "" && kind != "user" {
		writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, "Guest registration not supported")
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in RegisterRequest
	if raw, err := json.Marshal(stripAuth(body)); err == nil {
		if err := json.Unmarshal(raw, &in); err != nil {
			writeError(w, http.StatusBadRequest, uia.CodeBadJSON, "Couldn't parse /register request")
			return
		}
	}

	req, ok := a.guard(w, r, a.endpoint(r), body, "")
	if !ok {
		return
	}
	var username string
	if req.Session != nil {
		username, _ = checker.SessionUsername(req.Session)
	}
	if username == "" {
		a.mapError(w, r, uia.Misconfigured(fmt.Errorf("registration completed without a username stage")))
		return
	}

	resp, userID, err := a.hs.Register(r.Context(), homeserver.RegisterRequest{
		Username:                 username,
		DeviceID:                 in.DeviceID,
		InitialDeviceDisplayName: in.InitialDeviceDisplayName,
		InhibitLogin:             in.InhibitLogin,
		RefreshToken:             in.RefreshToken,
	})
	if err != nil {
		a.upstreamError(w, r, err)
		return
	}
	if userID != "" {
		if email, ok := checker.SessionEmail(req.Session); ok {
			if err := a.hs.AddEmail(r.Context(), userID, email); err != nil {
				a.logger.ErrorContext(r.Context(), "adding email to new account failed", "user_id", userID, "error", err)
			}
		}
		logHookError(a.logger, r, a.orch.Complete(r.Context(), req, userID))
		a.audit.logEvent(AuditRegister, r, userID)
	}
	resp.Relay(w)
}

// Deactivate deactivates the caller's account at the homeserver and drops
// every local enrollment.
func (a *API) Deactivate(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in DeactivateRequest
	if raw, ok := body["erase"]; ok {
		if err := json.Unmarshal(raw, &in.Erase); err != nil {
			writeError(w, http.StatusBadRequest, uia.CodeBadJSON, "erase must be a boolean")
			return
		}
	}

	req, ok := a.guard(w, r, a.endpoint(r), body, userID)
	if !ok {
		return
	}
	if err := a.hs.Deactivate(r.Context(), userID, in.Erase); err != nil {
		a.upstreamError(w, r, err)
		return
	}
	if err := a.orch.Unenroll(r.Context(), req, userID); err != nil {
		a.logger.ErrorContext(r.Context(), "unenroll after deactivation failed", "user_id", userID, "error", err)
	}
	logHookError(a.logger, r, a.orch.Complete(r.Context(), req, userID))
	a.audit.logEvent(AuditDeactivate, r, userID, slog.Bool("erase", in.Erase))
	writeJSON(w, http.StatusOK, DeactivateResponse{IDServerUnbindResult: "success"})
}

// ChangePassword stores a new local password for the caller.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var in ChangePasswordRequest
	if raw, ok := body["new_password"]; ok {
		if err := json.Unmarshal(raw, &in.NewPassword); err != nil {
			writeError(w, http.StatusBadRequest, uia.CodeBadJSON, "new_password must be a string")
			return
		}
	}
	if in.NewPassword == "" {
		writeError(w, http.StatusBadRequest, uia.CodeMissingParam, "missing new_password")
		return
	}

	req, ok := a.guard(w, r, a.endpoint(r), body, userID)
	if !ok {
		return
	}
	if a.passwords == nil {
		a.mapError(w, r, uia.Misconfigured(fmt.Errorf("password changes are not enabled")))
		return
	}
	if err := a.passwords.SetPassword(r.Context(), userID, in.NewPassword); err != nil {
		a.mapError(w, r, err)
		return
	}
	logHookError(a.logger, r, a.orch.Complete(r.Context(), req, userID))
	a.audit.logEvent(AuditPasswordChanged, r, userID)
	writeJSON(w, http.StatusOK, struct{}{})
}

// Reauthenticate runs UIA for endpoints whose only effect is the stages'
// own hooks, such as enrolling a new factor or recording a subscription.
func (a *API) Reauthenticate(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, ok := a.guard(w, r, a.endpoint(r), body, userID)
	if !ok {
		return
	}
	if err := a.orch.Complete(r.Context(), req, userID); err != nil {
		logHookError(a.logger, r, err)
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
