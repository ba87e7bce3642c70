package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/uiagate/uia"
)

const (
	maxBodySize  = 1 << 20
	clientPrefix = "/_matrix/client/"
)

// matrixEndpoint maps a client API path to the endpoint the UIA policy
// knows it by, the part after the version segment.
func matrixEndpoint(method, path string) (uia.Endpoint, bool) {
	rest, ok := strings.CutPrefix(path, clientPrefix)
	if !ok {
		return uia.Endpoint{}, false
	}
	_, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix == "" {
		return uia.Endpoint{}, false
	}
	return uia.Endpoint{Method: method, Path: "/" + strings.TrimSuffix(suffix, "/")}, true
}

// readBody reads a JSON object body. An empty body counts as {}.
func readBody(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, uia.CodeLimitExceeded, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, uia.CodeNotJSON, "could not read request body")
		return nil, false
	}
	body := map[string]json.RawMessage{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return body, true
	}
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		writeError(w, http.StatusBadRequest, uia.CodeNotJSON, "request body is not a JSON object")
		return nil, false
	}
	return body, true
}

// stripAuth returns a copy of body without its auth dict.
func stripAuth(body map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(body))
	for k, v := range body {
		if k != "auth" {
			out[k] = v
		}
	}
	return out
}

// limitKeys returns the limiter keys a UIA attempt counts against: the
// client address and, when the auth dict names both, the session's stage.
func limitKeys(clientIP string, auth json.RawMessage) (addrKey, stageKey string) {
	addrKey = "ip:" + clientIP
	var env struct {
		Type    string `json:"type"`
		Session string `json:"session"`
	}
	if len(auth) == 0 || json.Unmarshal(auth, &env) != nil || env.Type == "" || env.Session == "" {
		return addrKey, ""
	}
	return addrKey, "session:" + env.Session + ":" + env.Type
}

// guard runs one UIA round for r. When it returns false the response has
// been written: a challenge, a rejection or an error. On true the returned
// request carries the satisfied session for Complete.
func (a *API) guard(w http.ResponseWriter, r *http.Request, ep uia.Endpoint, body map[string]json.RawMessage, userID string) (*uia.Request, bool) {
	ctx := r.Context()
	clientIP := a.extractClientIP(r)
	addrKey, stageKey := limitKeys(clientIP, body["auth"])

	if retry := a.lockedOut(r, addrKey, stageKey); retry > 0 {
		a.audit.log(AuditRateLimited, r, slog.String("client_ip", clientIP), slog.String("endpoint", ep.String()))
		writeRateLimited(w, retry)
		return nil, false
	}

	req := &uia.Request{
		Endpoint:   ep,
		Auth:       body["auth"],
		Body:       stripAuth(body),
		Header:     r.Header,
		UserID:     userID,
		RemoteAddr: clientIP,
	}

	out, err := a.orch.Authenticate(ctx, req)
	if err != nil {
		if uia.IsKind(err, uia.KindAuthFailed) {
			a.recordFailure(r, addrKey, stageKey)
		}
		a.mapError(w, r, err)
		return nil, false
	}

	sessionID := ""
	if out.Session != nil {
		sessionID = out.Session.ID()
	}
	if out.Rejected {
		a.recordFailure(r, addrKey, stageKey)
		a.audit.logUIA(AuditStageFailed, r, sessionID, out.Stage, req.KnownUserID())
		writeChallenge(w, out.Challenge)
		return nil, false
	}

	// A passed stage clears its own counter. The address counter only
	// decays, so successes elsewhere cannot buy more guesses.
	if out.Stage != "" && stageKey != "" {
		if err := a.limiter.RecordSuccess(ctx, stageKey); err != nil {
			a.logger.WarnContext(ctx, "rate limiter reset failed", "error", err)
		}
	}
	if !out.Satisfied {
		event := AuditChallenge
		if out.Stage != "" {
			event = AuditStagePassed
		}
		a.audit.logUIA(event, r, sessionID, out.Stage, req.KnownUserID())
		writeChallenge(w, out.Challenge)
		return nil, false
	}

	a.audit.logUIA(AuditSatisfied, r, sessionID, out.Stage, req.KnownUserID())
	return req, true
}

// lockedOut returns the longest lockout among keys.
func (a *API) lockedOut(r *http.Request, keys ...string) time.Duration {
	var longest time.Duration
	for _, key := range keys {
		if key == "" {
			continue
		}
		retry, err := a.limiter.Check(r.Context(), key)
		if err != nil {
			a.logger.WarnContext(r.Context(), "rate limiter check failed", "error", err)
			continue
		}
		longest = max(longest, retry)
	}
	return longest
}

func (a *API) recordFailure(r *http.Request, keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := a.limiter.RecordFailure(r.Context(), key); err != nil {
			a.logger.WarnContext(r.Context(), "rate limiter update failed", "error", err)
		}
	}
}

// passthrough serves every request no gateway route claims. Client API
// endpoints with a configured UIA route are authenticated here and then
// forwarded without their auth dict; everything else is proxied untouched.
func (a *API) passthrough(w http.ResponseWriter, r *http.Request) {
	ep, ok := matrixEndpoint(r.Method, r.URL.Path)
	if !ok || a.orch == nil || !a.orch.Protects(ep) {
		if a.proxy == nil {
			writeError(w, http.StatusNotFound, uia.CodeUnrecognized, "Unrecognized request")
			return
		}
		a.proxy.ServeHTTP(w, r)
		return
	}

	userID := ""
	if token := accessToken(r); token != "" {
		id, err := a.hs.Whoami(r.Context(), token)
		if err != nil {
			a.upstreamError(w, r, err)
			return
		}
		userID = id
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	req, ok := a.guard(w, r, ep, body, userID)
	if !ok {
		return
	}

	fwd, err := json.Marshal(stripAuth(body))
	if err != nil {
		a.mapError(w, r, uia.Internal(err))
		return
	}
	resp, err := a.hs.Forward(r.Context(), r.Method, r.URL.Path, r.URL.RawQuery, r.Header, fwd)
	if err != nil {
		a.upstreamError(w, r, err)
		return
	}
	if resp.OK() {
		logHookError(a.logger, r, a.orch.Complete(r.Context(), req, req.KnownUserID()))
	}
	resp.Relay(w)
}
