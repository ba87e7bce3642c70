package api

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/uiagate/internal/util"
	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

const (
	// unlimitedSlots stores uses_allowed: null.
	unlimitedSlots     = math.MaxInt32
	defaultTokenLength = 16
	maxTokenLength     = 64
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{1,64}$`)

func (a *API) tokenView(r *http.Request, rt *storage.RegistrationToken) (RegistrationToken, error) {
	pending, completed, err := a.tokens.RegistrationTokenUsage(r.Context(), rt.Token)
	if err != nil {
		return RegistrationToken{}, err
	}
	out := RegistrationToken{
		Token:     rt.Token,
		Pending:   pending,
		Completed: completed,
	}
	if rt.Slots != unlimitedSlots {
		n := rt.Slots
		out.UsesAllowed = &n
	}
	if rt.ExpiresAt != nil {
		ms := rt.ExpiresAt.UnixMilli()
		out.ExpiryTime = &ms
	}
	return out, nil
}

// ListRegistrationTokens lists tokens, optionally filtered by validity with
// ?valid=true|false.
func (a *API) ListRegistrationTokens(w http.ResponseWriter, r *http.Request) {
	var valid *bool
	if v := r.URL.Query().Get("valid"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, "valid must be true or false")
			return
		}
		valid = &b
	}
	limit, offset, err := parsePage(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, err.Error())
		return
	}

	all, err := a.tokens.ListRegistrationTokens(r.Context())
	if err != nil {
		a.mapError(w, r, uia.UpstreamFailure(err))
		return
	}
	now := a.now()
	views := make([]RegistrationToken, 0, len(all))
	for i := range all {
		view, err := a.tokenView(r, &all[i])
		if err != nil {
			a.mapError(w, r, uia.UpstreamFailure(err))
			return
		}
		if valid != nil && tokenValid(&all[i], view, now) != *valid {
			continue
		}
		views = append(views, view)
	}

	page, meta := paginate(views, limit, offset)
	writeJSON(w, http.StatusOK, ListRegistrationTokensResponse{
		RegistrationTokens: page,
		PaginationMeta:     meta,
	})
}

// tokenValid reports whether a token could still be used: unexpired and
// with slots left after pending and completed registrations.
func tokenValid(rt *storage.RegistrationToken, view RegistrationToken, now time.Time) bool {
	if rt.Expired(now) {
		return false
	}
	return rt.Slots == unlimitedSlots || view.Pending+view.Completed < rt.Slots
}

func (a *API) GetRegistrationToken(w http.ResponseWriter, r *http.Request) {
	rt, err := a.tokens.GetRegistrationToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	view, err := a.tokenView(r, rt)
	if err != nil {
		a.mapError(w, r, uia.UpstreamFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreateRegistrationToken creates a token. Omitted tokens are generated.
func (a *API) CreateRegistrationToken(w http.ResponseWriter, r *http.Request) {
	var req CreateRegistrationTokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, uia.CodeNotJSON, "invalid request body")
		return
	}

	if req.Token == "" {
		length := req.Length
		if length == 0 {
			length = defaultTokenLength
		}
		if length < 1 || length > maxTokenLength {
			writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, "length must be between 1 and 64")
			return
		}
		token, err := util.RandomChars(length)
		if err != nil {
			a.mapError(w, r, uia.Internal(err))
			return
		}
		req.Token = token
	} else if !tokenPattern.MatchString(req.Token) {
		writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, "token must be 1-64 characters from [A-Za-z0-9._~-]")
		return
	}

	rt := &storage.RegistrationToken{
		Token:     req.Token,
		CreatedBy: userIDFromContext(r.Context()),
		Slots:     unlimitedSlots,
	}
	if err := applyUsesAllowed(rt, req.UsesAllowed); err != nil {
		writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, err.Error())
		return
	}
	if err := a.applyExpiry(rt, req.ExpiryTime); err != nil {
		writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, err.Error())
		return
	}

	if err := a.tokens.CreateRegistrationToken(r.Context(), rt); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditTokenCreated, r, rt.CreatedBy, slog.String("token", rt.Token))

	view, err := a.tokenView(r, rt)
	if err != nil {
		a.mapError(w, r, uia.UpstreamFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateRegistrationToken changes uses_allowed and expiry_time. Only the
// fields present in the body change; null clears a limit.
func (a *API) UpdateRegistrationToken(w http.ResponseWriter, r *http.Request) {
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, uia.CodeNotJSON, "invalid request body")
		return
	}

	rt, err := a.tokens.GetRegistrationToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	if raw, ok := fields["uses_allowed"]; ok {
		var uses *int
		if err := json.Unmarshal(raw, &uses); err != nil {
			writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, "uses_allowed must be a non-negative integer or null")
			return
		}
		if err := applyUsesAllowed(rt, uses); err != nil {
			writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, err.Error())
			return
		}
	}
	if raw, ok := fields["expiry_time"]; ok {
		var expiry *int64
		if err := json.Unmarshal(raw, &expiry); err != nil {
			writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, "expiry_time must be an integer or null")
			return
		}
		if err := a.applyExpiry(rt, expiry); err != nil {
			writeError(w, http.StatusBadRequest, uia.CodeInvalidParam, err.Error())
			return
		}
	}

	if err := a.tokens.UpdateRegistrationToken(r.Context(), rt); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditTokenUpdated, r, userIDFromContext(r.Context()), slog.String("token", rt.Token))

	view, err := a.tokenView(r, rt)
	if err != nil {
		a.mapError(w, r, uia.UpstreamFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) DeleteRegistrationToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := a.tokens.DeleteRegistrationToken(r.Context(), token); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditTokenDeleted, r, userIDFromContext(r.Context()), slog.String("token", token))
	writeJSON(w, http.StatusOK, struct{}{})
}

type paramError string

func (e paramError) Error() string { return string(e) }

func applyUsesAllowed(rt *storage.RegistrationToken, uses *int) error {
	if uses == nil {
		rt.Slots = unlimitedSlots
		return nil
	}
	if *uses < 0 || *uses >= unlimitedSlots {
		return paramError("uses_allowed must be a non-negative integer or null")
	}
	rt.Slots = *uses
	return nil
}

func (a *API) applyExpiry(rt *storage.RegistrationToken, ms *int64) error {
	if ms == nil {
		rt.ExpiresAt = nil
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	if t.Before(a.now()) {
		return paramError("expiry_time must not be in the past")
	}
	rt.ExpiresAt = &t
	return nil
}
