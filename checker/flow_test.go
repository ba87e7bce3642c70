package checker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

// TestRegisterThenLogin drives real checkers through the orchestrator: a
// token-gated registration followed by a password login.
func TestRegisterThenLogin(t *testing.T) {
	store, _ := setupStore(t)
	ctx := t.Context()
	require.NoError(t, store.CreateRegistrationToken(ctx, &storage.RegistrationToken{Token: "welcome", CreatedBy: "admin", Slots: 5}))

	password := NewPassword(store, testDomain, nil, WithBcryptCost(bcrypt.MinCost))
	username, err := NewUsername(store, testDomain, nil)
	require.NoError(t, err)
	terms := NewTerms(store, map[string]TermsPolicy{
		"terms_of_service": {Version: "1.0", Languages: map[string]LocalizedPolicy{"en": {Name: "Terms", URL: "https://example.org/tos"}}},
	}, nil)
	subs := NewSubscriptions(nil, NewFreeSubscription(store))

	registry, err := uia.NewRegistry(password, username, terms, subs, NewRegistrationToken(store, nil), Dummy{})
	require.NoError(t, err)
	policy := uia.Policy{Routes: []uia.Route{
		{Method: "POST", Path: "/register", Flows: []uia.Flow{{Stages: []string{
			StageRegistrationToken, StageTerms, StageUsername, StagePasswordEnroll, StageSubscriptions,
		}}}},
		{Method: "POST", Path: "/login", Flows: []uia.Flow{{Stages: []string{StagePasswordLogin, StageTerms}}}},
	}}
	orch, err := uia.New(uia.NewShardedStore(), registry, policy)
	require.NoError(t, err)

	submit := func(ep uia.Endpoint, userID string, auth map[string]any) (*uia.Request, *uia.Outcome) {
		t.Helper()
		var raw json.RawMessage
		if auth != nil {
			raw, err = json.Marshal(auth)
			require.NoError(t, err)
		}
		req := &uia.Request{Endpoint: ep, Auth: raw, UserID: userID}
		out, err := orch.Authenticate(ctx, req)
		require.NoError(t, err)
		return req, out
	}

	_, out := submit(registerEP, "", nil)
	require.NotNil(t, out.Challenge)
	session := out.Challenge.Session
	assert.Contains(t, out.Challenge.Params, StageTerms)
	assert.Contains(t, out.Challenge.Params, StageSubscriptions)

	steps := []map[string]any{
		{"type": StageRegistrationToken, "token": "welcome"},
		{"type": StageTerms},
		{"type": StageUsername, "username": "alice"},
		{"type": StagePasswordEnroll, "new_password": "correct horse battery"},
		{"type": StageSubscriptions, "subscription_type": SubscriptionFree},
	}
	var req *uia.Request
	for i, step := range steps {
		step["session"] = session
		req, out = submit(registerEP, "", step)
		if i < len(steps)-1 {
			require.NotNil(t, out.Challenge, "step %d", i)
			assert.False(t, out.Rejected, "step %d", i)
		}
	}
	require.True(t, out.Satisfied)

	name, ok := SessionUsername(req.Session)
	require.True(t, ok)
	userID := QualifyUserID(name, testDomain)
	require.NoError(t, orch.Complete(ctx, req, userID))
	// Hooks fire once per session.
	require.NoError(t, orch.Complete(ctx, req, userID))

	rec, err := store.GetUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, storage.UsernameEnrolled, rec.Status)
	subsRows, err := store.ListSubscriptions(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, subsRows, 2, "free plan and consumed token")
	_, completed, err := store.RegistrationTokenUsage(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 1, completed)

	// Terms were accepted at registration, so login needs only the password.
	_, out = submit(loginEP, "", nil)
	require.NotNil(t, out.Challenge)
	_, out = submit(loginEP, "", map[string]any{
		"type": StagePasswordLogin, "session": out.Challenge.Session,
		"identifier": map[string]any{"type": "m.id.user", "user": "alice"},
		"password":   "wrong password",
	})
	require.True(t, out.Rejected)
	assert.Equal(t, uia.CodeForbidden, out.Challenge.Errcode)

	_, out = submit(loginEP, "", map[string]any{
		"type": StagePasswordLogin, "session": out.Challenge.Session,
		"identifier": map[string]any{"type": "m.id.user", "user": "alice"},
		"password":   "correct horse battery",
	})
	assert.False(t, out.Satisfied, "anonymous login must still accept the terms")
	req, out = submit(loginEP, "", map[string]any{"type": StageTerms, "session": out.Challenge.Session})
	require.True(t, out.Satisfied)
	assert.Equal(t, userID, req.KnownUserID())

	// A known user is only asked for what is still required.
	passwordEPFlows := uia.Policy{Default: []uia.Flow{{Stages: []string{StagePasswordLogin, StageTerms}}}}
	orch2, err := uia.New(uia.NewShardedStore(), registry, passwordEPFlows)
	require.NoError(t, err)
	out, err = orch2.Authenticate(ctx, &uia.Request{Endpoint: passwordEP, UserID: userID})
	require.NoError(t, err)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, []uia.Flow{{Stages: []string{StagePasswordLogin}}}, out.Challenge.Flows)

	require.NoError(t, orch.Unenroll(ctx, req, userID))
	_, err = store.GetPasswordHash(ctx, userID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	rec, err = store.GetUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, storage.UsernameInactive, rec.Status)
}
