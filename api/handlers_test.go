package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/uiagate/checker"
	"github.com/jmcleod/uiagate/uia"
)

func TestSessionCannotAuthorizeAnotherEndpoint(t *testing.T) {
	env := setupServer(t)
	require.NoError(t, env.passwords.SetPassword(t.Context(), alice, "correct horse"))
	const (
		weak       = "/_matrix/client/v3/account/auth"
		deactivate = "/_matrix/client/v3/account/deactivate"
	)

	session := env.challenge(t, weak, aliceToken, map[string]any{})

	for _, auth := range []map[string]any{
		{"session": session},
		{"type": checker.StageDummy, "session": session},
	} {
		resp, out := env.do(t, http.MethodPost, deactivate, aliceToken, map[string]any{"auth": auth})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, uia.CodeForbidden, out["errcode"])
	}
	assert.Empty(t, env.hs.deactivated)
}

func TestSessionCannotBeUsedByAnotherUser(t *testing.T) {
	env := setupServer(t)
	const path = "/_matrix/client/v3/account/auth"

	session := env.challenge(t, path, aliceToken, map[string]any{})
	resp, out := env.do(t, http.MethodPost, path, adminToken, map[string]any{
		"auth": map[string]any{"type": checker.StageDummy, "session": session},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, uia.CodeForbidden, out["errcode"])

	resp, _ = env.do(t, http.MethodPost, path, aliceToken, map[string]any{
		"auth": map[string]any{"type": checker.StageDummy, "session": session},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSatisfiedSessionIsSingleUse(t *testing.T) {
	env := setupServer(t)
	const path = "/_matrix/client/v3/account/3pid/add"

	session := env.challenge(t, path, aliceToken, map[string]any{"sid": "abc"})
	resp, _ := env.do(t, http.MethodPost, path, aliceToken, map[string]any{
		"sid":  "abc",
		"auth": map[string]any{"type": checker.StageDummy, "session": session},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := env.do(t, http.MethodPost, path, aliceToken, map[string]any{
		"sid":  "abc",
		"auth": map[string]any{"session": session},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, uia.CodeUnknown, out["errcode"])
	assert.Len(t, env.hs.forwarded, 1)
}

func TestSuccessElsewhereDoesNotResetLimit(t *testing.T) {
	env := setupServer(t)
	require.NoError(t, env.passwords.SetPassword(t.Context(), alice, "correct horse"))
	const (
		login = "/_matrix/client/v3/login"
		cheap = "/_matrix/client/v3/account/auth"
	)

	session := env.challenge(t, login, "", map[string]any{})
	wrong := map[string]any{
		"auth": map[string]any{
			"type":       checker.StagePasswordLogin,
			"session":    session,
			"identifier": map[string]any{"type": "m.id.user", "user": "alice"},
			"password":   "wrong password",
		},
	}
	for range 2 {
		resp, _ := env.do(t, http.MethodPost, login, "", wrong)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		// A cheap flow that succeeds from the same address.
		other := env.challenge(t, cheap, aliceToken, map[string]any{})
		resp, _ = env.do(t, http.MethodPost, cheap, aliceToken, map[string]any{
			"auth": map[string]any{"type": checker.StageDummy, "session": other},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, _ := env.do(t, http.MethodPost, login, "", wrong)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, out := env.do(t, http.MethodPost, login, "", wrong)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, uia.CodeLimitExceeded, out["errcode"])
}
