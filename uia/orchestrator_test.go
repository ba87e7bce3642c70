package uia_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/uiagate/uia"
)

// fakeChecker is a configurable Checker that records hook invocations.
type fakeChecker struct {
	stages      []string
	notEnrolled map[string]bool
	notRequired map[string]bool
	params      map[string]map[string]any
	check       func(req *uia.Request, stage string) (bool, error)

	mu    sync.Mutex
	hooks []string
}

func newFake(stages ...string) *fakeChecker {
	return &fakeChecker{
		stages:      stages,
		notEnrolled: map[string]bool{},
		notRequired: map[string]bool{},
		params:      map[string]map[string]any{},
	}
}

func (f *fakeChecker) record(s string) {
	f.mu.Lock()
	f.hooks = append(f.hooks, s)
	f.mu.Unlock()
}

func (f *fakeChecker) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hooks...)
}

func (f *fakeChecker) SupportedAuthTypes() []string { return f.stages }

func (f *fakeChecker) Params(_ context.Context, _ *uia.Session, stage, _ string) (map[string]any, error) {
	return f.params[stage], nil
}

func (f *fakeChecker) Check(_ context.Context, req *uia.Request, stage string) (bool, error) {
	if f.check != nil {
		return f.check(req, stage)
	}
	return true, nil
}

func (f *fakeChecker) OnSuccess(_ context.Context, _ *uia.Request, stage, _ string) error {
	f.record("success:" + stage)
	return nil
}

func (f *fakeChecker) OnLoggedIn(_ context.Context, _ *uia.Request, stage, _ string) error {
	f.record("logged_in:" + stage)
	return nil
}

func (f *fakeChecker) OnEnrolled(_ context.Context, _ *uia.Request, stage, _ string) error {
	f.record("enrolled:" + stage)
	return nil
}

func (f *fakeChecker) IsUserEnrolled(_ context.Context, _ string, stage string) (bool, error) {
	return !f.notEnrolled[stage], nil
}

func (f *fakeChecker) IsRequired(_ context.Context, _ string, _ uia.Endpoint, stage string) (bool, error) {
	return !f.notRequired[stage], nil
}

func (f *fakeChecker) OnUnenrolled(_ context.Context, _ *uia.Request, userID string) error {
	f.record("unenrolled:" + userID)
	return nil
}

var registerEP = uia.Endpoint{Method: http.MethodPost, Path: "/register"}

func flows(stageSets ...[]string) []uia.Flow {
	out := make([]uia.Flow, len(stageSets))
	for i, s := range stageSets {
		out[i] = uia.Flow{Stages: s}
	}
	return out
}

func newOrchestrator(t *testing.T, store uia.Store, policy []uia.Flow, checkers ...uia.Checker) *uia.Orchestrator {
	t.Helper()
	reg, err := uia.NewRegistry(checkers...)
	require.NoError(t, err)
	o, err := uia.New(store, reg, uia.Policy{Default: policy})
	require.NoError(t, err)
	return o
}

func authDict(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func attempt(t *testing.T, o *uia.Orchestrator, ep uia.Endpoint, auth map[string]any) (*uia.Outcome, *uia.Request, error) {
	t.Helper()
	req := &uia.Request{Endpoint: ep}
	if auth != nil {
		req.Auth = authDict(t, auth)
	}
	out, err := o.Authenticate(t.Context(), req)
	return out, req, err
}

func TestScenarioDummy(t *testing.T) {
	dummy := newFake("m.login.dummy")
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.login.dummy"}), dummy)

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)
	require.False(t, out.Satisfied)
	require.NotNil(t, out.Challenge)
	assert.Len(t, out.Challenge.Session, 24)
	assert.Equal(t, flows([]string{"m.login.dummy"}), out.Challenge.Flows)
	assert.Empty(t, out.Challenge.Completed)

	out, req, err := attempt(t, o, registerEP, map[string]any{"type": "m.login.dummy", "session": out.Challenge.Session})
	require.NoError(t, err)
	assert.True(t, out.Satisfied)
	assert.Equal(t, []string{"m.login.dummy"}, req.Session.Completed())
}

func TestScenarioNoEnrolledFlows(t *testing.T) {
	pw := newFake("m.login.password")
	pw.notEnrolled["m.login.password"] = true
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.login.password"}), pw)

	req := &uia.Request{Endpoint: uia.Endpoint{Method: "POST", Path: "/account/deactivate"}, UserID: "@alice:example.org"}
	_, err := o.Authenticate(t.Context(), req)
	require.ErrorIs(t, err, uia.ErrNoFlows)

	e := uia.AsError(err)
	assert.Equal(t, http.StatusForbidden, e.Status)
	assert.Nil(t, req.Session)
}

func TestAnonymousUserKeepsAllFlows(t *testing.T) {
	pw := newFake("m.login.password")
	pw.notEnrolled["m.login.password"] = true
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.login.password"}), pw)

	out, _, err := attempt(t, o, uia.Endpoint{Method: "POST", Path: "/login"}, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, flows([]string{"m.login.password"}), out.Challenge.Flows)
}

func TestRequirementFilter(t *testing.T) {
	terms := newFake("m.login.terms", "m.login.password")
	terms.notRequired["m.login.terms"] = true

	t.Run("StageDropped", func(t *testing.T) {
		o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.login.password", "m.login.terms"}), terms)
		req := &uia.Request{Endpoint: uia.Endpoint{Method: "POST", Path: "/account/auth"}, UserID: "@a:x"}
		out, err := o.Authenticate(t.Context(), req)
		require.NoError(t, err)
		require.NotNil(t, out.Challenge)
		assert.Equal(t, flows([]string{"m.login.password"}), out.Challenge.Flows)
	})

	t.Run("EmptyFlowSatisfiesImmediately", func(t *testing.T) {
		store := uia.NewShardedStore()
		o := newOrchestrator(t, store, flows([]string{"m.login.terms"}), terms)
		req := &uia.Request{Endpoint: uia.Endpoint{Method: "POST", Path: "/account/auth"}, UserID: "@a:x"}
		out, err := o.Authenticate(t.Context(), req)
		require.NoError(t, err)
		assert.True(t, out.Satisfied)
		assert.Nil(t, out.Session)
		assert.Zero(t, store.Len())
	})
}

func TestReplayRejected(t *testing.T) {
	c := newFake("a", "b")
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"a", "b"}), c)

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)
	sid := out.Challenge.Session

	out, _, err = attempt(t, o, registerEP, map[string]any{"type": "a", "session": sid})
	require.NoError(t, err)
	require.False(t, out.Satisfied)
	assert.Equal(t, []string{"a"}, out.Challenge.Completed)

	_, _, err = attempt(t, o, registerEP, map[string]any{"type": "a", "session": sid})
	require.Error(t, err)
	assert.True(t, uia.IsKind(err, uia.KindBadInput))
	assert.Equal(t, http.StatusBadRequest, uia.AsError(err).Status)
}

func TestStageNotInPinnedFlows(t *testing.T) {
	c := newFake("a", "b")
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"a"}), c)

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)

	_, _, err = attempt(t, o, registerEP, map[string]any{"type": "b", "session": out.Challenge.Session})
	require.Error(t, err)
	assert.True(t, uia.IsKind(err, uia.KindBadInput))
}

func TestUnknownSession(t *testing.T) {
	store := uia.NewShardedStore()
	o := newOrchestrator(t, store, flows([]string{"m.login.dummy"}), newFake("m.login.dummy"))

	_, _, err := attempt(t, o, registerEP, map[string]any{"type": "m.login.dummy", "session": "NOPE"})
	require.ErrorIs(t, err, uia.ErrUnknownSession)
	assert.Equal(t, http.StatusBadRequest, uia.AsError(err).Status)
	assert.Zero(t, store.Len(), "an unknown session id must not create state")
}

func TestSessionWithoutPinnedFlows(t *testing.T) {
	store := uia.NewShardedStore()
	o := newOrchestrator(t, store, flows([]string{"m.login.dummy"}), newFake("m.login.dummy"))
	uia.NewSession(store, "ORPHAN").SetData("something", 1)

	_, _, err := attempt(t, o, registerEP, map[string]any{"type": "m.login.dummy", "session": "ORPHAN"})
	require.ErrorIs(t, err, uia.ErrMissingFlows)
	assert.True(t, uia.IsKind(err, uia.KindConfig))
	assert.Equal(t, http.StatusInternalServerError, uia.AsError(err).Status)
}

func TestExpiredSession(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store := uia.NewShardedStore()
	reg, err := uia.NewRegistry(newFake("m.login.dummy"))
	require.NoError(t, err)
	o, err := uia.New(store, reg, uia.Policy{Default: flows([]string{"m.login.dummy"})},
		uia.WithClock(func() time.Time { return clock() }), uia.WithSessionTTL(time.Minute))
	require.NoError(t, err)

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, _, err = attempt(t, o, registerEP, map[string]any{"type": "m.login.dummy", "session": out.Challenge.Session})
	require.ErrorIs(t, err, uia.ErrUnknownSession)
	assert.Zero(t, store.Len())
}

func TestFailedCheckKeepsSessionAlive(t *testing.T) {
	c := newFake("m.login.password")
	c.check = func(req *uia.Request, _ string) (bool, error) {
		var body struct {
			Password string `json:"password" validate:"required"`
		}
		if err := req.DecodeAuth(context.Background(), &body); err != nil {
			return false, err
		}
		return body.Password == "hunter2", nil
	}
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.login.password"}), c)

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)
	sid := out.Challenge.Session

	out, req, err := attempt(t, o, registerEP, map[string]any{"type": "m.login.password", "session": sid, "password": "wrong"})
	require.NoError(t, err)
	assert.True(t, out.Rejected)
	assert.Equal(t, uia.CodeForbidden, out.Challenge.Errcode)
	assert.Equal(t, sid, out.Challenge.Session)
	assert.Empty(t, req.Session.Completed())

	t.Run("MalformedInputIsBadInput", func(t *testing.T) {
		_, req, err := attempt(t, o, registerEP, map[string]any{"type": "m.login.password", "session": sid})
		require.Error(t, err)
		assert.True(t, uia.IsKind(err, uia.KindBadInput))
		assert.Equal(t, uia.CodeMissingParam, uia.AsError(err).Code)
		assert.Empty(t, req.Session.Completed())
	})

	out, _, err = attempt(t, o, registerEP, map[string]any{"type": "m.login.password", "session": sid, "password": "hunter2"})
	require.NoError(t, err)
	assert.True(t, out.Satisfied)
}

func TestCheckerErrorDoesNotComplete(t *testing.T) {
	c := newFake("m.login.email.submit_token")
	c.check = func(*uia.Request, string) (bool, error) {
		return false, uia.UpstreamFailure(errors.New("db down"))
	}
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.login.email.submit_token"}), c)

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)
	_, req, err := attempt(t, o, registerEP, map[string]any{"type": "m.login.email.submit_token", "session": out.Challenge.Session})
	require.Error(t, err)
	assert.True(t, uia.IsKind(err, uia.KindUpstream))
	assert.NotContains(t, uia.AsError(err).Message, "db down")
	assert.Empty(t, req.Session.Completed())
}

func TestMalformedAuthEnvelope(t *testing.T) {
	store := uia.NewShardedStore()
	o := newOrchestrator(t, store, flows([]string{"m.login.dummy"}), newFake("m.login.dummy"))

	_, err := o.Authenticate(t.Context(), &uia.Request{Endpoint: registerEP, Auth: json.RawMessage(`"nope"`)})
	require.Error(t, err)
	assert.True(t, uia.IsKind(err, uia.KindBadInput))

	_, _, err = attempt(t, o, registerEP, map[string]any{"type": "m.login.dummy"})
	require.Error(t, err)
	assert.True(t, uia.IsKind(err, uia.KindBadInput))
	assert.Zero(t, store.Len())
}

func TestPollWithoutType(t *testing.T) {
	c := newFake("a", "b")
	c.params["b"] = map[string]any{"k": "v"}
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"a", "b"}), c)

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)
	sid := out.Challenge.Session
	assert.Equal(t, map[string]any{"k": "v"}, out.Challenge.Params["b"])
	assert.NotContains(t, out.Challenge.Params, "a")

	out, _, err = attempt(t, o, registerEP, map[string]any{"session": sid})
	require.NoError(t, err)
	require.NotNil(t, out.Challenge)
	assert.Equal(t, sid, out.Challenge.Session)
}

func TestPinnedFlowsSurviveEnrollmentChange(t *testing.T) {
	c := newFake("m.login.password", "m.login.email.submit_token")
	ep := uia.Endpoint{Method: "POST", Path: "/account/deactivate"}
	o := newOrchestrator(t, uia.NewShardedStore(),
		flows([]string{"m.login.password"}, []string{"m.login.email.submit_token"}), c)

	req := &uia.Request{Endpoint: ep, UserID: "@a:x"}
	out, err := o.Authenticate(t.Context(), req)
	require.NoError(t, err)
	require.Len(t, out.Challenge.Flows, 2)

	// The user loses their email address mid-flow.
	c.notEnrolled["m.login.email.submit_token"] = true

	req = &uia.Request{Endpoint: ep, UserID: "@a:x", Auth: authDict(t, map[string]any{"session": out.Challenge.Session})}
	out, err = o.Authenticate(t.Context(), req)
	require.NoError(t, err)
	assert.Len(t, out.Challenge.Flows, 2)
}

func TestParamsRecomputedAfterStage(t *testing.T) {
	c := newFake("oprf", "verify")
	c.check = func(req *uia.Request, stage string) (bool, error) {
		if stage == "oprf" {
			uia.StageKey[string]("oprf", "B").Set(req.Session, "server-value")
		}
		return true, nil
	}
	store := uia.NewShardedStore()
	reg, err := uia.NewRegistry(&paramsFromSession{fakeChecker: c})
	require.NoError(t, err)
	o, err := uia.New(store, reg, uia.Policy{Default: flows([]string{"oprf", "verify"})})
	require.NoError(t, err)

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)
	assert.NotContains(t, out.Challenge.Params, "verify")

	out, _, err = attempt(t, o, registerEP, map[string]any{"type": "oprf", "session": out.Challenge.Session})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"B": "server-value"}, out.Challenge.Params["verify"])
	assert.Equal(t, []string{"oprf"}, out.Challenge.Completed)
}

type paramsFromSession struct {
	*fakeChecker
}

func (p *paramsFromSession) Params(_ context.Context, s *uia.Session, stage, _ string) (map[string]any, error) {
	if stage != "verify" {
		return nil, nil
	}
	b, ok := uia.StageKey[string]("oprf", "B").Get(s)
	if !ok {
		return nil, nil
	}
	return map[string]any{"B": b}, nil
}

func TestCompleteRunsHooksOnce(t *testing.T) {
	c := newFake("m.enroll.password", "m.login.dummy")
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.enroll.password", "m.login.dummy"}), c)
	loginEP := uia.Endpoint{Method: "POST", Path: "/login"}

	out, _, err := attempt(t, o, loginEP, nil)
	require.NoError(t, err)
	sid := out.Challenge.Session
	_, _, err = attempt(t, o, loginEP, map[string]any{"type": "m.enroll.password", "session": sid})
	require.NoError(t, err)
	out, req, err := attempt(t, o, loginEP, map[string]any{"type": "m.login.dummy", "session": sid})
	require.NoError(t, err)
	require.True(t, out.Satisfied)

	require.NoError(t, o.Complete(t.Context(), req, "@a:x"))
	require.NoError(t, o.Complete(t.Context(), req, "@a:x"))

	assert.Equal(t, []string{
		"enrolled:m.enroll.password",
		"logged_in:m.enroll.password",
		"logged_in:m.login.dummy",
		"success:m.enroll.password",
		"success:m.login.dummy",
	}, c.recorded())

	uid, ok := uia.UserIDKey.Get(req.Session)
	require.True(t, ok)
	assert.Equal(t, "@a:x", uid)
}

func TestCompleteOnRegistrationEnrollsEveryStage(t *testing.T) {
	c := newFake("m.login.dummy")
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.login.dummy"}), c)

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)
	_, req, err := attempt(t, o, registerEP, map[string]any{"type": "m.login.dummy", "session": out.Challenge.Session})
	require.NoError(t, err)

	require.NoError(t, o.Complete(t.Context(), req, "@new:x"))
	assert.Equal(t, []string{"enrolled:m.login.dummy", "success:m.login.dummy"}, c.recorded())
}

func TestUnenroll(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"a"}), a, b)
	require.NoError(t, o.Unenroll(t.Context(), &uia.Request{}, "@gone:x"))
	assert.Equal(t, []string{"unenrolled:@gone:x"}, a.recorded())
	assert.Equal(t, []string{"unenrolled:@gone:x"}, b.recorded())
}

func TestRegistry(t *testing.T) {
	t.Run("DuplicateStage", func(t *testing.T) {
		_, err := uia.NewRegistry(newFake("a", "b"), newFake("b"))
		require.ErrorIs(t, err, uia.ErrDuplicateStage)
	})

	t.Run("UnknownPolicyStage", func(t *testing.T) {
		reg, err := uia.NewRegistry(newFake("a"))
		require.NoError(t, err)
		_, err = uia.New(uia.NewShardedStore(), reg, uia.Policy{Default: flows([]string{"a", "missing"})})
		require.ErrorIs(t, err, uia.ErrUnknownStage)
	})

	t.Run("Lookup", func(t *testing.T) {
		c := newFake("a", "b")
		reg, err := uia.NewRegistry(c)
		require.NoError(t, err)
		got, ok := reg.Lookup("b")
		require.True(t, ok)
		assert.Same(t, c, got)
		assert.Equal(t, []string{"a", "b"}, reg.Stages())
	})
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	store := uia.NewShardedStore()
	o := newOrchestrator(t, store, flows([]string{"m.login.dummy"}), newFake("m.login.dummy"))

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &uia.Request{Endpoint: registerEP}
			out, err := o.Authenticate(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			auth, _ := json.Marshal(map[string]any{"type": "m.login.dummy", "session": out.Challenge.Session})
			out, err = o.Authenticate(context.Background(), &uia.Request{Endpoint: registerEP, Auth: auth})
			if err != nil {
				errs <- err
				return
			}
			if !out.Satisfied {
				errs <- errors.New("expected satisfied")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 50, store.Len())
}

func TestSessionBoundToEndpoint(t *testing.T) {
	dummy := newFake("m.login.dummy")
	password := newFake("m.login.password")
	password.check = func(*uia.Request, string) (bool, error) { return false, nil }
	reg, err := uia.NewRegistry(dummy, password)
	require.NoError(t, err)
	weak := uia.Endpoint{Method: "POST", Path: "/account/auth"}
	deactivate := uia.Endpoint{Method: "POST", Path: "/account/deactivate"}
	o, err := uia.New(uia.NewShardedStore(), reg, uia.Policy{Routes: []uia.Route{
		{Method: weak.Method, Path: weak.Path, Flows: flows([]string{"m.login.dummy"})},
		{Method: deactivate.Method, Path: deactivate.Path, Flows: flows([]string{"m.login.password"})},
	}})
	require.NoError(t, err)

	out, err := o.Authenticate(t.Context(), &uia.Request{Endpoint: weak, UserID: "@mallory:x"})
	require.NoError(t, err)
	sid := out.Challenge.Session
	out, err = o.Authenticate(t.Context(), &uia.Request{Endpoint: weak, UserID: "@mallory:x",
		Auth: authDict(t, map[string]any{"type": "m.login.dummy", "session": sid})})
	require.NoError(t, err)
	require.True(t, out.Satisfied)

	for _, auth := range []map[string]any{
		{"session": sid},
		{"type": "m.login.dummy", "session": sid},
	} {
		_, err = o.Authenticate(t.Context(), &uia.Request{Endpoint: deactivate, UserID: "@mallory:x", Auth: authDict(t, auth)})
		require.ErrorIs(t, err, uia.ErrSessionMismatch)
		assert.Equal(t, http.StatusForbidden, uia.AsError(err).Status)
		assert.Equal(t, uia.CodeForbidden, uia.AsError(err).Code)
	}
}

func TestSessionBoundToUser(t *testing.T) {
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.login.dummy"}), newFake("m.login.dummy"))
	ep := uia.Endpoint{Method: "POST", Path: "/account/auth"}

	out, err := o.Authenticate(t.Context(), &uia.Request{Endpoint: ep, UserID: "@alice:x"})
	require.NoError(t, err)
	sid := out.Challenge.Session

	for _, user := range []string{"@bob:x", ""} {
		_, err = o.Authenticate(t.Context(), &uia.Request{Endpoint: ep, UserID: user,
			Auth: authDict(t, map[string]any{"type": "m.login.dummy", "session": sid})})
		require.ErrorIs(t, err, uia.ErrSessionMismatch, "user %q", user)
		assert.True(t, uia.IsKind(err, uia.KindAuthFailed))
	}

	out, err = o.Authenticate(t.Context(), &uia.Request{Endpoint: ep, UserID: "@alice:x",
		Auth: authDict(t, map[string]any{"type": "m.login.dummy", "session": sid})})
	require.NoError(t, err)
	assert.True(t, out.Satisfied)
}

func TestSessionSpentAfterComplete(t *testing.T) {
	o := newOrchestrator(t, uia.NewShardedStore(), flows([]string{"m.login.dummy"}), newFake("m.login.dummy"))

	out, _, err := attempt(t, o, registerEP, nil)
	require.NoError(t, err)
	sid := out.Challenge.Session
	out, req, err := attempt(t, o, registerEP, map[string]any{"type": "m.login.dummy", "session": sid})
	require.NoError(t, err)
	require.True(t, out.Satisfied)

	// Polling a satisfied session works until its hooks have fired.
	out, _, err = attempt(t, o, registerEP, map[string]any{"session": sid})
	require.NoError(t, err)
	require.True(t, out.Satisfied)

	require.NoError(t, o.Complete(t.Context(), req, "@new:x"))
	_, _, err = attempt(t, o, registerEP, map[string]any{"session": sid})
	require.ErrorIs(t, err, uia.ErrUnknownSession)
	assert.Equal(t, http.StatusBadRequest, uia.AsError(err).Status)
}
