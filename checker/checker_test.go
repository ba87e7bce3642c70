package checker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/uiagate/internal/uuid"
	"github.com/jmcleod/uiagate/storage/bunx"
	"github.com/jmcleod/uiagate/storage/sqlstore"
	"github.com/jmcleod/uiagate/uia"
)

const testDomain = "example.org"

var (
	registerEP = uia.Endpoint{Method: "POST", Path: "/register"}
	loginEP    = uia.Endpoint{Method: "POST", Path: "/login"}
	passwordEP = uia.Endpoint{Method: "POST", Path: "/account/password"}
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupStore(t *testing.T) (*sqlstore.Store, *testClock) {
	t.Helper()
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, "file:"+uuid.New()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(ctx, db, nil))

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return sqlstore.New(db, sqlstore.WithClock(clock.Now)), clock
}

// testSession is one UIA session in a private in-memory store.
type testSession struct {
	t       *testing.T
	ep      uia.Endpoint
	session *uia.Session
	userID  string
}

func newTestSession(t *testing.T, ep uia.Endpoint) *testSession {
	t.Helper()
	store := uia.NewShardedStore()
	id := uuid.New()
	store.Update(id, func(*uia.State) {})
	return &testSession{t: t, ep: ep, session: uia.NewSession(store, id)}
}

// bearer makes requests look like they carry userID's access token.
func (s *testSession) bearer(userID string) *testSession {
	s.userID = userID
	return s
}

func (s *testSession) request(auth map[string]any) *uia.Request {
	s.t.Helper()
	raw, err := json.Marshal(auth)
	require.NoError(s.t, err)
	return &uia.Request{
		Endpoint: s.ep,
		Session:  s.session,
		Auth:     raw,
		UserID:   s.userID,
	}
}

// check runs one stage through c and marks it complete on success, as the
// orchestrator would.
func (s *testSession) check(c uia.Checker, stage string, auth map[string]any) (bool, error) {
	s.t.Helper()
	auth["type"] = stage
	auth["session"] = s.session.ID()
	req := s.request(auth)
	req.AuthType = stage
	ok, err := c.Check(s.t.Context(), req, stage)
	if ok && err == nil {
		s.session.MarkStageComplete(stage)
	}
	return ok, err
}

func requireKind(t *testing.T, err error, kind uia.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	e := uia.AsError(err)
	assert.Equal(t, kind, e.Kind, "error: %v", err)
	if code != "" {
		assert.Equal(t, code, e.Code)
	}
}

func TestQualifyUserID(t *testing.T) {
	assert.Equal(t, "@alice:example.org", QualifyUserID("alice", testDomain))
	assert.Equal(t, "@bob:other.org", QualifyUserID("@bob:other.org", testDomain))
	assert.Equal(t, "alice", Localpart("@alice:example.org"))
	assert.Equal(t, "alice", Localpart("alice"))
}

func TestLoginUser(t *testing.T) {
	user, err := loginUser(&Identifier{Type: "m.id.user", User: "alice"}, "", testDomain)
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", user)

	user, err = loginUser(nil, "@bob:example.org", testDomain)
	require.NoError(t, err)
	assert.Equal(t, "@bob:example.org", user)

	_, err = loginUser(&Identifier{Type: "m.id.thirdparty", User: "x"}, "", testDomain)
	requireKind(t, err, uia.KindBadInput, uia.CodeUnrecognized)

	_, err = loginUser(nil, "", testDomain)
	requireKind(t, err, uia.KindBadInput, uia.CodeMissingParam)
}

func TestDummy(t *testing.T) {
	s := newTestSession(t, registerEP)
	var d Dummy
	ok, err := s.check(d, StageDummy, map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
	enrolled, err := d.IsUserEnrolled(t.Context(), "@a:example.org", StageDummy)
	require.NoError(t, err)
	assert.True(t, enrolled)
}
