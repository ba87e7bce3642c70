package cmd

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"log/slog"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/uiagate/internal/config"
	"github.com/jmcleod/uiagate/mailer"
	"github.com/jmcleod/uiagate/storage/bunx"
	"github.com/jmcleod/uiagate/uia"
)

const testConfig = `
matrix:
  domain: example.org
  homeserver: http://synapse:8008
backend_auth:
  shared_secret: test-secret
admin_backend:
  registration_shared_secret: reg-secret
  admin_user: gateway-admin
uia:
  password:
    minimum_length: 8
    bcrypt_cost: 4
  routes:
    - method: POST
      path: /register
      flows:
        - stages: [m.enroll.username, m.login.registration_token, m.enroll.password]
    - method: POST
      path: /login
      flows:
        - stages: [m.login.password]
        - stages: [m.login.bsspeke-ecc.oprf, m.login.bsspeke-ecc.verify]
        - stages: [m.login.email.request_token, m.login.email.submit_token]
    - method: POST
      path: /account/auth
      flows:
        - stages: [org.futo.subscriptions]
  subscriptions:
    providers: [org.futo.subscriptions.free_forever]
`

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := testConfig + "server:\n  data_dir: " + dir + "\ndatabase:\n  url: file:" + filepath.Join(dir, "uiagate.db") + "\n"
	path := filepath.Join(dir, "uiagate.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dir
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	tokenLifetimeDays = 0
	require.NoError(t, rootCmd.ExecuteContext(t.Context()), out.String())
	return out.String()
}

func TestBuildCheckersFromConfig(t *testing.T) {
	path, _ := writeConfig(t)
	c, err := config.Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	db, store, err := openStore(ctx, c, testLogger())
	require.NoError(t, err)
	defer bunx.Close(db)

	built, err := buildCheckers(c, store, mailer.LogSender{Logger: testLogger()}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, built.password)

	registry, err := uia.NewRegistry(built.all...)
	require.NoError(t, err)
	for _, stage := range []string{
		"m.login.dummy", "m.login.password", "m.enroll.password", "m.enroll.username",
		"m.login.registration_token", "m.login.terms", "m.login.email.submit_token",
		"m.login.bsspeke-ecc.verify", "org.futo.subscriptions",
	} {
		_, ok := registry.Lookup(stage)
		assert.True(t, ok, stage)
	}

	// Every configured stage resolves, so the policy is accepted.
	_, err = uia.New(uia.NewShardedStore(), registry, c.Policy())
	require.NoError(t, err)
}

func TestSubscriptionProvidersRequireFiles(t *testing.T) {
	path, _ := writeConfig(t)
	c, err := config.Load(path)
	require.NoError(t, err)
	c.UIA.Subscriptions.Providers = []string{"org.futo.subscription.google_play"}
	c.UIA.Subscriptions.PlayStore.ServiceAccountFile = filepath.Join(t.TempDir(), "missing.json")

	_, err = subscriptionProviders(c, nil, testLogger())
	assert.Error(t, err)

	c.UIA.Subscriptions.Providers = []string{"org.futo.subscriptions.apple_storekit_v2"}
	_, err = subscriptionProviders(c, nil, testLogger())
	assert.ErrorContains(t, err, "root certificate")
}

func writeRootPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "root.pem")
	require.NoError(t, os.WriteFile(p, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return p
}

func TestBuildCheckersExposesStoreKit(t *testing.T) {
	path, _ := writeConfig(t)
	c, err := config.Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	db, store, err := openStore(ctx, c, testLogger())
	require.NoError(t, err)
	defer bunx.Close(db)

	built, err := buildCheckers(c, store, mailer.LogSender{Logger: testLogger()}, testLogger())
	require.NoError(t, err)
	assert.Nil(t, built.storeKit)

	c.UIA.Subscriptions.Providers = []string{"org.futo.subscriptions.apple_storekit_v2"}
	c.UIA.Subscriptions.StoreKit.RootCertificates = []string{writeRootPEM(t)}
	built, err = buildCheckers(c, store, mailer.LogSender{Logger: testLogger()}, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, built.storeKit)
}

func TestLoadCertPoolRejectsNonPEM(t *testing.T) {
	p := filepath.Join(t.TempDir(), "root.pem")
	require.NoError(t, os.WriteFile(p, []byte("not a certificate"), 0o600))
	_, err := loadCertPool([]string{p})
	assert.ErrorContains(t, err, "no PEM certificates")
}

func TestSessionStoreSelection(t *testing.T) {
	path, dir := writeConfig(t)
	c, err := config.Load(path)
	require.NoError(t, err)

	store, closeFn, err := sessionStore(c, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &uia.ShardedStore{}, store)
	require.NoError(t, closeFn())

	c.Sessions.Store = config.SessionStoreBolt
	c.Sessions.EncryptionKey = "zz"
	_, _, err = sessionStore(c, testLogger())
	assert.Error(t, err)

	c.Sessions.EncryptionKey = hex.EncodeToString(bytes.Repeat([]byte{7}, 32))
	store, closeFn, err = sessionStore(c, testLogger())
	require.NoError(t, err)
	store.Set("abc", uia.State{})
	require.NoError(t, closeFn())
	assert.FileExists(t, filepath.Join(dir, "sessions.db"))
}

func TestNewHomeserver(t *testing.T) {
	path, _ := writeConfig(t)
	c, err := config.Load(path)
	require.NoError(t, err)

	hs, err := newHomeserver(c, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "synapse:8008", hs.URL().Host)
}

func TestNewLimiterDefaultsToMemory(t *testing.T) {
	path, _ := writeConfig(t)
	c, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter, closeFn, err := newLimiter(ctx, c, testLogger())
	require.NoError(t, err)
	defer closeFn()

	d, err := limiter.Check(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.Zero(t, d)

	c.Redis.URL = "not-a-url"
	_, _, err = newLimiter(ctx, c, testLogger())
	assert.Error(t, err)
}

func TestParseSlots(t *testing.T) {
	n, err := parseSlots("3")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = parseSlots("unlimited")
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt32, n)

	for _, bad := range []string{"-1", "x", "2147483647"} {
		_, err := parseSlots(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("alpha\n\n  beta  \n# comment\ngamma"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, lines)
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("warn").Enabled(ctx, slog.LevelInfo))
	assert.True(t, newLogger("bogus").Enabled(ctx, slog.LevelInfo))
	assert.False(t, newLogger("bogus").Enabled(ctx, slog.LevelDebug))
}

func TestAdminCommands(t *testing.T) {
	path, dir := writeConfig(t)

	out := run(t, "--config", path, "create-token", "welcome", "@admin:example.org", "2", "--lifetime", "7")
	assert.Contains(t, out, "Created registration token welcome")

	out = run(t, "--config", path, "create-token", "open", "@admin:example.org", "unlimited")
	assert.Contains(t, out, "open")

	out = run(t, "--config", path, "list-tokens")
	assert.Contains(t, out, "welcome")
	assert.Contains(t, out, "unlimited")
	assert.Contains(t, out, "never")

	out = run(t, "--config", path, "set-password", "alice", "correct horse")
	assert.Contains(t, out, "@alice:example.org")

	words := filepath.Join(dir, "badwords.txt")
	require.NoError(t, os.WriteFile(words, []byte("Badword\n# comment\nworse\n"), 0o600))
	out = run(t, "--config", path, "load-badwords", words)
	assert.Contains(t, out, "2 read")

	reserved := filepath.Join(dir, "reserved.txt")
	require.NoError(t, os.WriteFile(reserved, []byte("admin\nsupport\n"), 0o600))
	out = run(t, "--config", path, "load-reserved-usernames", reserved)
	assert.Contains(t, out, "2 read")

	out = run(t, "--config", path, "db", "status")
	assert.Contains(t, out, "applied")
}

func TestVersionCommand(t *testing.T) {
	out := run(t, "version")
	assert.Equal(t, Version+"\n", out)
}
