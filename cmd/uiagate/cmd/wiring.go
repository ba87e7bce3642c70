package cmd

import (
	"bufio"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/uptrace/bun"

	"github.com/jmcleod/uiagate/bridge"
	"github.com/jmcleod/uiagate/bsspeke"
	"github.com/jmcleod/uiagate/checker"
	"github.com/jmcleod/uiagate/homeserver"
	"github.com/jmcleod/uiagate/internal/config"
	"github.com/jmcleod/uiagate/internal/util"
	"github.com/jmcleod/uiagate/mailer"
	bboltstorage "github.com/jmcleod/uiagate/storage/bbolt"
	"github.com/jmcleod/uiagate/storage/bunx"
	"github.com/jmcleod/uiagate/storage/sqlstore"
	"github.com/jmcleod/uiagate/uia"
)

const (
	upstreamTimeout = 15 * time.Second

	minSessionKeyLength = 16
	sessionKeyInfo      = "uiagate bolt sessions v1"
)

// openStore connects to the configured database and applies migrations.
func openStore(ctx context.Context, c *config.Config, logger *slog.Logger) (*bun.DB, *sqlstore.Store, error) {
	if bunx.DetectDatabaseType(c.Database.URL) != bunx.DatabaseTypePostgreSQL {
		if err := os.MkdirAll(c.Server.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := bunx.NewDB(ctx, c.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := sqlstore.Migrate(ctx, db, logger); err != nil {
		bunx.Close(db)
		return nil, nil, err
	}
	return db, sqlstore.New(db), nil
}

// sessionStore returns the configured UIA session store and a function that
// releases it.
func sessionStore(c *config.Config, logger *slog.Logger) (uia.Store, func() error, error) {
	if c.Sessions.Store != config.SessionStoreBolt {
		return uia.NewShardedStore(), func() error { return nil }, nil
	}
	secret, err := util.HexDecode(c.Sessions.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sessions.encryption_key is not hex: %w", err)
	}
	if len(secret) < minSessionKeyLength {
		return nil, nil, fmt.Errorf("sessions.encryption_key must be at least %d bytes", minSessionKeyLength)
	}
	key, err := util.DeriveKey(secret, nil, sessionKeyInfo)
	memguard.WipeBytes(secret)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(c.Server.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := bboltstorage.NewSessionStoreFromFile(filepath.Join(c.Server.DataDir, "sessions.db"), key, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, store.Close, nil
}

// newHomeserver builds the upstream client with the backend auth secrets.
func newHomeserver(c *config.Config, logger *slog.Logger) (*homeserver.Client, error) {
	shared, err := bridge.NewSharedSecret(c.BackendAuth.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("backend_auth.shared_secret: %w", err)
	}
	opts := []homeserver.Option{
		homeserver.WithLogger(logger),
		homeserver.WithSharedSecret(shared),
		homeserver.WithHTTPClient(&http.Client{Timeout: upstreamTimeout}),
	}
	if c.AdminBackend.RegistrationSharedSecret != "" {
		reg, err := bridge.NewRegistrationSecret(c.AdminBackend.RegistrationSharedSecret)
		if err != nil {
			return nil, fmt.Errorf("admin_backend.registration_shared_secret: %w", err)
		}
		opts = append(opts, homeserver.WithRegistrationSecret(reg))
	}
	if c.AdminBackend.AdminUser != "" {
		opts = append(opts, homeserver.WithAdminUser(checker.QualifyUserID(c.AdminBackend.AdminUser, c.Matrix.Domain)))
	}
	return homeserver.New(c.Matrix.Homeserver, opts...)
}

// newSender delivers through Postmark when a token is configured and logs
// messages otherwise.
func newSender(c *config.Config, logger *slog.Logger) mailer.Sender {
	if c.UIA.Email.PostmarkToken == "" {
		logger.Warn("no postmark token configured; verification emails are only logged")
		return mailer.LogSender{Logger: logger}
	}
	return mailer.NewPostmark(c.UIA.Email.PostmarkToken,
		mailer.WithHTTPClient(&http.Client{Timeout: upstreamTimeout}))
}

// checkers holds the stage implementations built from configuration.
type checkers struct {
	password *checker.Password
	storeKit *checker.StoreKitV2
	all      []uia.Checker
}

// buildCheckers constructs every stage the gateway offers. Subscription
// providers are added only when listed in configuration.
func buildCheckers(c *config.Config, store *sqlstore.Store, sender mailer.Sender, logger *slog.Logger) (*checkers, error) {
	domain := c.Matrix.Domain

	var pwOpts []checker.PasswordOption
	if c.UIA.Password.MinLength > 0 {
		pwOpts = append(pwOpts, checker.WithMinPasswordLength(c.UIA.Password.MinLength))
	}
	if c.UIA.Password.BcryptCost > 0 {
		pwOpts = append(pwOpts, checker.WithBcryptCost(c.UIA.Password.BcryptCost))
	}
	password := checker.NewPassword(store, domain, logger, pwOpts...)

	usernames, err := checker.NewUsername(store, domain, logger)
	if err != nil {
		return nil, err
	}

	phf := bsspeke.DefaultPHFParams
	if p := c.UIA.BSSpeke.PHF; p.Name != "" {
		phf = bsspeke.PHFParams{Name: p.Name, Iterations: p.Iterations, Blocks: p.Blocks}
	}

	all := []uia.Checker{
		checker.Dummy{},
		password,
		usernames,
		checker.NewEmail(store, sender, checker.EmailConfig{From: c.UIA.Email.From, Product: c.UIA.Email.Product}, logger),
		checker.NewBSSpeke(store, domain, phf, logger),
		checker.NewRegistrationToken(store, logger),
		checker.NewTerms(store, c.UIA.Terms, logger),
	}

	providers, err := subscriptionProviders(c, store, logger)
	if err != nil {
		return nil, err
	}
	built := &checkers{password: password}
	for _, p := range providers {
		if sk, ok := p.(*checker.StoreKitV2); ok {
			built.storeKit = sk
		}
	}
	if len(providers) > 0 {
		all = append(all, checker.NewSubscriptions(logger, providers...))
	}
	built.all = all
	return built, nil
}

func subscriptionProviders(c *config.Config, store *sqlstore.Store, logger *slog.Logger) ([]checker.SubscriptionProvider, error) {
	sc := c.UIA.Subscriptions
	client := &http.Client{Timeout: upstreamTimeout}
	var out []checker.SubscriptionProvider

	if c.ProviderEnabled(checker.SubscriptionFree) {
		out = append(out, checker.NewFreeSubscription(store))
	}
	if c.ProviderEnabled(checker.SubscriptionAppStore) {
		out = append(out, checker.NewAppStoreReceipt(store, checker.AppStoreConfig{
			Products:      sc.Products,
			SharedSecret:  sc.AppStore.SharedSecret,
			ProductionURL: sc.AppStore.ProductionURL,
			SandboxURL:    sc.AppStore.SandboxURL,
			GracePeriod:   sc.GracePeriod,
		}, client, logger))
	}
	if c.ProviderEnabled(checker.SubscriptionStoreKitV2) {
		roots, err := loadCertPool(sc.StoreKit.RootCertificates)
		if err != nil {
			return nil, fmt.Errorf("uia.subscriptions.storekit.root_certificates: %w", err)
		}
		out = append(out, checker.NewStoreKitV2(store, checker.StoreKitConfig{
			Apps:        sc.StoreKit.Apps,
			Products:    sc.Products,
			Environment: sc.StoreKit.Environment,
			GracePeriod: sc.GracePeriod,
			Roots:       roots,
		}, logger))
	}
	if c.ProviderEnabled(checker.SubscriptionPlayStore) {
		data, err := os.ReadFile(sc.PlayStore.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read play store service account: %w", err)
		}
		account, key, err := checker.ParseServiceAccount(data)
		if err != nil {
			return nil, err
		}
		out = append(out, checker.NewPlayStore(store, checker.PlayStoreConfig{
			PackageName:    sc.PlayStore.PackageName,
			Products:       sc.Products,
			GracePeriod:    sc.GracePeriod,
			ServiceAccount: account,
			Key:            key,
			PublisherURL:   sc.PlayStore.PublisherURL,
		}, client, logger))
	}
	return out, nil
}

func loadCertPool(paths []string) (*x509.CertPool, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one root certificate is required")
	}
	pool := x509.NewCertPool()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("%s: no PEM certificates found", p)
		}
	}
	return pool, nil
}

// readLines returns the trimmed, non-empty lines of r. Lines starting with
// # are comments.
func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func readLinesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readLines(f)
}
