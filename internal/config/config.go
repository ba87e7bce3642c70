// Package config loads the gateway configuration from a YAML file with
// environment overrides for secrets and deployment values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/uiagate/checker"
	"github.com/jmcleod/uiagate/uia"
)

// DefaultPaths are searched in order when no config file is named.
var DefaultPaths = []string{"/etc/uiagate/uiagate.yml", "./uiagate.yml"}

const (
	SessionStoreMemory = "memory"
	SessionStoreBolt   = "bolt"
)

// Config holds the application configuration.
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	Server       ServerConfig       `yaml:"server"`
	Matrix       MatrixConfig       `yaml:"matrix"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	BackendAuth  BackendAuthConfig  `yaml:"backend_auth"`
	AdminBackend AdminBackendConfig `yaml:"admin_backend"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Audit        AuditConfig        `yaml:"audit"`
	UIA          UIAConfig          `yaml:"uia"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	DataDir     string   `yaml:"data_dir"`
	TLSCert     string   `yaml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key"`
	CORSOrigins []string `yaml:"cors_origins"`
	// TrustedProxies lists CIDRs whose forwarding headers are honoured
	// when rate limiting by client address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type MatrixConfig struct {
	// Domain is the server name in user ids (@user:domain).
	Domain string `yaml:"domain"`
	// Homeserver is the base URL of the upstream homeserver.
	Homeserver string `yaml:"homeserver"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type BackendAuthConfig struct {
	Type         string `yaml:"type"`
	SharedSecret string `yaml:"shared_secret"`
}

type AdminBackendConfig struct {
	RegistrationSharedSecret string `yaml:"registration_shared_secret"`
	AdminUser                string `yaml:"admin_user"`
}

type SessionsConfig struct {
	Store           string        `yaml:"store"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// EncryptionKey is the hex wrapping key for the bolt store.
	EncryptionKey string `yaml:"encryption_key"`
}

type RateLimitConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	BaseLockout time.Duration `yaml:"base_lockout"`
	MaxLockout  time.Duration `yaml:"max_lockout"`
}

type AuditConfig struct {
	WebhookURL        string        `yaml:"webhook_url"`
	WebhookAuthHeader string        `yaml:"webhook_auth_header"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	FailureWindow     time.Duration `yaml:"failure_window"`
}

// UIAConfig holds the flow policy and per-checker settings.
type UIAConfig struct {
	DefaultFlows  []uia.Flow                     `yaml:"default_flows"`
	Routes        []uia.Route                    `yaml:"routes"`
	Password      PasswordConfig                 `yaml:"password"`
	Email         EmailConfig                    `yaml:"email"`
	BSSpeke       BSSpekeConfig                  `yaml:"bsspeke"`
	Terms         map[string]checker.TermsPolicy `yaml:"terms"`
	Subscriptions SubscriptionsConfig            `yaml:"subscriptions"`
}

type PasswordConfig struct {
	MinLength  int `yaml:"minimum_length"`
	BcryptCost int `yaml:"bcrypt_cost"`
}

type EmailConfig struct {
	From          string `yaml:"from"`
	Product       string `yaml:"product"`
	PostmarkToken string `yaml:"postmark_token"`
}

type BSSpekeConfig struct {
	PHF struct {
		Name       string `yaml:"name"`
		Iterations uint32 `yaml:"iterations"`
		Blocks     uint32 `yaml:"blocks"`
	} `yaml:"phf_params"`
}

type SubscriptionsConfig struct {
	// Providers lists enabled subscription types by their auth type.
	Providers   []string          `yaml:"providers"`
	Products    []checker.Product `yaml:"products"`
	GracePeriod time.Duration     `yaml:"grace_period"`
	AppStore    AppStoreConfig    `yaml:"app_store"`
	StoreKit    StoreKitConfig    `yaml:"storekit"`
	PlayStore   PlayStoreConfig   `yaml:"play_store"`
}

type AppStoreConfig struct {
	SharedSecret  string `yaml:"shared_secret"`
	ProductionURL string `yaml:"production_url"`
	SandboxURL    string `yaml:"sandbox_url"`
}

type StoreKitConfig struct {
	Apps        []checker.StoreKitApp `yaml:"apps"`
	Environment string                `yaml:"environment"`
	// RootCertificates are paths to PEM files with Apple's root CAs.
	RootCertificates []string `yaml:"root_certificates"`
}

type PlayStoreConfig struct {
	PackageName        string `yaml:"package_name"`
	ServiceAccountFile string `yaml:"service_account_file"`
	PublisherURL       string `yaml:"publisher_url"`
}

// Load reads the file at path, or the first of DefaultPaths that exists
// when path is empty, then applies environment overrides and defaults and
// validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		for _, p := range DefaultPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
		if path == "" {
			return nil, fmt.Errorf("no configuration file found in %s", strings.Join(DefaultPaths, ", "))
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config data, applies overrides and defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.URL = getEnv("UIAGATE_DATABASE_URL", c.Database.URL)
	c.Redis.URL = getEnv("UIAGATE_REDIS_URL", c.Redis.URL)
	c.BackendAuth.SharedSecret = getEnv("UIAGATE_SHARED_SECRET", c.BackendAuth.SharedSecret)
	c.AdminBackend.RegistrationSharedSecret = getEnv("UIAGATE_REGISTRATION_SECRET", c.AdminBackend.RegistrationSharedSecret)
	c.Sessions.EncryptionKey = getEnv("UIAGATE_SESSION_KEY", c.Sessions.EncryptionKey)
	c.UIA.Email.PostmarkToken = getEnv("UIAGATE_POSTMARK_TOKEN", c.UIA.Email.PostmarkToken)
	c.LogLevel = getEnv("UIAGATE_LOG_LEVEL", c.LogLevel)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8008
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = "./data"
	}
	if c.Database.URL == "" {
		c.Database.URL = "file:" + c.Server.DataDir + "/uiagate.db?cache=shared"
	}
	if c.BackendAuth.Type == "" {
		c.BackendAuth.Type = "shared_secret"
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = SessionStoreMemory
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = uia.DefaultSessionTTL
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = time.Minute
	}
	if c.RateLimit.MaxFailures == 0 {
		c.RateLimit.MaxFailures = 5
	}
	if c.RateLimit.BaseLockout == 0 {
		c.RateLimit.BaseLockout = time.Minute
	}
	if c.RateLimit.MaxLockout == 0 {
		c.RateLimit.MaxLockout = 15 * time.Minute
	}
	if c.Audit.FailureThreshold == 0 {
		c.Audit.FailureThreshold = 50
	}
	if c.Audit.FailureWindow == 0 {
		c.Audit.FailureWindow = 5 * time.Minute
	}
	if c.UIA.Email.Product == "" {
		c.UIA.Email.Product = c.Matrix.Domain
	}
}

// Validate reports the first problem that would stop the gateway from
// serving.
func (c *Config) Validate() error {
	if c.Matrix.Domain == "" {
		return errors.New("matrix.domain is required")
	}
	if c.Matrix.Homeserver == "" {
		return errors.New("matrix.homeserver is required")
	}
	if u, err := url.Parse(c.Matrix.Homeserver); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("matrix.homeserver %q is not an http(s) URL", c.Matrix.Homeserver)
	}
	if c.BackendAuth.Type != "shared_secret" {
		return fmt.Errorf("backend_auth.type %q is not supported", c.BackendAuth.Type)
	}
	if c.BackendAuth.SharedSecret == "" {
		return errors.New("backend_auth.shared_secret is required")
	}
	if c.Sessions.TTL <= 0 {
		return errors.New("sessions.ttl must be positive")
	}
	if c.Sessions.CleanupInterval <= 0 {
		return errors.New("sessions.cleanup_interval must be positive")
	}
	switch c.Sessions.Store {
	case SessionStoreMemory:
	case SessionStoreBolt:
		if c.Sessions.EncryptionKey == "" {
			return errors.New("sessions.encryption_key is required for the bolt store")
		}
	default:
		return fmt.Errorf("sessions.store %q must be %q or %q", c.Sessions.Store, SessionStoreMemory, SessionStoreBolt)
	}
	if c.RateLimit.MaxFailures < 0 || c.RateLimit.BaseLockout < 0 || c.RateLimit.MaxLockout < c.RateLimit.BaseLockout {
		return errors.New("rate_limit values are inconsistent")
	}
	if err := validateFlows("uia.default_flows", c.UIA.DefaultFlows); err != nil {
		return err
	}
	for i, r := range c.UIA.Routes {
		where := fmt.Sprintf("uia.routes[%d]", i)
		if r.Method == "" || r.Path == "" {
			return fmt.Errorf("%s: method and path are required", where)
		}
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("%s: path %q must start with /", where, r.Path)
		}
		if len(r.Flows) == 0 {
			return fmt.Errorf("%s: at least one flow is required", where)
		}
		if err := validateFlows(where, r.Flows); err != nil {
			return err
		}
	}
	for _, p := range c.UIA.Subscriptions.Providers {
		switch p {
		case checker.SubscriptionFree, checker.SubscriptionAppStore, checker.SubscriptionStoreKitV2, checker.SubscriptionPlayStore:
		default:
			return fmt.Errorf("uia.subscriptions.providers: unknown provider %q", p)
		}
	}
	return nil
}

func validateFlows(where string, flows []uia.Flow) error {
	for i, f := range flows {
		if len(f.Stages) == 0 {
			return fmt.Errorf("%s: flow %d has no stages", where, i)
		}
		for _, s := range f.Stages {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s: flow %d has an empty stage id", where, i)
			}
		}
	}
	return nil
}

// Policy returns the flow policy described by the uia section.
func (c *Config) Policy() uia.Policy {
	return uia.Policy{Routes: c.UIA.Routes, Default: c.UIA.DefaultFlows}
}

// ProviderEnabled reports whether a subscription provider is listed.
func (c *Config) ProviderEnabled(provider string) bool {
	for _, p := range c.UIA.Subscriptions.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
