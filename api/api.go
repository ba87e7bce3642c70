package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/uiagate/homeserver"
	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

// Homeserver is the upstream Matrix server as seen by the handlers.
type Homeserver interface {
	Whoami(ctx context.Context, accessToken string) (string, error)
	Login(ctx context.Context, path, userID string, body map[string]json.RawMessage, header http.Header) (*homeserver.Response, error)
	Register(ctx context.Context, r homeserver.RegisterRequest) (*homeserver.Response, string, error)
	IsAdmin(ctx context.Context, accessToken, userID string) (bool, error)
	Deactivate(ctx context.Context, userID string, erase bool) error
	AddEmail(ctx context.Context, userID, address string) error
	Forward(ctx context.Context, method, path, rawQuery string, header http.Header, body []byte) (*homeserver.Response, error)
	ReverseProxy() http.Handler
}

// TokenStore manages registration tokens for the admin API.
type TokenStore interface {
	CreateRegistrationToken(ctx context.Context, rt *storage.RegistrationToken) error
	GetRegistrationToken(ctx context.Context, token string) (*storage.RegistrationToken, error)
	ListRegistrationTokens(ctx context.Context) ([]storage.RegistrationToken, error)
	UpdateRegistrationToken(ctx context.Context, rt *storage.RegistrationToken) error
	DeleteRegistrationToken(ctx context.Context, token string) error
	RegistrationTokenUsage(ctx context.Context, token string) (pending, completed int, err error)
}

// PasswordSetter stores a new local password for a user.
type PasswordSetter interface {
	SetPassword(ctx context.Context, userID, password string) error
}

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	orch      *uia.Orchestrator
	hs        Homeserver
	proxy     http.Handler
	tokens    TokenStore
	passwords PasswordSetter
	limiter   FailureLimiter
	appStore  AppStoreNotifier
	audit     *auditLogger
	logger    *slog.Logger
	now       func() time.Time

	trustedProxies []netip.Prefix

	webhookURL    string
	webhookHeader string
	alertFn       AlertFunc
	alertWindow   time.Duration
	alertCount    int
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for requests and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithLimiter replaces the in-memory failure limiter.
func WithLimiter(l FailureLimiter) Option {
	return func(a *API) {
		if l != nil {
			a.limiter = l
		}
	}
}

// WithTrustedProxies configures the proxies whose forwarding headers name
// the client address. Entries are CIDRs or bare addresses.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes, err := parseTrustedProxies(cidrs)
	if err != nil {
		return nil, err
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// WithAuditWebhook forwards audit events to url. header has the form
// "Name: value" and may be empty.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = header
	}
}

// WithAlertFunc enables failure-spike alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithFailureAlert sets how many failed stage attempts inside window raise
// an alert.
func WithFailureAlert(threshold int, window time.Duration) Option {
	return func(a *API) {
		a.alertCount = threshold
		a.alertWindow = window
	}
}

// New creates a new API instance.
func New(orch *uia.Orchestrator, hs Homeserver, tokens TokenStore, passwords PasswordSetter, opts ...Option) *API {
	a := &API{
		orch:      orch,
		hs:        hs,
		tokens:    tokens,
		passwords: passwords,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.limiter == nil {
		a.limiter = NewMemoryLimiter(DefaultLimitPolicy)
	}
	if hs != nil {
		a.proxy = hs.ReverseProxy()
	}

	a.audit = newAuditLogger(a.logger)
	a.audit.clientIP = a.extractClientIP
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
		if a.alertCount > 0 {
			a.audit.metrics.stageFailures.threshold = a.alertCount
		}
		if a.alertWindow > 0 {
			a.audit.metrics.stageFailures.window = a.alertWindow
		}
	}
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
	}
	return a
}

// Close flushes the audit webhook.
func (a *API) Close() {
	if a.audit != nil {
		a.audit.close()
	}
}

// Router returns a chi.Router with all gateway routes mounted. Requests no
// route claims are proxied to the homeserver.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.NotFound(a.passthrough)
	r.MethodNotAllowed(a.passthrough)

	r.Get("/health", a.Health)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Route("/_matrix/client/{version}", func(r chi.Router) {
		r.NotFound(a.passthrough)
		r.MethodNotAllowed(a.passthrough)

		r.Group(func(r chi.Router) {
			r.Use(a.SecurityHeaders)
			r.Get("/login", a.LoginFlows)
			r.Post("/login", a.Login)
			r.Post("/register", a.Register)

			r.With(a.BearerAuth).Post("/account/deactivate", a.Deactivate)
			r.With(a.BearerAuth).Post("/account/password", a.ChangePassword)
			r.With(a.BearerAuth).Post("/account/auth", a.Reauthenticate)
			r.With(a.BearerAuth).Post("/auth/subscription", a.Reauthenticate)
		})
	})

	r.With(a.SecurityHeaders).Post("/_swiclops/subscriptions/apple/{version}/notify", a.AppStoreNotification)

	r.Route("/_synapse/admin/{version}/registration_tokens", func(r chi.Router) {
		r.NotFound(a.passthrough)
		r.MethodNotAllowed(a.passthrough)

		r.Group(func(r chi.Router) {
			r.Use(a.SecurityHeaders, a.BearerAuth, a.RequireAdmin)
			r.Get("/", a.ListRegistrationTokens)
			r.Post("/new", a.CreateRegistrationToken)
			r.Get("/{token}", a.GetRegistrationToken)
			r.Put("/{token}", a.UpdateRegistrationToken)
			r.Delete("/{token}", a.DeleteRegistrationToken)
		})
	})

	return r
}

// Health reports liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
