// Package homeserver talks to the upstream Matrix homeserver on behalf of
// authenticated clients.
package homeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/uiagate/bridge"
	"github.com/jmcleod/uiagate/internal/util"
)

const maxResponseBody = 8 << 20

var (
	// ErrUnknownToken means the homeserver rejected an access token.
	ErrUnknownToken = errors.New("homeserver: unknown access token")
	// ErrNoAdmin means an admin API call was attempted without an admin
	// user configured.
	ErrNoAdmin = errors.New("homeserver: no admin user configured")
	// ErrNoRegistrationSecret means registration was attempted without the
	// homeserver's registration shared secret.
	ErrNoRegistrationSecret = errors.New("homeserver: no registration shared secret configured")
)

// Error is a non-success answer from the homeserver.
type Error struct {
	StatusCode int
	Errcode    string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *Error) Error() string {
	if e.Errcode != "" {
		return fmt.Sprintf("homeserver returned %d %s: %s", e.StatusCode, e.Errcode, e.Message)
	}
	return fmt.Sprintf("homeserver returned %d", e.StatusCode)
}

// Response is a buffered homeserver response, relayed to the client as is.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Relay copies the response to w.
func (r *Response) Relay(w http.ResponseWriter) {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(r.StatusCode)
	_, _ = w.Write(r.Body)
}

// Client is an HTTP client for one homeserver.
type Client struct {
	base         *url.URL
	http         *http.Client
	login        *bridge.SharedSecret
	registration *bridge.RegistrationSecret
	adminUser    string
	logger       *slog.Logger

	mu         sync.Mutex
	adminToken string
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSharedSecret enables shared-secret logins.
func WithSharedSecret(s *bridge.SharedSecret) Option {
	return func(c *Client) { c.login = s }
}

// WithRegistrationSecret enables account creation through the admin
// registration API.
func WithRegistrationSecret(s *bridge.RegistrationSecret) Option {
	return func(c *Client) { c.registration = s }
}

// WithAdminUser names the homeserver admin the gateway logs in as, through
// the shared-secret login, for admin API calls.
func WithAdminUser(userID string) Option {
	return func(c *Client) { c.adminUser = userID }
}

// New returns a client for the homeserver at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing homeserver url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("homeserver url %q must be http or https", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the homeserver base URL.
func (c *Client) URL() *url.URL {
	u := *c.base
	return &u
}

func (c *Client) endpoint(path, rawQuery string) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = rawQuery
	return u.String()
}

// skipHeaders are not copied onto forwarded requests. Accept-Encoding is
// dropped so the body arrives uncompressed and can be relayed verbatim.
var skipHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Host":              true,
	"Accept-Encoding":   true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func (c *Client) do(ctx context.Context, method, path, rawQuery string, header http.Header, body any) (*Response, error) {
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, rawQuery), rd)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		if skipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	c.logger.DebugContext(ctx, "homeserver request", "method", method, "path", path, "status", resp.StatusCode)
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// decode unmarshals a 2xx response into out, or turns any other status
// into an *Error.
func decode(resp *Response, out any) error {
	if !resp.OK() {
		e := &Error{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(resp.Body, e)
		return e
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decoding homeserver response: %w", err)
	}
	return nil
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

// Whoami resolves an access token to its user id.
func (c *Client) Whoami(ctx context.Context, accessToken string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", "", bearer(accessToken), nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrUnknownToken
	}
	var out struct {
		UserID string `json:"user_id"`
	}
	if err := decode(resp, &out); err != nil {
		return "", err
	}
	if out.UserID == "" {
		return "", errors.New("homeserver whoami returned no user_id")
	}
	return out.UserID, nil
}

// loginDropFields are removed from a client login body before it is
// replaced by a shared-secret login.
var loginDropFields = []string{"auth", "type", "identifier", "user", "password", "token", "medium", "address"}

// Login performs a shared-secret login as userID at path, keeping the
// client's device and refresh-token fields from body.
func (c *Client) Login(ctx context.Context, path, userID string, body map[string]json.RawMessage, header http.Header) (*Response, error) {
	if c.login == nil {
		return nil, errors.New("homeserver: no login shared secret configured")
	}
	lb, err := c.login.Login(userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(body)+3)
	for k, v := range body {
		out[k] = v
	}
	for _, k := range loginDropFields {
		delete(out, k)
	}
	out["type"] = lb.Type
	out["identifier"] = lb.Identifier
	out["token"] = lb.Token
	return c.do(ctx, http.MethodPost, path, "", header, out)
}

// RegisterRequest carries the client fields kept when registering through
// the admin API.
type RegisterRequest struct {
	Username                 string `json:"username"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
	InhibitLogin             bool   `json:"inhibit_login,omitempty"`
	RefreshToken             bool   `json:"refresh_token,omitempty"`
}

type sharedSecretRegisterBody struct {
	RegisterRequest
	Nonce    string `json:"nonce"`
	Password string `json:"password"`
	MAC      string `json:"mac"`
	Admin    bool   `json:"admin"`
}

// Register creates an account through the Synapse shared-secret
// registration API. The account gets a random password nobody knows; the
// gateway holds the real credentials. It returns the homeserver response
// and, on success, the new user id.
func (c *Client) Register(ctx context.Context, r RegisterRequest) (*Response, string, error) {
	if c.registration == nil {
		return nil, "", ErrNoRegistrationSecret
	}
	nonceResp, err := c.do(ctx, http.MethodGet, "/_synapse/admin/v1/register", "", nil, nil)
	if err != nil {
		return nil, "", err
	}
	var nonce struct {
		Nonce string `json:"nonce"`
	}
	if err := decode(nonceResp, &nonce); err != nil {
		return nil, "", fmt.Errorf("fetching registration nonce: %w", err)
	}

	password, err := util.RandomHex(16)
	if err != nil {
		return nil, "", fmt.Errorf("generating password: %w", err)
	}
	mac, err := c.registration.MAC(nonce.Nonce, r.Username, password, false)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(ctx, http.MethodPost, "/_synapse/admin/v1/register", "", nil, sharedSecretRegisterBody{
		RegisterRequest: r,
		Nonce:           nonce.Nonce,
		Password:        password,
		MAC:             mac,
	})
	if err != nil {
		return nil, "", err
	}
	if !resp.OK() {
		return resp, "", nil
	}
	var out struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, "", fmt.Errorf("decoding registration response: %w", err)
	}
	if out.UserID == "" {
		return nil, "", errors.New("registration response has no user_id")
	}
	return resp, out.UserID, nil
}

// Forward relays a request to the homeserver unchanged apart from body.
func (c *Client) Forward(ctx context.Context, method, path, rawQuery string, header http.Header, body []byte) (*Response, error) {
	return c.do(ctx, method, path, rawQuery, header, body)
}

// ReverseProxy returns a handler that passes requests straight through to
// the homeserver.
func (c *Client) ReverseProxy() http.Handler {
	target := c.URL()
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
			r.Out.Host = target.Host
		},
		Transport: c.http.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			c.logger.ErrorContext(r.Context(), "proxy to homeserver failed", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN","error":"homeserver unavailable"}`))
		},
	}
}
