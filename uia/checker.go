package uia

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/mold/v4/modifiers"
	"github.com/go-playground/validator/v10"
)

// Endpoint identifies the privileged operation a UIA attempt protects.
type Endpoint struct {
	Method string
	Path   string
}

// IsRegistration reports whether the endpoint creates an account.
func (e Endpoint) IsRegistration() bool {
	return strings.HasSuffix(e.Path, "/register")
}

// IsLogin reports whether the endpoint issues an access token.
func (e Endpoint) IsLogin() bool {
	return strings.HasSuffix(e.Path, "/login")
}

func (e Endpoint) String() string {
	return e.Method + " " + e.Path
}

// Request is one inbound UIA submission as seen by a Checker.
type Request struct {
	Endpoint Endpoint
	Session  *Session
	// AuthType is the stage named by auth.type, empty on first contact.
	AuthType string
	// Auth is the raw auth dict.
	Auth json.RawMessage
	// Body is the full request body minus the auth dict.
	Body   map[string]json.RawMessage
	Header http.Header
	// UserID is set when the caller presented a valid access token.
	UserID     string
	RemoteAddr string
}

// KnownUserID returns the bearer user if present, otherwise the user id
// learned earlier in the session.
func (r *Request) KnownUserID() string {
	if r.UserID != "" {
		return r.UserID
	}
	if r.Session == nil {
		return ""
	}
	id, _ := UserIDKey.Get(r.Session)
	return id
}

var (
	authValidator = newAuthValidator()
	authModifier  = modifiers.New()
)

func newAuthValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeAuth unmarshals the auth dict into dst, applies `mod` tags and then
// checks `validate` tags. Every failure is a BadInput error.
func (r *Request) DecodeAuth(ctx context.Context, dst any) error {
	if len(r.Auth) == 0 {
		return BadInput(CodeMissingParam, "missing auth dict")
	}
	if err := json.Unmarshal(r.Auth, dst); err != nil {
		e := BadInput(CodeBadJSON, "malformed auth dict")
		e.Err = err
		return e
	}
	if err := authModifier.Struct(ctx, dst); err != nil {
		e := BadInput(CodeBadJSON, "malformed auth dict")
		e.Err = err
		return e
	}
	if err := authValidator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return BadInput(CodeMissingParam, "missing parameter %q", fe.Field())
			}
			return BadInput(CodeInvalidParam, "invalid parameter %q", fe.Field())
		}
		e := BadInput(CodeBadJSON, "malformed auth dict")
		e.Err = err
		return e
	}
	return nil
}

// Checker implements one or more UIA stages.
//
// Check returns (false, nil) for a well-formed but wrong submission. Malformed
// input and protocol violations are reported as an *Error of kind BadInput;
// anything else as an error of another kind.
type Checker interface {
	SupportedAuthTypes() []string
	Params(ctx context.Context, session *Session, stage, userID string) (map[string]any, error)
	Check(ctx context.Context, req *Request, stage string) (bool, error)
	OnSuccess(ctx context.Context, req *Request, stage, userID string) error
	OnLoggedIn(ctx context.Context, req *Request, stage, userID string) error
	OnEnrolled(ctx context.Context, req *Request, stage, userID string) error
	IsUserEnrolled(ctx context.Context, userID, stage string) (bool, error)
	IsRequired(ctx context.Context, userID string, endpoint Endpoint, stage string) (bool, error)
	OnUnenrolled(ctx context.Context, req *Request, userID string) error
}

// NopHooks provides no-op lifecycle hooks for embedding in checkers that
// persist nothing.
type NopHooks struct{}

func (NopHooks) OnSuccess(context.Context, *Request, string, string) error  { return nil }
func (NopHooks) OnLoggedIn(context.Context, *Request, string, string) error { return nil }
func (NopHooks) OnEnrolled(context.Context, *Request, string, string) error { return nil }
func (NopHooks) OnUnenrolled(context.Context, *Request, string) error       { return nil }
