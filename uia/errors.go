package uia

import (
	"errors"
	"fmt"
	"net/http"
)

// Matrix error codes used by the gateway.
const (
	CodeForbidden       = "M_FORBIDDEN"
	CodeUnknown         = "M_UNKNOWN"
	CodeUnknownToken    = "M_UNKNOWN_TOKEN"
	CodeMissingToken    = "M_MISSING_TOKEN"
	CodeBadJSON         = "M_BAD_JSON"
	CodeNotJSON         = "M_NOT_JSON"
	CodeNotFound        = "M_NOT_FOUND"
	CodeInvalidParam    = "M_INVALID_PARAM"
	CodeMissingParam    = "M_MISSING_PARAM"
	CodeInvalidUsername = "M_INVALID_USERNAME"
	CodeUserInUse       = "M_USER_IN_USE"
	CodeLimitExceeded   = "M_LIMIT_EXCEEDED"
	CodeUnrecognized    = "M_UNRECOGNIZED"
	CodeUnauthorized    = "M_UNAUTHORIZED"
	CodeThreepidAuth    = "M_THREEPID_AUTH_FAILED"
	CodeThreepidDenied  = "M_THREEPID_DENIED"
	CodeThreepidInUse   = "M_THREEPID_IN_USE"
	CodeThreepidMissing = "M_THREEPID_NOT_FOUND"
)

var (
	// ErrNoFlows means no policy flow is achievable for the user.
	ErrNoFlows = errors.New("no authentication flows available")
	// ErrUnknownSession means the client referenced a session id that was
	// never issued or has expired.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionMismatch means a session was presented for an endpoint or
	// user other than the one it was issued for.
	ErrSessionMismatch = errors.New("session was issued for a different request")
	// ErrMissingFlows means a known session carries no pinned flows.
	ErrMissingFlows = errors.New("session has no pinned flows")
	// ErrUnknownStage means a stage is referenced that no checker handles.
	ErrUnknownStage = errors.New("no checker registered for stage")
	// ErrDuplicateStage means two checkers claim the same stage id.
	ErrDuplicateStage = errors.New("stage claimed by more than one checker")
)

// Kind classifies an Error. The orchestrator and HTTP layer use it to pick
// a status code and to decide whether the cause may be shown to the client.
type Kind int

const (
	KindBadInput Kind = iota + 1
	KindAuthFailed
	KindConfig
	KindUpstream
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindBadInput:
		return "bad_input"
	case KindAuthFailed:
		return "auth_failed"
	case KindConfig:
		return "config"
	case KindUpstream:
		return "upstream"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a classified failure carrying a Matrix errcode and a message that
// is safe to return to the client. Err holds the underlying cause and is
// only ever logged.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// BadInput reports a malformed or unacceptable client submission.
func BadInput(code, format string, args ...any) *Error {
	return &Error{Kind: KindBadInput, Status: http.StatusBadRequest, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports a well-formed submission that was refused.
func Forbidden(code, format string, args ...any) *Error {
	return &Error{Kind: KindAuthFailed, Status: http.StatusForbidden, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports missing or invalid credentials.
func Unauthorized(code, format string, args ...any) *Error {
	return &Error{Kind: KindAuthFailed, Status: http.StatusUnauthorized, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Misconfigured wraps a policy or registry integrity failure.
func Misconfigured(err error) *Error {
	return &Error{Kind: KindConfig, Status: http.StatusInternalServerError, Code: CodeUnknown, Message: "server configuration error", Err: err}
}

// UpstreamFailure wraps a failure of a database or remote service.
func UpstreamFailure(err error) *Error {
	return &Error{Kind: KindUpstream, Status: http.StatusBadGateway, Code: CodeUnknown, Message: "upstream service unavailable", Err: err}
}

// Internal wraps any other server-side failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Code: CodeUnknown, Message: "internal server error", Err: err}
}

// AsError returns err as an *Error, classifying unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, ErrUnknownSession):
		return &Error{Kind: KindBadInput, Status: http.StatusBadRequest, Code: CodeUnknown, Message: "unknown session", Err: err}
	case errors.Is(err, ErrSessionMismatch):
		return &Error{Kind: KindAuthFailed, Status: http.StatusForbidden, Code: CodeForbidden, Message: "requested operation has changed during the authentication session", Err: err}
	case errors.Is(err, ErrNoFlows):
		return &Error{Kind: KindAuthFailed, Status: http.StatusForbidden, Code: CodeForbidden, Message: "no authentication flows available for this user", Err: err}
	case errors.Is(err, ErrMissingFlows), errors.Is(err, ErrUnknownStage), errors.Is(err, ErrDuplicateStage):
		return Misconfigured(err)
	}
	return Internal(err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
