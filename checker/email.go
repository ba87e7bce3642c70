package checker

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jmcleod/uiagate/internal/util"
	"github.com/jmcleod/uiagate/mailer"
	"github.com/jmcleod/uiagate/uia"
)

const (
	StageEmailEnrollRequest = "m.enroll.email.request_token"
	StageEmailEnrollSubmit  = "m.enroll.email.submit_token"
	StageEmailLoginRequest  = "m.login.email.request_token"
	StageEmailLoginSubmit   = "m.login.email.submit_token"

	emailCodeLength = 6
	// maxCodeAttempts wrong submissions discard the code; the client must
	// start a new session to get another.
	maxCodeAttempts = 5
)

// EmailStore persists users' verified addresses.
type EmailStore interface {
	ListEmailAddresses(ctx context.Context, userID string) ([]string, error)
	EmailOwner(ctx context.Context, email string) (string, error)
	AddEmailAddress(ctx context.Context, userID, email string) error
	DeleteEmailAddresses(ctx context.Context, userID string) error
}

// EmailConfig sets the sender identity for verification mail.
type EmailConfig struct {
	From    string
	Product string
}

// Email implements one-time-code email verification for enrollment and
// login.
type Email struct {
	store  EmailStore
	sender mailer.Sender
	cfg    EmailConfig
	logger *slog.Logger
}

var _ uia.Checker = (*Email)(nil)

func NewEmail(store EmailStore, sender mailer.Sender, cfg EmailConfig, logger *slog.Logger) *Email {
	if logger == nil {
		logger = slog.Default()
	}
	return &Email{store: store, sender: sender, cfg: cfg, logger: logger}
}

func (e *Email) SupportedAuthTypes() []string {
	return []string{StageEmailEnrollRequest, StageEmailEnrollSubmit, StageEmailLoginRequest, StageEmailLoginSubmit}
}

func (e *Email) Params(ctx context.Context, _ *uia.Session, stage, userID string) (map[string]any, error) {
	if stage != StageEmailLoginRequest || userID == "" {
		return nil, nil
	}
	addrs, err := e.store.ListEmailAddresses(ctx, userID)
	if err != nil {
		return nil, storeError("list email addresses", err)
	}
	return map[string]any{"addresses": addrs}, nil
}

type requestTokenAuth struct {
	Email string `json:"email" mod:"trim,lcase" validate:"required,email"`
}

type submitTokenAuth struct {
	Token string `json:"token" mod:"trim" validate:"required"`
}

func codeKey(requestStage string) uia.Key[string] {
	return uia.StageKey[string](requestStage, "token")
}

func emailKey(requestStage string) uia.Key[string] {
	return uia.StageKey[string](requestStage, "email")
}

func attemptsKey(requestStage string) uia.Key[int] {
	return uia.StageKey[int](requestStage, "attempts")
}

// ownerKey holds the account an address belongs to until its code is
// verified.
func ownerKey(requestStage string) uia.Key[string] {
	return uia.StageKey[string](requestStage, "owner")
}

func (e *Email) Check(ctx context.Context, req *uia.Request, stage string) (bool, error) {
	switch stage {
	case StageEmailEnrollRequest, StageEmailLoginRequest:
		return e.requestToken(ctx, req, stage)
	case StageEmailEnrollSubmit:
		return e.submitToken(ctx, req, StageEmailEnrollRequest)
	case StageEmailLoginSubmit:
		return e.submitToken(ctx, req, StageEmailLoginRequest)
	default:
		return false, unsupported(stage)
	}
}

func (e *Email) requestToken(ctx context.Context, req *uia.Request, stage string) (bool, error) {
	var auth requestTokenAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}

	if stage == StageEmailLoginRequest {
		ok, err := e.ownsAddress(ctx, req, auth.Email)
		if err != nil || !ok {
			return false, err
		}
	}

	code, err := util.RandomDigits(emailCodeLength)
	if err != nil {
		return false, uia.Internal(fmt.Errorf("generating email code: %w", err))
	}
	msg := mailer.VerificationCode(e.cfg.From, auth.Email, e.cfg.Product, code)
	if err := e.sender.Send(ctx, msg); err != nil {
		return false, uia.UpstreamFailure(fmt.Errorf("sending verification email: %w", err))
	}

	codeKey(stage).Set(req.Session, code)
	emailKey(stage).Set(req.Session, auth.Email)
	e.logger.DebugContext(ctx, "sent email verification code", "session", req.Session.ID(), "stage", stage)
	return true, nil
}

// ownsAddress checks that email belongs to the session's user. When the
// user is not yet known the owner is remembered and becomes the session's
// user once the code is verified.
func (e *Email) ownsAddress(ctx context.Context, req *uia.Request, email string) (bool, error) {
	userID := req.KnownUserID()
	if userID == "" {
		owner, err := e.store.EmailOwner(ctx, email)
		if isNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, storeError("look up email owner", err)
		}
		ownerKey(StageEmailLoginRequest).Set(req.Session, owner)
		return true, nil
	}
	addrs, err := e.store.ListEmailAddresses(ctx, userID)
	if err != nil {
		return false, storeError("list email addresses", err)
	}
	return slices.Contains(addrs, email), nil
}

func (e *Email) submitToken(ctx context.Context, req *uia.Request, requestStage string) (bool, error) {
	var auth submitTokenAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	saved, ok := codeKey(requestStage).Get(req.Session)
	if !ok {
		return false, uia.BadInput(uia.CodeInvalidParam, "no email code has been requested in this session")
	}
	if subtle.ConstantTimeCompare([]byte(saved), []byte(auth.Token)) != 1 {
		attempts, _ := attemptsKey(requestStage).Get(req.Session)
		attempts++
		attemptsKey(requestStage).Set(req.Session, attempts)
		if attempts >= maxCodeAttempts {
			codeKey(requestStage).Clear(req.Session)
			e.logger.InfoContext(ctx, "email code discarded after repeated failures", "session", req.Session.ID(), "stage", requestStage)
		}
		return false, nil
	}
	if owner, ok := ownerKey(requestStage).Get(req.Session); ok {
		if err := bindUser(req, owner); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (e *Email) OnSuccess(context.Context, *uia.Request, string, string) error { return nil }

func (e *Email) OnLoggedIn(context.Context, *uia.Request, string, string) error { return nil }

func (e *Email) OnEnrolled(ctx context.Context, req *uia.Request, stage, userID string) error {
	if stage != StageEmailEnrollSubmit {
		return nil
	}
	email, ok := emailKey(StageEmailEnrollRequest).Get(req.Session)
	if !ok {
		return nil
	}
	if err := e.store.AddEmailAddress(ctx, userID, email); err != nil {
		return storeError("save email address", err)
	}
	return nil
}

func (e *Email) OnUnenrolled(ctx context.Context, _ *uia.Request, userID string) error {
	if err := e.store.DeleteEmailAddresses(ctx, userID); err != nil {
		return storeError("delete email addresses", err)
	}
	return nil
}

func (e *Email) IsUserEnrolled(ctx context.Context, userID, stage string) (bool, error) {
	switch stage {
	case StageEmailLoginRequest, StageEmailLoginSubmit:
		addrs, err := e.store.ListEmailAddresses(ctx, userID)
		if err != nil {
			return false, storeError("list email addresses", err)
		}
		return len(addrs) > 0, nil
	default:
		return true, nil
	}
}

func (e *Email) IsRequired(context.Context, string, uia.Endpoint, string) (bool, error) {
	return true, nil
}

// SessionEmail returns the address verified for enrollment in a session.
func SessionEmail(s *uia.Session) (string, bool) {
	if !s.IsCompleted(StageEmailEnrollSubmit) {
		return "", false
	}
	return emailKey(StageEmailEnrollRequest).Get(s)
}
