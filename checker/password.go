package checker

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

const (
	StagePasswordLogin  = "m.login.password"
	StagePasswordEnroll = "m.enroll.password"

	// DefaultMinPasswordLength applies when no minimum is configured.
	DefaultMinPasswordLength = 8
	// MaxPasswordBytes is the longest input bcrypt accepts.
	MaxPasswordBytes = 72
)

var passwordDigestKey = uia.StageKey[string](StagePasswordEnroll, "digest")

// PasswordStore persists password digests.
type PasswordStore interface {
	GetPasswordHash(ctx context.Context, userID string) (*storage.PasswordHash, error)
	SetPasswordHash(ctx context.Context, userID, hashFunc, digest string) error
	DeletePasswordHash(ctx context.Context, userID string) error
}

// Password implements password login and enrollment against locally stored
// bcrypt digests.
type Password struct {
	store     PasswordStore
	domain    string
	minLength int
	cost      int
	logger    *slog.Logger
}

var _ uia.Checker = (*Password)(nil)

// PasswordOption configures a Password checker.
type PasswordOption func(*Password)

// WithMinPasswordLength sets the minimum length for new passwords.
func WithMinPasswordLength(n int) PasswordOption {
	return func(p *Password) {
		if n > 0 {
			p.minLength = n
		}
	}
}

// WithBcryptCost sets the bcrypt work factor for new digests.
func WithBcryptCost(cost int) PasswordOption {
	return func(p *Password) { p.cost = cost }
}

// NewPassword returns a password checker for users on domain.
func NewPassword(store PasswordStore, domain string, logger *slog.Logger, opts ...PasswordOption) *Password {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Password{
		store:     store,
		domain:    domain,
		minLength: DefaultMinPasswordLength,
		cost:      bcrypt.DefaultCost,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Password) SupportedAuthTypes() []string {
	return []string{StagePasswordLogin, StagePasswordEnroll}
}

func (p *Password) Params(_ context.Context, _ *uia.Session, stage, _ string) (map[string]any, error) {
	if stage == StagePasswordEnroll {
		return map[string]any{"minimum_length": p.minLength}, nil
	}
	return nil, nil
}

type passwordLoginAuth struct {
	Identifier *Identifier `json:"identifier"`
	User       string      `json:"user" mod:"trim"`
	Password   string      `json:"password" validate:"required"`
}

type passwordEnrollAuth struct {
	NewPassword string `json:"new_password" validate:"required"`
}

func (p *Password) Check(ctx context.Context, req *uia.Request, stage string) (bool, error) {
	switch stage {
	case StagePasswordLogin:
		return p.checkLogin(ctx, req)
	case StagePasswordEnroll:
		return p.checkEnroll(ctx, req)
	default:
		return false, unsupported(stage)
	}
}

func (p *Password) checkLogin(ctx context.Context, req *uia.Request) (bool, error) {
	var auth passwordLoginAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	userID, err := loginUser(auth.Identifier, auth.User, p.domain)
	if err != nil {
		return false, err
	}
	if known := req.KnownUserID(); known != "" && known != userID {
		return false, uia.Forbidden(uia.CodeForbidden, "session belongs to a different user")
	}

	ok, err := p.Verify(ctx, userID, auth.Password)
	if err != nil || !ok {
		return false, err
	}
	return true, bindUser(req, userID)
}

// Verify reports whether password matches the stored digest for userID. An
// unknown user does not match.
func (p *Password) Verify(ctx context.Context, userID, password string) (bool, error) {
	ph, err := p.store.GetPasswordHash(ctx, userID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, storeError("load password hash", err)
	}
	if ph.HashFunc != storage.HashFuncBcrypt {
		return false, uia.Misconfigured(fmt.Errorf("unsupported password hash function %q for %s", ph.HashFunc, userID))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(ph.Digest), []byte(password)); err != nil {
		p.logger.DebugContext(ctx, "password mismatch", "user_id", userID)
		return false, nil
	}
	return true, nil
}

func (p *Password) checkEnroll(ctx context.Context, req *uia.Request) (bool, error) {
	var auth passwordEnrollAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	if err := checkPasswordSize(auth.NewPassword); err != nil {
		return false, err
	}
	if !p.Acceptable(auth.NewPassword) {
		return false, nil
	}
	digest, err := p.Hash(auth.NewPassword)
	if err != nil {
		return false, err
	}
	passwordDigestKey.Set(req.Session, digest)
	return true, nil
}

// Acceptable reports whether a new password meets the length policy.
func (p *Password) Acceptable(password string) bool {
	return utf8.RuneCountInString(password) >= p.minLength
}

func checkPasswordSize(password string) error {
	if len(password) > MaxPasswordBytes {
		return uia.BadInput(uia.CodeInvalidParam, "password must be at most %d bytes", MaxPasswordBytes)
	}
	return nil
}

// Hash returns a bcrypt digest of password.
func (p *Password) Hash(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return "", uia.Internal(fmt.Errorf("hashing password: %w", err))
	}
	return string(digest), nil
}

// SetPassword stores a new password for userID after checking the length
// policy.
func (p *Password) SetPassword(ctx context.Context, userID, password string) error {
	if err := checkPasswordSize(password); err != nil {
		return err
	}
	if !p.Acceptable(password) {
		return uia.BadInput(uia.CodeInvalidParam, "password must be at least %d characters", p.minLength)
	}
	digest, err := p.Hash(password)
	if err != nil {
		return err
	}
	if err := p.store.SetPasswordHash(ctx, userID, storage.HashFuncBcrypt, digest); err != nil {
		return storeError("store password hash", err)
	}
	return nil
}

func (p *Password) OnSuccess(context.Context, *uia.Request, string, string) error { return nil }

func (p *Password) OnLoggedIn(context.Context, *uia.Request, string, string) error { return nil }

func (p *Password) OnEnrolled(ctx context.Context, req *uia.Request, stage, userID string) error {
	if stage != StagePasswordEnroll {
		return nil
	}
	digest, ok := passwordDigestKey.Get(req.Session)
	if !ok {
		return uia.Internal(fmt.Errorf("no password digest in session %s", req.Session.ID()))
	}
	if err := p.store.SetPasswordHash(ctx, userID, storage.HashFuncBcrypt, digest); err != nil {
		return storeError("store password hash", err)
	}
	return nil
}

func (p *Password) OnUnenrolled(ctx context.Context, _ *uia.Request, userID string) error {
	if err := p.store.DeletePasswordHash(ctx, userID); err != nil {
		return storeError("delete password hash", err)
	}
	return nil
}

func (p *Password) IsUserEnrolled(ctx context.Context, userID, stage string) (bool, error) {
	if stage == StagePasswordEnroll {
		return true, nil
	}
	_, err := p.store.GetPasswordHash(ctx, userID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, storeError("load password hash", err)
	}
	return true, nil
}

func (p *Password) IsRequired(context.Context, string, uia.Endpoint, string) (bool, error) {
	return true, nil
}
