package checker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmcleod/uiagate/uia"
)

const (
	StageRegistrationToken         = "m.login.registration_token"
	StageRegistrationTokenUnstable = "org.matrix.msc3231.login.registration_token"
)

// TokenStore reserves and consumes registration token slots.
type TokenStore interface {
	ReserveRegistrationToken(ctx context.Context, token, session string) (bool, error)
	CompleteTokenRegistration(ctx context.Context, token, session, userID string) error
}

// RegistrationToken gates registration behind admin-issued tokens with a
// limited number of uses.
type RegistrationToken struct {
	uia.NopHooks
	store  TokenStore
	logger *slog.Logger
}

var _ uia.Checker = (*RegistrationToken)(nil)

func NewRegistrationToken(store TokenStore, logger *slog.Logger) *RegistrationToken {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistrationToken{store: store, logger: logger}
}

func (c *RegistrationToken) SupportedAuthTypes() []string {
	return []string{StageRegistrationToken, StageRegistrationTokenUnstable}
}

func (c *RegistrationToken) Params(context.Context, *uia.Session, string, string) (map[string]any, error) {
	return nil, nil
}

type tokenAuth struct {
	Token string `json:"token" mod:"trim" validate:"required"`
}

func tokenKey(stage string) uia.Key[string] {
	return uia.StageKey[string](stage, "token")
}

func (c *RegistrationToken) Check(ctx context.Context, req *uia.Request, stage string) (bool, error) {
	var auth tokenAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	ok, err := c.store.ReserveRegistrationToken(ctx, auth.Token, req.Session.ID())
	if err != nil {
		return false, storeError("reserve registration token", err)
	}
	if !ok {
		c.logger.InfoContext(ctx, "registration token rejected", "session", req.Session.ID())
		return false, nil
	}
	tokenKey(stage).Set(req.Session, auth.Token)
	return true, nil
}

func (c *RegistrationToken) OnEnrolled(ctx context.Context, req *uia.Request, stage, userID string) error {
	token, ok := tokenKey(stage).Get(req.Session)
	if !ok {
		return uia.Internal(fmt.Errorf("no registration token in session %s", req.Session.ID()))
	}
	if err := c.store.CompleteTokenRegistration(ctx, token, req.Session.ID(), userID); err != nil {
		return storeError("complete token registration", err)
	}
	return nil
}

func (c *RegistrationToken) IsUserEnrolled(context.Context, string, string) (bool, error) {
	return false, nil
}

// IsRequired is only consulted for known users, who never need a token.
func (c *RegistrationToken) IsRequired(context.Context, string, uia.Endpoint, string) (bool, error) {
	return false, nil
}
