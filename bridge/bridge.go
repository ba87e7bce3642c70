// Package bridge proves to the upstream homeserver that the gateway has
// already authenticated a user.
package bridge

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha512"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/uiagate/internal/util"
)

// SharedSecretAuthType is the login type understood by the homeserver's
// shared-secret authenticator module.
const SharedSecretAuthType = "com.devture.shared_secret_auth"

// ErrEmptySecret is returned when a secret is missing.
var ErrEmptySecret = errors.New("bridge: empty shared secret")

// SharedSecret holds a secret in a memguard enclave and derives login
// tokens from it.
type SharedSecret struct {
	enclave *memguard.Enclave
}

// NewSharedSecret seals secret into an enclave. The caller's string is
// copied; its backing memory cannot be wiped.
func NewSharedSecret(secret string) (*SharedSecret, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &SharedSecret{enclave: memguard.NewEnclave([]byte(secret))}, nil
}

// Token returns lowercase hex HMAC-SHA512(secret, userID).
func (s *SharedSecret) Token(userID string) (string, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening shared secret: %w", err)
	}
	defer buf.Destroy()

	mac := hmac.New(sha512.New, buf.Bytes())
	mac.Write([]byte(userID))
	return util.HexEncode(mac.Sum(nil)), nil
}

// LoginBody is the homeserver login request carrying a bridge token.
type LoginBody struct {
	Type       string         `json:"type"`
	Identifier map[string]any `json:"identifier"`
	Token      string         `json:"token"`
}

// Login builds the body for a shared-secret login as userID.
func (s *SharedSecret) Login(userID string) (LoginBody, error) {
	token, err := s.Token(userID)
	if err != nil {
		return LoginBody{}, err
	}
	return LoginBody{
		Type:       SharedSecretAuthType,
		Identifier: map[string]any{"type": "m.id.user", "user": userID},
		Token:      token,
	}, nil
}

// RegistrationMAC computes the Synapse shared-secret registration MAC:
// hex HMAC-SHA1 over nonce, user, password and the admin flag, each
// separated by a NUL byte.
func RegistrationMAC(secret []byte, nonce, user, password string, admin bool) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(nonce))
	mac.Write([]byte{0})
	mac.Write([]byte(user))
	mac.Write([]byte{0})
	mac.Write([]byte(password))
	mac.Write([]byte{0})
	if admin {
		mac.Write([]byte("admin"))
	} else {
		mac.Write([]byte("notadmin"))
	}
	return util.HexEncode(mac.Sum(nil))
}

// RegistrationSecret holds the homeserver's registration shared secret.
type RegistrationSecret struct {
	enclave *memguard.Enclave
}

func NewRegistrationSecret(secret string) (*RegistrationSecret, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &RegistrationSecret{enclave: memguard.NewEnclave([]byte(secret))}, nil
}

// MAC computes RegistrationMAC with the sealed secret.
func (s *RegistrationSecret) MAC(nonce, user, password string, admin bool) (string, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("opening registration secret: %w", err)
	}
	defer buf.Destroy()
	return RegistrationMAC(buf.Bytes(), nonce, user, password, admin), nil
}
