// Package checker holds the gateway's UIA stage implementations. Each
// checker persists through a narrow store interface that
// storage/sqlstore.Store satisfies.
package checker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

// Identifier is the Matrix user identifier object used by login stages.
type Identifier struct {
	Type string `json:"type" mod:"trim"`
	User string `json:"user" mod:"trim"`
}

// QualifyUserID turns a bare localpart into @localpart:domain. Full user ids
// pass through unchanged.
func QualifyUserID(user, domain string) string {
	if strings.HasPrefix(user, "@") {
		return user
	}
	return "@" + user + ":" + domain
}

// Localpart returns the localpart of a fully qualified user id.
func Localpart(userID string) string {
	local, _, _ := strings.Cut(strings.TrimPrefix(userID, "@"), ":")
	return local
}

// loginUser resolves the user named by an identifier object or the legacy
// top-level user field.
func loginUser(id *Identifier, legacy, domain string) (string, error) {
	user := legacy
	if id != nil && id.User != "" {
		if id.Type != "" && id.Type != "m.id.user" {
			return "", uia.BadInput(uia.CodeUnrecognized, "unsupported identifier type %q", id.Type)
		}
		user = id.User
	}
	if user == "" {
		return "", uia.BadInput(uia.CodeMissingParam, "missing user identifier")
	}
	return QualifyUserID(user, domain), nil
}

// bindUser records userID as the session's user. A session already bound to
// someone else is a 403.
func bindUser(req *uia.Request, userID string) error {
	if known := req.KnownUserID(); known != "" && known != userID {
		return uia.Forbidden(uia.CodeForbidden, "session belongs to a different user")
	}
	uia.UserIDKey.Set(req.Session, userID)
	return nil
}

func storeError(op string, err error) error {
	return uia.Internal(fmt.Errorf("%s: %w", op, err))
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func unsupported(stage string) error {
	return uia.Misconfigured(fmt.Errorf("%w: %s", uia.ErrUnknownStage, stage))
}
