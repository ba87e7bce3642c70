package checker

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jmcleod/uiagate/internal/util"
	"github.com/jmcleod/uiagate/uia"
)

const (
	StageUsername = "m.enroll.username"

	maxUsernameLength = 255
	verdictCacheSize  = 4096
	// badVerdictTTL bounds how long a name stays rejected after its word
	// is removed from the list.
	badVerdictTTL = 15 * time.Minute
)

var (
	usernameKey     = uia.NewKey[string]("username")
	usernamePattern = regexp.MustCompile(`^[a-z0-9._-]+$`)
	unleet          = strings.NewReplacer(
		"0", "o", "1", "i", "2", "z", "3", "r", "4", "a",
		"5", "s", "6", "b", "7", "t", "8", "ate", "9", "g",
	)
	stripPunct = strings.NewReplacer(".", "", "-", "", "_", "")
)

// UsernameStore tracks username reservations and the bad word list.
type UsernameStore interface {
	ReserveUsername(ctx context.Context, name, session string) (bool, error)
	PromoteUsername(ctx context.Context, name, session string) (bool, error)
	DeactivateUsername(ctx context.Context, name string) error
	ContainsBadWord(ctx context.Context, words ...string) (bool, error)
}

// Username implements m.enroll.username: it validates the requested
// localpart and holds it for the session until registration completes.
type Username struct {
	store    UsernameStore
	domain   string
	rejected *expirable.LRU[string, struct{}]
	logger   *slog.Logger
}

var _ uia.Checker = (*Username)(nil)

func NewUsername(store UsernameStore, domain string, logger *slog.Logger) (*Username, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Username{
		store:    store,
		domain:   domain,
		rejected: expirable.NewLRU[string, struct{}](verdictCacheSize, nil, badVerdictTTL),
		logger:   logger,
	}, nil
}

func (u *Username) SupportedAuthTypes() []string { return []string{StageUsername} }

func (u *Username) Params(context.Context, *uia.Session, string, string) (map[string]any, error) {
	return nil, nil
}

type usernameAuth struct {
	Username string `json:"username" mod:"trim" validate:"required"`
}

// NormalizeUsername lowercases and NFKC-normalizes a requested localpart.
func NormalizeUsername(name string) string {
	return util.Normalize(strings.ToLower(name))
}

// ValidateUsername checks the syntax rules for a normalized localpart.
func ValidateUsername(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > maxUsernameLength {
		return uia.BadInput(uia.CodeInvalidUsername, "username must be between 1 and %d characters", maxUsernameLength)
	}
	first, _ := utf8.DecodeRuneInString(name)
	last, _ := utf8.DecodeLastRuneInString(name)
	if unicode.IsPunct(first) || unicode.IsPunct(last) {
		return uia.BadInput(uia.CodeInvalidUsername, "username may not start or end with punctuation")
	}
	if !usernamePattern.MatchString(name) {
		return uia.BadInput(uia.CodeInvalidUsername, "username may only contain a-z, 0-9, '.', '_' and '-'")
	}
	return nil
}

// badWordCandidates lists the spellings of name screened against the bad
// word list.
func badWordCandidates(name string) []string {
	l33t := unleet.Replace(name)
	out := []string{name, l33t, stripPunct.Replace(name), stripPunct.Replace(l33t)}
	for _, sep := range []string{"-", "_", "."} {
		for _, tok := range strings.Split(name, sep) {
			if tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// containsBadWord screens name against the store. Only rejections are
// cached so words added to the list apply to the next attempt.
func (u *Username) containsBadWord(ctx context.Context, name string) (bool, error) {
	if _, ok := u.rejected.Get(name); ok {
		return true, nil
	}
	bad, err := u.store.ContainsBadWord(ctx, badWordCandidates(name)...)
	if err != nil {
		return false, storeError("check bad words", err)
	}
	if bad {
		u.rejected.Add(name, struct{}{})
	}
	return bad, nil
}

func (u *Username) Check(ctx context.Context, req *uia.Request, _ string) (bool, error) {
	var auth usernameAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	name := NormalizeUsername(auth.Username)
	if err := ValidateUsername(name); err != nil {
		return false, err
	}

	bad, err := u.containsBadWord(ctx, name)
	if err != nil {
		return false, err
	}
	if bad {
		u.logger.DebugContext(ctx, "username rejected by bad word screen", "session", req.Session.ID())
		return false, uia.Forbidden(uia.CodeInvalidUsername, "username is not available")
	}

	ok, err := u.store.ReserveUsername(ctx, name, req.Session.ID())
	if err != nil {
		return false, storeError("reserve username", err)
	}
	if !ok {
		return false, uia.BadInput(uia.CodeUserInUse, "username is not available")
	}

	usernameKey.Set(req.Session, name)
	uia.UserIDKey.Set(req.Session, QualifyUserID(name, u.domain))
	return true, nil
}

func (u *Username) OnSuccess(context.Context, *uia.Request, string, string) error { return nil }

func (u *Username) OnLoggedIn(context.Context, *uia.Request, string, string) error { return nil }

func (u *Username) OnEnrolled(ctx context.Context, req *uia.Request, _, userID string) error {
	name := Localpart(userID)
	promoted, err := u.store.PromoteUsername(ctx, name, req.Session.ID())
	if err != nil {
		return storeError("promote username", err)
	}
	if !promoted {
		u.logger.WarnContext(ctx, "username was not pending for this session", "username", name, "session", req.Session.ID())
	}
	return nil
}

// OnUnenrolled retires the localpart so it is never handed out again.
func (u *Username) OnUnenrolled(ctx context.Context, _ *uia.Request, userID string) error {
	if err := u.store.DeactivateUsername(ctx, Localpart(userID)); err != nil {
		return storeError("deactivate username", err)
	}
	return nil
}

func (u *Username) IsUserEnrolled(context.Context, string, string) (bool, error) { return true, nil }

func (u *Username) IsRequired(context.Context, string, uia.Endpoint, string) (bool, error) {
	return false, nil
}

// SessionUsername returns the username claimed in a session.
func SessionUsername(s *uia.Session) (string, bool) {
	return usernameKey.Get(s)
}
