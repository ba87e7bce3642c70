package checker

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/jmcleod/uiagate/uia"
)

const StageTerms = "m.login.terms"

// LocalizedPolicy is one language's rendering of a policy document.
type LocalizedPolicy struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// TermsPolicy is a named policy at a version, with per-language documents
// keyed by language tag.
type TermsPolicy struct {
	Version   string                     `yaml:"version"`
	Languages map[string]LocalizedPolicy `yaml:"languages"`
}

// TermsStore records which policy versions users accepted.
type TermsStore interface {
	AcceptedTermsVersions(ctx context.Context, userID string) (map[string][]string, error)
	AcceptTerms(ctx context.Context, userID, policy, version string) error
	DeleteAcceptedTerms(ctx context.Context, userID string) error
}

// Terms implements m.login.terms.
type Terms struct {
	store    TermsStore
	policies map[string]TermsPolicy
	logger   *slog.Logger
}

var _ uia.Checker = (*Terms)(nil)

func NewTerms(store TermsStore, policies map[string]TermsPolicy, logger *slog.Logger) *Terms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Terms{store: store, policies: policies, logger: logger}
}

func (t *Terms) SupportedAuthTypes() []string { return []string{StageTerms} }

func (t *Terms) Params(context.Context, *uia.Session, string, string) (map[string]any, error) {
	policies := make(map[string]any, len(t.policies))
	for name, p := range t.policies {
		entry := map[string]any{"version": p.Version}
		for lang, doc := range p.Languages {
			entry[lang] = doc
		}
		policies[name] = entry
	}
	return map[string]any{"policies": policies}, nil
}

func (t *Terms) Check(context.Context, *uia.Request, string) (bool, error) {
	return true, nil
}

func (t *Terms) record(ctx context.Context, userID string) error {
	for _, name := range slices.Sorted(maps.Keys(t.policies)) {
		if err := t.store.AcceptTerms(ctx, userID, name, t.policies[name].Version); err != nil {
			return storeError("record accepted terms", err)
		}
	}
	return nil
}

func (t *Terms) OnSuccess(context.Context, *uia.Request, string, string) error { return nil }

func (t *Terms) OnLoggedIn(ctx context.Context, _ *uia.Request, _, userID string) error {
	return t.record(ctx, userID)
}

func (t *Terms) OnEnrolled(ctx context.Context, _ *uia.Request, _, userID string) error {
	return t.record(ctx, userID)
}

func (t *Terms) OnUnenrolled(ctx context.Context, _ *uia.Request, userID string) error {
	if err := t.store.DeleteAcceptedTerms(ctx, userID); err != nil {
		return storeError("delete accepted terms", err)
	}
	return nil
}

func (t *Terms) IsUserEnrolled(context.Context, string, string) (bool, error) { return true, nil }

// IsRequired reports whether some policy has no acceptance at or above its
// current version.
func (t *Terms) IsRequired(ctx context.Context, userID string, _ uia.Endpoint, _ string) (bool, error) {
	accepted, err := t.store.AcceptedTermsVersions(ctx, userID)
	if err != nil {
		return false, storeError("load accepted terms", err)
	}
	for name, p := range t.policies {
		if !slices.ContainsFunc(accepted[name], func(v string) bool { return CompareVersions(v, p.Version) >= 0 }) {
			return true, nil
		}
	}
	return false, nil
}

// CompareVersions compares dotted numeric versions, treating missing
// components as zero. Non-numeric components compare as strings.
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := range max(len(as), len(bs)) {
		x, y := "0", "0"
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, errX := strconv.Atoi(x)
		yi, errY := strconv.Atoi(y)
		if errX == nil && errY == nil {
			if xi != yi {
				if xi < yi {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(x, y); c != 0 {
			return c
		}
	}
	return 0
}
