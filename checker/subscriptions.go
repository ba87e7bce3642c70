package checker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

const (
	StageSubscriptions = "org.futo.subscriptions"

	// FamilySharingMaxAccounts caps how many accounts one shareable
	// purchase may back at once.
	FamilySharingMaxAccounts = 6
)

var subscriptionTypeKey = uia.StageKey[string](StageSubscriptions, "subscription_type")

// SubscriptionStore persists entitlements.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub *storage.InAppSubscription) error
	HasActiveSubscription(ctx context.Context, userID, provider string) (bool, error)
	SubscriptionUsers(ctx context.Context, provider, originalTransactionID string) ([]string, error)
	ActiveSubscriptionUsers(ctx context.Context, provider, originalTransactionID string) ([]string, error)
	SubscriptionsByOriginalTransaction(ctx context.Context, provider, originalTransactionID string) ([]storage.InAppSubscription, error)
	ExpireSubscriptions(ctx context.Context, provider, originalTransactionID string, familySharedOnly bool, at time.Time) (int, error)
}

// Product is a purchasable subscription the gateway accepts.
type Product struct {
	ProductID string `yaml:"product_id"`
	Level     int    `yaml:"level"`
	Shareable bool   `yaml:"shareable"`
	Quota     uint64 `yaml:"quota"`
}

func findProduct(products []Product, id string) (Product, bool) {
	i := slices.IndexFunc(products, func(p Product) bool { return p.ProductID == id })
	if i < 0 {
		return Product{}, false
	}
	return products[i], true
}

func productIDs(products []Product) []string {
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = p.ProductID
	}
	return out
}

// Claims describe a verified purchase, held in the session until the
// registration or login that it backs has completed.
type Claims struct {
	ProductID             string     `json:"product_id"`
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	BundleID              string     `json:"bundle_id"`
	FamilyShared          bool       `json:"family_shared"`
	PurchasedAt           *time.Time `json:"purchased_at,omitempty"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
}

func claimsKey(subscriptionType string) uia.Key[Claims] {
	return uia.StageKey[Claims](subscriptionType, "claims")
}

// SubscriptionProvider verifies one kind of subscription proof. Verify
// stores whatever Record later needs in the session.
type SubscriptionProvider interface {
	// Type is the subscription_type clients select this provider with.
	Type() string
	Params(ctx context.Context, session *uia.Session, userID string) (map[string]any, error)
	Verify(ctx context.Context, req *uia.Request) (bool, error)
	Record(ctx context.Context, req *uia.Request, userID string) error
	IsEnrolled(ctx context.Context, userID string) (bool, error)
}

// Subscriptions implements org.futo.subscriptions by dispatching on the
// client's subscription_type.
type Subscriptions struct {
	providers map[string]SubscriptionProvider
	logger    *slog.Logger
}

var _ uia.Checker = (*Subscriptions)(nil)

func NewSubscriptions(logger *slog.Logger, providers ...SubscriptionProvider) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriptions{providers: make(map[string]SubscriptionProvider, len(providers)), logger: logger}
	for _, p := range providers {
		s.providers[p.Type()] = p
	}
	return s
}

func (s *Subscriptions) SupportedAuthTypes() []string { return []string{StageSubscriptions} }

func (s *Subscriptions) sortedTypes() []string {
	return slices.Sorted(maps.Keys(s.providers))
}

func (s *Subscriptions) Params(ctx context.Context, session *uia.Session, _, userID string) (map[string]any, error) {
	out := make(map[string]any, len(s.providers))
	for _, t := range s.sortedTypes() {
		params, err := s.providers[t].Params(ctx, session, userID)
		if err != nil {
			return nil, err
		}
		if params == nil {
			params = map[string]any{}
		}
		out[t] = params
	}
	return out, nil
}

type subscriptionAuth struct {
	SubscriptionType string `json:"subscription_type" mod:"trim" validate:"required"`
}

func (s *Subscriptions) Check(ctx context.Context, req *uia.Request, _ string) (bool, error) {
	var auth subscriptionAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	p, ok := s.providers[auth.SubscriptionType]
	if !ok {
		return false, uia.Forbidden(uia.CodeForbidden, "subscription type %q is not supported", auth.SubscriptionType)
	}
	passed, err := p.Verify(ctx, req)
	if err != nil || !passed {
		return false, err
	}
	subscriptionTypeKey.Set(req.Session, auth.SubscriptionType)
	return true, nil
}

func (s *Subscriptions) chosen(req *uia.Request) (SubscriptionProvider, error) {
	t, ok := subscriptionTypeKey.Get(req.Session)
	if !ok {
		return nil, uia.Internal(fmt.Errorf("no subscription type in session %s", req.Session.ID()))
	}
	p, ok := s.providers[t]
	if !ok {
		return nil, uia.Misconfigured(fmt.Errorf("subscription provider %q is no longer configured", t))
	}
	return p, nil
}

func (s *Subscriptions) OnSuccess(ctx context.Context, req *uia.Request, _, userID string) error {
	p, err := s.chosen(req)
	if err != nil {
		return err
	}
	if userID == "" {
		userID = req.KnownUserID()
	}
	if userID == "" {
		return uia.Internal(fmt.Errorf("no user for subscription in session %s", req.Session.ID()))
	}
	return p.Record(ctx, req, userID)
}

func (s *Subscriptions) OnLoggedIn(context.Context, *uia.Request, string, string) error { return nil }

func (s *Subscriptions) OnEnrolled(context.Context, *uia.Request, string, string) error { return nil }

func (s *Subscriptions) OnUnenrolled(context.Context, *uia.Request, string) error { return nil }

func (s *Subscriptions) IsUserEnrolled(ctx context.Context, userID, _ string) (bool, error) {
	for _, t := range s.sortedTypes() {
		ok, err := s.providers[t].IsEnrolled(ctx, userID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Subscriptions) IsRequired(ctx context.Context, userID string, ep uia.Endpoint, stage string) (bool, error) {
	if subscriptionEndpoint(ep) {
		return true, nil
	}
	enrolled, err := s.IsUserEnrolled(ctx, userID, stage)
	if err != nil {
		return false, err
	}
	return !enrolled, nil
}

func subscriptionEndpoint(ep uia.Endpoint) bool {
	return ep.IsRegistration() || strings.HasSuffix(ep.Path, "/auth/subscription")
}

// recordClaims persists the claims a provider stored in the session.
func recordClaims(ctx context.Context, store SubscriptionStore, req *uia.Request, subscriptionType, provider, userID string) error {
	c, ok := claimsKey(subscriptionType).Get(req.Session)
	if !ok {
		return uia.Internal(fmt.Errorf("no %s claims in session %s", subscriptionType, req.Session.ID()))
	}
	sub := &storage.InAppSubscription{
		UserID:                userID,
		Provider:              provider,
		ProductID:             c.ProductID,
		TransactionID:         c.TransactionID,
		OriginalTransactionID: c.OriginalTransactionID,
		BundleID:              c.BundleID,
		FamilyShared:          c.FamilyShared,
		PurchasedAt:           c.PurchasedAt,
		ExpiresAt:             c.ExpiresAt,
	}
	if err := store.UpsertSubscription(ctx, sub); err != nil {
		return storeError("record subscription", err)
	}
	return nil
}

// checkReuse enforces that a non-shareable purchase backs a single account
// and a shareable one at most FamilySharingMaxAccounts active accounts.
func checkReuse(ctx context.Context, store SubscriptionStore, provider string, product Product, originalTransactionID, userID string) error {
	if product.Shareable {
		users, err := store.ActiveSubscriptionUsers(ctx, provider, originalTransactionID)
		if err != nil {
			return storeError("list subscription users", err)
		}
		if len(users) < FamilySharingMaxAccounts || (userID != "" && slices.Contains(users, userID)) {
			return nil
		}
		return uia.Forbidden(uia.CodeInvalidParam, "family sharing is already full for this subscription")
	}
	users, err := store.SubscriptionUsers(ctx, provider, originalTransactionID)
	if err != nil {
		return storeError("list subscription users", err)
	}
	for _, u := range users {
		if userID == "" || u != userID {
			return uia.Forbidden(uia.CodeInvalidParam, "subscription purchase is already in use")
		}
	}
	return nil
}

// activeAt reports whether expiry, extended by grace, is still in the future.
func activeAt(expires time.Time, grace time.Duration, now time.Time) bool {
	return expires.Add(grace).After(now)
}
