package checker

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

const (
	SubscriptionPlayStore = "org.futo.subscription.google_play"

	PlayPublisherURL = "https://androidpublisher.googleapis.com"
	googleTokenURL   = "https://oauth2.googleapis.com/token"
	playScope        = "https://www.googleapis.com/auth/androidpublisher"
	jwtBearerGrant   = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	playStateActive   = "SUBSCRIPTION_STATE_ACTIVE"
	playStateGrace    = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
	playStateCanceled = "SUBSCRIPTION_STATE_CANCELED"
)

// ServiceAccount is the subset of a Google service account key file used
// to obtain API access tokens.
type ServiceAccount struct {
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccount decodes a service account key file.
func ParseServiceAccount(data []byte) (*ServiceAccount, *rsa.PrivateKey, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, nil, fmt.Errorf("decoding service account: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing service account key: %w", err)
	}
	if sa.TokenURI == "" {
		sa.TokenURI = googleTokenURL
	}
	return &sa, key, nil
}

// PlayStoreConfig configures Play Store subscription verification.
type PlayStoreConfig struct {
	PackageName    string
	Products       []Product
	GracePeriod    time.Duration
	ServiceAccount *ServiceAccount
	Key            *rsa.PrivateKey
	// PublisherURL overrides the Android Publisher API base URL.
	PublisherURL string
}

// PlayStore verifies Google Play subscriptions with the Android Publisher
// API, authenticating as a service account.
type PlayStore struct {
	store  SubscriptionStore
	cfg    PlayStoreConfig
	client *http.Client
	now    func() time.Time
	logger *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var _ SubscriptionProvider = (*PlayStore)(nil)

func NewPlayStore(store SubscriptionStore, cfg PlayStoreConfig, client *http.Client, logger *slog.Logger) *PlayStore {
	if cfg.PublisherURL == "" {
		cfg.PublisherURL = PlayPublisherURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlayStore{store: store, cfg: cfg, client: client, now: time.Now, logger: logger}
}

func (p *PlayStore) Type() string { return SubscriptionPlayStore }

func (p *PlayStore) Params(context.Context, *uia.Session, string) (map[string]any, error) {
	return map[string]any{"product_ids": productIDs(p.cfg.Products)}, nil
}

type playStoreAuth struct {
	PurchaseToken string `json:"purchase_token" mod:"trim" validate:"required"`
	OrderID       string `json:"order_id" mod:"trim" validate:"required"`
}

// subscriptionPurchaseV2 is the subset of the purchases.subscriptionsv2
// resource the gateway reads.
type subscriptionPurchaseV2 struct {
	SubscriptionState string `json:"subscriptionState"`
	LatestOrderID     string `json:"latestOrderId"`
	StartTime         string `json:"startTime"`
	LineItems         []struct {
		ProductID  string `json:"productId"`
		ExpiryTime string `json:"expiryTime"`
	} `json:"lineItems"`
}

// assertion builds the signed service-account JWT exchanged for an access
// token.
func (p *PlayStore) assertion(now time.Time) (string, error) {
	sa := p.cfg.ServiceAccount
	claims := struct {
		Scope string `json:"scope"`
		jwt.RegisteredClaims
	}{
		Scope: playScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sa.ClientEmail,
			Audience:  jwt.ClaimStrings{sa.TokenURI},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if sa.PrivateKeyID != "" {
		token.Header["kid"] = sa.PrivateKeyID
	}
	return token.SignedString(p.cfg.Key)
}

func (p *PlayStore) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.accessToken != "" && now.Before(p.tokenExpiry) {
		return p.accessToken, nil
	}
	if p.cfg.ServiceAccount == nil || p.cfg.Key == nil {
		return "", uia.Misconfigured(fmt.Errorf("play store service account is not configured"))
	}
	assertion, err := p.assertion(now)
	if err != nil {
		return "", uia.Internal(fmt.Errorf("signing service account assertion: %w", err))
	}
	form := url.Values{"grant_type": {jwtBearerGrant}, "assertion": {assertion}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.ServiceAccount.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", uia.Internal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", uia.UpstreamFailure(fmt.Errorf("requesting access token: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", uia.UpstreamFailure(fmt.Errorf("requesting access token: status %d", resp.StatusCode))
	}
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil || out.AccessToken == "" {
		return "", uia.UpstreamFailure(fmt.Errorf("decoding access token response: %v", err))
	}
	p.accessToken = out.AccessToken
	// Refresh a minute early.
	p.tokenExpiry = now.Add(time.Duration(out.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

func (p *PlayStore) lookup(ctx context.Context, purchaseToken string) (*subscriptionPurchaseV2, error) {
	access, err := p.token(ctx)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/purchases/subscriptionsv2/tokens/%s",
		strings.TrimRight(p.cfg.PublisherURL, "/"), url.PathEscape(p.cfg.PackageName), url.PathEscape(purchaseToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, uia.Internal(err)
	}
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, uia.UpstreamFailure(fmt.Errorf("looking up play purchase: %w", err))
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, uia.UpstreamFailure(fmt.Errorf("looking up play purchase: status %d", resp.StatusCode))
	}
	var out subscriptionPurchaseV2
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, uia.UpstreamFailure(fmt.Errorf("decoding play purchase: %w", err))
	}
	return &out, nil
}

func (p *PlayStore) Verify(ctx context.Context, req *uia.Request) (bool, error) {
	var auth playStoreAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	purchase, err := p.lookup(ctx, auth.PurchaseToken)
	if err != nil {
		return false, err
	}
	reject := func(reason string) (bool, error) {
		p.logger.InfoContext(ctx, "play purchase rejected", "reason", reason, "order_id", auth.OrderID)
		return false, nil
	}
	if purchase == nil {
		return reject("unknown purchase token")
	}
	switch purchase.SubscriptionState {
	case playStateActive, playStateGrace, playStateCanceled:
	default:
		return reject("subscription state " + purchase.SubscriptionState)
	}
	// Renewals append "..N" to the original order id.
	if purchase.LatestOrderID != auth.OrderID && !strings.HasPrefix(purchase.LatestOrderID, auth.OrderID+"..") {
		return reject("order id mismatch")
	}

	now := p.now()
	var (
		product Product
		expires time.Time
		found   bool
	)
	for _, item := range purchase.LineItems {
		prod, ok := findProduct(p.cfg.Products, item.ProductID)
		if !ok {
			continue
		}
		exp, err := time.Parse(time.RFC3339, item.ExpiryTime)
		if err != nil {
			continue
		}
		if !found || exp.After(expires) {
			product, expires, found = prod, exp.UTC(), true
		}
	}
	if !found {
		return reject("unknown product")
	}
	if !activeAt(expires, p.cfg.GracePeriod, now) {
		return reject("expired")
	}
	if err := checkReuse(ctx, p.store, storage.ProviderGooglePlay, product, auth.PurchaseToken, req.KnownUserID()); err != nil {
		return false, err
	}

	c := Claims{
		ProductID:             product.ProductID,
		TransactionID:         purchase.LatestOrderID,
		OriginalTransactionID: auth.PurchaseToken,
		BundleID:              p.cfg.PackageName,
		ExpiresAt:             &expires,
	}
	if start, err := time.Parse(time.RFC3339, purchase.StartTime); err == nil {
		start = start.UTC()
		c.PurchasedAt = &start
	}
	claimsKey(SubscriptionPlayStore).Set(req.Session, c)
	return true, nil
}

func (p *PlayStore) Record(ctx context.Context, req *uia.Request, userID string) error {
	return recordClaims(ctx, p.store, req, SubscriptionPlayStore, storage.ProviderGooglePlay, userID)
}

func (p *PlayStore) IsEnrolled(ctx context.Context, userID string) (bool, error) {
	ok, err := p.store.HasActiveSubscription(ctx, userID, storage.ProviderGooglePlay)
	if err != nil {
		return false, storeError("check play subscription", err)
	}
	return ok, nil
}
