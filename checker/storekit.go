package checker

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

const (
	SubscriptionStoreKitV2 = "org.futo.subscriptions.apple_storekit_v2"

	storeKitAutoRenewable = "Auto-Renewable Subscription"
	storeKitFamilyShared  = "FAMILY_SHARED"
)

// ErrUntrustedTransaction means a signed transaction did not chain to a
// configured Apple root or its signature did not verify.
var ErrUntrustedTransaction = errors.New("signed transaction is not trusted")

// StoreKitApp is one app whose purchases are accepted.
type StoreKitApp struct {
	BundleID string `yaml:"bundle_id"`
	AppleID  int64  `yaml:"apple_id"`
	Name     string `yaml:"name"`
}

// StoreKitConfig configures StoreKit 2 signed transaction verification.
type StoreKitConfig struct {
	Apps        []StoreKitApp
	Products    []Product
	Environment string
	GracePeriod time.Duration
	// Roots holds Apple's root certificates.
	Roots *x509.CertPool
}

// storeKitTransaction is the subset of JWSTransactionDecodedPayload the
// gateway uses. Dates are milliseconds since the epoch.
type storeKitTransaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	IsUpgraded            bool   `json:"isUpgraded"`
	Type                  string `json:"type"`
	InAppOwnershipType    string `json:"inAppOwnershipType"`
	Environment           string `json:"environment"`
}

// StoreKitV2 verifies StoreKit 2 signed transactions locally against the
// x5c certificate chain in the JWS header.
type StoreKitV2 struct {
	store  SubscriptionStore
	cfg    StoreKitConfig
	now    func() time.Time
	logger *slog.Logger
}

var _ SubscriptionProvider = (*StoreKitV2)(nil)

func NewStoreKitV2(store SubscriptionStore, cfg StoreKitConfig, logger *slog.Logger) *StoreKitV2 {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreKitV2{store: store, cfg: cfg, now: time.Now, logger: logger}
}

func (s *StoreKitV2) Type() string { return SubscriptionStoreKitV2 }

func (s *StoreKitV2) Params(context.Context, *uia.Session, string) (map[string]any, error) {
	return map[string]any{"product_ids": productIDs(s.cfg.Products)}, nil
}

type storeKitAuth struct {
	BundleID          string `json:"bundle_id" mod:"trim" validate:"required"`
	ProductID         string `json:"product_id" mod:"trim" validate:"required"`
	SignedTransaction string `json:"signed_transaction" validate:"required"`
}

// verifyJWS checks an App Store JWS against its x5c certificate chain and
// returns the verified payload. field names the value in client errors.
func (s *StoreKitV2) verifyJWS(signed, field string) ([]byte, error) {
	jws, err := jose.ParseSigned(signed, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return nil, uia.BadInput(uia.CodeInvalidParam, "%s is not a valid JWS", field)
	}
	if len(jws.Signatures) != 1 {
		return nil, uia.BadInput(uia.CodeInvalidParam, "%s must carry exactly one signature", field)
	}
	chains, err := jws.Signatures[0].Protected.Certificates(x509.VerifyOptions{
		Roots:       s.cfg.Roots,
		CurrentTime: s.now(),
	})
	if err != nil || len(chains) == 0 || len(chains[0]) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedTransaction, err)
	}
	payload, err := jws.Verify(chains[0][0].PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedTransaction, err)
	}
	return payload, nil
}

// decodeTransaction verifies a signed transaction and decodes its payload.
func (s *StoreKitV2) decodeTransaction(signed string) (*storeKitTransaction, error) {
	payload, err := s.verifyJWS(signed, "signed_transaction")
	if err != nil {
		return nil, err
	}
	var tx storeKitTransaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return nil, uia.BadInput(uia.CodeInvalidParam, "signed_transaction payload is not valid JSON")
	}
	return &tx, nil
}

func (s *StoreKitV2) Verify(ctx context.Context, req *uia.Request) (bool, error) {
	var auth storeKitAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	if !slices.ContainsFunc(s.cfg.Apps, func(a StoreKitApp) bool { return a.BundleID == auth.BundleID }) {
		return false, uia.BadInput(uia.CodeInvalidParam, "unknown bundle id %q", auth.BundleID)
	}

	tx, err := s.decodeTransaction(auth.SignedTransaction)
	if errors.Is(err, ErrUntrustedTransaction) {
		s.logger.InfoContext(ctx, "storekit transaction failed verification", "error", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	reject := func(reason string) (bool, error) {
		s.logger.InfoContext(ctx, "storekit transaction rejected", "reason", reason, "transaction_id", tx.TransactionID)
		return false, nil
	}
	if tx.BundleID != auth.BundleID {
		return reject("bundle id mismatch")
	}
	if s.cfg.Environment != "" && tx.Environment != s.cfg.Environment {
		return reject("environment mismatch")
	}
	product, ok := findProduct(s.cfg.Products, tx.ProductID)
	if !ok {
		return reject("unknown product")
	}
	if tx.Type != storeKitAutoRenewable {
		return reject("not an auto-renewable subscription")
	}
	now := s.now()
	expires := time.UnixMilli(tx.ExpiresDate).UTC()
	if tx.ExpiresDate == 0 || !activeAt(expires, s.cfg.GracePeriod, now) {
		return reject("expired")
	}
	if tx.RevocationDate != 0 && !time.UnixMilli(tx.RevocationDate).After(now) {
		return reject("revoked")
	}
	if tx.IsUpgraded {
		return reject("upgraded")
	}
	if tx.TransactionID == "" || tx.OriginalTransactionID == "" {
		return reject("missing transaction id")
	}
	if err := checkReuse(ctx, s.store, storage.ProviderStoreKitV2, product, tx.OriginalTransactionID, req.KnownUserID()); err != nil {
		return false, err
	}

	start := tx.OriginalPurchaseDate
	if start == 0 {
		start = tx.PurchaseDate
	}
	c := Claims{
		ProductID:             product.ProductID,
		TransactionID:         tx.TransactionID,
		OriginalTransactionID: tx.OriginalTransactionID,
		BundleID:              tx.BundleID,
		FamilyShared:          tx.InAppOwnershipType == storeKitFamilyShared,
		ExpiresAt:             &expires,
	}
	if start != 0 {
		purchased := time.UnixMilli(start).UTC()
		c.PurchasedAt = &purchased
	}
	claimsKey(SubscriptionStoreKitV2).Set(req.Session, c)
	return true, nil
}

func (s *StoreKitV2) Record(ctx context.Context, req *uia.Request, userID string) error {
	return recordClaims(ctx, s.store, req, SubscriptionStoreKitV2, storage.ProviderStoreKitV2, userID)
}

func (s *StoreKitV2) IsEnrolled(ctx context.Context, userID string) (bool, error) {
	ok, err := s.store.HasActiveSubscription(ctx, userID, storage.ProviderStoreKitV2)
	if err != nil {
		return false, storeError("check storekit subscription", err)
	}
	return ok, nil
}
