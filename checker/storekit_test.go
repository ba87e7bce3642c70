package checker

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/uiagate/uia"
)

// testCA is a root, intermediate and leaf chain shaped like Apple's App
// Store signing chain.
type testCA struct {
	roots   *x509.CertPool
	x5c     []string
	leafKey *ecdsa.PrivateKey
}

func newCert(t *testing.T, name string, serial int64, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, isCA bool) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if isCA {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	root, rootKey := newCert(t, "Test Root CA", 1, nil, nil, true)
	inter, interKey := newCert(t, "Test WWDR CA", 2, root, rootKey, true)
	leaf, leafKey := newCert(t, "Test StoreKit Signing", 3, inter, interKey, false)

	pool := x509.NewCertPool()
	pool.AddCert(root)
	return &testCA{
		roots: pool,
		x5c: []string{
			base64.StdEncoding.EncodeToString(leaf.Raw),
			base64.StdEncoding.EncodeToString(inter.Raw),
		},
		leafKey: leafKey,
	}
}

func (ca *testCA) sign(t *testing.T, tx storeKitTransaction) string {
	t.Helper()
	return ca.signJSON(t, tx)
}

func (ca *testCA) signJSON(t *testing.T, v any) string {
	t.Helper()
	opts := (&jose.SignerOptions{}).WithHeader("x5c", ca.x5c)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: ca.leafKey}, opts)
	require.NoError(t, err)
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	out, err := obj.CompactSerialize()
	require.NoError(t, err)
	return out
}

func TestStoreKitV2(t *testing.T) {
	store, clock := setupStore(t)
	ctx := t.Context()
	ca := newTestCA(t)
	now := clock.Now()

	provider := NewStoreKitV2(store, StoreKitConfig{
		Apps:        []StoreKitApp{{BundleID: "org.example.app"}},
		Products:    testProducts,
		Environment: "Production",
		GracePeriod: 72 * time.Hour,
		Roots:       ca.roots,
	}, nil)
	provider.now = clock.Now
	subs := NewSubscriptions(nil, provider)

	base := storeKitTransaction{
		TransactionID:         "2000000001",
		OriginalTransactionID: "2000000000",
		BundleID:              "org.example.app",
		ProductID:             "org.example.standard",
		PurchaseDate:          now.Add(-24 * time.Hour).UnixMilli(),
		OriginalPurchaseDate:  now.Add(-60 * 24 * time.Hour).UnixMilli(),
		ExpiresDate:           now.Add(6 * 24 * time.Hour).UnixMilli(),
		Type:                  storeKitAutoRenewable,
		InAppOwnershipType:    "PURCHASED",
		Environment:           "Production",
	}
	submit := func(t *testing.T, s *testSession, signed string) (bool, error) {
		return s.check(subs, StageSubscriptions, map[string]any{
			"subscription_type":  SubscriptionStoreKitV2,
			"bundle_id":          "org.example.app",
			"product_id":         "org.example.standard",
			"signed_transaction": signed,
		})
	}

	s := newTestSession(t, registerEP)
	ok, err := submit(t, s, ca.sign(t, base))
	require.NoError(t, err)
	require.True(t, ok)

	c, ok := claimsKey(SubscriptionStoreKitV2).Get(s.session)
	require.True(t, ok)
	assert.Equal(t, "2000000001", c.TransactionID)
	assert.Equal(t, "2000000000", c.OriginalTransactionID)
	require.NotNil(t, c.PurchasedAt)
	assert.True(t, c.PurchasedAt.Equal(now.Add(-60*24*time.Hour).Truncate(time.Millisecond)))
	assert.False(t, c.FamilyShared)

	require.NoError(t, subs.OnSuccess(ctx, s.request(nil), StageSubscriptions, "@alice:example.org"))
	enrolled, err := subs.IsUserEnrolled(ctx, "@alice:example.org", StageSubscriptions)
	require.NoError(t, err)
	assert.True(t, enrolled)

	rejected := map[string]func(tx *storeKitTransaction){
		"expired":        func(tx *storeKitTransaction) { tx.ExpiresDate = now.Add(-4 * 24 * time.Hour).UnixMilli() },
		"revoked":        func(tx *storeKitTransaction) { tx.RevocationDate = now.Add(-time.Minute).UnixMilli() },
		"upgraded":       func(tx *storeKitTransaction) { tx.IsUpgraded = true },
		"wrong type":     func(tx *storeKitTransaction) { tx.Type = "Non-Consumable" },
		"unknown prod":   func(tx *storeKitTransaction) { tx.ProductID = "org.example.other" },
		"sandbox":        func(tx *storeKitTransaction) { tx.Environment = "Sandbox" },
		"other bundle":   func(tx *storeKitTransaction) { tx.BundleID = "org.example.clone" },
		"missing txn id": func(tx *storeKitTransaction) { tx.TransactionID = "" },
	}
	for name, mutate := range rejected {
		t.Run(name, func(t *testing.T) {
			tx := base
			tx.OriginalTransactionID = "3000000000"
			mutate(&tx)
			ok, err := submit(t, newTestSession(t, registerEP), ca.sign(t, tx))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	t.Run("within grace period", func(t *testing.T) {
		tx := base
		tx.OriginalTransactionID = "4000000000"
		tx.ExpiresDate = now.Add(-48 * time.Hour).UnixMilli()
		ok, err := submit(t, newTestSession(t, registerEP), ca.sign(t, tx))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("reused by another account", func(t *testing.T) {
		_, err := submit(t, newTestSession(t, registerEP), ca.sign(t, base))
		requireKind(t, err, uia.KindAuthFailed, "")
	})

	t.Run("untrusted chain", func(t *testing.T) {
		other := newTestCA(t)
		tx := base
		tx.OriginalTransactionID = "5000000000"
		ok, err := submit(t, newTestSession(t, registerEP), other.sign(t, tx))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := submit(t, newTestSession(t, registerEP), "not-a-jws")
		requireKind(t, err, uia.KindBadInput, uia.CodeInvalidParam)
	})
}

func TestStoreKitV2UnknownBundle(t *testing.T) {
	provider := NewStoreKitV2(nil, StoreKitConfig{Apps: []StoreKitApp{{BundleID: "org.example.app"}}}, nil)
	s := newTestSession(t, registerEP)
	_, err := s.check(NewSubscriptions(nil, provider), StageSubscriptions, map[string]any{
		"subscription_type":  SubscriptionStoreKitV2,
		"bundle_id":          "org.example.clone",
		"product_id":         "org.example.standard",
		"signed_transaction": "x",
	})
	requireKind(t, err, uia.KindBadInput, uia.CodeInvalidParam)
}
