package checker

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

var testProducts = []Product{
	{ProductID: "org.example.standard", Level: 1},
	{ProductID: "org.example.family", Level: 2, Shareable: true},
}

func TestFreeSubscription(t *testing.T) {
	store, _ := setupStore(t)
	ctx := t.Context()
	free := NewFreeSubscription(store)
	subs := NewSubscriptions(nil, free)
	const user = "@alice:example.org"

	login := newTestSession(t, loginEP)
	ok, err := login.check(subs, StageSubscriptions, map[string]any{"subscription_type": SubscriptionFree})
	require.NoError(t, err)
	assert.False(t, ok, "no free plan outside registration")

	reg := newTestSession(t, registerEP)
	ok, err = reg.check(subs, StageSubscriptions, map[string]any{"subscription_type": SubscriptionFree})
	require.NoError(t, err)
	require.True(t, ok)
	chosen, _ := subscriptionTypeKey.Get(reg.session)
	assert.Equal(t, SubscriptionFree, chosen)

	require.NoError(t, subs.OnSuccess(ctx, reg.request(nil), StageSubscriptions, user))
	require.NoError(t, subs.OnSuccess(ctx, reg.request(nil), StageSubscriptions, user))
	rows, err := store.ListSubscriptions(ctx, user)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, storage.ProviderFreeForever, rows[0].Provider)

	enrolled, err := subs.IsUserEnrolled(ctx, user, StageSubscriptions)
	require.NoError(t, err)
	assert.True(t, enrolled)

	again := newTestSession(t, loginEP).bearer(user)
	ok, err = again.check(subs, StageSubscriptions, map[string]any{"subscription_type": SubscriptionFree})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSubscriptionsDispatch(t *testing.T) {
	store, _ := setupStore(t)
	ctx := t.Context()
	subs := NewSubscriptions(nil, NewFreeSubscription(store), NewAppStoreReceipt(store, AppStoreConfig{Products: testProducts}, nil, nil))

	params, err := subs.Params(ctx, nil, StageSubscriptions, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, params[SubscriptionFree])
	assert.Equal(t, map[string]any{"product_ids": []string{"org.example.standard", "org.example.family"}}, params[SubscriptionAppStore])

	s := newTestSession(t, registerEP)
	_, err = s.check(subs, StageSubscriptions, map[string]any{"subscription_type": "org.example.unknown"})
	requireKind(t, err, uia.KindAuthFailed, uia.CodeForbidden)

	_, err = s.check(subs, StageSubscriptions, map[string]any{})
	requireKind(t, err, uia.KindBadInput, uia.CodeMissingParam)

	required, err := subs.IsRequired(ctx, "@alice:example.org", registerEP, StageSubscriptions)
	require.NoError(t, err)
	assert.True(t, required)
	required, err = subs.IsRequired(ctx, "@alice:example.org", uia.Endpoint{Method: "POST", Path: "/auth/subscription"}, StageSubscriptions)
	require.NoError(t, err)
	assert.True(t, required)
	required, err = subs.IsRequired(ctx, "@alice:example.org", loginEP, StageSubscriptions)
	require.NoError(t, err)
	assert.True(t, required, "a user without a subscription must provide one")

	require.NoError(t, store.UpsertSubscription(ctx, &storage.InAppSubscription{
		UserID: "@alice:example.org", Provider: storage.ProviderFreeForever, ProductID: "free_subscription",
		TransactionID: "t", OriginalTransactionID: "t",
	}))
	required, err = subs.IsRequired(ctx, "@alice:example.org", loginEP, StageSubscriptions)
	require.NoError(t, err)
	assert.False(t, required)

	err = subs.OnSuccess(ctx, newTestSession(t, loginEP).request(nil), StageSubscriptions, "@alice:example.org")
	requireKind(t, err, uia.KindInternal, "")
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func TestAppStoreReceipt(t *testing.T) {
	store, clock := setupStore(t)
	ctx := t.Context()
	now := clock.Now()

	var prodCalls, sandboxCalls atomic.Int32
	receipts := map[string]verifyReceiptResponse{}
	handler := func(sandbox bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var req verifyReceiptRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "shared-secret", req.Password)
			if !sandbox {
				prodCalls.Add(1)
				if req.ReceiptData == "sandbox-receipt" {
					_ = json.NewEncoder(w).Encode(map[string]any{"status": appStoreStatusSandboxReceipt})
					return
				}
			} else {
				sandboxCalls.Add(1)
			}
			resp, ok := receipts[req.ReceiptData]
			if !ok {
				resp.Status = 21003
			}
			_ = json.NewEncoder(w).Encode(resp)
		}
	}
	prod := httptest.NewServer(handler(false))
	defer prod.Close()
	sandbox := httptest.NewServer(handler(true))
	defer sandbox.Close()

	entry := func(product, txn, orig string, expires time.Time) receiptInfo {
		return receiptInfo{
			ProductID: product, TransactionID: txn, OriginalTransactionID: orig,
			PurchaseDateMS: ms(now.Add(-24 * time.Hour)), ExpiresDateMS: ms(expires),
		}
	}
	good := verifyReceiptResponse{LatestReceiptInfo: []receiptInfo{
		entry("org.example.standard", "1000", "900", now.Add(-time.Hour)),
		entry("org.example.standard", "1001", "900", now.Add(29*24*time.Hour)),
		entry("org.example.other", "1002", "901", now.Add(60*24*time.Hour)),
	}}
	good.Receipt.BundleID = "org.example.app"
	receipts["sandbox-receipt"] = good
	receipts["expired-receipt"] = verifyReceiptResponse{LatestReceiptInfo: []receiptInfo{
		entry("org.example.standard", "2000", "2000", now.Add(-48*time.Hour)),
	}}

	provider := NewAppStoreReceipt(store, AppStoreConfig{
		Products:      testProducts,
		SharedSecret:  "shared-secret",
		ProductionURL: prod.URL,
		SandboxURL:    sandbox.URL,
		GracePeriod:   24 * time.Hour,
	}, prod.Client(), nil)
	provider.now = clock.Now
	subs := NewSubscriptions(nil, provider)

	s := newTestSession(t, registerEP)
	ok, err := s.check(subs, StageSubscriptions, map[string]any{
		"subscription_type": SubscriptionAppStore, "product_id": "org.example.standard", "receipt": "sandbox-receipt",
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(1), prodCalls.Load())
	assert.Equal(t, int32(1), sandboxCalls.Load())

	c, ok := claimsKey(SubscriptionAppStore).Get(s.session)
	require.True(t, ok)
	assert.Equal(t, "1001", c.TransactionID)
	assert.Equal(t, "900", c.OriginalTransactionID)
	assert.Equal(t, "org.example.app", c.BundleID)

	require.NoError(t, subs.OnSuccess(ctx, s.request(nil), StageSubscriptions, "@alice:example.org"))
	enrolled, err := provider.IsEnrolled(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.True(t, enrolled)

	t.Run("reuse by another account", func(t *testing.T) {
		other := newTestSession(t, registerEP)
		_, err := other.check(subs, StageSubscriptions, map[string]any{
			"subscription_type": SubscriptionAppStore, "product_id": "org.example.standard", "receipt": "sandbox-receipt",
		})
		requireKind(t, err, uia.KindAuthFailed, "")
	})

	t.Run("same account may resubmit", func(t *testing.T) {
		again := newTestSession(t, uia.Endpoint{Method: "POST", Path: "/auth/subscription"}).bearer("@alice:example.org")
		ok, err := again.check(subs, StageSubscriptions, map[string]any{
			"subscription_type": SubscriptionAppStore, "product_id": "org.example.standard", "receipt": "sandbox-receipt",
		})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("expired beyond grace", func(t *testing.T) {
		other := newTestSession(t, registerEP)
		ok, err := other.check(subs, StageSubscriptions, map[string]any{
			"subscription_type": SubscriptionAppStore, "product_id": "org.example.standard", "receipt": "expired-receipt",
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("apple rejects receipt", func(t *testing.T) {
		other := newTestSession(t, registerEP)
		ok, err := other.check(subs, StageSubscriptions, map[string]any{
			"subscription_type": SubscriptionAppStore, "product_id": "org.example.standard", "receipt": "garbage",
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown product", func(t *testing.T) {
		other := newTestSession(t, registerEP)
		_, err := other.check(subs, StageSubscriptions, map[string]any{
			"subscription_type": SubscriptionAppStore, "product_id": "org.example.other", "receipt": "sandbox-receipt",
		})
		requireKind(t, err, uia.KindBadInput, uia.CodeInvalidParam)
	})
}

func TestAppStoreUpstreamFailure(t *testing.T) {
	store, _ := setupStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	provider := NewAppStoreReceipt(store, AppStoreConfig{Products: testProducts, ProductionURL: srv.URL, SandboxURL: srv.URL}, srv.Client(), nil)
	subs := NewSubscriptions(nil, provider)

	s := newTestSession(t, registerEP)
	_, err := s.check(subs, StageSubscriptions, map[string]any{
		"subscription_type": SubscriptionAppStore, "product_id": "org.example.standard", "receipt": "r",
	})
	requireKind(t, err, uia.KindUpstream, "")
}

func TestCheckReuseFamilySharing(t *testing.T) {
	store, _ := setupStore(t)
	ctx := t.Context()
	family, _ := findProduct(testProducts, "org.example.family")

	for i := range FamilySharingMaxAccounts {
		user := "@member" + strconv.Itoa(i) + ":example.org"
		require.NoError(t, checkReuse(ctx, store, storage.ProviderStoreKitV2, family, "orig-1", user))
		require.NoError(t, store.UpsertSubscription(ctx, &storage.InAppSubscription{
			UserID: user, Provider: storage.ProviderStoreKitV2, ProductID: family.ProductID,
			TransactionID: "txn-1", OriginalTransactionID: "orig-1", FamilyShared: i > 0,
		}))
	}
	err := checkReuse(ctx, store, storage.ProviderStoreKitV2, family, "orig-1", "@late:example.org")
	requireKind(t, err, uia.KindAuthFailed, "")
	assert.NoError(t, checkReuse(ctx, store, storage.ProviderStoreKitV2, family, "orig-1", "@member3:example.org"))
	assert.NoError(t, checkReuse(ctx, store, storage.ProviderStoreKitV2, family, "orig-2", "@late:example.org"))
}
