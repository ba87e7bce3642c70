package checker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

type notificationData struct {
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
}

type notification struct {
	NotificationType string            `json:"notificationType"`
	Subtype          string            `json:"subtype,omitempty"`
	NotificationUUID string            `json:"notificationUUID"`
	Version          string            `json:"version"`
	Data             *notificationData `json:"data,omitempty"`
}

func TestStoreKitNotifications(t *testing.T) {
	store, clock := setupStore(t)
	ctx := t.Context()
	ca := newTestCA(t)
	now := clock.Now()

	provider := NewStoreKitV2(store, StoreKitConfig{
		Apps:        []StoreKitApp{{BundleID: "org.example.app"}},
		Products:    testProducts,
		Environment: "Production",
		GracePeriod: 24 * time.Hour,
		Roots:       ca.roots,
	}, nil)
	provider.now = clock.Now

	periodEnd := now.Add(time.Hour)
	periodStart := now.Add(-30 * 24 * time.Hour)
	seed := func(userID string, shared bool) {
		require.NoError(t, store.UpsertSubscription(ctx, &storage.InAppSubscription{
			UserID:                userID,
			Provider:              storage.ProviderStoreKitV2,
			ProductID:             "org.example.standard",
			TransactionID:         "2000000001",
			OriginalTransactionID: "2000000000",
			BundleID:              "org.example.app",
			FamilyShared:          shared,
			PurchasedAt:           &periodStart,
			ExpiresAt:             &periodEnd,
		}))
	}
	seed("@owner:example.org", false)
	seed("@kid:example.org", true)

	notify := func(kind string, tx *storeKitTransaction) error {
		n := notification{
			NotificationType: kind,
			NotificationUUID: "c1e5b1b0-0000-4000-8000-000000000001",
			Version:          "2.0",
			Data:             &notificationData{BundleID: "org.example.app", Environment: "Production"},
		}
		if tx != nil {
			n.Data.SignedTransactionInfo = ca.sign(t, *tx)
		}
		return provider.HandleNotification(ctx, ca.signJSON(t, n))
	}
	renewal := storeKitTransaction{
		TransactionID:         "2000000002",
		OriginalTransactionID: "2000000000",
		BundleID:              "org.example.app",
		ProductID:             "org.example.standard",
		PurchaseDate:          periodEnd.UnixMilli(),
		ExpiresDate:           periodEnd.Add(30 * 24 * time.Hour).UnixMilli(),
		Type:                  storeKitAutoRenewable,
		InAppOwnershipType:    "PURCHASED",
		Environment:           "Production",
	}
	active := func() []string {
		users, err := store.ActiveSubscriptionUsers(ctx, storage.ProviderStoreKitV2, "2000000000")
		require.NoError(t, err)
		return users
	}

	t.Run("revoke ends family sharing", func(t *testing.T) {
		revoked := renewal
		revoked.TransactionID = "2000000001"
		revoked.InAppOwnershipType = storeKitFamilyShared
		require.NoError(t, notify(NotificationRevoke, &revoked))
		clock.Advance(time.Second)
		assert.ElementsMatch(t, []string{"@owner:example.org"}, active())
	})

	t.Run("renewal extends accounts still holding the purchase", func(t *testing.T) {
		clock.Advance(30 * 24 * time.Hour)
		require.NoError(t, notify(NotificationDidRenew, &renewal))

		subs, err := store.ListSubscriptions(ctx, "@owner:example.org")
		require.NoError(t, err)
		require.Len(t, subs, 2)
		next := subs[1]
		assert.Equal(t, "2000000002", next.TransactionID)
		require.NotNil(t, next.ExpiresAt)
		assert.True(t, next.ExpiresAt.Equal(time.UnixMilli(renewal.ExpiresDate)))
		require.NotNil(t, next.PurchasedAt)
		assert.True(t, next.PurchasedAt.Equal(periodEnd))

		kid, err := store.ListSubscriptions(ctx, "@kid:example.org")
		require.NoError(t, err)
		assert.Len(t, kid, 1)
		assert.Equal(t, []string{"@owner:example.org"}, active())
	})

	t.Run("renewal replay changes nothing", func(t *testing.T) {
		require.NoError(t, notify(NotificationDidRenew, &renewal))
		subs, err := store.ListSubscriptions(ctx, "@owner:example.org")
		require.NoError(t, err)
		assert.Len(t, subs, 2)
	})

	t.Run("subscribed refreshes a recorded transaction", func(t *testing.T) {
		later := renewal
		later.ExpiresDate = periodEnd.Add(60 * 24 * time.Hour).UnixMilli()
		require.NoError(t, notify(NotificationSubscribed, &later))
		subs, err := store.ListSubscriptions(ctx, "@owner:example.org")
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.True(t, subs[1].ExpiresAt.Equal(time.UnixMilli(later.ExpiresDate)))
	})

	t.Run("informational types are acknowledged", func(t *testing.T) {
		for _, kind := range []string{NotificationDidChangeRenewPref, NotificationExpired, NotificationTest} {
			assert.NoError(t, notify(kind, nil), kind)
		}
	})

	t.Run("refund is not supported", func(t *testing.T) {
		err := notify("REFUND", &renewal)
		assert.ErrorIs(t, err, ErrUnsupportedNotification)
	})

	t.Run("transaction required", func(t *testing.T) {
		requireKind(t, notify(NotificationDidRenew, nil), uia.KindBadInput, uia.CodeInvalidParam)
	})

	t.Run("wrong version", func(t *testing.T) {
		err := provider.HandleNotification(ctx, ca.signJSON(t, notification{
			NotificationType: NotificationTest,
			Version:          "1.0",
			Data:             &notificationData{BundleID: "org.example.app", Environment: "Production"},
		}))
		requireKind(t, err, uia.KindBadInput, uia.CodeInvalidParam)
	})

	t.Run("sandbox rejected", func(t *testing.T) {
		err := provider.HandleNotification(ctx, ca.signJSON(t, notification{
			NotificationType: NotificationTest,
			Version:          "2.0",
			Data:             &notificationData{BundleID: "org.example.app", Environment: "Sandbox"},
		}))
		requireKind(t, err, uia.KindBadInput, uia.CodeInvalidParam)
	})

	t.Run("unknown bundle", func(t *testing.T) {
		err := provider.HandleNotification(ctx, ca.signJSON(t, notification{
			NotificationType: NotificationTest,
			Version:          "2.0",
			Data:             &notificationData{BundleID: "org.example.clone", Environment: "Production"},
		}))
		requireKind(t, err, uia.KindBadInput, uia.CodeInvalidParam)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		other := newTestCA(t)
		err := provider.HandleNotification(ctx, other.signJSON(t, notification{
			NotificationType: NotificationTest,
			Version:          "2.0",
			Data:             &notificationData{BundleID: "org.example.app", Environment: "Production"},
		}))
		requireKind(t, err, uia.KindAuthFailed, uia.CodeForbidden)
	})

	t.Run("malformed", func(t *testing.T) {
		requireKind(t, provider.HandleNotification(ctx, "not-a-jws"), uia.KindBadInput, uia.CodeInvalidParam)
	})
}
