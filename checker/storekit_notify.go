package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

// App Store Server Notifications V2 types the gateway acts on or
// acknowledges.
const (
	NotificationSubscribed          = "SUBSCRIBED"
	NotificationDidRenew            = "DID_RENEW"
	NotificationRevoke              = "REVOKE"
	NotificationDidChangeRenewPref  = "DID_CHANGE_RENEWAL_PREF"
	NotificationDidChangeRenewState = "DID_CHANGE_RENEWAL_STATUS"
	NotificationDidFailToRenew      = "DID_FAIL_TO_RENEW"
	NotificationExpired             = "EXPIRED"
	NotificationGraceExpired        = "GRACE_PERIOD_EXPIRED"
	NotificationOfferRedeemed       = "OFFER_REDEEMED"
	NotificationPriceIncrease       = "PRICE_INCREASE"
	NotificationTest                = "TEST"

	// SubtypeBillingRecovery marks a DID_RENEW for a subscription that had
	// lapsed after a failed renewal.
	SubtypeBillingRecovery = "BILLING_RECOVERY"

	storeKitNotificationVersion = "2.0"
)

// ErrUnsupportedNotification means a verified notification names a type the
// gateway does not implement, such as refunds or consumption requests.
var ErrUnsupportedNotification = errors.New("app store notification type not supported")

// storeKitNotification is the subset of ResponseBodyV2DecodedPayload the
// gateway uses.
type storeKitNotification struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Version          string `json:"version"`
	Data             *struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
}

// HandleNotification verifies a signedPayload posted by the App Store and
// applies it to stored entitlements. DID_RENEW extends every account that
// held the purchase when it renewed, REVOKE ends family-shared access, and
// SUBSCRIBED refreshes rows already recorded for the transaction.
func (s *StoreKitV2) HandleNotification(ctx context.Context, signedPayload string) error {
	payload, err := s.verifyJWS(signedPayload, "signedPayload")
	if errors.Is(err, ErrUntrustedTransaction) {
		s.logger.WarnContext(ctx, "app store notification failed verification", "error", err)
		return uia.Forbidden(uia.CodeForbidden, "notification signature is not trusted")
	}
	if err != nil {
		return err
	}
	var n storeKitNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return uia.BadInput(uia.CodeBadJSON, "notification payload is not valid JSON")
	}
	if n.Version != storeKitNotificationVersion {
		return uia.BadInput(uia.CodeInvalidParam, "unsupported notification version %q", n.Version)
	}
	if n.NotificationType == "" {
		return uia.BadInput(uia.CodeInvalidParam, "notification has no notificationType")
	}
	if n.Data == nil {
		return uia.BadInput(uia.CodeInvalidParam, "notification has no data")
	}
	if !slices.ContainsFunc(s.cfg.Apps, func(a StoreKitApp) bool { return a.BundleID == n.Data.BundleID }) {
		return uia.BadInput(uia.CodeInvalidParam, "unknown bundle id %q", n.Data.BundleID)
	}
	if s.cfg.Environment != "" && n.Data.Environment != s.cfg.Environment {
		return uia.BadInput(uia.CodeInvalidParam, "notification is for environment %q", n.Data.Environment)
	}

	log := s.logger.With("notification_type", n.NotificationType, "subtype", n.Subtype, "notification_uuid", n.NotificationUUID)
	switch n.NotificationType {
	case NotificationDidRenew, NotificationSubscribed, NotificationRevoke:
	case NotificationDidChangeRenewPref, NotificationDidChangeRenewState, NotificationDidFailToRenew,
		NotificationExpired, NotificationGraceExpired, NotificationOfferRedeemed,
		NotificationPriceIncrease, NotificationTest:
		log.InfoContext(ctx, "app store notification acknowledged")
		return nil
	default:
		log.WarnContext(ctx, "app store notification not supported")
		return fmt.Errorf("%w: %s", ErrUnsupportedNotification, n.NotificationType)
	}

	if n.Data.SignedTransactionInfo == "" {
		return uia.BadInput(uia.CodeInvalidParam, "notification has no signedTransactionInfo")
	}
	tx, err := s.decodeTransaction(n.Data.SignedTransactionInfo)
	if errors.Is(err, ErrUntrustedTransaction) {
		log.WarnContext(ctx, "app store notification transaction failed verification", "error", err)
		return uia.Forbidden(uia.CodeForbidden, "notification transaction is not trusted")
	}
	if err != nil {
		return err
	}
	if tx.OriginalTransactionID == "" || tx.TransactionID == "" {
		return uia.BadInput(uia.CodeInvalidParam, "notification transaction has no transaction id")
	}
	if tx.BundleID != n.Data.BundleID {
		return uia.BadInput(uia.CodeInvalidParam, "notification transaction is for another bundle")
	}
	log = log.With("original_transaction_id", tx.OriginalTransactionID, "transaction_id", tx.TransactionID)

	var changed int
	switch n.NotificationType {
	case NotificationDidRenew:
		changed, err = s.renew(ctx, tx, n.Subtype == SubtypeBillingRecovery)
	case NotificationSubscribed:
		changed, err = s.refresh(ctx, tx)
	case NotificationRevoke:
		changed, err = s.store.ExpireSubscriptions(ctx, storage.ProviderStoreKitV2, tx.OriginalTransactionID, true, s.now())
		if err != nil {
			err = storeError("revoke family shared subscriptions", err)
		}
	}
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "app store notification applied", "subscriptions", changed)
	return nil
}

// latestByUser returns each user's row with the furthest expiry.
func latestByUser(subs []storage.InAppSubscription) map[string]storage.InAppSubscription {
	out := make(map[string]storage.InAppSubscription)
	for _, sub := range subs {
		cur, ok := out[sub.UserID]
		if !ok || laterExpiry(sub.ExpiresAt, cur.ExpiresAt) {
			out[sub.UserID] = sub
		}
	}
	return out
}

// laterExpiry orders expiries with nil meaning never.
func laterExpiry(a, b *time.Time) bool {
	switch {
	case b == nil:
		return false
	case a == nil:
		return true
	}
	return a.After(*b)
}

// renew adds a period for the new transaction to every account whose
// entitlement was still active when the renewal was purchased. A billing
// recovery also reaches accounts that lapsed within the grace period.
func (s *StoreKitV2) renew(ctx context.Context, tx *storeKitTransaction, recovery bool) (int, error) {
	if tx.ExpiresDate == 0 {
		return 0, uia.BadInput(uia.CodeInvalidParam, "renewal transaction has no expiresDate")
	}
	if _, ok := findProduct(s.cfg.Products, tx.ProductID); !ok {
		return 0, uia.BadInput(uia.CodeInvalidParam, "unknown product %q", tx.ProductID)
	}
	subs, err := s.store.SubscriptionsByOriginalTransaction(ctx, storage.ProviderStoreKitV2, tx.OriginalTransactionID)
	if err != nil {
		return 0, storeError("load subscriptions", err)
	}
	renewedAt := time.UnixMilli(tx.PurchaseDate).UTC()
	if tx.PurchaseDate == 0 {
		renewedAt = s.now()
	}
	expires := time.UnixMilli(tx.ExpiresDate).UTC()
	var grace time.Duration
	if recovery {
		grace = s.cfg.GracePeriod
	}

	var n int
	for _, prev := range latestByUser(subs) {
		if prev.TransactionID == tx.TransactionID {
			continue
		}
		if prev.ExpiresAt != nil && prev.ExpiresAt.Add(grace).Before(renewedAt) {
			continue
		}
		if prev.ExpiresAt != nil && !expires.After(*prev.ExpiresAt) {
			continue
		}
		start := renewedAt
		if prev.ExpiresAt != nil {
			start = *prev.ExpiresAt
		}
		next := &storage.InAppSubscription{
			UserID:                prev.UserID,
			Provider:              storage.ProviderStoreKitV2,
			ProductID:             tx.ProductID,
			TransactionID:         tx.TransactionID,
			OriginalTransactionID: tx.OriginalTransactionID,
			BundleID:              tx.BundleID,
			FamilyShared:          prev.FamilyShared,
			PurchasedAt:           &start,
			ExpiresAt:             &expires,
		}
		if err := s.store.UpsertSubscription(ctx, next); err != nil {
			return n, storeError("record renewal", err)
		}
		n++
	}
	return n, nil
}

// refresh updates expiry and product on rows already recorded for the
// notification's transaction. New purchases are bound to accounts only
// through the UIA stage.
func (s *StoreKitV2) refresh(ctx context.Context, tx *storeKitTransaction) (int, error) {
	subs, err := s.store.SubscriptionsByOriginalTransaction(ctx, storage.ProviderStoreKitV2, tx.OriginalTransactionID)
	if err != nil {
		return 0, storeError("load subscriptions", err)
	}
	var n int
	for _, sub := range subs {
		if sub.TransactionID != tx.TransactionID {
			continue
		}
		if tx.ExpiresDate != 0 {
			expires := time.UnixMilli(tx.ExpiresDate).UTC()
			sub.ExpiresAt = &expires
		}
		if tx.ProductID != "" {
			sub.ProductID = tx.ProductID
		}
		if err := s.store.UpsertSubscription(ctx, &sub); err != nil {
			return n, storeError("refresh subscription", err)
		}
		n++
	}
	return n, nil
}
