package checker

import (
	"context"
	"time"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

const (
	SubscriptionFree = "org.futo.subscriptions.free_forever"

	freeProductID = "free_subscription"
)

// FreeSubscription grants a free plan to every new account.
type FreeSubscription struct {
	store SubscriptionStore
	now   func() time.Time
}

var _ SubscriptionProvider = (*FreeSubscription)(nil)

func NewFreeSubscription(store SubscriptionStore) *FreeSubscription {
	return &FreeSubscription{store: store, now: time.Now}
}

func (f *FreeSubscription) Type() string { return SubscriptionFree }

func (f *FreeSubscription) Params(context.Context, *uia.Session, string) (map[string]any, error) {
	return nil, nil
}

// Verify passes for registrations and for users who already hold the free
// plan.
func (f *FreeSubscription) Verify(ctx context.Context, req *uia.Request) (bool, error) {
	if req.Endpoint.IsRegistration() {
		return true, nil
	}
	userID := req.KnownUserID()
	if userID == "" {
		return false, nil
	}
	return f.IsEnrolled(ctx, userID)
}

func (f *FreeSubscription) Record(ctx context.Context, req *uia.Request, userID string) error {
	has, err := f.IsEnrolled(ctx, userID)
	if err != nil || has {
		return err
	}
	now := f.now().UTC()
	sub := &storage.InAppSubscription{
		UserID:                userID,
		Provider:              storage.ProviderFreeForever,
		ProductID:             freeProductID,
		TransactionID:         req.Session.ID(),
		OriginalTransactionID: req.Session.ID(),
		BundleID:              "free",
		PurchasedAt:           &now,
	}
	if err := f.store.UpsertSubscription(ctx, sub); err != nil {
		return storeError("record free subscription", err)
	}
	return nil
}

func (f *FreeSubscription) IsEnrolled(ctx context.Context, userID string) (bool, error) {
	ok, err := f.store.HasActiveSubscription(ctx, userID, storage.ProviderFreeForever)
	if err != nil {
		return false, storeError("check free subscription", err)
	}
	return ok, nil
}
