package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

const (
	SubscriptionAppStore = "org.futo.subscription.apple"

	AppStoreProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	AppStoreSandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	appStoreStatusOK             = 0
	appStoreStatusSandboxReceipt = 21007
)

// AppStoreConfig configures legacy receipt validation.
type AppStoreConfig struct {
	Products      []Product
	SharedSecret  string
	ProductionURL string
	SandboxURL    string
	GracePeriod   time.Duration
}

// AppStoreReceipt verifies App Store receipts with Apple's verifyReceipt
// service.
type AppStoreReceipt struct {
	store  SubscriptionStore
	cfg    AppStoreConfig
	client *http.Client
	now    func() time.Time
	logger *slog.Logger
}

var _ SubscriptionProvider = (*AppStoreReceipt)(nil)

func NewAppStoreReceipt(store SubscriptionStore, cfg AppStoreConfig, client *http.Client, logger *slog.Logger) *AppStoreReceipt {
	if cfg.ProductionURL == "" {
		cfg.ProductionURL = AppStoreProductionURL
	}
	if cfg.SandboxURL == "" {
		cfg.SandboxURL = AppStoreSandboxURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AppStoreReceipt{store: store, cfg: cfg, client: client, now: time.Now, logger: logger}
}

func (a *AppStoreReceipt) Type() string { return SubscriptionAppStore }

func (a *AppStoreReceipt) Params(context.Context, *uia.Session, string) (map[string]any, error) {
	return map[string]any{"product_ids": productIDs(a.cfg.Products)}, nil
}

type appStoreAuth struct {
	ProductID string `json:"product_id" mod:"trim" validate:"required"`
	Receipt   string `json:"receipt" validate:"required"`
}

type verifyReceiptRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type receiptInfo struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	InAppOwnershipType    string `json:"in_app_ownership_type"`
}

type verifyReceiptResponse struct {
	Status  int `json:"status"`
	Receipt struct {
		BundleID string `json:"bundle_id"`
	} `json:"receipt"`
	LatestReceiptInfo []receiptInfo `json:"latest_receipt_info"`
}

func msTime(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func (a *AppStoreReceipt) Verify(ctx context.Context, req *uia.Request) (bool, error) {
	var auth appStoreAuth
	if err := req.DecodeAuth(ctx, &auth); err != nil {
		return false, err
	}
	product, ok := findProduct(a.cfg.Products, auth.ProductID)
	if !ok {
		return false, uia.BadInput(uia.CodeInvalidParam, "unknown product id %q", auth.ProductID)
	}

	resp, err := a.verifyReceipt(ctx, a.cfg.ProductionURL, auth.Receipt)
	if err != nil {
		return false, err
	}
	if resp.Status == appStoreStatusSandboxReceipt {
		if resp, err = a.verifyReceipt(ctx, a.cfg.SandboxURL, auth.Receipt); err != nil {
			return false, err
		}
	}
	if resp.Status != appStoreStatusOK {
		a.logger.InfoContext(ctx, "app store rejected receipt", "status", resp.Status)
		return false, nil
	}

	var (
		newest  *receiptInfo
		expires time.Time
	)
	for i := range resp.LatestReceiptInfo {
		info := &resp.LatestReceiptInfo[i]
		if info.ProductID != product.ProductID {
			continue
		}
		if exp, ok := msTime(info.ExpiresDateMS); ok && exp.After(expires) {
			newest, expires = info, exp
		}
	}
	now := a.now()
	if newest == nil || !activeAt(expires, a.cfg.GracePeriod, now) {
		return false, nil
	}
	if newest.TransactionID == "" || newest.OriginalTransactionID == "" {
		return false, nil
	}
	if err := checkReuse(ctx, a.store, storage.ProviderAppStore, product, newest.OriginalTransactionID, req.KnownUserID()); err != nil {
		return false, err
	}

	c := Claims{
		ProductID:             product.ProductID,
		TransactionID:         newest.TransactionID,
		OriginalTransactionID: newest.OriginalTransactionID,
		BundleID:              resp.Receipt.BundleID,
		FamilyShared:          newest.InAppOwnershipType == "FAMILY_SHARED",
		ExpiresAt:             &expires,
	}
	if purchased, ok := msTime(newest.PurchaseDateMS); ok {
		c.PurchasedAt = &purchased
	}
	claimsKey(SubscriptionAppStore).Set(req.Session, c)
	return true, nil
}

func (a *AppStoreReceipt) verifyReceipt(ctx context.Context, url, receipt string) (*verifyReceiptResponse, error) {
	body, err := json.Marshal(verifyReceiptRequest{ReceiptData: receipt, Password: a.cfg.SharedSecret, ExcludeOldTransactions: true})
	if err != nil {
		return nil, uia.Internal(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, uia.Internal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, uia.UpstreamFailure(fmt.Errorf("verifying receipt: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, uia.UpstreamFailure(fmt.Errorf("verifying receipt: status %d", resp.StatusCode))
	}
	var out verifyReceiptResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, uia.UpstreamFailure(fmt.Errorf("decoding receipt response: %w", err))
	}
	return &out, nil
}

func (a *AppStoreReceipt) Record(ctx context.Context, req *uia.Request, userID string) error {
	return recordClaims(ctx, a.store, req, SubscriptionAppStore, storage.ProviderAppStore, userID)
}

func (a *AppStoreReceipt) IsEnrolled(ctx context.Context, userID string) (bool, error) {
	ok, err := a.store.HasActiveSubscription(ctx, userID, storage.ProviderAppStore)
	if err != nil {
		return false, storeError("check app store subscription", err)
	}
	return ok, nil
}
