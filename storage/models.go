package storage

import (
	"time"

	"github.com/uptrace/bun"
)

// Hash functions recorded in PasswordHash.HashFunc.
const HashFuncBcrypt = "bcrypt"

// PasswordHash is a user's local password digest.
type PasswordHash struct {
	bun.BaseModel `bun:"table:password_hashes,alias:ph"`

	UserID    string    `bun:"user_id,pk"`
	HashFunc  string    `bun:"hash_func,notnull"`
	Digest    string    `bun:"digest,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// BSSpekeUser holds a user's BS-SPEKE verifier. Points and salt are
// unpadded base64.
type BSSpekeUser struct {
	bun.BaseModel `bun:"table:bsspeke_users,alias:bu"`

	UserID        string    `bun:"user_id,pk"`
	Curve         string    `bun:"curve,notnull"`
	P             string    `bun:"p,notnull"`
	V             string    `bun:"v,notnull"`
	Salt          string    `bun:"salt,notnull"`
	PHFName       string    `bun:"phf_name,notnull"`
	PHFIterations int       `bun:"phf_iterations,notnull"`
	PHFBlocks     int       `bun:"phf_blocks,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// UserEmailAddress is a verified address belonging to a user.
type UserEmailAddress struct {
	bun.BaseModel `bun:"table:user_email_addresses,alias:ue"`

	ID        string    `bun:"id,pk"`
	UserID    string    `bun:"user_id,notnull,unique:user_email"`
	Email     string    `bun:"email,notnull,unique:user_email"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// RegistrationToken grants a limited number of registrations.
type RegistrationToken struct {
	bun.BaseModel `bun:"table:registration_tokens,alias:rt"`

	Token     string     `bun:"token,pk"`
	CreatedBy string     `bun:"created_by,notnull"`
	Slots     int        `bun:"slots,notnull"`
	CreatedAt time.Time  `bun:"created_at,notnull"`
	ExpiresAt *time.Time `bun:"expires_at"`
}

// Expired reports whether the token has an expiry at or before now.
func (t *RegistrationToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// PendingTokenRegistration reserves one token slot for a UIA session until
// registration completes.
type PendingTokenRegistration struct {
	bun.BaseModel `bun:"table:pending_token_registrations,alias:pt"`

	ID        string    `bun:"id,pk"`
	Token     string    `bun:"token,notnull,unique:token_session"`
	Session   string    `bun:"session,notnull,unique:token_session"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// Subscription providers.
const (
	ProviderRegistrationTokens = "registration_tokens"
	ProviderFreeForever        = "free_forever"
	ProviderAppStore           = "apple_app_store"
	ProviderStoreKitV2         = "apple_storekit_v2"
	ProviderGooglePlay         = "google_play"
)

// InAppSubscription records an entitlement: a purchase, a free plan or a
// consumed registration token.
type InAppSubscription struct {
	bun.BaseModel `bun:"table:in_app_subscriptions,alias:s"`

	ID                    string     `bun:"id,pk"`
	UserID                string     `bun:"user_id,notnull,unique:provider_txn_user"`
	Provider              string     `bun:"provider,notnull,unique:provider_txn_user"`
	ProductID             string     `bun:"product_id,notnull"`
	TransactionID         string     `bun:"transaction_id,notnull,unique:provider_txn_user"`
	OriginalTransactionID string     `bun:"original_transaction_id,notnull"`
	BundleID              string     `bun:"bundle_id"`
	FamilyShared          bool       `bun:"family_shared,notnull"`
	PurchasedAt           *time.Time `bun:"purchased_at"`
	ExpiresAt             *time.Time `bun:"expires_at"`
	CreatedAt             time.Time  `bun:"created_at,notnull"`
	UpdatedAt             time.Time  `bun:"updated_at,notnull"`
}

// Active reports whether the entitlement is unexpired at now. A nil expiry
// never lapses.
func (s *InAppSubscription) Active(now time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// AcceptedTerms records that a user accepted one version of one policy.
type AcceptedTerms struct {
	bun.BaseModel `bun:"table:accepted_terms,alias:at"`

	ID         string    `bun:"id,pk"`
	UserID     string    `bun:"user_id,notnull,unique:user_policy_version"`
	Policy     string    `bun:"policy,notnull,unique:user_policy_version"`
	Version    string    `bun:"version,notnull,unique:user_policy_version"`
	AcceptedAt time.Time `bun:"accepted_at,notnull"`
}

// Username statuses.
const (
	UsernameNone     = "none"
	UsernameReserved = "reserved"
	UsernamePending  = "pending"
	UsernameEnrolled = "enrolled"
	UsernameInactive = "inactive"
)

// Username tracks the lifecycle of a localpart.
type Username struct {
	bun.BaseModel `bun:"table:usernames,alias:un"`

	Username  string    `bun:"username,pk"`
	Status    string    `bun:"status,notnull"`
	Reason    string    `bun:"reason"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// BadWord is a term usernames may not contain.
type BadWord struct {
	bun.BaseModel `bun:"table:bad_words,alias:bw"`

	Word string `bun:"word,pk"`
}
