package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/jmcleod/uiagate/internal/uuid"
	"github.com/jmcleod/uiagate/storage"
)

// UpsertSubscription records an entitlement, refreshing expiry and product
// when the same provider transaction is seen again for the same user.
func (s *Store) UpsertSubscription(ctx context.Context, sub *storage.InAppSubscription) error {
	now := s.clock()
	if sub.ID == "" {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	_, err := s.db.NewInsert().
		Model(sub).
		On("CONFLICT (user_id, provider, transaction_id) DO UPDATE").
		Set("product_id = EXCLUDED.product_id").
		Set("expires_at = EXCLUDED.expires_at").
		Set("family_shared = EXCLUDED.family_shared").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns every entitlement held by userID.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]storage.InAppSubscription, error) {
	var out []storage.InAppSubscription
	if err := s.db.NewSelect().Model(&out).Where("user_id = ?", userID).Order("created_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

// HasActiveSubscription reports whether userID holds an unexpired
// entitlement from provider.
func (s *Store) HasActiveSubscription(ctx context.Context, userID, provider string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*storage.InAppSubscription)(nil)).
		Where("user_id = ?", userID).
		Where("provider = ?", provider).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("expires_at IS NULL").WhereOr("expires_at > ?", s.clock())
		}).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check active subscription: %w", err)
	}
	return exists, nil
}

// SubscriptionUsers returns the distinct users holding an entitlement
// derived from one original provider transaction.
func (s *Store) SubscriptionUsers(ctx context.Context, provider, originalTransactionID string) ([]string, error) {
	var users []string
	err := s.db.NewSelect().
		Model((*storage.InAppSubscription)(nil)).
		Distinct().
		Column("user_id").
		Where("provider = ?", provider).
		Where("original_transaction_id = ?", originalTransactionID).
		Scan(ctx, &users)
	if err != nil {
		return nil, fmt.Errorf("list subscription users: %w", err)
	}
	return users, nil
}

// ActiveSubscriptionUsers is SubscriptionUsers restricted to entitlements
// that have started and not yet expired.
func (s *Store) ActiveSubscriptionUsers(ctx context.Context, provider, originalTransactionID string) ([]string, error) {
	now := s.clock()
	var users []string
	err := s.db.NewSelect().
		Model((*storage.InAppSubscription)(nil)).
		Distinct().
		Column("user_id").
		Where("provider = ?", provider).
		Where("original_transaction_id = ?", originalTransactionID).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("purchased_at IS NULL").WhereOr("purchased_at <= ?", now)
		}).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("expires_at IS NULL").WhereOr("expires_at > ?", now)
		}).
		Scan(ctx, &users)
	if err != nil {
		return nil, fmt.Errorf("list active subscription users: %w", err)
	}
	return users, nil
}

// SubscriptionsByOriginalTransaction returns every entitlement derived from
// one original provider transaction, oldest first.
func (s *Store) SubscriptionsByOriginalTransaction(ctx context.Context, provider, originalTransactionID string) ([]storage.InAppSubscription, error) {
	var out []storage.InAppSubscription
	err := s.db.NewSelect().
		Model(&out).
		Where("provider = ?", provider).
		Where("original_transaction_id = ?", originalTransactionID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by transaction: %w", err)
	}
	return out, nil
}

// ExpireSubscriptions ends, at at, every entitlement from one original
// transaction that would otherwise outlive it. With familySharedOnly set
// only rows granted through Family Sharing are touched. It returns the
// number of rows changed.
func (s *Store) ExpireSubscriptions(ctx context.Context, provider, originalTransactionID string, familySharedOnly bool, at time.Time) (int, error) {
	q := s.db.NewUpdate().
		Model((*storage.InAppSubscription)(nil)).
		Set("expires_at = ?", at).
		Set("updated_at = ?", s.clock()).
		Where("provider = ?", provider).
		Where("original_transaction_id = ?", originalTransactionID).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Where("expires_at IS NULL").WhereOr("expires_at > ?", at)
		})
	if familySharedOnly {
		q = q.Where("family_shared = ?", true)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	return int(n), nil
}
