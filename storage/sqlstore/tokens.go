package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/jmcleod/uiagate/internal/uuid"
	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/storage/bunx"
)

// PendingTokenWindow is how long an unfinished registration holds a slot.
const PendingTokenWindow = time.Hour

// ReserveRegistrationToken claims a slot of token for a UIA session. It
// reports false when the token does not exist, has expired, or has no free
// slot once completed registrations and other sessions' recent pending
// reservations are counted. Reserving twice for one session succeeds
// without taking a second slot.
func (s *Store) ReserveRegistrationToken(ctx context.Context, token, session string) (bool, error) {
	now := s.clock()
	reserved := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rt := new(storage.RegistrationToken)
		q := tx.NewSelect().Model(rt).Where("token = ?", token)
		if bunx.IsPostgreSQL(tx) {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("load registration token: %w", err)
		}
		if rt.Expired(now) {
			return nil
		}

		used, err := countTokenRegistrations(ctx, tx, token)
		if err != nil {
			return err
		}
		if rt.Slots <= used {
			return nil
		}

		mine, err := tx.NewSelect().
			Model((*storage.PendingTokenRegistration)(nil)).
			Where("token = ?", token).
			Where("session = ?", session).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("check pending registration: %w", err)
		}
		if mine {
			reserved = true
			return nil
		}

		pending, err := tx.NewSelect().
			Model((*storage.PendingTokenRegistration)(nil)).
			Where("token = ?", token).
			Where("session != ?", session).
			Where("created_at > ?", now.Add(-PendingTokenWindow)).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("count pending registrations: %w", err)
		}
		if rt.Slots <= used+pending {
			return nil
		}

		row := &storage.PendingTokenRegistration{ID: uuid.New(), Token: token, Session: session, CreatedAt: now}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert pending registration: %w", err)
		}
		reserved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

// CompleteTokenRegistration turns a session's pending reservation into a
// consumed slot owned by userID.
func (s *Store) CompleteTokenRegistration(ctx context.Context, token, session, userID string) error {
	now := s.clock()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*storage.PendingTokenRegistration)(nil)).
			Where("token = ?", token).
			Where("session = ?", session).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete pending registration: %w", err)
		}
		sub := &storage.InAppSubscription{
			ID:                    uuid.New(),
			UserID:                userID,
			Provider:              storage.ProviderRegistrationTokens,
			ProductID:             token,
			TransactionID:         session,
			OriginalTransactionID: session,
			PurchasedAt:           &now,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if _, err := tx.NewInsert().
			Model(sub).
			On("CONFLICT (user_id, provider, transaction_id) DO NOTHING").
			Exec(ctx); err != nil {
			return fmt.Errorf("record token registration: %w", err)
		}
		return nil
	})
}

func countTokenRegistrations(ctx context.Context, db bun.IDB, token string) (int, error) {
	n, err := db.NewSelect().
		Model((*storage.InAppSubscription)(nil)).
		Where("provider = ?", storage.ProviderRegistrationTokens).
		Where("product_id = ?", token).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count token registrations: %w", err)
	}
	return n, nil
}

// CreateRegistrationToken inserts a new token. ErrConflict if it exists.
func (s *Store) CreateRegistrationToken(ctx context.Context, rt *storage.RegistrationToken) error {
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = s.clock()
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*storage.RegistrationToken)(nil)).Where("token = ?", rt.Token).Exists(ctx)
		if err != nil {
			return fmt.Errorf("check registration token: %w", err)
		}
		if exists {
			return fmt.Errorf("registration token %s: %w", rt.Token, storage.ErrConflict)
		}
		if _, err := tx.NewInsert().Model(rt).Exec(ctx); err != nil {
			return fmt.Errorf("create registration token: %w", err)
		}
		return nil
	})
}

func (s *Store) GetRegistrationToken(ctx context.Context, token string) (*storage.RegistrationToken, error) {
	rt := new(storage.RegistrationToken)
	if err := s.db.NewSelect().Model(rt).Where("token = ?", token).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "registration token")
	}
	return rt, nil
}

// ListRegistrationTokens returns every token, oldest first.
func (s *Store) ListRegistrationTokens(ctx context.Context) ([]storage.RegistrationToken, error) {
	var out []storage.RegistrationToken
	if err := s.db.NewSelect().Model(&out).Order("created_at ASC", "token ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list registration tokens: %w", err)
	}
	return out, nil
}

// UpdateRegistrationToken replaces a token's slots and expiry.
func (s *Store) UpdateRegistrationToken(ctx context.Context, rt *storage.RegistrationToken) error {
	res, err := s.db.NewUpdate().
		Model(rt).
		Column("slots", "expires_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update registration token: %w", err)
	}
	return requireAffected(res, "registration token")
}

func (s *Store) DeleteRegistrationToken(ctx context.Context, token string) error {
	res, err := s.db.NewDelete().Model((*storage.RegistrationToken)(nil)).Where("token = ?", token).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete registration token: %w", err)
	}
	return requireAffected(res, "registration token")
}

// RegistrationTokenUsage returns the live pending reservations and the
// completed registrations for token.
func (s *Store) RegistrationTokenUsage(ctx context.Context, token string) (pending, completed int, err error) {
	pending, err = s.db.NewSelect().
		Model((*storage.PendingTokenRegistration)(nil)).
		Where("token = ?", token).
		Where("created_at > ?", s.clock().Add(-PendingTokenWindow)).
		Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("count pending registrations: %w", err)
	}
	completed, err = countTokenRegistrations(ctx, s.db, token)
	if err != nil {
		return 0, 0, err
	}
	return pending, completed, nil
}
