package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmcleod/uiagate/internal/uuid"
	"github.com/jmcleod/uiagate/storage"
)

// ListEmailAddresses returns the user's addresses, oldest first.
func (s *Store) ListEmailAddresses(ctx context.Context, userID string) ([]string, error) {
	var rows []storage.UserEmailAddress
	err := s.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list email addresses: %w", err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Email
	}
	return out, nil
}

// EmailOwner returns the user an address belongs to.
func (s *Store) EmailOwner(ctx context.Context, email string) (string, error) {
	row := new(storage.UserEmailAddress)
	err := s.db.NewSelect().Model(row).Where("email = ?", email).Order("created_at ASC").Limit(1).Scan(ctx)
	if err != nil {
		return "", wrapNotFound(err, "email address")
	}
	return row.UserID, nil
}

// AddEmailAddress records an address. Adding it again is a no-op.
func (s *Store) AddEmailAddress(ctx context.Context, userID, email string) error {
	row := &storage.UserEmailAddress{ID: uuid.New(), UserID: userID, Email: email, CreatedAt: s.clock()}
	_, err := s.db.NewInsert().Model(row).On("CONFLICT (user_id, email) DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("add email address: %w", err)
	}
	return nil
}

func (s *Store) DeleteEmailAddresses(ctx context.Context, userID string) error {
	_, err := s.db.NewDelete().Model((*storage.UserEmailAddress)(nil)).Where("user_id = ?", userID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete email addresses: %w", err)
	}
	return nil
}
