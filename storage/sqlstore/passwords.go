package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmcleod/uiagate/storage"
)

// GetPasswordHash returns the user's password digest.
func (s *Store) GetPasswordHash(ctx context.Context, userID string) (*storage.PasswordHash, error) {
	ph := new(storage.PasswordHash)
	if err := s.db.NewSelect().Model(ph).Where("user_id = ?", userID).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "password hash")
	}
	return ph, nil
}

// SetPasswordHash creates or replaces the user's password digest.
func (s *Store) SetPasswordHash(ctx context.Context, userID, hashFunc, digest string) error {
	now := s.clock()
	ph := &storage.PasswordHash{UserID: userID, HashFunc: hashFunc, Digest: digest, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.NewInsert().
		Model(ph).
		On("CONFLICT (user_id) DO UPDATE").
		Set("hash_func = EXCLUDED.hash_func").
		Set("digest = EXCLUDED.digest").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set password hash: %w", err)
	}
	return nil
}

func (s *Store) DeletePasswordHash(ctx context.Context, userID string) error {
	_, err := s.db.NewDelete().Model((*storage.PasswordHash)(nil)).Where("user_id = ?", userID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete password hash: %w", err)
	}
	return nil
}
