package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmcleod/uiagate/storage"
)

func (s *Store) GetBSSpekeUser(ctx context.Context, userID string) (*storage.BSSpekeUser, error) {
	u := new(storage.BSSpekeUser)
	if err := s.db.NewSelect().Model(u).Where("user_id = ?", userID).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "bsspeke user")
	}
	return u, nil
}

// SetBSSpekeUser creates or replaces a user's BS-SPEKE record.
func (s *Store) SetBSSpekeUser(ctx context.Context, u *storage.BSSpekeUser) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock()
	}
	_, err := s.db.NewInsert().
		Model(u).
		On("CONFLICT (user_id) DO UPDATE").
		Set("curve = EXCLUDED.curve").
		Set("p = EXCLUDED.p").
		Set("v = EXCLUDED.v").
		Set("salt = EXCLUDED.salt").
		Set("phf_name = EXCLUDED.phf_name").
		Set("phf_iterations = EXCLUDED.phf_iterations").
		Set("phf_blocks = EXCLUDED.phf_blocks").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set bsspeke user: %w", err)
	}
	return nil
}

func (s *Store) DeleteBSSpekeUser(ctx context.Context, userID string) error {
	_, err := s.db.NewDelete().Model((*storage.BSSpekeUser)(nil)).Where("user_id = ?", userID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete bsspeke user: %w", err)
	}
	return nil
}
