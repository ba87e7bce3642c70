package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmcleod/uiagate/internal/uuid"
	"github.com/jmcleod/uiagate/storage"
)

// AcceptedTermsVersions maps each policy the user accepted to the versions
// accepted.
func (s *Store) AcceptedTermsVersions(ctx context.Context, userID string) (map[string][]string, error) {
	var rows []storage.AcceptedTerms
	if err := s.db.NewSelect().Model(&rows).Where("user_id = ?", userID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("list accepted terms: %w", err)
	}
	out := make(map[string][]string)
	for _, r := range rows {
		out[r.Policy] = append(out[r.Policy], r.Version)
	}
	return out, nil
}

// AcceptTerms records acceptance of one policy version. Idempotent.
func (s *Store) AcceptTerms(ctx context.Context, userID, policy, version string) error {
	row := &storage.AcceptedTerms{ID: uuid.New(), UserID: userID, Policy: policy, Version: version, AcceptedAt: s.clock()}
	_, err := s.db.NewInsert().Model(row).On("CONFLICT (user_id, policy, version) DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("accept terms: %w", err)
	}
	return nil
}

func (s *Store) DeleteAcceptedTerms(ctx context.Context, userID string) error {
	_, err := s.db.NewDelete().Model((*storage.AcceptedTerms)(nil)).Where("user_id = ?", userID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete accepted terms: %w", err)
	}
	return nil
}
