package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/storage/bunx"
)

// PendingUsernameWindow is how long a pending username is held for the
// session that claimed it.
const PendingUsernameWindow = 10 * time.Minute

func (s *Store) GetUsername(ctx context.Context, name string) (*storage.Username, error) {
	u := new(storage.Username)
	if err := s.db.NewSelect().Model(u).Where("username = ?", name).Scan(ctx); err != nil {
		return nil, wrapNotFound(err, "username")
	}
	return u, nil
}

// ReserveUsername marks name pending for session. It reports false if the
// name is enrolled, reserved or inactive, or pending for another session
// within PendingUsernameWindow.
func (s *Store) ReserveUsername(ctx context.Context, name, session string) (bool, error) {
	now := s.clock()
	reserved := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(storage.Username)
		q := tx.NewSelect().Model(existing).Where("username = ?", name)
		if bunx.IsPostgreSQL(tx) {
			q = q.For("UPDATE")
		}
		err := q.Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			row := &storage.Username{Username: name, Status: storage.UsernamePending, Reason: session, CreatedAt: now, UpdatedAt: now}
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return fmt.Errorf("insert pending username: %w", err)
			}
			reserved = true
			return nil
		case err != nil:
			return fmt.Errorf("load username: %w", err)
		}

		switch existing.Status {
		case storage.UsernameEnrolled, storage.UsernameReserved, storage.UsernameInactive:
			return nil
		case storage.UsernamePending:
			if existing.Reason != session && existing.UpdatedAt.After(now.Add(-PendingUsernameWindow)) {
				return nil
			}
		}
		if _, err := tx.NewUpdate().
			Model((*storage.Username)(nil)).
			Set("status = ?", storage.UsernamePending).
			Set("reason = ?", session).
			Set("updated_at = ?", now).
			Where("username = ?", name).
			Exec(ctx); err != nil {
			return fmt.Errorf("update pending username: %w", err)
		}
		reserved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

// PromoteUsername marks name enrolled if it is pending for session.
func (s *Store) PromoteUsername(ctx context.Context, name, session string) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*storage.Username)(nil)).
		Set("status = ?", storage.UsernameEnrolled).
		Set("updated_at = ?", s.clock()).
		Where("username = ?", name).
		Where("status = ?", storage.UsernamePending).
		Where("reason = ?", session).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("promote username: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promote username: %w", err)
	}
	return n > 0, nil
}

// DeactivateUsername retires a username so it cannot be registered again.
func (s *Store) DeactivateUsername(ctx context.Context, name string) error {
	_, err := s.db.NewUpdate().
		Model((*storage.Username)(nil)).
		Set("status = ?", storage.UsernameInactive).
		Set("updated_at = ?", s.clock()).
		Where("username = ?", name).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deactivate username: %w", err)
	}
	return nil
}

// AddReservedUsernames marks names reserved, skipping existing rows. It
// returns how many were added.
func (s *Store) AddReservedUsernames(ctx context.Context, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	now := s.clock()
	rows := make([]storage.Username, len(names))
	for i, n := range names {
		rows[i] = storage.Username{Username: n, Status: storage.UsernameReserved, CreatedAt: now, UpdatedAt: now}
	}
	res, err := s.db.NewInsert().Model(&rows).On("CONFLICT (username) DO NOTHING").Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("add reserved usernames: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AddBadWords stores words, skipping duplicates, and returns how many were
// added.
func (s *Store) AddBadWords(ctx context.Context, words []string) (int, error) {
	if len(words) == 0 {
		return 0, nil
	}
	rows := make([]storage.BadWord, len(words))
	for i, w := range words {
		rows[i] = storage.BadWord{Word: w}
	}
	res, err := s.db.NewInsert().Model(&rows).On("CONFLICT (word) DO NOTHING").Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("add bad words: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ContainsBadWord reports whether any of words is on the bad word list.
func (s *Store) ContainsBadWord(ctx context.Context, words ...string) (bool, error) {
	if len(words) == 0 {
		return false, nil
	}
	exists, err := s.db.NewSelect().
		Model((*storage.BadWord)(nil)).
		Where("word IN (?)", bun.In(words)).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check bad words: %w", err)
	}
	return exists, nil
}

// ListBadWords returns the bad word list in alphabetical order.
func (s *Store) ListBadWords(ctx context.Context) ([]string, error) {
	var words []string
	if err := s.db.NewSelect().Model((*storage.BadWord)(nil)).Column("word").Order("word ASC").Scan(ctx, &words); err != nil {
		return nil, fmt.Errorf("list bad words: %w", err)
	}
	return words, nil
}
