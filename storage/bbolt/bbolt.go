// Package bbolt persists UIA session state in a BBolt file, sealed with
// AES-256-GCM so that sessions survive restarts without exposing scratch
// data at rest.
package bbolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/uiagate/internal/util"
	"github.com/jmcleod/uiagate/storage"
	"github.com/jmcleod/uiagate/uia"
)

var (
	sessionBucket = []byte("uia_sessions")
	metaBucket    = []byte("meta")
	sessionKeyID  = []byte("session_key")
)

const (
	sessionAADPrefix      = "session:"
	sessionKeyWrappingAAD = "uiagate:session_key:v1"
)

// record is the stored form of one session. CreatedAt stays in the clear so
// Sweep can expire sessions without decrypting them.
type record struct {
	CreatedAt time.Time         `json:"created_at"`
	Envelope  *storage.Envelope `json:"envelope"`
}

// sealedState mirrors uia.State with scratch values kept as raw JSON.
type sealedState struct {
	Scratch   map[string]json.RawMessage `json:"scratch"`
	Completed []string                   `json:"completed"`
	CreatedAt time.Time                  `json:"created_at"`
}

// SessionStore implements uia.Store on a BBolt database.
type SessionStore struct {
	db        *bbolt.DB
	key       []byte
	logger    *slog.Logger
	closeOnce sync.Once
}

var _ uia.Store = (*SessionStore)(nil)

// NewSessionStore returns a store backed by db. The session encryption key
// is generated on first use and kept in the database sealed under
// wrappingKey, which must be 32 bytes and is never stored.
func NewSessionStore(db *bbolt.DB, wrappingKey []byte, logger *slog.Logger) (*SessionStore, error) {
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	if logger == nil {
		logger = slog.Default()
	}
	var key []byte
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		key, err = loadOrCreateSessionKey(meta, wrappingKey, logger)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	return &SessionStore{db: db, key: key, logger: logger}, nil
}

// NewSessionStoreFromFile opens a BBolt database at path and returns a
// SessionStore over it. Close releases the file.
func NewSessionStoreFromFile(path string, wrappingKey []byte, logger *slog.Logger) (*SessionStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewSessionStore(db, wrappingKey, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close wipes the session key and closes the underlying database.
func (s *SessionStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		memguard.WipeBytes(s.key)
		err = s.db.Close()
	})
	return err
}

func (s *SessionStore) Get(id string) (uia.State, bool) {
	var (
		st    uia.State
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		var err error
		st, err = s.decode(id, data)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		s.logger.Warn("session read failed", "session", id, "error", err)
		return uia.State{}, false
	}
	return st, found
}

func (s *SessionStore) Set(id string, st uia.State) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return s.put(tx.Bucket(sessionBucket), id, st)
	})
	if err != nil {
		s.logger.Error("session write failed", "session", id, "error", err)
	}
}

// Update runs fn inside a single write transaction. BBolt allows one
// writer at a time, so updates to the same session are serialized.
func (s *SessionStore) Update(id string, fn func(*uia.State)) uia.State {
	var out uia.State
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		st := uia.State{Scratch: make(map[string]any), CreatedAt: time.Now()}
		if data := b.Get([]byte(id)); data != nil {
			decoded, err := s.decode(id, data)
			if err != nil {
				s.logger.Warn("discarding unreadable session", "session", id, "error", err)
			} else {
				st = decoded
			}
		}
		fn(&st)
		out = st.Clone()
		return s.put(b, id, st)
	})
	if err != nil {
		s.logger.Error("session update failed", "session", id, "error", err)
	}
	return out
}

func (s *SessionStore) Delete(id string) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete([]byte(id))
	})
	if err != nil {
		s.logger.Error("session delete failed", "session", id, "error", err)
	}
}

func (s *SessionStore) Sweep(cutoff time.Time) int {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil || rec.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		s.logger.Error("session sweep failed", "error", err)
		return 0
	}
	return removed
}

// Len returns the number of stored sessions.
func (s *SessionStore) Len() int {
	n := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(sessionBucket).Stats().KeyN
		return nil
	})
	return n
}

func (s *SessionStore) put(b *bbolt.Bucket, id string, st uia.State) error {
	sealed := sealedState{
		Scratch:   make(map[string]json.RawMessage, len(st.Scratch)),
		Completed: st.Completed,
		CreatedAt: st.CreatedAt,
	}
	for k, v := range st.Scratch {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding scratch key %s: %w", k, err)
		}
		sealed.Scratch[k] = raw
	}
	plaintext, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(plaintext)
	env, err := storage.SealRecord(s.key, plaintext, []byte(sessionAADPrefix+id))
	if err != nil {
		return err
	}
	data, err := json.Marshal(record{CreatedAt: st.CreatedAt, Envelope: env})
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func (s *SessionStore) decode(id string, data []byte) (uia.State, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return uia.State{}, err
	}
	if rec.Envelope == nil {
		return uia.State{}, errors.New("record has no envelope")
	}
	plaintext, err := storage.OpenRecord(s.key, rec.Envelope, []byte(sessionAADPrefix+id))
	if err != nil {
		return uia.State{}, err
	}
	defer memguard.WipeBytes(plaintext)
	var sealed sealedState
	if err := json.Unmarshal(plaintext, &sealed); err != nil {
		return uia.State{}, err
	}
	st := uia.State{
		Scratch:   make(map[string]any, len(sealed.Scratch)),
		Completed: sealed.Completed,
		CreatedAt: sealed.CreatedAt,
	}
	for k, v := range sealed.Scratch {
		st.Scratch[k] = v
	}
	return st, nil
}

// loadOrCreateSessionKey unseals the stored session key with wrappingKey.
// If none exists, or the wrapping key changed, a fresh key is generated and
// stored; sessions sealed under the old key become unreadable.
func loadOrCreateSessionKey(meta *bbolt.Bucket, wrappingKey []byte, logger *slog.Logger) ([]byte, error) {
	aad := []byte(sessionKeyWrappingAAD)
	if data := meta.Get(sessionKeyID); data != nil {
		var env storage.Envelope
		if err := json.Unmarshal(data, &env); err == nil {
			key, err := storage.OpenRecord(wrappingKey, &env, aad)
			if err == nil && len(key) == util.AESKeySize {
				return key, nil
			}
		}
		logger.Warn("stored session key could not be unsealed, generating a new one")
	}

	key, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	env, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := meta.Put(sessionKeyID, data); err != nil {
		return nil, err
	}
	return key, nil
}
