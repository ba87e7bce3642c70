package uia

import (
	"hash/fnv"
	"maps"
	"slices"
	"sync"
	"time"
)

// State is the server-side record of one UIA session.
type State struct {
	Scratch   map[string]any `json:"scratch"`
	Completed []string       `json:"completed"`
	CreatedAt time.Time      `json:"created_at"`
}

func newState() State {
	return State{Scratch: make(map[string]any), CreatedAt: time.Now()}
}

// Clone returns a copy whose map and slice can be mutated independently.
// Scratch values themselves are shared.
func (s State) Clone() State {
	out := State{CreatedAt: s.CreatedAt}
	out.Scratch = maps.Clone(s.Scratch)
	if out.Scratch == nil {
		out.Scratch = make(map[string]any)
	}
	out.Completed = slices.Clone(s.Completed)
	return out
}

// Store maps session ids to session state. Implementations must be safe for
// concurrent use and must never hold a lock across I/O performed by callers.
type Store interface {
	// Get returns a copy of the session state.
	Get(id string) (State, bool)
	// Set replaces the session state.
	Set(id string, st State)
	// Update applies fn to the session state atomically, creating the
	// session if it does not exist, and returns a copy of the result.
	Update(id string, fn func(*State)) State
	// Delete removes a session. Deleting a missing session is a no-op.
	Delete(id string)
	// Sweep removes sessions created before cutoff and returns how many
	// were removed.
	Sweep(cutoff time.Time) int
}

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]State
}

// ShardedStore is an in-memory Store that partitions sessions across
// independently locked shards by FNV-1a hash of the session id.
type ShardedStore struct {
	shards [shardCount]*shard
}

var _ Store = (*ShardedStore)(nil)

// NewShardedStore returns an empty in-memory store.
func NewShardedStore() *ShardedStore {
	s := &ShardedStore{}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]State)}
	}
	return s
}

func (s *ShardedStore) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

func (s *ShardedStore) Get(id string) (State, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	st, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	return st.Clone(), true
}

func (s *ShardedStore) Set(id string, st State) {
	sh := s.shardFor(id)
	st = st.Clone()
	sh.mu.Lock()
	sh.sessions[id] = st
	sh.mu.Unlock()
}

func (s *ShardedStore) Update(id string, fn func(*State)) State {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.sessions[id]
	if !ok {
		st = newState()
	}
	fn(&st)
	sh.sessions[id] = st
	return st.Clone()
}

func (s *ShardedStore) Delete(id string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

func (s *ShardedStore) Sweep(cutoff time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, st := range sh.sessions {
			if st.CreatedAt.Before(cutoff) {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live sessions.
func (s *ShardedStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
