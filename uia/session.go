package uia

import (
	"encoding/json"
	"slices"
	"time"
)

// Session is a handle on one session's state in a Store. It holds no state
// of its own, so concurrent requests for the same session may each hold a
// handle.
type Session struct {
	id    string
	store Store
}

// NewSession returns a handle for id backed by store. The session itself is
// created lazily on first write.
func NewSession(store Store, id string) *Session {
	return &Session{id: id, store: store}
}

func (s *Session) ID() string { return s.id }

// Exists reports whether the store holds state for this session.
func (s *Session) Exists() bool {
	_, ok := s.store.Get(s.id)
	return ok
}

func (s *Session) CreatedAt() time.Time {
	st, _ := s.store.Get(s.id)
	return st.CreatedAt
}

// GetData returns the raw scratch value for key. Prefer a typed Key.
func (s *Session) GetData(key string) (any, bool) {
	st, ok := s.store.Get(s.id)
	if !ok {
		return nil, false
	}
	v, ok := st.Scratch[key]
	return v, ok
}

// SetData writes one scratch entry, creating the session if needed.
func (s *Session) SetData(key string, value any) {
	s.store.Update(s.id, func(st *State) {
		if st.Scratch == nil {
			st.Scratch = make(map[string]any)
		}
		st.Scratch[key] = value
	})
}

// ClearData removes one scratch entry.
func (s *Session) ClearData(key string) {
	s.store.Update(s.id, func(st *State) {
		delete(st.Scratch, key)
	})
}

// MarkStageComplete records stage as completed. Completing a stage twice
// leaves a single entry.
func (s *Session) MarkStageComplete(stage string) {
	s.store.Update(s.id, func(st *State) {
		if !slices.Contains(st.Completed, stage) {
			st.Completed = append(st.Completed, stage)
		}
	})
}

// Completed returns the completed stages in completion order.
func (s *Session) Completed() []string {
	st, _ := s.store.Get(s.id)
	if st.Completed == nil {
		return []string{}
	}
	return st.Completed
}

func (s *Session) IsCompleted(stage string) bool {
	return slices.Contains(s.Completed(), stage)
}

// claim sets key to true and reports whether this call was the one that
// changed it.
func (s *Session) claim(key string) bool {
	claimed := false
	s.store.Update(s.id, func(st *State) {
		if st.Scratch == nil {
			st.Scratch = make(map[string]any)
		}
		if isTrue(st.Scratch[key]) {
			return
		}
		st.Scratch[key] = true
		claimed = true
	})
	return claimed
}

func isTrue(v any) bool {
	switch tv := v.(type) {
	case bool:
		return tv
	case json.RawMessage:
		return string(tv) == "true"
	}
	return false
}
