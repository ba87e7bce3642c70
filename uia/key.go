package uia

import "encoding/json"

// Key is a typed handle on one scratch entry. Reads through a Key yield a T
// or report absence; a value of another type is treated as absent.
type Key[T any] struct {
	name string
}

// NewKey returns a key with an explicit name.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// StageKey returns a key namespaced by stage, named "stage.field".
func StageKey[T any](stage, field string) Key[T] {
	return Key[T]{name: stage + "." + field}
}

func (k Key[T]) Name() string { return k.name }

func (k Key[T]) Get(s *Session) (T, bool) {
	var zero T
	v, ok := s.GetData(k.name)
	if !ok {
		return zero, false
	}
	if tv, ok := v.(T); ok {
		return tv, true
	}
	// Persistent stores hand back undecoded JSON.
	if raw, ok := v.(json.RawMessage); ok {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, false
		}
		return out, true
	}
	return zero, false
}

func (k Key[T]) Set(s *Session, v T) {
	s.SetData(k.name, v)
}

func (k Key[T]) Clear(s *Session) {
	s.ClearData(k.name)
}

// Reserved keys.
var (
	RequiredFlowsKey = NewKey[[]Flow]("required_flows")
	UserIDKey        = NewKey[string]("user_id")
	// EndpointKey and BoundUserKey record what a session was issued for.
	EndpointKey  = NewKey[Endpoint]("endpoint")
	BoundUserKey = NewKey[string]("bound_user")
)

const hooksFiredKey = "hooks_fired"
