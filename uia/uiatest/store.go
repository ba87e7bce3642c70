// Package uiatest holds a conformance suite for uia.Store implementations.
package uiatest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/uiagate/uia"
)

// RunStoreTests runs the common suite against any Store implementation.
// Each subtest uses its own session ids so the store may be shared.
func RunStoreTests(t *testing.T, store uia.Store) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) {
		now := time.Now().Truncate(time.Second)
		store.Set("sess-1", uia.State{
			Scratch:   map[string]any{"m.login.dummy.seen": "yes"},
			Completed: []string{"m.login.dummy"},
			CreatedAt: now,
		})
		got, ok := store.Get("sess-1")
		if !ok {
			t.Fatal("expected to find session")
		}
		if len(got.Completed) != 1 || got.Completed[0] != "m.login.dummy" {
			t.Fatalf("got completed %v", got.Completed)
		}
		if !got.CreatedAt.Equal(now) {
			t.Fatalf("got created_at %v, want %v", got.CreatedAt, now)
		}
		s := uia.NewSession(store, "sess-1")
		v, ok := uia.NewKey[string]("m.login.dummy.seen").Get(s)
		if !ok || v != "yes" {
			t.Fatalf("got scratch %q (%v), want %q", v, ok, "yes")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, ok := store.Get("no-such-session"); ok {
			t.Fatal("expected not found for missing session")
		}
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		store.Set("sess-copy", uia.State{Scratch: map[string]any{}, CreatedAt: time.Now()})
		got, _ := store.Get("sess-copy")
		got.Completed = append(got.Completed, "mutated")
		got.Scratch["mutated"] = true
		again, _ := store.Get("sess-copy")
		if len(again.Completed) != 0 {
			t.Fatalf("mutation of returned state leaked: %v", again.Completed)
		}
		if _, ok := again.Scratch["mutated"]; ok {
			t.Fatal("mutation of returned scratch leaked")
		}
	})

	t.Run("UpdateCreatesLazily", func(t *testing.T) {
		st := store.Update("sess-lazy", func(st *uia.State) {
			st.Completed = append(st.Completed, "a")
		})
		if st.CreatedAt.IsZero() {
			t.Fatal("expected lazily created session to have a creation time")
		}
		if _, ok := store.Get("sess-lazy"); !ok {
			t.Fatal("expected Update to create the session")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store.Set("sess-del", uia.State{CreatedAt: time.Now()})
		store.Delete("sess-del")
		if _, ok := store.Get("sess-del"); ok {
			t.Fatal("expected session to be deleted")
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		// Should not panic.
		store.Delete("never-existed")
	})

	t.Run("Sweep", func(t *testing.T) {
		store.Set("sess-old", uia.State{CreatedAt: time.Now().Add(-2 * time.Hour)})
		store.Set("sess-new", uia.State{CreatedAt: time.Now()})
		if n := store.Sweep(time.Now().Add(-time.Hour)); n < 1 {
			t.Fatalf("expected at least one swept session, got %d", n)
		}
		if _, ok := store.Get("sess-old"); ok {
			t.Fatal("expected old session to be swept")
		}
		if _, ok := store.Get("sess-new"); !ok {
			t.Fatal("expected new session to survive sweep")
		}
	})

	t.Run("ConcurrentCompletion", func(t *testing.T) {
		s := uia.NewSession(store, "sess-concurrent")
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				stage := fmt.Sprintf("stage-%d", i%10)
				s.MarkStageComplete(stage)
				s.SetData(stage+".n", i)
			}(i)
		}
		wg.Wait()
		if got := len(s.Completed()); got != 10 {
			t.Fatalf("got %d completed stages, want 10", got)
		}
	})
}
