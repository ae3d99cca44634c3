package session_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/pkg/realtime/mock"
)

func TestMemRegistry_CreateGet(t *testing.T) {
	t.Parallel()

	r := session.NewMemRegistry()
	up := mock.NewSession(1)

	s, err := r.Create("CA1", up)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.CallID != "CA1" || s.Upstream != up || s.HasStreamID {
		t.Errorf("created session = %+v", s)
	}
	if s.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	got, ok := r.Get("CA1")
	if !ok {
		t.Fatal("Get: not found")
	}
	if got.Upstream != up {
		t.Error("Get returned a different upstream")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestMemRegistry_DuplicateLeavesExistingUntouched(t *testing.T) {
	t.Parallel()

	r := session.NewMemRegistry()
	first := mock.NewSession(1)
	second := mock.NewSession(1)

	if _, err := r.Create("CA1", first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.SetStreamID("CA1", "MZ1")

	_, err := r.Create("CA1", second)
	if !errors.Is(err, session.ErrDuplicateSession) {
		t.Fatalf("err = %v, want ErrDuplicateSession", err)
	}

	got, _ := r.Get("CA1")
	if got.Upstream != first {
		t.Error("duplicate Create replaced the upstream")
	}
	if id, ok := r.StreamID("CA1"); !ok || id != "MZ1" {
		t.Errorf("StreamID = %q, %v; want MZ1, true", id, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestMemRegistry_StreamID(t *testing.T) {
	t.Parallel()

	r := session.NewMemRegistry()

	if _, ok := r.StreamID("missing"); ok {
		t.Error("StreamID for missing session reported present")
	}
	r.SetStreamID("missing", "MZ0")
	if r.Len() != 0 {
		t.Error("SetStreamID on a missing session created an entry")
	}

	if _, err := r.Create("CA1", mock.NewSession(1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := r.StreamID("CA1"); ok {
		t.Error("StreamID present before SetStreamID")
	}
	r.SetStreamID("CA1", "")
	if _, ok := r.StreamID("CA1"); ok {
		t.Error("empty stream id reported present")
	}
	r.SetStreamID("CA1", "MZ1")
	if id, ok := r.StreamID("CA1"); !ok || id != "MZ1" {
		t.Errorf("StreamID = %q, %v; want MZ1, true", id, ok)
	}
}

func TestMemRegistry_RemoveIdempotent(t *testing.T) {
	t.Parallel()

	r := session.NewMemRegistry()
	if _, err := r.Create("CA1", mock.NewSession(1)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Remove("CA1")
	r.Remove("CA1")
	r.Remove("never-existed")

	if _, ok := r.Get("CA1"); ok {
		t.Error("session still present after Remove")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}

	// The call id is free again.
	if _, err := r.Create("CA1", mock.NewSession(1)); err != nil {
		t.Errorf("Create after Remove: %v", err)
	}
}

func TestMemRegistry_ConcurrentCreateSameID(t *testing.T) {
	t.Parallel()

	r := session.NewMemRegistry()
	const workers = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create("CA1", mock.NewSession(1)); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
}

func TestMemRegistry_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := session.NewMemRegistry()
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("CA%d", i)
			if _, err := r.Create(id, mock.NewSession(1)); err != nil {
				t.Errorf("Create %s: %v", id, err)
				return
			}
			r.SetStreamID(id, "MZ"+id)
			for range 100 {
				_, _ = r.StreamID(id)
				_, _ = r.Get(id)
				_ = r.Len()
			}
			r.Remove(id)
		}()
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}
