package live

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/livelink/internal/domain"
)

type recordingCloser struct {
	mu      sync.Mutex
	reasons []string
}

func (c *recordingCloser) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *recordingCloser) closed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

func info(userID, sessionID string) domain.SessionInfo {
	return domain.SessionInfo{UserID: userID, SessionID: sessionID, CreatedAt: time.Now()}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	c := &recordingCloser{}

	unregister := r.Register(info("user123", "s1"), c, "replaced")
	defer unregister()

	got, ok := r.Get("s1")
	if !ok || got.UserID != "user123" {
		t.Errorf("Get(s1) = %+v, %v", got, ok)
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	unregister := r.Register(info("user123", "s1"), &recordingCloser{}, "replaced")

	unregister()
	unregister()

	if _, ok := r.Get("s1"); ok {
		t.Error("expected session removed")
	}
	if _, ok := r.ForUser("user123"); ok {
		t.Error("expected user index cleared")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistry_ReplacesPreviousSessionOfUser(t *testing.T) {
	r := NewRegistry()
	first := &recordingCloser{}
	second := &recordingCloser{}

	unregisterFirst := r.Register(info("user123", "s1"), first, "replaced")
	unregisterSecond := r.Register(info("user123", "s2"), second, "replaced")
	defer unregisterSecond()

	if got := first.closed(); len(got) != 1 || got[0] != "replaced" {
		t.Errorf("first session close reasons = %v", got)
	}
	if got := second.closed(); len(got) != 0 {
		t.Errorf("second session closed unexpectedly: %v", got)
	}

	// The stale unregister must keep the newer session indexed.
	unregisterFirst()

	current, ok := r.ForUser("user123")
	if !ok || current.SessionID != "s2" {
		t.Errorf("ForUser = %+v, %v; want s2", current, ok)
	}
}

func TestRegistry_CloseUserAndCloseAll(t *testing.T) {
	r := NewRegistry()
	a := &recordingCloser{}
	b := &recordingCloser{}
	defer r.Register(info("a", "s1"), a, "replaced")()
	defer r.Register(info("b", "s2"), b, "replaced")()

	if !r.CloseUser("a", "bye") {
		t.Error("CloseUser(a) = false")
	}
	if r.CloseUser("nobody", "bye") {
		t.Error("CloseUser(nobody) = true")
	}

	r.CloseAll("shutdown")
	if got := a.closed(); len(got) != 2 || got[1] != "shutdown" {
		t.Errorf("a reasons = %v", got)
	}
	if got := b.closed(); len(got) != 1 || got[0] != "shutdown" {
		t.Errorf("b reasons = %v", got)
	}
}

func TestRegistry_Wait(t *testing.T) {
	r := NewRegistry()
	unregister := r.Register(info("u", "s1"), &recordingCloser{}, "replaced")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); err == nil {
		t.Error("Wait returned before unregister")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		unregister()
	}()
	if err := r.Wait(context.Background()); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := strconv.Itoa(i)
			unregister := r.Register(info("user-"+id, "s-"+id), &recordingCloser{}, "replaced")
			r.Get("s-" + id)
			r.Count()
			unregister()
		}(i)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}
