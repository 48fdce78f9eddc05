// Package live bridges client WebSocket connections to upstream streaming
// sessions: authentication, relay in both directions, and transcript
// persistence at turn boundaries.
package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/livelink/internal/domain"
)

// Closer ends a registered session with a reason sent to the client.
type Closer interface {
	Close(reason string)
}

type entry struct {
	info   domain.SessionInfo
	closer Closer
}

// Registry tracks live sessions by id, with one active session per user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	byUser   map[string]string
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		byUser:   make(map[string]string),
	}
}

// Register adds a session. A previous session of the same user is closed
// with reason replaced. The returned func removes the session; calling it
// more than once is safe.
func (r *Registry) Register(info domain.SessionInfo, c Closer, replaced string) func() {
	r.mu.Lock()
	var previous Closer
	if prevID, ok := r.byUser[info.UserID]; ok {
		if prev, exists := r.sessions[prevID]; exists {
			previous = prev.closer
		}
	}
	r.sessions[info.SessionID] = &entry{info: info, closer: c}
	r.byUser[info.UserID] = info.SessionID
	r.wg.Add(1)
	r.mu.Unlock()

	slog.Info("Live session registered", "user_id", info.UserID, "session_id", info.SessionID, "mode", info.Mode)

	if previous != nil {
		slog.Info("Replacing previous live session", "user_id", info.UserID)
		previous.Close(replaced)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.unregister(info)
			r.wg.Done()
		})
	}
}

func (r *Registry) unregister(info domain.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[info.SessionID]; !ok {
		return
	}
	delete(r.sessions, info.SessionID)
	// A stale unregister must not remove the user's newer session.
	if current, ok := r.byUser[info.UserID]; ok && current == info.SessionID {
		delete(r.byUser, info.UserID)
	}
	slog.Info("Live session unregistered", "user_id", info.UserID, "session_id", info.SessionID)
}

// Get returns the session info for id.
func (r *Registry) Get(sessionID string) (domain.SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return domain.SessionInfo{}, false
	}
	return e.info, true
}

// ForUser returns the active session of userID.
func (r *Registry) ForUser(userID string) (domain.SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	if !ok {
		return domain.SessionInfo{}, false
	}
	return r.sessions[id].info, true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseUser closes the active session of userID, if any.
func (r *Registry) CloseUser(userID, reason string) bool {
	r.mu.RLock()
	var c Closer
	if id, ok := r.byUser[userID]; ok {
		c = r.sessions[id].closer
	}
	r.mu.RUnlock()

	if c == nil {
		return false
	}
	c.Close(reason)
	return true
}

// CloseAll closes every session. Sessions unregister themselves as they end.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	closers := make([]Closer, 0, len(r.sessions))
	for _, e := range r.sessions {
		closers = append(closers, e.closer)
	}
	r.mu.RUnlock()

	for _, c := range closers {
		c.Close(reason)
	}
}

// Wait blocks until every registered session has unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
