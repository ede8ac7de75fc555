package streamserver

import (
	"sync"

	"github.com/codefionn/snapfan/internal/logger"
	"github.com/codefionn/snapfan/internal/message"
	"github.com/codefionn/snapfan/internal/stream"
)

// SessionRegistry is the set of live audio sessions. Its mutex guards only the
// set itself; session I/O and teardown always happen outside of it.
type SessionRegistry struct {
	store    ClientStore
	notifier Notifier
	bufferMs int

	mu       sync.Mutex
	sessions map[Session]*entry
	seq      uint64

	teardown sync.WaitGroup
}

// NewSessionRegistry creates an empty registry. notifier receives
// Client.OnDisconnect when a connected client's session goes away.
func NewSessionRegistry(store ClientStore, notifier Notifier, bufferMs int) *SessionRegistry {
	return &SessionRegistry{
		store:    store,
		notifier: notifier,
		bufferMs: bufferMs,
		sessions: make(map[Session]*entry),
	}
}

// entry is the registry's bookkeeping for one session. Its mutex orders the
// session's client record updates against its removal.
type entry struct {
	seq uint64

	mu      sync.Mutex
	removed bool
}

// Insert configures s with the buffer duration and adds it
func (r *SessionRegistry) Insert(s Session) {
	s.SetBufferMs(r.bufferMs)

	r.mu.Lock()
	r.seq++
	r.sessions[s] = &entry{seq: r.seq}
	n := len(r.sessions)
	r.mu.Unlock()

	logger.Debug("Session %s inserted (sessions: %d)", s.RemoteAddr(), n)
}

// Broadcast hands chunk to every session bound to src, and to unbound sessions
// when src is the default stream
func (r *SessionRegistry) Broadcast(src stream.Stream, chunk *message.WireChunk, isDefault bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s := range r.sessions {
		bound := s.Stream()
		if (bound == nil && isDefault) || (bound != nil && bound == src) {
			s.Add(chunk)
		}
	}
}

// Remove drops s from the registry and stops it on a teardown goroutine. It
// returns false when s was already gone, so repeated disconnect signals for the
// same session notify controllers only once.
func (r *SessionRegistry) Remove(s Session) bool {
	r.mu.Lock()
	e, ok := r.sessions[s]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s)
	n := len(r.sessions)
	r.mu.Unlock()

	// waits for a record update of s in flight; later ones are skipped
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true

	r.teardown.Add(1)
	go func() {
		defer r.teardown.Done()
		s.Stop()
	}()

	mac := s.MACAddress()
	logger.Info("Session %s (%s) removed (sessions: %d)", s.RemoteAddr(), mac, n)
	if mac == "" {
		return true
	}
	if r.ByMAC(mac) != nil {
		logger.Debug("Client %s reconnected, keeping it connected", mac)
		return true
	}

	info, ok := r.store.ClientInfo(mac)
	if !ok || !info.Connected {
		return true
	}
	info, changed, err := r.store.Touch(mac, false)
	if err != nil {
		logger.Warn("Failed to mark client %s disconnected: %v", mac, err)
		return true
	}
	if !changed {
		return true
	}
	if err := r.store.Save(); err != nil {
		logger.Error("Failed to save clients: %v", err)
	}
	r.notifier.Notify("Client.OnDisconnect", info, nil)
	return true
}

// ByMAC returns the newest live session identified as mac, or nil. A client that
// reconnects before its old session timed out is reached through the new one.
func (r *SessionRegistry) ByMAC(mac string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		found Session
		seq   uint64
	)
	for s, e := range r.sessions {
		if e.seq > seq && equalMAC(s.MACAddress(), mac) {
			found, seq = s, e.seq
		}
	}
	return found
}

// whileRegistered runs fn unless s was removed, and keeps Remove from marking
// the client disconnected until fn returned. It reports whether fn ran.
func (r *SessionRegistry) whileRegistered(s Session, fn func()) bool {
	r.mu.Lock()
	e, ok := r.sessions[s]
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn()
	return true
}

// Len returns the number of live sessions
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll stops every session synchronously and empties the registry without
// sending disconnect notifications
func (r *SessionRegistry) StopAll() {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	entries := make([]*entry, 0, len(r.sessions))
	for s, e := range r.sessions {
		sessions = append(sessions, s)
		entries = append(entries, e)
	}
	clear(r.sessions)
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	for _, s := range sessions {
		s.Stop()
	}
}

// Wait blocks until all teardown goroutines finished
func (r *SessionRegistry) Wait() {
	r.teardown.Wait()
}
