// Package session tracks ongoing conversations with peers. The Registry owns
// every Session; callers receive value snapshots and mutate state only
// through Registry methods.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Direction tells whether a message was received from or sent to the peer.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ErrInactive is returned when sending on a session that has been auto-stopped.
var ErrInactive = errors.New("session: inactive")

// ErrNotFound is returned for operations on an unknown session id.
var ErrNotFound = errors.New("session: not found")

// Message is a single entry in a session's log.
type Message struct {
	Direction Direction
	Text      string
	Timestamp time.Time
}

// Session is a snapshot of one conversation.
type Session struct {
	ID            string
	PeerName      string
	Messages      []Message
	CreatedAt     time.Time
	LastActivity  time.Time
	ResponseCount int
	DisclosedBot  bool
	Active        bool
}

// FirstMessageAt returns the timestamp of the first logged message, or
// CreatedAt when the log is empty.
func (s Session) FirstMessageAt() time.Time {
	if len(s.Messages) > 0 {
		return s.Messages[0].Timestamp
	}
	return s.CreatedAt
}

// Recent returns at most n of the latest messages.
func (s Session) Recent(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// entry guards one session. Its mutex serializes every mutation of that
// session independently of all others.
type entry struct {
	mu sync.Mutex
	s  Session
}

func (e *entry) snapshot() Session {
	out := e.s
	out.Messages = make([]Message, len(e.s.Messages))
	copy(out.Messages, e.s.Messages)
	return out
}

// Registry is the set of active sessions keyed by conversation id.
type Registry struct {
	now func() time.Time

	mu       sync.RWMutex // guards the map only
	sessions map[string]*entry
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Now func() time.Time // defaults to time.Now
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts RegistryOpts) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:      now,
		sessions: make(map[string]*entry),
	}
}

// lookup returns the entry for id without creating it.
func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	return e, ok
}

// GetOrCreate returns the session for id, creating it on first use. Concurrent
// callers for the same unseen id all observe the same new session.
func (r *Registry) GetOrCreate(id, peerName string) Session {
	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.snapshot()
	}

	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		now := r.now()
		e = &entry{s: Session{
			ID:           id,
			PeerName:     peerName,
			CreatedAt:    now,
			LastActivity: now,
			Active:       true,
		}}
		r.sessions[id] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

// Get returns the session for id.
func (r *Registry) Get(id string) (Session, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// update applies fn to the session under its lock.
func (r *Registry) update(id string, fn func(s *Session) error) (Session, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(&e.s); err != nil {
		return e.snapshot(), err
	}
	return e.snapshot(), nil
}

// RecordInbound appends a message received from the peer.
func (r *Registry) RecordInbound(id, text string, ts time.Time) (Session, error) {
	return r.update(id, func(s *Session) error {
		s.Messages = append(s.Messages, Message{Direction: Inbound, Text: text, Timestamp: ts})
		s.LastActivity = r.now()
		return nil
	})
}

// RecordOutbound appends a message sent to the peer and bumps ResponseCount.
// It returns ErrInactive if the session no longer accepts sends.
func (r *Registry) RecordOutbound(id, text string, ts time.Time) (Session, error) {
	return r.update(id, func(s *Session) error {
		if !s.Active {
			return fmt.Errorf("%w: %s", ErrInactive, id)
		}
		s.Messages = append(s.Messages, Message{Direction: Outbound, Text: text, Timestamp: ts})
		s.ResponseCount++
		s.LastActivity = r.now()
		return nil
	})
}

// MarkDisclosed records that the bot disclosure has been sent. It is a no-op
// after the first call.
func (r *Registry) MarkDisclosed(id string) error {
	_, err := r.update(id, func(s *Session) error {
		s.DisclosedBot = true
		return nil
	})
	return err
}

// Deactivate stops the session from accepting further sends.
func (r *Registry) Deactivate(id string) error {
	_, err := r.update(id, func(s *Session) error {
		s.Active = false
		return nil
	})
	return err
}

// SweepExpired removes sessions whose last activity is older than
// now-retention and returns their ids in sorted order.
func (r *Registry) SweepExpired(retention time.Duration) []string {
	cutoff := r.now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, e := range r.sessions {
		e.mu.Lock()
		stale := e.s.LastActivity.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount returns the number of sessions still accepting sends.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, s := range r.Snapshot() {
		if s.Active {
			n++
		}
	}
	return n
}

// Snapshot returns every session sorted by id.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
