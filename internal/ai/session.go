package ai

import (
	"sync"
	"time"

	"github.com/Tyrowin/petchat/internal/protocol"
)

const (
	// DefaultMaxTurns bounds the history kept per conversation.
	DefaultMaxTurns = 50
	// DefaultSessionTimeout is the inactivity after which Sweep reaps a session.
	DefaultSessionTimeout = time.Hour
)

// session is the server-side context of one conversation.
type session struct {
	turns      []protocol.Turn
	lastActive time.Time
}

// SessionStore maps conversation IDs to recent chat turns and keeps
// cumulative token usage per conversation. Usage counters outlive the
// sessions they belong to.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	usage    map[string]int64
	maxTurns int
	now      func() time.Time
}

// NewSessionStore creates a store that keeps at most maxTurns turns per
// conversation. Non-positive values fall back to DefaultMaxTurns.
func NewSessionStore(maxTurns int) *SessionStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &SessionStore{
		sessions: make(map[string]*session),
		usage:    make(map[string]int64),
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

// getOrCreate must be called with mu held.
func (s *SessionStore) getOrCreate(conversationID string) *session {
	sess, ok := s.sessions[conversationID]
	if !ok {
		sess = &session{}
		s.sessions[conversationID] = sess
	}
	return sess
}

// UpdateContext creates the session if needed and, when the snapshot holds
// more turns than the session, replaces the session history with it. A
// snapshot that is shorter or equal leaves the history alone. The session
// is marked active either way.
//
// This is a length comparison, not a merge: two requesters racing on one
// conversation resolve to whichever longer snapshot arrives last.
func (s *SessionStore) UpdateContext(conversationID string, snapshot []protocol.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreate(conversationID)
	if len(snapshot) > 0 && len(sess.turns) < len(snapshot) {
		sess.turns = append([]protocol.Turn(nil), snapshot...)
	}
	sess.lastActive = s.now()
}

// Append adds a turn and trims the history to the most recent maxTurns.
func (s *SessionStore) Append(conversationID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreate(conversationID)
	sess.turns = append(sess.turns, protocol.Turn{Role: role, Content: content})
	if over := len(sess.turns) - s.maxTurns; over > 0 {
		trimmed := make([]protocol.Turn, s.maxTurns)
		copy(trimmed, sess.turns[over:])
		sess.turns = trimmed
	}
	sess.lastActive = s.now()
}

// Context returns a copy of the conversation's turns, or nil.
func (s *SessionStore) Context(conversationID string) []protocol.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[conversationID]
	if !ok || len(sess.turns) == 0 {
		return nil
	}
	return append([]protocol.Turn(nil), sess.turns...)
}

// LastActive reports when the session was last touched.
func (s *SessionStore) LastActive(conversationID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[conversationID]
	if !ok {
		return time.Time{}, false
	}
	return sess.lastActive, true
}

// TrackUsage adds tokens to the conversation's counter.
func (s *SessionStore) TrackUsage(conversationID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	s.mu.Lock()
	s.usage[conversationID] += tokens
	s.mu.Unlock()
}

// Usage returns the cumulative token count of one conversation.
func (s *SessionStore) Usage(conversationID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[conversationID]
}

// AllUsage returns a copy of every usage counter.
func (s *SessionStore) AllUsage() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.usage))
	for id, n := range s.usage {
		out[id] = n
	}
	return out
}

// SeedUsage adds previously persisted counters to the current ones.
func (s *SessionStore) SeedUsage(counters map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, n := range counters {
		if n > 0 {
			s.usage[id] += n
		}
	}
}

// Sweep removes sessions idle for longer than timeout and returns how many
// were removed. Usage counters are kept.
func (s *SessionStore) Sweep(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastActive) > timeout {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
