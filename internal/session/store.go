// Package session provides per-conversation state: ordered message
// history, the resolved subject, and an exclusivity lock so only one
// orchestration runs against a session at a time.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calyptra/attache/internal/llm"
)

// ErrBusy is returned by Acquire while a previous message for the same
// session is still being processed.
var ErrBusy = errors.New("session is still processing a previous message")

// Subject is the client a session's conversation is currently about.
type Subject struct {
	ClientName string    `json:"client_name"`
	ListID     string    `json:"list_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Session holds one conversation's state.
type Session struct {
	ID        string        `json:"id"`
	Turns     []llm.Message `json:"turns"`
	Subject   *Subject      `json:"subject,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Store manages sessions in memory. Sessions idle past the TTL are
// evicted by the janitor; history is trimmed to maxTurns on commit.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	busy     map[string]bool
	ttl      time.Duration
	maxTurns int
	logger   *slog.Logger
}

// NewStore creates a session store.
func NewStore(ttl time.Duration, maxTurns int, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	if maxTurns <= 0 {
		maxTurns = 80
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		busy:     make(map[string]bool),
		ttl:      ttl,
		maxTurns: maxTurns,
		logger:   logger.With("component", "sessions"),
	}
}

// Acquire takes exclusive ownership of a session, creating it on first
// use, and returns a snapshot. Returns ErrBusy if another orchestration
// holds it. Every successful Acquire must be paired with Commit or
// Release.
func (s *Store) Acquire(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy[id] {
		return nil, ErrBusy
	}

	sess, ok := s.sessions[id]
	if !ok {
		now := time.Now()
		sess = &Session{ID: id, CreatedAt: now, UpdatedAt: now}
		s.sessions[id] = sess
	}

	s.busy[id] = true
	return sess.snapshot(), nil
}

// Commit appends turns to the session, optionally updates its subject,
// and releases ownership. Turns are trimmed from the oldest end when
// the history exceeds the limit.
func (s *Store) Commit(id string, turns []llm.Message, subject *Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		// Session was evicted mid-flight; recreate so the turns are
		// not lost.
		sess = &Session{ID: id, CreatedAt: time.Now()}
		s.sessions[id] = sess
	}

	sess.Turns = append(sess.Turns, turns...)
	sess.Turns = trimTurns(sess.Turns, s.maxTurns)
	if subject != nil {
		sess.Subject = subject
	}
	sess.UpdatedAt = time.Now()
	delete(s.busy, id)
}

// Release gives up ownership without recording anything.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, id)
}

// Get returns a snapshot of a session, or nil if absent.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return sess.snapshot()
}

// Clear removes a session. In-flight sessions keep their lock so an
// active orchestration is not disturbed; its commit recreates the
// session.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Stats returns store counters.
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := 0
	for _, sess := range s.sessions {
		turns += len(sess.Turns)
	}
	return map[string]any{
		"sessions": len(s.sessions),
		"busy":     len(s.busy),
		"turns":    turns,
	}
}

// Sweep evicts sessions idle past the TTL. Busy sessions are skipped.
// Returns the number evicted.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	evicted := 0
	for id, sess := range s.sessions {
		if s.busy[id] || sess.UpdatedAt.After(cutoff) {
			continue
		}
		delete(s.sessions, id)
		evicted++
	}
	if evicted > 0 {
		s.logger.Info("evicted idle sessions", "count", evicted)
	}
	return evicted
}

func (sess *Session) snapshot() *Session {
	turns := make([]llm.Message, len(sess.Turns))
	copy(turns, sess.Turns)
	out := &Session{
		ID:        sess.ID,
		Turns:     turns,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	if sess.Subject != nil {
		subj := *sess.Subject
		out.Subject = &subj
	}
	return out
}

// trimTurns cuts history from the oldest end without splitting a tool
// exchange: the kept window never starts with tool results whose
// assistant call was dropped.
func trimTurns(turns []llm.Message, max int) []llm.Message {
	if len(turns) <= max {
		return turns
	}
	start := len(turns) - max
	for start < len(turns) && turns[start].Role == "tool" {
		start++
	}
	return turns[start:]
}
