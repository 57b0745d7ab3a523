// Package memsession keeps per-session conversation history in a bounded LRU.
package memsession

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Strob0t/Switchyard/internal/port/assist"
)

var _ assist.SessionStore = (*Store)(nil)

type session struct {
	dropped int
	turns   []assist.Turn
}

// Store is an in-memory SessionStore. Least recently used sessions are evicted
// once MaxSessions is reached; each session keeps at most MaxTurns turns.
type Store struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *session]
	maxTurns int
}

// New creates a session store.
func New(maxSessions, maxTurns int) (*Store, error) {
	if maxSessions <= 0 {
		maxSessions = 1024
	}
	if maxTurns <= 0 {
		maxTurns = 40
	}
	c, err := lru.New[string, *session](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Store{cache: c, maxTurns: maxTurns}, nil
}

// Load returns the history of a session. Unknown sessions are empty.
func (s *Store) Load(_ context.Context, sessionID string) (assist.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache.Get(sessionID)
	if !ok {
		return assist.Session{}, nil
	}
	out := assist.Session{Turns: append([]assist.Turn(nil), sess.turns...)}
	if sess.dropped > 0 {
		out.Summary = fmt.Sprintf("%d earlier turns omitted.", sess.dropped)
	}
	return out, nil
}

// Append adds turns to a session, trimming the oldest beyond the limit.
func (s *Store) Append(_ context.Context, sessionID string, turns ...assist.Turn) error {
	if sessionID == "" || len(turns) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache.Get(sessionID)
	if !ok {
		sess = &session{}
		s.cache.Add(sessionID, sess)
	}
	sess.turns = append(sess.turns, turns...)
	if over := len(sess.turns) - s.maxTurns; over > 0 {
		sess.dropped += over
		sess.turns = append([]assist.Turn(nil), sess.turns[over:]...)
	}
	return nil
}
