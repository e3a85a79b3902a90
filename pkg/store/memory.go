package store

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process Store used by a single-node deployment and by
// tests. A plain map with one mutex is enough here: every operation is a
// short critical section and the map is partitioned by session id.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	now      func() time.Time
}

type memorySession struct {
	persona      string
	history      []Turn
	lastAccessed time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

// NewMemoryWithClock creates an in-memory store with an injected clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	s := NewMemory()
	if now != nil {
		s.now = now
	}
	return s
}

func (m *Memory) GetOrCreate(_ context.Context, id, persona string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		sess = &memorySession{persona: persona}
		m.sessions[id] = sess
	}
	sess.lastAccessed = m.now()
	return m.snapshot(id, sess), nil
}

func (m *Memory) History(_ context.Context, id string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.lastAccessed = m.now()
	return copyTurns(sess.history), nil
}

func (m *Memory) Append(_ context.Context, id string, max int, turns ...Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		// Recreate on write: a reaped session that still has an active
		// orchestrator simply comes back on its next append.
		sess = &memorySession{}
		m.sessions[id] = sess
	}
	sess.history = append(sess.history, turns...)
	if max > 0 && len(sess.history) > max {
		sess.history = copyTurns(sess.history[len(sess.history)-max:])
	}
	sess.lastAccessed = m.now()
	return nil
}

func (m *Memory) RetractUserTurn(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	trimmed, removed := retractTail(sess.history)
	if removed {
		sess.history = trimmed
	}
	sess.lastAccessed = m.now()
	return removed, nil
}

func (m *Memory) Truncate(_ context.Context, id string, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	if max > 0 && len(sess.history) > max {
		sess.history = copyTurns(sess.history[len(sess.history)-max:])
	}
	sess.lastAccessed = m.now()
	return nil
}

func (m *Memory) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.lastAccessed = m.now()
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *Memory) Reap(_ context.Context, now time.Time, idle time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-idle)
	count := 0
	for id, sess := range m.sessions {
		if sess.lastAccessed.Before(cutoff) {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}

func (m *Memory) Close() error { return nil }

// Len reports the number of live sessions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Memory) snapshot(id string, sess *memorySession) *Session {
	return &Session{
		ID:           id,
		Persona:      sess.persona,
		History:      copyTurns(sess.history),
		LastAccessed: sess.lastAccessed,
	}
}

func copyTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
