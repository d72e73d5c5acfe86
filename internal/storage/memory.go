package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/velocity/internal/events"
)

type memorySession struct {
	turns     []events.Turn
	createdAt time.Time
	updatedAt time.Time
}

// MemoryStore keeps history in process memory. It is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	limit    int
}

// NewMemoryStore creates an empty MemoryStore. A limit <= 0 uses DefaultLoadLimit.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLoadLimit
	}
	return &MemoryStore{sessions: make(map[string]*memorySession), limit: limit}
}

func (m *MemoryStore) LoadTurns(_ context.Context, sessionID string) ([]events.Turn, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return []events.Turn{}, nil
	}
	turns := s.turns
	if len(turns) > m.limit {
		turns = turns[len(turns)-m.limit:]
	}
	return append([]events.Turn(nil), turns...), nil
}

func (m *MemoryStore) AppendTurns(_ context.Context, sessionID string, turns ...events.Turn) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if len(turns) == 0 {
		return nil
	}
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &memorySession{createdAt: now}
		m.sessions[sessionID] = s
	}
	for _, t := range turns {
		s.turns = append(s.turns, events.Turn{Role: SanitizeRole(t.Role), Content: t.Content})
	}
	s.updatedAt = now
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]SessionSummary, error) {
	m.mu.RLock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, SessionSummary{
			SessionID: id,
			Turns:     len(s.turns),
			CreatedAt: s.createdAt,
			UpdatedAt: s.updatedAt,
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error    { return nil }
func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }
func (m *MemoryStore) Driver() string                { return DriverMemory }

var _ Store = (*MemoryStore)(nil)
