package tracking

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	live     map[string]string
	pings    map[string][]LocationPing
}

// NewMemoryStore returns a process-local Store. It is used by tests and when
// the service runs without Postgres.
func NewMemoryStore() Store {
	return &memoryStore{
		sessions: make(map[string]Session),
		live:     make(map[string]string),
		pings:    make(map[string][]LocationPing),
	}
}

func (m *memoryStore) CreateSession(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live[s.RouteID]; ok {
		return Session{}, ErrLiveSessionExists
	}
	m.sessions[s.ID] = s
	m.live[s.RouteID] = s.ID
	return s, nil
}

func (m *memoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) ActiveSession(_ context.Context, routeID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.live[routeID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return m.sessions[id], nil
}

func (m *memoryStore) LiveSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.live))
	for _, id := range m.live {
		out = append(out, m.sessions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *memoryStore) UpdateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if !cur.Live() {
		return ErrSessionEnded
	}
	cur.Position = s.Position
	cur.LastUpdatedAt = s.LastUpdatedAt
	cur.LastDeviceAt = s.LastDeviceAt
	cur.LastSequence = s.LastSequence
	cur.DistanceM = s.DistanceM
	m.sessions[s.ID] = cur
	return nil
}

func (m *memoryStore) EndSession(_ context.Context, id string, reason EndReason, at time.Time) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[id]
	if !ok {
		return Session{}, false, ErrNotFound
	}
	if !cur.Live() {
		return cur, false, nil
	}
	cur.Status = StatusEnded
	cur.EndedReason = reason
	cur.EndedAt = &at
	m.sessions[id] = cur
	delete(m.live, cur.RouteID)
	return cur, true, nil
}

func (m *memoryStore) AppendPing(_ context.Context, p LocationPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[p.SessionID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.pings[p.SessionID] {
		if existing.Sequence == p.Sequence {
			return nil
		}
	}
	m.pings[p.SessionID] = append(m.pings[p.SessionID], p)
	return nil
}

func (m *memoryStore) LastSequence(_ context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last int64
	for _, p := range m.pings[sessionID] {
		if p.Sequence > last {
			last = p.Sequence
		}
	}
	return last, nil
}

func (m *memoryStore) Pings(_ context.Context, sessionID string) ([]LocationPing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LocationPing, len(m.pings[sessionID]))
	copy(out, m.pings[sessionID])
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
