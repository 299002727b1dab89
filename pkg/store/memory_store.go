package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"voxa/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs the unit tests of the
// api service and is not shared between processes.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]domain.Session
	memberships []domain.Membership
	devices     map[string]domain.DeviceCredential
	events      map[string]domain.CalendarEvent
	chunks      []memoryChunk
}

type memoryChunk struct {
	chunk     domain.SessionChunk
	embedding []float32
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]domain.Session),
		devices:  make(map[string]domain.DeviceCredential),
		events:   make(map[string]domain.CalendarEvent),
	}
}

// AddMembership seeds a membership row.
func (m *MemoryStore) AddMembership(mem domain.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now().UTC()
	}
	m.memberships = append(m.memberships, mem)
}

// AddCalendarEvent seeds a calendar event.
func (m *MemoryStore) AddCalendarEvent(ev domain.CalendarEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
}

// AddChunk seeds a transcript chunk with its embedding.
func (m *MemoryStore) AddChunk(c domain.SessionChunk, embedding []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, memoryChunk{chunk: c, embedding: append([]float32(nil), embedding...)})
}

func (m *MemoryStore) CreateSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemoryStore) ListSessionsByOrg(_ context.Context, orgID string, limit int) ([]domain.Session, error) {
	return m.listSessions(limit, func(s domain.Session) bool { return s.OrganizationID == orgID }, func(a, b domain.Session) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), nil
}

func (m *MemoryStore) ListSessionsByStatus(_ context.Context, status domain.SessionStatus, limit int) ([]domain.Session, error) {
	return m.listSessions(limit, func(s domain.Session) bool { return s.Status == status }, func(a, b domain.Session) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}), nil
}

func (m *MemoryStore) listSessions(limit int, keep func(domain.Session) bool, less func(a, b domain.Session) bool) []domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]domain.Session, 0)
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) MarkStopped(_ context.Context, id string, endedAt time.Time, duration *int64) error {
	return m.mutate(id, func(s *domain.Session) {
		ended := endedAt.UTC()
		s.EndedAt = &ended
		s.DurationSeconds = duration
		s.Status = s.Status.Advance(domain.StatusUploaded)
	})
}

func (m *MemoryStore) MarkUploaded(_ context.Context, id string, o SessionOverrides, endedAt time.Time, duration *int64) error {
	return m.mutate(id, func(s *domain.Session) {
		if s.EndedAt == nil {
			ended := endedAt.UTC()
			s.EndedAt = &ended
			s.DurationSeconds = duration
		}
		if o.Title != nil {
			s.Title = *o.Title
		}
		if o.SummaryPrompt != nil {
			s.SummaryPrompt = *o.SummaryPrompt
		}
		s.Status = s.Status.Advance(domain.StatusUploaded)
	})
}

func (m *MemoryStore) SetCalendarEvent(_ context.Context, id string, eventID *string) error {
	return m.mutate(id, func(s *domain.Session) { s.CalendarEventID = eventID })
}

func (m *MemoryStore) mutate(id string, fn func(*domain.Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	fn(&s)
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) AccessibleSessionIDs(_ context.Context, userID string, ids []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orgs := make(map[string]bool)
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			orgs[mem.OrganizationID] = true
		}
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		s, ok := m.sessions[id]
		if ok && orgs[s.OrganizationID] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) PrimaryOrganization(_ context.Context, userID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *domain.Membership
	for i := range m.memberships {
		mem := &m.memberships[i]
		if mem.UserID != userID {
			continue
		}
		if best == nil || mem.CreatedAt.Before(best.CreatedAt) {
			best = mem
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.OrganizationID, true, nil
}

func (m *MemoryStore) IsMember(_ context.Context, userID, orgID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mem := range m.memberships {
		if mem.UserID == userID && mem.OrganizationID == orgID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) CreateDeviceCredential(_ context.Context, c domain.DeviceCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[c.ID] = c
	return nil
}

func (m *MemoryStore) FindActiveDeviceCredential(_ context.Context, keyHash string) (domain.DeviceCredential, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.devices {
		if c.KeyHash == keyHash && c.Active {
			return c, true, nil
		}
	}
	return domain.DeviceCredential{}, false, nil
}

func (m *MemoryStore) ListDeviceCredentials(_ context.Context, orgID, userID string) ([]domain.DeviceCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.DeviceCredential, 0)
	for _, c := range m.devices {
		if c.OrganizationID == orgID && c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeactivateDeviceCredential(_ context.Context, id, orgID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.devices[id]
	if !ok || c.OrganizationID != orgID || c.UserID != userID {
		return false, nil
	}
	c.Active = false
	m.devices[id] = c
	return true, nil
}

func (m *MemoryStore) TouchDeviceCredential(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.devices[id]
	if !ok {
		return nil
	}
	t := at.UTC()
	c.LastUsedAt = &t
	m.devices[id] = c
	return nil
}

func (m *MemoryStore) FindCalendarEvent(_ context.Context, orgID, eventID, externalRef string) (domain.CalendarEvent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.OrganizationID != orgID {
			continue
		}
		if (eventID != "" && ev.ID == eventID) || (eventID == "" && externalRef != "" && ev.ExternalRef == externalRef) {
			return ev, true, nil
		}
	}
	return domain.CalendarEvent{}, false, nil
}

func (m *MemoryStore) SearchSessionChunks(_ context.Context, q ChunkQuery) ([]domain.ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q.Limit <= 0 || len(q.SessionIDs) == 0 {
		return []domain.ScoredChunk{}, nil
	}
	allowed := make(map[string]bool, len(q.SessionIDs))
	for _, id := range q.SessionIDs {
		allowed[id] = true
	}
	out := make([]domain.ScoredChunk, 0)
	for _, c := range m.chunks {
		if !allowed[c.chunk.SessionID] {
			continue
		}
		sim := CosineSimilarity(q.Embedding, c.embedding)
		if sim < q.MinSimilarity {
			continue
		}
		out = append(out, domain.ScoredChunk{SessionChunk: c.chunk, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 for
// mismatched or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
