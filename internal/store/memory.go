// In-memory Store implementation with JSON snapshot persistence.
// Used when no database is configured (local dev, tests). Supports
// file-based snapshot persistence so sessions survive restarts.

package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultActivityTTL is how long activity rows are retained by the memory store.
const DefaultActivityTTL = 7 * 24 * time.Hour

const (
	// flushDelay coalesces bursts of writes into one snapshot.
	flushDelay    = 500 * time.Millisecond
	pruneInterval = 10 * time.Minute
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents     map[string]*models.AgentRecord `json:"agents"`
	Sessions   map[string]*models.Session     `json:"agent_sessions"`
	Activities []*models.Activity             `json:"session_activities"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*models.AgentRecord // key: id
	sessions   map[string]*models.Session     // key: id
	activities []*models.Activity             // append-only log

	file    *snapshotFile // nil = no persistence
	dirty   chan struct{}
	done    chan struct{}
	stopped sync.WaitGroup

	activityTTL time.Duration
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store. When dataDir is non-empty,
// data is persisted to dataDir/data.json and reloaded on the next start.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		agents:      make(map[string]*models.AgentRecord),
		sessions:    make(map[string]*models.Session),
		dirty:       make(chan struct{}, 1),
		done:        make(chan struct{}),
		activityTTL: DefaultActivityTTL,
		now:         time.Now,
	}

	if dataDir != "" {
		f, err := openSnapshotFile(dataDir)
		if err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Snapshot persistence disabled")
		} else {
			m.file = f
			m.restore()
			m.stopped.Add(1)
			go m.flushLoop()
		}
	}

	m.stopped.Add(1)
	go m.pruneLoop()
	return m
}

// markDirty schedules a snapshot write without blocking the caller.
func (m *MemoryStore) markDirty() {
	if m.file == nil {
		return
	}
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) flushLoop() {
	defer m.stopped.Done()
	timer := time.NewTimer(flushDelay)
	timer.Stop()
	for {
		select {
		case <-m.done:
			timer.Stop()
			return
		case <-m.dirty:
			timer.Reset(flushDelay)
		case <-timer.C:
			m.flush()
		}
	}
}

func (m *MemoryStore) pruneLoop() {
	defer m.stopped.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if n := m.pruneActivities(); n > 0 {
				log.Info().Int("evicted", n).Dur("ttl", m.activityTTL).Msg("Evicted expired activities")
				m.markDirty()
			}
		}
	}
}

// pruneActivities drops activities older than the TTL and returns how many.
func (m *MemoryStore) pruneActivities() int {
	cutoff := m.now().Add(-m.activityTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.activities)
	m.activities = slices.DeleteFunc(m.activities, func(a *models.Activity) bool {
		return a.Timestamp.Before(cutoff)
	})
	return before - len(m.activities)
}

func (m *MemoryStore) flush() {
	m.mu.RLock()
	data, err := json.Marshal(snapshot{Agents: m.agents, Sessions: m.sessions, Activities: m.activities})
	m.mu.RUnlock()
	if err == nil {
		err = m.file.write(data)
	}
	if err != nil {
		log.Error().Err(err).Str("path", m.file.path).Msg("Snapshot write failed")
	}
}

func (m *MemoryStore) restore() {
	var snap snapshot
	found, err := m.file.read(&snap)
	if err != nil {
		log.Error().Err(err).Str("path", m.file.path).Msg("Snapshot unreadable, starting empty")
		return
	}
	if !found {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	m.activities = snap.Activities
	log.Info().
		Int("agents", len(m.agents)).
		Int("sessions", len(m.sessions)).
		Int("activities", len(m.activities)).
		Str("path", m.file.path).
		Msg("Memory store restored from snapshot")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the background loops and writes a final snapshot. Calling it
// again is a no-op.
func (m *MemoryStore) Close() error {
	select {
	case <-m.done:
		return nil
	default:
		close(m.done)
	}
	m.stopped.Wait()
	if m.file != nil {
		m.flush()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]models.AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.AgentRecord, 0, len(m.agents))
	for _, a := range m.agents {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) UpsertAgent(_ context.Context, agent *models.AgentRecord) error {
	m.mu.Lock()
	cp := *agent
	now := m.now().UTC()
	if existing, ok := m.agents[agent.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.agents[agent.ID] = &cp
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.agents[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: id}
	}
	delete(m.agents, id)
	m.mu.Unlock()
	m.markDirty()
	return nil
}

// ── Session Store ───────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	return s.Clone(), nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	if _, exists := m.sessions[session.ID]; exists {
		m.mu.Unlock()
		return &ErrConflict{Entity: "session", Key: session.ID}
	}
	m.sessions[session.ID] = session.Clone()
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	if _, exists := m.sessions[session.ID]; !exists {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "session", Key: session.ID}
	}
	cp := session.Clone()
	cp.UpdatedAt = m.now().UTC()
	m.sessions[session.ID] = cp
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]models.Session, error) {
	m.mu.RLock()
	result := make([]models.Session, 0)
	for _, s := range m.sessions {
		if filter.Matches(s) {
			result = append(result, *s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.After(result[j].LastActivityAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListSessionsToHibernate(_ context.Context) ([]models.Session, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Session
	for _, s := range m.sessions {
		cfg := models.DefaultSessionConfig()
		if a, ok := m.agents[s.AgentID]; ok {
			cfg = models.ParseSessionConfig(a.SessionConfig)
		}
		if ShouldHibernate(s, cfg, now) {
			result = append(result, *s.Clone())
		}
	}
	return result, nil
}

// ── Activity Store ──────────────────────────────────────────

func (m *MemoryStore) CreateActivity(_ context.Context, activity *models.Activity) error {
	m.mu.Lock()
	cp := *activity
	if cp.Timestamp.IsZero() {
		cp.Timestamp = m.now().UTC()
	}
	m.activities = append(m.activities, &cp)
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) ListActivities(_ context.Context, sessionID string, limit int) ([]models.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Activity
	for _, a := range m.activities {
		if a.SessionID == sessionID {
			result = append(result, *a)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}
