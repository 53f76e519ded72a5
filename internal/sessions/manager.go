// Package sessions implements the session lifecycle manager: the mapping
// from a logical conversation to the physical sandbox currently backing it.
//
// States are active, idle, hibernated, stopped and error. The durable
// session record is the source of truth; the manager's handle and timer
// maps are process-local caches that are rebuilt on demand (reconnect by
// stored sandbox id, or recreate) after a restart.
//
// Operations on one session id are serialized by a per-session lock, so
// the read-modify-write of the conversation context is never interleaved.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/activity"
	"github.com/agentoven/agentoven/sandbox-plane/internal/metrics"
	"github.com/agentoven/agentoven/sandbox-plane/internal/resolver"
	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
	"github.com/agentoven/agentoven/sandbox-plane/internal/sandbox"
	"github.com/agentoven/agentoven/sandbox-plane/internal/store"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options tunes the manager. Zero values take the defaults below.
type Options struct {
	// ContextWindow is how many stored messages feed one contextual run.
	ContextWindow int
	// SessionTimeout is the provider-enforced lifetime of session sandboxes.
	SessionTimeout time.Duration
	// OneShotTimeout is the provider-enforced lifetime of ephemeral sandboxes.
	OneShotTimeout time.Duration
	// LLMKeys maps provider key env vars to values injected into sandboxes.
	LLMKeys map[string]string
}

const (
	defaultSessionTimeout = time.Hour
	defaultOneShotTimeout = 5 * time.Minute

	// timerActionTimeout bounds the work an idle timer triggers.
	timerActionTimeout = 2 * time.Minute
)

// Store is the storage the manager needs: session records and their
// activity log.
type Store interface {
	store.SessionStore
	store.ActivityStore
}

// Manager owns session state transitions.
type Manager struct {
	sessions Store
	agents   *resolver.Resolver
	backend  sandbox.Backend
	activity activity.Logger
	opts     Options
	now      func() time.Time

	mu       sync.Mutex
	handles  map[string]*sandbox.Handle // session id → live handle
	timers   map[string]idleTimer       // session id → pending idle timer
	timerSeq uint64
	locks    map[string]*sessionLock
	closed   bool
}

type idleTimer struct {
	t   *time.Timer
	gen uint64
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager wires a manager. A nil activity logger discards entries.
func NewManager(sessions Store, agents *resolver.Resolver, backend sandbox.Backend, logger activity.Logger, opts Options) *Manager {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = runtime.DefaultContextWindow
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	if opts.OneShotTimeout <= 0 {
		opts.OneShotTimeout = defaultOneShotTimeout
	}
	if opts.LLMKeys == nil {
		opts.LLMKeys = map[string]string{}
	}
	if logger == nil {
		logger = activity.Nop{}
	}
	return &Manager{
		sessions: sessions,
		agents:   agents,
		backend:  backend,
		activity: logger,
		opts:     opts,
		now:      time.Now,
		handles:  make(map[string]*sandbox.Handle),
		timers:   make(map[string]idleTimer),
		locks:    make(map[string]*sessionLock),
	}
}

// Simulated reports whether executions run on the offline mock.
func (m *Manager) Simulated() bool { return m.backend.Simulated() }

// GetOrCreateSession returns the agent's most recent open session, or
// creates one with a fresh sandbox. Ephemeral agents never get a session:
// the call returns EPHEMERAL_AGENT and writes nothing.
func (m *Manager) GetOrCreateSession(ctx context.Context, agentID string) (*models.Session, error) {
	rec, cfg, err := m.agents.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec.Mode() == models.ModeEphemeral {
		return nil, apperrors.New(apperrors.ErrCodeEphemeralAgent, "agent "+agentID+" runs in ephemeral mode", nil)
	}

	// Serialize per agent so concurrent callers share one session.
	unlock := m.lockSession("agent:" + agentID)
	defer unlock()

	open, err := m.sessions.ListSessions(ctx, store.SessionFilter{
		AgentID:  agentID,
		Statuses: store.OpenStatuses,
		Limit:    1,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodePersistence, "list sessions for agent "+agentID, err)
	}
	if len(open) > 0 {
		return &open[0], nil
	}
	return m.createSession(ctx, rec, cfg)
}

func (m *Manager) createSession(ctx context.Context, rec *models.AgentRecord, cfg models.AgentConfig) (*models.Session, error) {
	id := uuid.New().String()
	h, err := m.backend.CreateSandbox(ctx, id, m.sessionSandboxOptions(id, rec.ID))
	if err != nil {
		return nil, err
	}
	m.initSandbox(ctx, h, cfg, nil)

	now := m.now().UTC()
	sess := &models.Session{
		ID:             id,
		AgentID:        rec.ID,
		Mode:           rec.Mode(),
		Status:         models.SessionActive,
		SandboxID:      h.ID,
		Context:        []models.ConversationMessage{},
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		// Don't leave an orphaned remote process behind.
		m.backend.CloseSandbox(context.WithoutCancel(ctx), id)
		return nil, apperrors.New(apperrors.ErrCodePersistence, "persist new session for agent "+rec.ID, err)
	}

	m.cacheHandle(id, h)
	m.resetIdleTimer(id, models.ParseSessionConfig(rec.SessionConfig))
	metrics.SessionTransitions.WithLabelValues(string(models.SessionActive)).Inc()
	m.activity.Log(id, models.ActivitySessionCreated, map[string]interface{}{"agent_id": rec.ID}, map[string]interface{}{"sandbox_id": h.ID})

	log.Info().Str("session_id", id).Str("agent_id", rec.ID).Str("sandbox_id", h.ID).Msg("Session created")
	return sess, nil
}

// GetSession returns the durable session record.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapStoreErr(err, sessionID)
	}
	return sess, nil
}

// ListSessions lists durable session records.
func (m *Manager) ListSessions(ctx context.Context, filter store.SessionFilter) ([]models.Session, error) {
	list, err := m.sessions.ListSessions(ctx, filter)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodePersistence, "list sessions", err)
	}
	return list, nil
}

// HasLiveSandbox reports whether the manager holds a handle for the session.
func (m *Manager) HasLiveSandbox(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[sessionID]
	return ok
}

// IdleTimerCount returns the number of pending idle timers.
func (m *Manager) IdleTimerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// HasIdleTimer reports whether an idle timer is pending for the session.
func (m *Manager) HasIdleTimer(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[sessionID]
	return ok
}

// Shutdown cancels every idle timer and forgets cached handles. Remote
// sandboxes are left running so sessions reconnect after a restart.
func (m *Manager) Shutdown(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.t.Stop()
		delete(m.timers, id)
	}
	n := len(m.handles)
	m.handles = make(map[string]*sandbox.Handle)
	metrics.LiveSandboxes.Set(0)
	log.Info().Int("handles", n).Msg("Session manager stopped")
}

// ── Per-session locking ─────────────────────────────────────

func (m *Manager) lockSession(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sessionLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// ── Handle cache ────────────────────────────────────────────

func (m *Manager) cacheHandle(id string, h *sandbox.Handle) {
	m.mu.Lock()
	m.handles[id] = h
	metrics.LiveSandboxes.Set(float64(len(m.handles)))
	m.mu.Unlock()
}

func (m *Manager) cachedHandle(id string) *sandbox.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[id]
}

func (m *Manager) dropHandle(id string) *sandbox.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handles[id]
	delete(m.handles, id)
	metrics.LiveSandboxes.Set(float64(len(m.handles)))
	return h
}

// ── Helpers ─────────────────────────────────────────────────

func (m *Manager) sessionSandboxOptions(sessionID, agentID string) sandbox.CreateOptions {
	return sandbox.CreateOptions{
		Timeout: m.opts.SessionTimeout,
		Metadata: map[string]string{
			"session_id": sessionID,
			"agent_id":   agentID,
		},
	}
}

// sessionConfig loads the agent's session policy, falling back to the
// defaults when the agent row is gone.
func (m *Manager) sessionConfig(ctx context.Context, agentID string) models.SessionConfig {
	rec, _, err := m.agents.Load(ctx, agentID)
	if err != nil {
		return models.DefaultSessionConfig()
	}
	return models.ParseSessionConfig(rec.SessionConfig)
}

func mapStoreErr(err error, sessionID string) error {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return apperrors.New(apperrors.ErrCodeSessionNotFound, "session not found: "+sessionID, err)
	}
	return apperrors.New(apperrors.ErrCodePersistence, "load session "+sessionID, err)
}
