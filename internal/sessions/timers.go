package sessions

import (
	"context"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// At most one idle timer exists per session. Each timer carries a
// generation; a timer that fires after it was replaced or cancelled sees a
// different generation (or none) in the map and does nothing.

// resetIdleTimer replaces the session's idle timer with a fresh one.
func (m *Manager) resetIdleTimer(sessionID string, scfg models.SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if cur, ok := m.timers[sessionID]; ok {
		cur.t.Stop()
	}
	m.timerSeq++
	gen := m.timerSeq
	m.timers[sessionID] = idleTimer{
		t:   time.AfterFunc(scfg.IdleTimeout(), func() { m.onIdle(sessionID, gen) }),
		gen: gen,
	}
}

func (m *Manager) cancelIdleTimer(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.timers[sessionID]; ok {
		cur.t.Stop()
		delete(m.timers, sessionID)
	}
}

func (m *Manager) currentTimer(sessionID string, gen uint64) bool {
	cur, ok := m.timers[sessionID]
	return ok && cur.gen == gen && !m.closed
}

func (m *Manager) onIdle(sessionID string, gen uint64) {
	m.mu.Lock()
	current := m.currentTimer(sessionID, gen)
	m.mu.Unlock()
	if !current {
		return
	}

	unlock := m.lockSession(sessionID)
	defer unlock()

	// Activity may have replaced the timer while we waited for the lock.
	m.mu.Lock()
	if !m.currentTimer(sessionID, gen) {
		m.mu.Unlock()
		return
	}
	delete(m.timers, sessionID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timerActionTimeout)
	defer cancel()

	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Idle timer fired for unknown session")
		return
	}
	scfg := m.sessionConfig(ctx, sess.AgentID)
	if !scfg.AutoHibernate {
		m.markIdle(ctx, sess)
		return
	}
	if err := m.hibernateLocked(ctx, sess, scfg, "idle_timeout"); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Idle hibernation failed")
	}
}
