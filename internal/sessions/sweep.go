package sessions

import (
	"context"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/store"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// CheckIdleSessions hibernates every session the store reports as idle past
// its agent's timeout. It backs up the in-process timers, which do not
// survive a restart. Each candidate is re-checked under its lock. Returns
// the number of sessions hibernated.
func (m *Manager) CheckIdleSessions(ctx context.Context) (int, error) {
	candidates, err := m.sessions.ListSessionsToHibernate(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ok, err := m.hibernateIfDue(ctx, c.ID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", c.ID).Msg("Sweep hibernation failed")
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (m *Manager) hibernateIfDue(ctx context.Context, sessionID string) (bool, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, mapStoreErr(err, sessionID)
	}
	scfg := m.sessionConfig(ctx, sess.AgentID)
	if !store.ShouldHibernate(sess, scfg, m.now()) {
		return false, nil
	}
	if err := m.hibernateLocked(ctx, sess, scfg, "idle_sweep"); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireSessions stops open sessions older than their agent's
// max_session_duration_hours. A non-positive duration never expires.
// Returns the number of sessions stopped.
func (m *Manager) ExpireSessions(ctx context.Context) (int, error) {
	open, err := m.sessions.ListSessions(ctx, store.SessionFilter{Statuses: store.OpenStatuses})
	if err != nil {
		return 0, err
	}
	configs := make(map[string]models.SessionConfig)
	n := 0
	for _, s := range open {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		scfg, ok := configs[s.AgentID]
		if !ok {
			scfg = m.sessionConfig(ctx, s.AgentID)
			configs[s.AgentID] = scfg
		}
		if !expired(&s, scfg, m.now()) {
			continue
		}
		stopped, err := m.expireIfDue(ctx, s.ID, scfg)
		if err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("Session expiry failed")
			continue
		}
		if stopped {
			n++
		}
	}
	return n, nil
}

func (m *Manager) expireIfDue(ctx context.Context, sessionID string, scfg models.SessionConfig) (bool, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, mapStoreErr(err, sessionID)
	}
	if sess.Status == models.SessionStopped || !expired(sess, scfg, m.now()) {
		return false, nil
	}
	if err := m.stopLocked(ctx, sess, "max_duration"); err != nil {
		return false, err
	}
	return true, nil
}

func expired(s *models.Session, scfg models.SessionConfig, now time.Time) bool {
	limit := scfg.MaxDuration()
	return limit > 0 && !s.CreatedAt.Add(limit).After(now)
}
