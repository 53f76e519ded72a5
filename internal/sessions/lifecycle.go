package sessions

import (
	"context"

	"github.com/agentoven/agentoven/sandbox-plane/internal/metrics"
	"github.com/agentoven/agentoven/sandbox-plane/internal/telemetry"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// HibernateSession terminates the session's sandbox and keeps only the
// durable record. With preserve_context disabled the context is cleared.
// Hibernating a hibernated or stopped session is a no-op.
func (m *Manager) HibernateSession(ctx context.Context, sessionID string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "session.hibernate")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	unlock := m.lockSession(sessionID)
	defer unlock()

	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return mapStoreErr(err, sessionID)
	}
	return m.hibernateLocked(ctx, sess, m.sessionConfig(ctx, sess.AgentID), "manual")
}

func (m *Manager) hibernateLocked(ctx context.Context, sess *models.Session, scfg models.SessionConfig, reason string) error {
	if sess.Status == models.SessionHibernated || sess.Status == models.SessionStopped {
		return nil
	}
	m.cancelIdleTimer(sess.ID)
	previous := sess.SandboxID
	m.releaseSandbox(ctx, sess)

	now := m.now().UTC()
	sess.Status = models.SessionHibernated
	sess.SandboxID = ""
	sess.HibernatedAt = &now
	sess.UpdatedAt = now
	if !scfg.PreserveContext {
		sess.Context = []models.ConversationMessage{}
	}
	if err := m.sessions.UpdateSession(ctx, sess); err != nil {
		return apperrors.New(apperrors.ErrCodePersistence, "persist hibernated session "+sess.ID, err)
	}

	metrics.SessionTransitions.WithLabelValues(string(models.SessionHibernated)).Inc()
	m.activity.Log(sess.ID, models.ActivitySessionHibernated,
		map[string]interface{}{"reason": reason},
		map[string]interface{}{"previous_sandbox_id": previous, "context_messages": len(sess.Context)})
	log.Info().Str("session_id", sess.ID).Str("reason", reason).Int("context_messages", len(sess.Context)).Msg("Session hibernated")
	return nil
}

// ResumeSession brings a hibernated session back onto a new sandbox with
// its stored context replayed. Resuming a session that is not hibernated
// returns it unchanged.
func (m *Manager) ResumeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.resume")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	unlock := m.lockSession(sessionID)
	defer unlock()

	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapStoreErr(err, sessionID)
	}
	switch sess.Status {
	case models.SessionStopped:
		return nil, apperrors.New(apperrors.ErrCodeSessionStopped, "session is stopped: "+sessionID, nil)
	case models.SessionHibernated:
	default:
		return sess, nil
	}

	rec, cfg, err := m.agents.Load(ctx, sess.AgentID)
	if err != nil {
		return nil, err
	}
	if _, err := m.wake(ctx, sess, cfg); err != nil {
		return nil, err
	}
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.UpdateSession(ctx, sess); err != nil {
		m.dropHandle(sess.ID)
		m.backend.CloseSandbox(context.WithoutCancel(ctx), sess.ID)
		return nil, apperrors.New(apperrors.ErrCodePersistence, "persist resumed session "+sess.ID, err)
	}
	m.resetIdleTimer(sess.ID, models.ParseSessionConfig(rec.SessionConfig))
	return sess, nil
}

// StopSession ends the session for good: the timer is cancelled, the
// sandbox terminated and the record marked stopped. Idempotent.
func (m *Manager) StopSession(ctx context.Context, sessionID string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "session.stop")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	unlock := m.lockSession(sessionID)
	defer unlock()

	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return mapStoreErr(err, sessionID)
	}
	return m.stopLocked(ctx, sess, "manual")
}

func (m *Manager) stopLocked(ctx context.Context, sess *models.Session, reason string) error {
	if sess.Status == models.SessionStopped {
		return nil
	}
	m.cancelIdleTimer(sess.ID)
	m.releaseSandbox(ctx, sess)

	now := m.now().UTC()
	sess.Status = models.SessionStopped
	sess.SandboxID = ""
	sess.StoppedAt = &now
	sess.UpdatedAt = now
	if err := m.sessions.UpdateSession(ctx, sess); err != nil {
		return apperrors.New(apperrors.ErrCodePersistence, "persist stopped session "+sess.ID, err)
	}

	metrics.SessionTransitions.WithLabelValues(string(models.SessionStopped)).Inc()
	m.activity.Log(sess.ID, models.ActivitySessionStopped, map[string]interface{}{"reason": reason}, nil)
	log.Info().Str("session_id", sess.ID).Str("reason", reason).Msg("Session stopped")
	return nil
}

// markIdle records that the idle timeout elapsed for an agent that does
// not auto-hibernate. The sandbox stays up.
func (m *Manager) markIdle(ctx context.Context, sess *models.Session) {
	if sess.Status != models.SessionActive {
		return
	}
	sess.Status = models.SessionIdle
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.UpdateSession(ctx, sess); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to mark session idle")
		return
	}
	metrics.SessionTransitions.WithLabelValues(string(models.SessionIdle)).Inc()
	m.activity.Log(sess.ID, models.ActivitySessionIdle, nil, nil)
	log.Debug().Str("session_id", sess.ID).Msg("Session idle")
}
