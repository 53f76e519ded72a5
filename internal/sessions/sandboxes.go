package sessions

import (
	"context"
	"encoding/json"

	"github.com/agentoven/agentoven/sandbox-plane/internal/metrics"
	"github.com/agentoven/agentoven/sandbox-plane/internal/resolver"
	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
	"github.com/agentoven/agentoven/sandbox-plane/internal/sandbox"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// Files uploaded into every session sandbox.
const (
	AgentConfigPath  = "/home/user/agent_config.json"
	ConversationPath = "/home/user/conversation.json"
)

// initSandbox prepares a fresh or reattached sandbox: dependencies,
// environment and the agent/conversation files. Every step is best effort.
func (m *Manager) initSandbox(ctx context.Context, h *sandbox.Handle, cfg models.AgentConfig, history []models.ConversationMessage) {
	lang := runtime.LanguageOf(cfg)
	m.backend.InstallPackages(ctx, h, lang, runtime.Packages(cfg))

	env := map[string]string{
		"AGENT_ID":    cfg.ID,
		"AGENT_MODEL": cfg.Model,
	}
	if key, val := resolver.CredentialEnv(cfg.Model, m.opts.LLMKeys); val != "" {
		env[key] = val
	}
	m.backend.SetEnvironmentVariables(ctx, h, lang, env)

	if data, err := json.Marshal(cfg); err == nil {
		m.backend.UploadFile(ctx, h, AgentConfigPath, data)
	}
	if history == nil {
		history = []models.ConversationMessage{}
	}
	if data, err := json.Marshal(history); err == nil {
		m.backend.UploadFile(ctx, h, ConversationPath, data)
	}
}

// ensureSandbox returns a live handle for sess, recovering one if needed.
// Order: cached handle, hibernation resume, reconnect by the stored sandbox
// id, then recreate. sess is updated in place; the caller persists it.
// Only a failed recreate (PROVISIONING_FAILED) is returned as an error.
func (m *Manager) ensureSandbox(ctx context.Context, sess *models.Session, cfg models.AgentConfig) (*sandbox.Handle, error) {
	if sess.Status == models.SessionHibernated {
		return m.wake(ctx, sess, cfg)
	}

	if h := m.cachedHandle(sess.ID); h != nil {
		if h.ID == sess.SandboxID {
			m.markActive(sess)
			return h, nil
		}
		// The stored record wins over the cache.
		m.dropHandle(sess.ID)
	}

	if sess.SandboxID != "" {
		h, err := m.backend.ConnectSandbox(ctx, sess.ID, sess.SandboxID)
		if err == nil {
			m.initSandbox(ctx, h, cfg, sess.Context)
			m.cacheHandle(sess.ID, h)
			m.markActive(sess)
			metrics.SandboxRecoveries.WithLabelValues("reconnect").Inc()
			m.activity.Log(sess.ID, models.ActivitySessionReconnected, nil, map[string]interface{}{"sandbox_id": h.ID})
			log.Info().Str("session_id", sess.ID).Str("sandbox_id", h.ID).Msg("Session sandbox reconnected")
			return h, nil
		}
		log.Warn().Err(err).Str("session_id", sess.ID).Str("sandbox_id", sess.SandboxID).Msg("Reconnect failed, recreating sandbox")
	}

	previous := sess.SandboxID
	h, err := m.backend.CreateSandbox(ctx, sess.ID, m.sessionSandboxOptions(sess.ID, sess.AgentID))
	if err != nil {
		return nil, err
	}
	m.initSandbox(ctx, h, cfg, sess.Context)
	m.cacheHandle(sess.ID, h)
	sess.SandboxID = h.ID
	m.markActive(sess)
	metrics.SandboxRecoveries.WithLabelValues("recreate").Inc()
	m.activity.Log(sess.ID, models.ActivitySessionRecreated,
		map[string]interface{}{"previous_sandbox_id": previous},
		map[string]interface{}{"sandbox_id": h.ID})
	log.Info().Str("session_id", sess.ID).Str("sandbox_id", h.ID).Str("previous_sandbox_id", previous).Msg("Session sandbox recreated")
	return h, nil
}

// wake provisions a new sandbox for a hibernated session and replays its
// stored context. sess is updated in place.
func (m *Manager) wake(ctx context.Context, sess *models.Session, cfg models.AgentConfig) (*sandbox.Handle, error) {
	h, err := m.backend.CreateSandbox(ctx, sess.ID, m.sessionSandboxOptions(sess.ID, sess.AgentID))
	if err != nil {
		return nil, err
	}
	m.initSandbox(ctx, h, cfg, sess.Context)
	m.cacheHandle(sess.ID, h)
	sess.SandboxID = h.ID
	m.markActive(sess)
	sess.LastActivityAt = m.now().UTC()
	metrics.SandboxRecoveries.WithLabelValues("resume").Inc()
	m.activity.Log(sess.ID, models.ActivitySessionResumed, nil, map[string]interface{}{
		"sandbox_id":       h.ID,
		"context_messages": len(sess.Context),
	})
	log.Info().Str("session_id", sess.ID).Str("sandbox_id", h.ID).Int("context_messages", len(sess.Context)).Msg("Session resumed")
	return h, nil
}

// releaseSandbox terminates whatever sandbox backs the session. Without a
// cached handle it attaches by the stored id first; a failed attach means
// the sandbox is already gone.
func (m *Manager) releaseSandbox(ctx context.Context, sess *models.Session) {
	if h := m.dropHandle(sess.ID); h != nil {
		m.backend.CloseSandbox(ctx, sess.ID)
		return
	}
	if sess.SandboxID == "" {
		return
	}
	if _, err := m.backend.ConnectSandbox(ctx, sess.ID, sess.SandboxID); err != nil {
		log.Debug().Err(err).Str("session_id", sess.ID).Str("sandbox_id", sess.SandboxID).Msg("Sandbox already gone")
		return
	}
	m.backend.CloseSandbox(ctx, sess.ID)
}

func (m *Manager) markActive(sess *models.Session) {
	if sess.Status != models.SessionActive {
		sess.Status = models.SessionActive
		metrics.SessionTransitions.WithLabelValues(string(models.SessionActive)).Inc()
	}
}
