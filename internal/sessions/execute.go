package sessions

import (
	"context"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/metrics"
	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
	"github.com/agentoven/agentoven/sandbox-plane/internal/sandbox"
	"github.com/agentoven/agentoven/sandbox-plane/internal/telemetry"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Execution paths, used as the metrics path label.
const (
	pathSession = "session"
	pathOneShot = "oneshot"
)

// ExecuteInSession runs input against the session's sandbox.
//
// A hibernated session is resumed first, a missing handle is recovered by
// reconnect or recreate, and the idle timer is restarted. A transport
// failure during the run triggers one recovery and one retry. On success with
// includeContext the user/assistant pair is appended and the context is
// trimmed to the agent's max_context_messages. A failed run leaves the
// context untouched. Failures inside the sandbox come back as a result
// with Success=false; only SESSION_NOT_FOUND, SESSION_STOPPED, the agent
// lookup and PROVISIONING_FAILED are returned as errors.
func (m *Manager) ExecuteInSession(ctx context.Context, sessionID, input string, includeContext bool) (*models.ExecutionResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.execute")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.Bool("session.include_context", includeContext))

	unlock := m.lockSession(sessionID)
	defer unlock()

	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapStoreErr(err, sessionID)
	}
	if sess.Status == models.SessionStopped {
		return nil, apperrors.New(apperrors.ErrCodeSessionStopped, "session is stopped: "+sessionID, nil)
	}
	rec, cfg, err := m.agents.Load(ctx, sess.AgentID)
	if err != nil {
		return nil, err
	}
	scfg := models.ParseSessionConfig(rec.SessionConfig)

	wasHibernated := sess.Status == models.SessionHibernated
	h, err := m.ensureSandbox(ctx, sess, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sandbox unavailable")
		return nil, err
	}
	if wasHibernated {
		// Persist the resume before running so a crash mid-run keeps the new sandbox id.
		sess.UpdatedAt = m.now().UTC()
		if err := m.sessions.UpdateSession(ctx, sess); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to persist resumed session")
		}
	}
	m.resetIdleTimer(sess.ID, scfg)

	var history []models.ConversationMessage
	if includeContext {
		history = sess.Context
	}

	start := time.Now()
	res := m.run(ctx, h, cfg, history, input)
	if !res.Success && !m.HasLiveSandbox(sess.ID) {
		// Transport loss: recover the sandbox and try once more.
		if h, err = m.ensureSandbox(ctx, sess, cfg); err == nil {
			res = m.run(ctx, h, cfg, history, input)
		} else {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("Sandbox recovery after transport failure failed")
		}
	}
	elapsed := time.Since(start)
	if res.ExecutionTimeMs == 0 {
		res.ExecutionTimeMs = elapsed.Milliseconds()
	}

	now := m.now().UTC()
	if res.Success {
		sess.ExecutionCount++
		if includeContext {
			sess.Context = append(sess.Context,
				models.ConversationMessage{Role: models.RoleUser, Content: input, Timestamp: now},
				models.ConversationMessage{Role: models.RoleAssistant, Content: res.OutputString(), Timestamp: now},
			)
			sess.Context = models.TrimContext(sess.Context, scfg.MaxContextMessages)
		}
	}
	if !m.HasLiveSandbox(sess.ID) && sess.Status != models.SessionError {
		// Recovery failed too; the next call tries again.
		sess.Status = models.SessionError
		metrics.SessionTransitions.WithLabelValues(string(models.SessionError)).Inc()
	}
	sess.LastActivityAt = now
	sess.UpdatedAt = now
	if err := m.sessions.UpdateSession(ctx, sess); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to persist session after execution")
	}

	metrics.Executions.WithLabelValues(pathSession, metrics.Outcome(res.Success)).Inc()
	metrics.ExecutionDuration.WithLabelValues(pathSession).Observe(elapsed.Seconds())
	m.activity.Log(sess.ID, models.ActivityExecution,
		map[string]interface{}{"input": input, "include_context": includeContext},
		map[string]interface{}{"success": res.Success, "output": res.Output, "error": res.Error, "execution_time_ms": res.ExecutionTimeMs})

	span.SetAttributes(attribute.Bool("execution.success", res.Success))
	log.Info().
		Str("session_id", sess.ID).
		Str("agent_id", sess.AgentID).
		Bool("success", res.Success).
		Int("context_messages", len(sess.Context)).
		Dur("elapsed", elapsed).
		Msg("Session execution finished")
	return res, nil
}

// run generates and executes the program. A transport failure evicts the
// cached handle and is reported as a failed result.
func (m *Manager) run(ctx context.Context, h *sandbox.Handle, cfg models.AgentConfig, history []models.ConversationMessage, input string) *models.ExecutionResult {
	prog, err := runtime.Generate(runtime.LanguageOf(cfg), cfg, history, input, m.opts.ContextWindow)
	if err != nil {
		return &models.ExecutionResult{Success: false, Output: nil, Error: err.Error()}
	}
	res, err := m.backend.Execute(ctx, h, prog)
	if err != nil {
		m.dropHandle(h.OwnerID)
		log.Warn().Err(err).Str("owner_id", h.OwnerID).Str("sandbox_id", h.ID).Msg("Sandbox execution failed")
		return &models.ExecutionResult{Success: false, Output: nil, Error: err.Error()}
	}
	return res
}

// Outcome is the result of Execute: the execution result plus the session
// it ran in (empty for ephemeral agents).
type Outcome struct {
	Result    *models.ExecutionResult `json:"result"`
	SessionID string                  `json:"session_id,omitempty"`
	Mode      models.ExecutionMode    `json:"execution_mode"`
}

// Execute dispatches input by the agent's execution mode: ephemeral agents
// run in a one-shot sandbox, everything else in the agent's session.
func (m *Manager) Execute(ctx context.Context, agentID, input string) (*Outcome, error) {
	rec, cfg, err := m.agents.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	mode := rec.Mode()
	if mode == models.ModeEphemeral {
		res, err := m.ExecuteOnce(ctx, cfg, input)
		if err != nil {
			return nil, err
		}
		return &Outcome{Result: res, Mode: mode}, nil
	}

	sess, err := m.GetOrCreateSession(ctx, agentID)
	if err != nil {
		return nil, err
	}
	res, err := m.ExecuteInSession(ctx, sess.ID, input, true)
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: res, SessionID: sess.ID, Mode: mode}, nil
}

// ExecuteOnce runs input in a throwaway sandbox that is closed afterwards,
// whatever the outcome.
func (m *Manager) ExecuteOnce(ctx context.Context, cfg models.AgentConfig, input string) (*models.ExecutionResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.execute_once")
	defer span.End()
	span.SetAttributes(attribute.String("agent.id", cfg.ID))

	owner := "oneshot-" + uuid.New().String()
	h, err := m.backend.CreateSandbox(ctx, owner, sandbox.CreateOptions{
		Timeout: m.opts.OneShotTimeout,
		Metadata: map[string]string{
			"agent_id":       cfg.ID,
			"execution_mode": string(models.ModeEphemeral),
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer m.backend.CloseSandbox(context.WithoutCancel(ctx), owner)

	m.initSandbox(ctx, h, cfg, nil)
	start := time.Now()
	res := m.run(ctx, h, cfg, nil, input)
	elapsed := time.Since(start)
	if res.ExecutionTimeMs == 0 {
		res.ExecutionTimeMs = elapsed.Milliseconds()
	}

	metrics.Executions.WithLabelValues(pathOneShot, metrics.Outcome(res.Success)).Inc()
	metrics.ExecutionDuration.WithLabelValues(pathOneShot).Observe(elapsed.Seconds())
	log.Info().Str("agent_id", cfg.ID).Bool("success", res.Success).Dur("elapsed", elapsed).Msg("One-shot execution finished")
	return res, nil
}

// Activities returns the session's activity log, oldest first.
func (m *Manager) Activities(ctx context.Context, sessionID string, limit int) ([]models.Activity, error) {
	if _, err := m.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	acts, err := m.sessions.ListActivities(ctx, sessionID, limit)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodePersistence, "list activities for "+sessionID, err)
	}
	return acts, nil
}
