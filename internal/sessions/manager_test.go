package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/resolver"
	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
	"github.com/agentoven/agentoven/sandbox-plane/internal/sandbox"
	"github.com/agentoven/agentoven/sandbox-plane/internal/store"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── Test doubles ────────────────────────────────────────────

type recordedActivity struct {
	SessionID string
	Type      models.ActivityType
}

type recorder struct {
	mu      sync.Mutex
	entries []recordedActivity
}

func (r *recorder) Log(sessionID string, typ models.ActivityType, _, _ interface{}) {
	r.mu.Lock()
	r.entries = append(r.entries, recordedActivity{SessionID: sessionID, Type: typ})
	r.mu.Unlock()
}

func (r *recorder) types(sessionID string) []models.ActivityType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ActivityType
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			out = append(out, e.Type)
		}
	}
	return out
}

// flakyBackend wraps the mock with switchable failures.
type flakyBackend struct {
	*sandbox.Mock
	mu             sync.Mutex
	failRun        bool // code fails inside the sandbox
	failTransport  bool // the call to the sandbox fails
	transportDrops int  // fail this many calls, then recover
	failCreate     bool
}

func (f *flakyBackend) set(fn func(f *flakyBackend)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *flakyBackend) CreateSandbox(ctx context.Context, ownerID string, opts sandbox.CreateOptions) (*sandbox.Handle, error) {
	f.mu.Lock()
	fail := f.failCreate
	f.mu.Unlock()
	if fail {
		return nil, apperrors.New(apperrors.ErrCodeProvisioning, "quota exceeded", nil)
	}
	return f.Mock.CreateSandbox(ctx, ownerID, opts)
}

func (f *flakyBackend) Execute(ctx context.Context, h *sandbox.Handle, prog *runtime.Program) (*models.ExecutionResult, error) {
	f.mu.Lock()
	failRun, failTransport := f.failRun, f.failTransport
	if f.transportDrops > 0 {
		f.transportDrops--
		failTransport = true
	}
	f.mu.Unlock()
	switch {
	case failTransport:
		return nil, apperrors.New(apperrors.ErrCodeExecution, "connection reset", nil)
	case failRun:
		return &models.ExecutionResult{Success: false, Error: "ZeroDivisionError: division by zero"}, nil
	}
	return f.Mock.Execute(ctx, h, prog)
}

// failingCreateStore rejects every new session.
type failingCreateStore struct {
	*store.MemoryStore
}

func (failingCreateStore) CreateSession(context.Context, *models.Session) error {
	return errors.New("disk full")
}

// ── Fixture ─────────────────────────────────────────────────

type fixture struct {
	store    *store.MemoryStore
	backend  *flakyBackend
	activity *recorder
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	f := &fixture{
		store:    s,
		backend:  &flakyBackend{Mock: sandbox.NewMock()},
		activity: &recorder{},
	}
	f.mgr = f.newManager(s)
	t.Cleanup(func() { f.mgr.Shutdown(context.Background()) })
	return f
}

// newManager builds another manager over the same backend, as after a
// process restart.
func (f *fixture) newManager(s Store) *Manager {
	return NewManager(s, resolver.NewResolver(f.store), f.backend, f.activity, Options{
		LLMKeys: map[string]string{"OPENAI_API_KEY": "sk-test"},
	})
}

func (f *fixture) agent(t *testing.T, id string, mode models.ExecutionMode, sessionConfig map[string]interface{}) {
	t.Helper()
	require.NoError(t, f.store.UpsertAgent(context.Background(), &models.AgentRecord{
		ID:            id,
		Name:          id,
		Type:          string(models.AgentTypeChatbot),
		ExecutionMode: mode,
		SessionConfig: sessionConfig,
	}))
}

func (f *fixture) session(t *testing.T, id string) *models.Session {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return sess
}

// status is safe to call from Eventually conditions.
func (f *fixture) status(id string) models.SessionStatus {
	sess, err := f.store.GetSession(context.Background(), id)
	if err != nil {
		return ""
	}
	return sess.Status
}

// ── Session creation ────────────────────────────────────────

func TestGetOrCreateSession_EphemeralAgentRejected(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "eph", models.ModeEphemeral, nil)

	_, err := f.mgr.GetOrCreateSession(context.Background(), "eph")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrEphemeralAgent))

	list, err := f.store.ListSessions(context.Background(), store.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 0, f.backend.Live())
}

func TestGetOrCreateSession_UnknownAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.GetOrCreateSession(context.Background(), "ghost")
	assert.True(t, errors.Is(err, apperrors.ErrAgentNotFound))
}

func TestGetOrCreateSession_ReusesOpenSession(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	first, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, first.Status)
	assert.NotEmpty(t, first.SandboxID)
	assert.True(t, f.mgr.HasLiveSandbox(first.ID))

	second, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.backend.Live())
	assert.Equal(t, []models.ActivityType{models.ActivitySessionCreated}, f.activity.types(first.ID))
}

func TestGetOrCreateSession_UploadsAgentFiles(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	h, err := f.backend.ConnectSandbox(ctx, sess.ID, sess.SandboxID)
	require.NoError(t, err)

	var cfg models.AgentConfig
	require.NoError(t, json.Unmarshal(f.backend.DownloadFile(ctx, h, AgentConfigPath), &cfg))
	assert.Equal(t, "bot", cfg.ID)
	assert.Equal(t, "[]", string(f.backend.DownloadFile(ctx, h, ConversationPath)))
}

func TestGetOrCreateSession_CompensatesWhenPersistFails(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	m := f.newManager(failingCreateStore{f.store})

	_, err := m.GetOrCreateSession(context.Background(), "bot")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPersistence))
	assert.Equal(t, 0, f.backend.Live())
	assert.Equal(t, 0, m.IdleTimerCount())
}

func TestGetOrCreateSession_ProvisioningFailure(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	f.backend.set(func(b *flakyBackend) { b.failCreate = true })

	_, err := f.mgr.GetOrCreateSession(context.Background(), "bot")
	assert.True(t, errors.Is(err, apperrors.ErrProvisioning))
}

// ── Execution ───────────────────────────────────────────────

func TestExecute_DispatchesByMode(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "eph", models.ModeEphemeral, nil)
	f.agent(t, "per", models.ModePersistent, nil)
	f.agent(t, "hyb", models.ModeHybrid, nil)
	ctx := context.Background()

	out, err := f.mgr.Execute(ctx, "eph", "hello")
	require.NoError(t, err)
	assert.True(t, out.Result.Success)
	assert.Empty(t, out.SessionID)
	assert.Equal(t, 0, f.backend.Live(), "one-shot sandbox must be closed")

	out, err = f.mgr.Execute(ctx, "per", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, out.SessionID)
	assert.Equal(t, models.ModePersistent, out.Mode)

	out, err = f.mgr.Execute(ctx, "hyb", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, out.SessionID)
	assert.Equal(t, 2, f.backend.Live())
}

func TestExecuteOnce_ClosesSandboxOnFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.set(func(b *flakyBackend) { b.failTransport = true })
	cfg := resolver.Resolve(&models.AgentRecord{ID: "eph", Type: "chatbot"})

	res, err := f.mgr.ExecuteOnce(context.Background(), cfg, "hello")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection reset")
	assert.Equal(t, 0, f.backend.Live())
}

func TestExecuteInSession_RemembersConversation(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)

	res, err := f.mgr.ExecuteInSession(ctx, sess.ID, "Hi, I'm Alex", true)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = f.mgr.ExecuteInSession(ctx, sess.ID, "What's my name?", true)
	require.NoError(t, err)
	assert.Contains(t, res.OutputString(), "Alex")

	got := f.session(t, sess.ID)
	require.Len(t, got.Context, 4)
	assert.Equal(t, models.RoleUser, got.Context[0].Role)
	assert.Equal(t, "Hi, I'm Alex", got.Context[0].Content)
	assert.Equal(t, models.RoleAssistant, got.Context[3].Role)
	assert.Equal(t, 2, got.ExecutionCount)
}

func TestExecuteInSession_TrimsContext(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, map[string]interface{}{"max_context_messages": 4})
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	for _, in := range []string{"one", "two", "three", "four", "five"} {
		_, err := f.mgr.ExecuteInSession(ctx, sess.ID, in, true)
		require.NoError(t, err)
	}

	got := f.session(t, sess.ID)
	require.Len(t, got.Context, 4)
	assert.Equal(t, "four", got.Context[0].Content)
	assert.Equal(t, "five", got.Context[2].Content)
	assert.Equal(t, 5, got.ExecutionCount)
}

func TestExecuteInSession_WithoutContext(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	_, err = f.mgr.ExecuteInSession(ctx, sess.ID, "Hi, I'm Alex", true)
	require.NoError(t, err)
	before := f.session(t, sess.ID).Context

	res, err := f.mgr.ExecuteInSession(ctx, sess.ID, "What's my name?", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotContains(t, res.OutputString(), "Alex")

	got := f.session(t, sess.ID)
	assert.Equal(t, before, got.Context)
	assert.Equal(t, 2, got.ExecutionCount)
}

func TestExecuteInSession_FailureLeavesContextUntouched(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	_, err = f.mgr.ExecuteInSession(ctx, sess.ID, "Hi, I'm Alex", true)
	require.NoError(t, err)
	before := f.session(t, sess.ID)

	f.backend.set(func(b *flakyBackend) { b.failRun = true })
	res, err := f.mgr.ExecuteInSession(ctx, sess.ID, "1/0", true)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "ZeroDivisionError: division by zero", res.Error)

	after := f.session(t, sess.ID)
	assert.Equal(t, before.Context, after.Context)
	assert.Equal(t, before.ExecutionCount, after.ExecutionCount)
	assert.Equal(t, models.SessionActive, after.Status)
	assert.Contains(t, f.activity.types(sess.ID), models.ActivityExecution)
}

func TestExecuteInSession_TransportFailureRetriesOnce(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)

	f.backend.set(func(b *flakyBackend) { b.transportDrops = 1 })
	res, err := f.mgr.ExecuteInSession(ctx, sess.ID, "hello", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, f.mgr.HasLiveSandbox(sess.ID))

	got := f.session(t, sess.ID)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Equal(t, sess.SandboxID, got.SandboxID, "live sandbox is reattached, not replaced")
	assert.Len(t, got.Context, 2)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Contains(t, f.activity.types(sess.ID), models.ActivitySessionReconnected)
}

func TestExecuteInSession_TransportFailureRecreatesLostSandbox(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	f.backend.Kill(sess.SandboxID)

	res, err := f.mgr.ExecuteInSession(ctx, sess.ID, "hello", true)
	require.NoError(t, err)
	assert.True(t, res.Success)

	got := f.session(t, sess.ID)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.NotEqual(t, sess.SandboxID, got.SandboxID)
	assert.Contains(t, f.activity.types(sess.ID), models.ActivitySessionRecreated)
}

func TestExecuteInSession_PersistentTransportFailure(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)

	f.backend.set(func(b *flakyBackend) { b.failTransport = true })
	res, err := f.mgr.ExecuteInSession(ctx, sess.ID, "hello", true)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, f.mgr.HasLiveSandbox(sess.ID))
	assert.Equal(t, models.SessionError, f.session(t, sess.ID).Status)
	assert.Empty(t, f.session(t, sess.ID).Context)

	f.backend.set(func(b *flakyBackend) { b.failTransport = false })
	res, err = f.mgr.ExecuteInSession(ctx, sess.ID, "hello", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.SessionActive, f.session(t, sess.ID).Status)
}

func TestExecuteInSession_ReconnectsAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	f.mgr.Shutdown(ctx)

	restarted := f.newManager(f.store)
	assert.False(t, restarted.HasLiveSandbox(sess.ID))

	res, err := restarted.ExecuteInSession(ctx, sess.ID, "hello", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, sess.SandboxID, f.session(t, sess.ID).SandboxID)
	assert.Contains(t, f.activity.types(sess.ID), models.ActivitySessionReconnected)
	assert.Equal(t, 1, f.backend.Live())
}

func TestExecuteInSession_RecreatesDeadSandbox(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	_, err = f.mgr.ExecuteInSession(ctx, sess.ID, "Hi, I'm Alex", true)
	require.NoError(t, err)
	f.mgr.Shutdown(ctx)
	f.backend.Kill(sess.SandboxID)

	restarted := f.newManager(f.store)
	res, err := restarted.ExecuteInSession(ctx, sess.ID, "What's my name?", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.OutputString(), "Alex")

	got := f.session(t, sess.ID)
	assert.NotEqual(t, sess.SandboxID, got.SandboxID)
	assert.Len(t, got.Context, 4)
	assert.Contains(t, f.activity.types(sess.ID), models.ActivitySessionRecreated)
}

func TestExecuteInSession_RecreateFailureIsProvisioningError(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	f.mgr.Shutdown(ctx)
	f.backend.Kill(sess.SandboxID)
	f.backend.set(func(b *flakyBackend) { b.failCreate = true })

	restarted := f.newManager(f.store)
	_, err = restarted.ExecuteInSession(ctx, sess.ID, "hello", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProvisioning))

	got := f.session(t, sess.ID)
	assert.Equal(t, sess.SandboxID, got.SandboxID)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestExecuteInSession_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.ExecuteInSession(context.Background(), "nope", "hi", true)
	assert.True(t, errors.Is(err, apperrors.ErrSessionNotFound))
}

// ── Hibernate / resume / stop ───────────────────────────────

func TestHibernateResumeRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	_, err = f.mgr.ExecuteInSession(ctx, sess.ID, "Hi, I'm Alex", true)
	require.NoError(t, err)
	before := f.session(t, sess.ID)

	require.NoError(t, f.mgr.HibernateSession(ctx, sess.ID))
	hib := f.session(t, sess.ID)
	assert.Equal(t, models.SessionHibernated, hib.Status)
	assert.Empty(t, hib.SandboxID)
	assert.NotNil(t, hib.HibernatedAt)
	assert.Equal(t, before.Context, hib.Context)
	assert.False(t, f.mgr.HasLiveSandbox(sess.ID))
	assert.False(t, f.mgr.HasIdleTimer(sess.ID))
	assert.Equal(t, 0, f.backend.Live())

	require.NoError(t, f.mgr.HibernateSession(ctx, sess.ID), "hibernating twice is a no-op")

	resumed, err := f.mgr.ResumeSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, resumed.Status)
	assert.NotEmpty(t, resumed.SandboxID)
	assert.NotEqual(t, before.SandboxID, resumed.SandboxID)
	assert.Equal(t, before.Context, resumed.Context)
	assert.True(t, f.mgr.HasIdleTimer(sess.ID))

	h, err := f.backend.ConnectSandbox(ctx, sess.ID, resumed.SandboxID)
	require.NoError(t, err)
	var replayed []models.ConversationMessage
	require.NoError(t, json.Unmarshal(f.backend.DownloadFile(ctx, h, ConversationPath), &replayed))
	assert.Len(t, replayed, len(before.Context))

	assert.Contains(t, f.activity.types(sess.ID), models.ActivitySessionHibernated)
	assert.Contains(t, f.activity.types(sess.ID), models.ActivitySessionResumed)
}

func TestHibernate_DropsContextWhenNotPreserved(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, map[string]interface{}{"preserve_context": false})
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	_, err = f.mgr.ExecuteInSession(ctx, sess.ID, "Hi, I'm Alex", true)
	require.NoError(t, err)

	require.NoError(t, f.mgr.HibernateSession(ctx, sess.ID))
	assert.Empty(t, f.session(t, sess.ID).Context)
}

func TestExecuteInSession_ResumesHibernated(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	_, err = f.mgr.ExecuteInSession(ctx, sess.ID, "Hi, I'm Alex", true)
	require.NoError(t, err)
	require.NoError(t, f.mgr.HibernateSession(ctx, sess.ID))

	res, err := f.mgr.ExecuteInSession(ctx, sess.ID, "What's my name?", true)
	require.NoError(t, err)
	assert.Contains(t, res.OutputString(), "Alex")

	got := f.session(t, sess.ID)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.NotEmpty(t, got.SandboxID)
	assert.True(t, f.mgr.HasLiveSandbox(sess.ID))
}

func TestHibernate_ClosesSandboxWithoutCachedHandle(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	f.mgr.Shutdown(ctx)

	restarted := f.newManager(f.store)
	require.NoError(t, restarted.HibernateSession(ctx, sess.ID))
	assert.Equal(t, 0, f.backend.Live())
}

func TestStopSession(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	require.NoError(t, f.mgr.StopSession(ctx, sess.ID))
	require.NoError(t, f.mgr.StopSession(ctx, sess.ID))

	got := f.session(t, sess.ID)
	assert.Equal(t, models.SessionStopped, got.Status)
	assert.NotNil(t, got.StoppedAt)
	assert.Empty(t, got.SandboxID)
	assert.Equal(t, 0, f.backend.Live())
	assert.Equal(t, 0, f.mgr.IdleTimerCount())

	_, err = f.mgr.ExecuteInSession(ctx, sess.ID, "hi", true)
	assert.True(t, errors.Is(err, apperrors.ErrSessionStopped))
	_, err = f.mgr.ResumeSession(ctx, sess.ID)
	assert.True(t, errors.Is(err, apperrors.ErrSessionStopped))

	next, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, next.ID, "a stopped session is never reused")
}

// ── Idle handling ───────────────────────────────────────────

func TestIdleTimer_OnePerSession(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.mgr.ExecuteInSession(ctx, sess.ID, "ping", true)
		require.NoError(t, err)
		assert.Equal(t, 1, f.mgr.IdleTimerCount())
	}

	require.NoError(t, f.mgr.HibernateSession(ctx, sess.ID))
	assert.Equal(t, 0, f.mgr.IdleTimerCount())
}

func TestIdleTimer_AutoHibernates(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, map[string]interface{}{"idle_timeout_minutes": 0.001})
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.status(sess.ID) == models.SessionHibernated
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.mgr.HasLiveSandbox(sess.ID))
	assert.Equal(t, 0, f.mgr.IdleTimerCount())
	assert.Equal(t, 0, f.backend.Live())
}

func TestIdleTimer_MarksIdleWithoutAutoHibernate(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, map[string]interface{}{
		"idle_timeout_minutes": 0.001,
		"auto_hibernate":       false,
	})
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.status(sess.ID) == models.SessionIdle
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.mgr.HasLiveSandbox(sess.ID))
	assert.Equal(t, 1, f.backend.Live())

	// Lengthen the timeout so the next timer cannot fire mid-assertion.
	f.agent(t, "bot", models.ModePersistent, map[string]interface{}{"auto_hibernate": false})

	_, err = f.mgr.ExecuteInSession(ctx, sess.ID, "back", true)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, f.session(t, sess.ID).Status)
}

func TestIdleTimer_StaleTimerIgnored(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)

	f.mgr.mu.Lock()
	stale := f.mgr.timers[sess.ID].gen
	f.mgr.mu.Unlock()
	_, err = f.mgr.ExecuteInSession(ctx, sess.ID, "ping", true)
	require.NoError(t, err)

	f.mgr.onIdle(sess.ID, stale)
	assert.Equal(t, models.SessionActive, f.session(t, sess.ID).Status)
	assert.True(t, f.mgr.HasIdleTimer(sess.ID))
}

func TestShutdown_CancelsTimersKeepsSandboxes(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, map[string]interface{}{"idle_timeout_minutes": 0.002})
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)
	f.mgr.Shutdown(ctx)

	assert.Equal(t, 0, f.mgr.IdleTimerCount())
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, models.SessionActive, f.session(t, sess.ID).Status)
	assert.Equal(t, 1, f.backend.Live())
}

// ── Sweeps ──────────────────────────────────────────────────

func TestCheckIdleSessions(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "sleepy", models.ModePersistent, map[string]interface{}{"idle_timeout_minutes": 1})
	f.agent(t, "awake", models.ModePersistent, map[string]interface{}{"idle_timeout_minutes": 1, "auto_hibernate": false})
	ctx := context.Background()

	sleepy, err := f.mgr.GetOrCreateSession(ctx, "sleepy")
	require.NoError(t, err)
	awake, err := f.mgr.GetOrCreateSession(ctx, "awake")
	require.NoError(t, err)

	for _, id := range []string{sleepy.ID, awake.ID} {
		s := f.session(t, id)
		s.LastActivityAt = time.Now().Add(-5 * time.Minute)
		require.NoError(t, f.store.UpdateSession(ctx, s))
	}

	n, err := f.mgr.CheckIdleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.SessionHibernated, f.session(t, sleepy.ID).Status)
	assert.Equal(t, models.SessionActive, f.session(t, awake.ID).Status)

	n, err = f.mgr.CheckIdleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpireSessions(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "short", models.ModePersistent, map[string]interface{}{"max_session_duration_hours": 1})
	f.agent(t, "forever", models.ModePersistent, map[string]interface{}{"max_session_duration_hours": 0})
	ctx := context.Background()

	short, err := f.mgr.GetOrCreateSession(ctx, "short")
	require.NoError(t, err)
	forever, err := f.mgr.GetOrCreateSession(ctx, "forever")
	require.NoError(t, err)

	for _, id := range []string{short.ID, forever.ID} {
		s := f.session(t, id)
		s.CreatedAt = time.Now().Add(-2 * time.Hour)
		require.NoError(t, f.store.UpdateSession(ctx, s))
	}

	n, err := f.mgr.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.SessionStopped, f.session(t, short.ID).Status)
	assert.Equal(t, models.SessionActive, f.session(t, forever.ID).Status)
	assert.Equal(t, 1, f.backend.Live())
}

// ── Concurrency ─────────────────────────────────────────────

func TestExecuteInSession_ConcurrentCallsSerialize(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, map[string]interface{}{"max_context_messages": 100})
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.ExecuteInSession(ctx, sess.ID, "ping", true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := f.session(t, sess.ID)
	assert.Len(t, got.Context, 16)
	assert.Equal(t, 8, got.ExecutionCount)
}

func TestGetOrCreateSession_ConcurrentCallersShareSession(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "bot", models.ModePersistent, nil)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := f.mgr.GetOrCreateSession(ctx, "bot")
			if assert.NoError(t, err) {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, err := f.store.ListSessions(ctx, store.SessionFilter{AgentID: "bot"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, 1, f.backend.Live())
}
