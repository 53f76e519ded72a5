package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/config"
	"github.com/agentoven/agentoven/sandbox-plane/internal/resolver"
	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
	"github.com/agentoven/agentoven/sandbox-plane/internal/sandbox"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configWithKey(key, url string) config.SandboxConfig {
	cfg := config.Defaults().Sandbox
	cfg.APIKey = key
	cfg.BaseURL = url
	return cfg
}

func mockProgram(t *testing.T, agentType string, history []models.ConversationMessage, input string) *runtime.Program {
	t.Helper()
	cfg := resolver.Resolve(&models.AgentRecord{ID: "agent-1", Type: agentType})
	prog, err := runtime.Generate(runtime.Python, cfg, history, input, runtime.DefaultContextWindow)
	require.NoError(t, err)
	return prog
}

func TestMock_ChatbotRemembersName(t *testing.T) {
	m := sandbox.NewMock()
	ctx := context.Background()
	h, err := m.CreateSandbox(ctx, "sess-1", sandbox.CreateOptions{})
	require.NoError(t, err)

	first, err := m.Execute(ctx, h, mockProgram(t, "chatbot", nil, "Hi, I'm Alex"))
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Contains(t, first.OutputString(), "Alex")

	history := []models.ConversationMessage{
		{Role: models.RoleUser, Content: "Hi, I'm Alex"},
		{Role: models.RoleAssistant, Content: first.OutputString()},
	}
	second, err := m.Execute(ctx, h, mockProgram(t, "chatbot", history, "What's my name?"))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Contains(t, second.OutputString(), "Alex")
	assert.Contains(t, second.OutputString(), sandbox.SimulationMarker)

	forgot, err := m.Execute(ctx, h, mockProgram(t, "chatbot", nil, "What's my name?"))
	require.NoError(t, err)
	assert.NotContains(t, forgot.OutputString(), "Alex")
}

func TestMock_EveryTypeIsLabeled(t *testing.T) {
	m := sandbox.NewMock()
	ctx := context.Background()
	h, err := m.CreateSandbox(ctx, "s", sandbox.CreateOptions{})
	require.NoError(t, err)

	for _, typ := range models.AgentTypes {
		t.Run(string(typ), func(t *testing.T) {
			res, err := m.Execute(ctx, h, mockProgram(t, string(typ), nil, `[1, 2, 3]`))
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Contains(t, res.OutputString(), sandbox.SimulationMarker)
			require.NotEmpty(t, res.Logs)
			assert.Contains(t, res.Logs[0], sandbox.SimulationMarker)
		})
	}
}

func TestMock_DataProcessorCountsRecords(t *testing.T) {
	m := sandbox.NewMock()
	ctx := context.Background()
	h, err := m.CreateSandbox(ctx, "s", sandbox.CreateOptions{})
	require.NoError(t, err)

	res, err := m.Execute(ctx, h, mockProgram(t, "data_processor", nil, `[{"a":1},{"a":2}]`))
	require.NoError(t, err)
	out, ok := res.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, out["records"])
}

func TestMock_LifecycleAndReconnect(t *testing.T) {
	m := sandbox.NewMock()
	ctx := context.Background()

	h, err := m.CreateSandbox(ctx, "sess-1", sandbox.CreateOptions{Timeout: time.Hour})
	require.NoError(t, err)
	assert.Regexp(t, `^mock-`, h.ID)
	assert.Equal(t, 1, m.Live())

	again, err := m.ConnectSandbox(ctx, "sess-1", h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)

	assert.True(t, m.UploadFile(ctx, h, "conversation.json", []byte("[]")))
	assert.Equal(t, []byte("[]"), m.DownloadFile(ctx, h, "conversation.json"))
	assert.True(t, m.SetEnvironmentVariables(ctx, h, runtime.Python, map[string]string{"A": "1"}))
	assert.True(t, m.InstallPackages(ctx, h, runtime.Python, []string{"pandas"}))

	m.CloseSandbox(ctx, "sess-1")
	m.CloseSandbox(ctx, "sess-1")
	assert.Equal(t, 0, m.Live())

	_, err = m.ConnectSandbox(ctx, "sess-1", h.ID)
	assert.True(t, errors.Is(err, apperrors.ErrReconnect))

	_, err = m.Execute(ctx, h, mockProgram(t, "chatbot", nil, "hi"))
	assert.True(t, errors.Is(err, apperrors.ErrExecution))
	assert.False(t, m.UploadFile(ctx, h, "x", nil))
	assert.Nil(t, m.DownloadFile(ctx, h, "conversation.json"))
}
