package sandbox_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
	"github.com/agentoven/agentoven/sandbox-plane/internal/sandbox"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an in-memory Provider recording every call.
type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	alive     map[string]bool
	files     map[string][]byte
	codes     []string
	killed    []string
	createErr error
	runErr    error
	result    *sandbox.RawResult
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{alive: map[string]bool{}, files: map[string][]byte{}}
}

func (f *fakeProvider) Create(_ context.Context, template string, opts sandbox.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	id := fmt.Sprintf("%s-%d", template, f.seq)
	f.alive[id] = true
	return id, nil
}

func (f *fakeProvider) Connect(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[id] {
		return sandbox.ErrSandboxGone
	}
	return nil
}

func (f *fakeProvider) RunCode(_ context.Context, id, code string, _ runtime.Language) (*sandbox.RawResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &sandbox.RawResult{Error: &sandbox.RawError{Name: "SystemExit", Value: "0"}}, nil
}

func (f *fakeProvider) WriteFile(_ context.Context, id, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[id] {
		return sandbox.ErrSandboxGone
	}
	f.files[id+":"+path] = content
	return nil
}

func (f *fakeProvider) ReadFile(_ context.Context, id, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[id+":"+path]
	if !ok {
		return nil, sandbox.ErrSandboxGone
	}
	return data, nil
}

func (f *fakeProvider) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	if !f.alive[id] {
		return sandbox.ErrSandboxGone
	}
	delete(f.alive, id)
	return nil
}

func TestGateway_CreateAndClose(t *testing.T) {
	p := newFakeProvider()
	g := sandbox.NewGateway(p, "base")
	ctx := context.Background()

	h, err := g.CreateSandbox(ctx, "sess-1", sandbox.CreateOptions{Timeout: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "base-1", h.ID)
	assert.Equal(t, "sess-1", h.OwnerID)
	assert.Equal(t, 1, g.Owned())

	g.CloseSandbox(ctx, "sess-1")
	g.CloseSandbox(ctx, "sess-1")
	assert.Equal(t, []string{"base-1"}, p.killed, "second close is a no-op")
	assert.Equal(t, 0, g.Owned())
}

func TestGateway_CreateFailureIsProvisioningError(t *testing.T) {
	p := newFakeProvider()
	p.createErr = errors.New("401 unauthorized")
	g := sandbox.NewGateway(p, "base")

	_, err := g.CreateSandbox(context.Background(), "sess-1", sandbox.CreateOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProvisioning))
	assert.Equal(t, 0, g.Owned())
}

func TestGateway_Connect(t *testing.T) {
	p := newFakeProvider()
	g := sandbox.NewGateway(p, "base")
	ctx := context.Background()

	h, err := g.CreateSandbox(ctx, "a", sandbox.CreateOptions{})
	require.NoError(t, err)

	again, err := g.ConnectSandbox(ctx, "b", h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)

	_, err = g.ConnectSandbox(ctx, "c", "gone-42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrReconnect))
	assert.True(t, errors.Is(err, sandbox.ErrSandboxGone))

	_, err = g.ConnectSandbox(ctx, "c", "")
	assert.True(t, errors.Is(err, apperrors.ErrReconnect))
}

func TestGateway_ExecuteCode(t *testing.T) {
	p := newFakeProvider()
	g := sandbox.NewGateway(p, "base")
	ctx := context.Background()
	h, err := g.CreateSandbox(ctx, "s", sandbox.CreateOptions{})
	require.NoError(t, err)

	p.result = &sandbox.RawResult{Logs: sandbox.RawLogs{Stdout: sandbox.Lines{`{"success": true, "output": "hi"}`}}}
	res, err := g.ExecuteCode(ctx, h, "print(1)", runtime.Python)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi", res.Output)

	p.runErr = errors.New("connection reset")
	_, err = g.ExecuteCode(ctx, h, "print(1)", runtime.Python)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrExecution))
}

func TestGateway_ProvisioningHelpers(t *testing.T) {
	p := newFakeProvider()
	g := sandbox.NewGateway(p, "base")
	ctx := context.Background()
	h, err := g.CreateSandbox(ctx, "s", sandbox.CreateOptions{})
	require.NoError(t, err)

	assert.True(t, g.InstallPackages(ctx, h, runtime.Python, []string{"pandas"}))
	assert.True(t, strings.Contains(p.codes[len(p.codes)-1], `"pandas"`))
	assert.True(t, g.InstallPackages(ctx, h, runtime.Python, nil), "nothing to install")

	assert.True(t, g.SetEnvironmentVariables(ctx, h, runtime.JavaScript, map[string]string{"AGENT_ID": "a1"}))
	assert.Contains(t, p.codes[len(p.codes)-1], "process.env")

	assert.True(t, g.UploadFile(ctx, h, "/home/user/conversation.json", []byte("[]")))
	assert.Equal(t, []byte("[]"), g.DownloadFile(ctx, h, "/home/user/conversation.json"))
	assert.Nil(t, g.DownloadFile(ctx, h, "/missing"))

	p.result = &sandbox.RawResult{Error: &sandbox.RawError{Name: "SystemExit", Value: "1"}}
	assert.False(t, g.InstallPackages(ctx, h, runtime.Python, []string{"does-not-exist"}))

	p.runErr = errors.New("timeout")
	assert.False(t, g.SetEnvironmentVariables(ctx, h, runtime.Python, map[string]string{"K": "v"}))

	g.CloseSandbox(ctx, "s")
	assert.False(t, g.UploadFile(ctx, h, "/x", []byte("y")), "dead sandbox degrades to false")
}

func TestGateway_CloseAllSwallowsDeadSandboxes(t *testing.T) {
	p := newFakeProvider()
	g := sandbox.NewGateway(p, "base")
	ctx := context.Background()
	for _, owner := range []string{"a", "b", "c"} {
		_, err := g.CreateSandbox(ctx, owner, sandbox.CreateOptions{})
		require.NoError(t, err)
	}
	// b dies on the provider side before shutdown
	require.NoError(t, p.Kill(ctx, "base-2"))

	g.CloseAllSandboxes(ctx)
	assert.Equal(t, 0, g.Owned())
	assert.Empty(t, p.alive)
}
