// Package sandbox is the boundary to the remote code-execution provider.
//
// Backend is what the session manager talks to. Gateway implements it on
// top of a Provider (the raw remote primitives); Mock implements it offline
// for deployments without provider credentials. Both return the same
// models.ExecutionResult shape.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
)

// ErrSandboxGone is returned by a Provider when the addressed sandbox no
// longer exists.
var ErrSandboxGone = errors.New("sandbox no longer exists")

// Handle is an in-process reference to a live remote sandbox.
type Handle struct {
	ID        string            `json:"sandbox_id"`
	OwnerID   string            `json:"owner_id"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	// Timeout is the provider-enforced wall-clock lifetime.
	Timeout  time.Duration
	Metadata map[string]string
}

// Backend is the execution surface used by the session manager.
type Backend interface {
	CreateSandbox(ctx context.Context, ownerID string, opts CreateOptions) (*Handle, error)
	ConnectSandbox(ctx context.Context, ownerID, sandboxID string) (*Handle, error)
	Execute(ctx context.Context, h *Handle, prog *runtime.Program) (*models.ExecutionResult, error)

	// Best-effort helpers: failures are logged and reported as false/nil.
	InstallPackages(ctx context.Context, h *Handle, lang runtime.Language, names []string) bool
	SetEnvironmentVariables(ctx context.Context, h *Handle, lang runtime.Language, env map[string]string) bool
	UploadFile(ctx context.Context, h *Handle, path string, content []byte) bool
	DownloadFile(ctx context.Context, h *Handle, path string) []byte

	// CloseSandbox terminates the sandbox registered for ownerID. Idempotent.
	CloseSandbox(ctx context.Context, ownerID string)
	CloseAllSandboxes(ctx context.Context)

	// Simulated reports whether results come from the offline mock.
	Simulated() bool
}

// Provider is the set of raw primitives a remote execution service offers.
type Provider interface {
	Create(ctx context.Context, template string, opts CreateOptions) (string, error)
	Connect(ctx context.Context, sandboxID string) error
	RunCode(ctx context.Context, sandboxID, code string, lang runtime.Language) (*RawResult, error)
	WriteFile(ctx context.Context, sandboxID, path string, content []byte) error
	ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error)
	Kill(ctx context.Context, sandboxID string) error
}

// RawResult is a provider response before normalization.
type RawResult struct {
	Logs    RawLogs     `json:"logs"`
	Results []RawOutput `json:"results,omitempty"`
	Error   *RawError   `json:"error,omitempty"`
}

// RawLogs holds captured output streams.
type RawLogs struct {
	Stdout Lines `json:"stdout"`
	Stderr Lines `json:"stderr"`
}

// RawOutput is one rich result of a run: a text rendering, a JSON value,
// or both.
type RawOutput struct {
	Text string      `json:"text,omitempty"`
	JSON interface{} `json:"json,omitempty"`
}

// RawError describes an error raised by the executed code.
type RawError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback,omitempty"`
}

// Lines is a captured stream. Providers send it either as a list of chunks
// or as one string; both decode to one entry per line.
type Lines []string

func (l *Lines) UnmarshalJSON(data []byte) error {
	var chunks []string
	if err := json.Unmarshal(data, &chunks); err != nil {
		var single string
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return err
		}
		chunks = []string{single}
	}
	var out []string
	for _, c := range chunks {
		c = strings.TrimRight(c, "\n")
		if c == "" {
			continue
		}
		out = append(out, strings.Split(c, "\n")...)
	}
	*l = out
	return nil
}
