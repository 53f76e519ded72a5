package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
	"github.com/agentoven/agentoven/sandbox-plane/internal/telemetry"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Gateway is the single point of contact with a remote Provider. It keeps
// an owner → handle map for CloseSandbox; the map is bookkeeping only and
// never consulted to decide whether a sandbox is alive.
type Gateway struct {
	provider Provider
	template string

	mu     sync.Mutex
	owners map[string]*Handle
}

// NewGateway creates a gateway that provisions sandboxes from template.
func NewGateway(p Provider, template string) *Gateway {
	return &Gateway{
		provider: p,
		template: template,
		owners:   make(map[string]*Handle),
	}
}

func (g *Gateway) Simulated() bool { return false }

// CreateSandbox provisions a new sandbox for ownerID. Failures are
// PROVISIONING_FAILED errors.
func (g *Gateway) CreateSandbox(ctx context.Context, ownerID string, opts CreateOptions) (*Handle, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "sandbox.create")
	defer span.End()
	span.SetAttributes(attribute.String("sandbox.owner_id", ownerID))

	id, err := g.provider.Create(ctx, g.template, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, apperrors.New(apperrors.ErrCodeProvisioning, "failed to create sandbox for "+ownerID, err)
	}
	h := &Handle{ID: id, OwnerID: ownerID, CreatedAt: time.Now().UTC(), Metadata: opts.Metadata}
	g.register(h)
	span.SetAttributes(attribute.String("sandbox.id", id))

	log.Info().Str("owner_id", ownerID).Str("sandbox_id", id).Dur("timeout", opts.Timeout).Msg("Sandbox created")
	return h, nil
}

// ConnectSandbox attaches to an existing sandbox by id. Failures are
// RECONNECT_FAILED errors.
func (g *Gateway) ConnectSandbox(ctx context.Context, ownerID, sandboxID string) (*Handle, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "sandbox.connect")
	defer span.End()
	span.SetAttributes(attribute.String("sandbox.owner_id", ownerID), attribute.String("sandbox.id", sandboxID))

	if sandboxID == "" {
		return nil, apperrors.New(apperrors.ErrCodeReconnect, "no sandbox id to reconnect to", nil)
	}
	if err := g.provider.Connect(ctx, sandboxID); err != nil {
		span.RecordError(err)
		return nil, apperrors.New(apperrors.ErrCodeReconnect, "failed to reconnect to sandbox "+sandboxID, err)
	}
	h := &Handle{ID: sandboxID, OwnerID: ownerID, CreatedAt: time.Now().UTC()}
	g.register(h)
	log.Info().Str("owner_id", ownerID).Str("sandbox_id", sandboxID).Msg("Reconnected to sandbox")
	return h, nil
}

// Execute runs a generated program.
func (g *Gateway) Execute(ctx context.Context, h *Handle, prog *runtime.Program) (*models.ExecutionResult, error) {
	return g.ExecuteCode(ctx, h, prog.Source, prog.Language)
}

// ExecuteCode runs code and blocks until the run finishes. Transport
// failures return an EXECUTION_FAILED error; failures of the code itself
// come back as a result with Success=false.
func (g *Gateway) ExecuteCode(ctx context.Context, h *Handle, code string, lang runtime.Language) (*models.ExecutionResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "sandbox.execute")
	defer span.End()
	span.SetAttributes(attribute.String("sandbox.id", h.ID), attribute.String("sandbox.language", string(lang)))

	start := time.Now()
	raw, err := g.provider.RunCode(ctx, h.ID, code, lang)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
		return nil, apperrors.New(apperrors.ErrCodeExecution, "failed to run code in sandbox "+h.ID, err)
	}
	res := Normalize(raw, time.Since(start))
	span.SetAttributes(attribute.Bool("execution.success", res.Success))
	return res, nil
}

func (g *Gateway) InstallPackages(ctx context.Context, h *Handle, lang runtime.Language, names []string) bool {
	if len(names) == 0 {
		return true
	}
	list, _ := json.Marshal(names)
	var code string
	switch lang {
	case runtime.JavaScript:
		code = fmt.Sprintf(`require("child_process").execFileSync("npm", ["install", "--no-save", ...%s], { stdio: "inherit" });`, list)
	default:
		code = fmt.Sprintf("import subprocess, sys\nsys.exit(subprocess.run([sys.executable, \"-m\", \"pip\", \"install\", \"-q\", *%s]).returncode)\n", list)
	}
	res, err := g.ExecuteCode(ctx, h, code, lang)
	if err != nil || !res.Success {
		ev := log.Warn().Str("sandbox_id", h.ID).Strs("packages", names)
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Str("error", res.Error)
		}
		ev.Msg("Package install failed")
		return false
	}
	log.Debug().Str("sandbox_id", h.ID).Strs("packages", names).Msg("Packages installed")
	return true
}

func (g *Gateway) SetEnvironmentVariables(ctx context.Context, h *Handle, lang runtime.Language, env map[string]string) bool {
	if len(env) == 0 {
		return true
	}
	data, _ := json.Marshal(env)
	blob := base64.StdEncoding.EncodeToString(data)
	var code string
	switch lang {
	case runtime.JavaScript:
		code = fmt.Sprintf(`Object.assign(process.env, JSON.parse(Buffer.from(%q, "base64").toString("utf8")));`, blob)
	default:
		code = fmt.Sprintf("import base64, json, os\nos.environ.update(json.loads(base64.b64decode(%q).decode(\"utf-8\")))\n", blob)
	}
	res, err := g.ExecuteCode(ctx, h, code, lang)
	if err != nil || !res.Success {
		log.Warn().Err(err).Str("sandbox_id", h.ID).Strs("keys", sortedKeys(env)).Msg("Setting environment variables failed")
		return false
	}
	return true
}

func (g *Gateway) UploadFile(ctx context.Context, h *Handle, path string, content []byte) bool {
	if err := g.provider.WriteFile(ctx, h.ID, path, content); err != nil {
		log.Warn().Err(err).Str("sandbox_id", h.ID).Str("path", path).Msg("File upload failed")
		return false
	}
	return true
}

func (g *Gateway) DownloadFile(ctx context.Context, h *Handle, path string) []byte {
	data, err := g.provider.ReadFile(ctx, h.ID, path)
	if err != nil {
		log.Warn().Err(err).Str("sandbox_id", h.ID).Str("path", path).Msg("File download failed")
		return nil
	}
	return data
}

// CloseSandbox kills the sandbox registered for ownerID. Unknown owners
// and already-dead sandboxes are not errors.
func (g *Gateway) CloseSandbox(ctx context.Context, ownerID string) {
	g.mu.Lock()
	h, ok := g.owners[ownerID]
	delete(g.owners, ownerID)
	g.mu.Unlock()
	if !ok {
		return
	}
	g.kill(ctx, h)
}

func (g *Gateway) CloseAllSandboxes(ctx context.Context) {
	g.mu.Lock()
	handles := make([]*Handle, 0, len(g.owners))
	for _, h := range g.owners {
		handles = append(handles, h)
	}
	g.owners = make(map[string]*Handle)
	g.mu.Unlock()

	for _, h := range handles {
		g.kill(ctx, h)
	}
	if len(handles) > 0 {
		log.Info().Int("count", len(handles)).Msg("Closed all sandboxes")
	}
}

// Owned returns the number of sandboxes in the owner map.
func (g *Gateway) Owned() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.owners)
}

func (g *Gateway) register(h *Handle) {
	g.mu.Lock()
	g.owners[h.OwnerID] = h
	g.mu.Unlock()
}

func (g *Gateway) kill(ctx context.Context, h *Handle) {
	err := g.provider.Kill(ctx, h.ID)
	switch {
	case err == nil:
		log.Info().Str("owner_id", h.OwnerID).Str("sandbox_id", h.ID).Msg("Sandbox closed")
	case errors.Is(err, ErrSandboxGone):
		log.Debug().Str("sandbox_id", h.ID).Msg("Sandbox already gone")
	default:
		log.Warn().Err(err).Str("sandbox_id", h.ID).Msg("Sandbox kill failed")
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
