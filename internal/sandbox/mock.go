package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SimulationMarker tags every mock output and log line.
const SimulationMarker = "[SIMULATION MODE]"

// Mock is an offline Backend. Sandboxes exist only in this process, so a
// reconnect after a restart always fails and the caller recreates.
type Mock struct {
	mu      sync.Mutex
	live    map[string]*mockSandbox // key: sandbox id
	owners  map[string]string       // owner id → sandbox id
	handler map[models.AgentType]mockHandler
}

type mockSandbox struct {
	handle *Handle
	files  map[string][]byte
	env    map[string]string
}

// mockHandler produces the simulated output for one agent type.
type mockHandler func(prog *runtime.Program) interface{}

// NewMock creates an empty mock backend.
func NewMock() *Mock {
	m := &Mock{
		live:   make(map[string]*mockSandbox),
		owners: make(map[string]string),
	}
	m.handler = map[models.AgentType]mockHandler{
		models.AgentTypeChatbot:       mockChatbot,
		models.AgentTypeDataProcessor: mockDataProcessor,
		models.AgentTypeAnalyzer:      mockAnalyzer,
		models.AgentTypeAutomation:    mockAutomation,
		models.AgentTypeCustom:        mockCustom,
	}
	return m
}

func (m *Mock) Simulated() bool { return true }

func (m *Mock) CreateSandbox(_ context.Context, ownerID string, opts CreateOptions) (*Handle, error) {
	h := &Handle{
		ID:        "mock-" + uuid.New().String(),
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
		Metadata:  opts.Metadata,
	}
	m.mu.Lock()
	m.live[h.ID] = &mockSandbox{handle: h, files: map[string][]byte{}, env: map[string]string{}}
	m.owners[ownerID] = h.ID
	m.mu.Unlock()
	log.Info().Str("owner_id", ownerID).Str("sandbox_id", h.ID).Msg("Simulated sandbox created")
	return h, nil
}

func (m *Mock) ConnectSandbox(_ context.Context, ownerID, sandboxID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.live[sandboxID]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeReconnect, "simulated sandbox not found: "+sandboxID, ErrSandboxGone)
	}
	sb.handle.OwnerID = ownerID
	m.owners[ownerID] = sandboxID
	h := *sb.handle
	return &h, nil
}

func (m *Mock) Execute(_ context.Context, h *Handle, prog *runtime.Program) (*models.ExecutionResult, error) {
	start := time.Now()
	if !m.alive(h) {
		return nil, apperrors.New(apperrors.ErrCodeExecution, "simulated sandbox not running", ErrSandboxGone)
	}
	handle, ok := m.handler[prog.Agent.Type]
	if !ok {
		handle = mockChatbot
	}
	output := handle(prog)
	return &models.ExecutionResult{
		Success: true,
		Output:  output,
		Logs: []string{
			SimulationMarker + " No sandbox API key configured; returning simulated output.",
			fmt.Sprintf("%s agent=%s type=%s model=%s history=%d", SimulationMarker, prog.Agent.ID, prog.Agent.Type, prog.Agent.Model, len(prog.History())),
		},
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

func (m *Mock) InstallPackages(_ context.Context, h *Handle, _ runtime.Language, names []string) bool {
	if len(names) > 0 {
		log.Debug().Str("sandbox_id", h.ID).Strs("packages", names).Msg("Simulated package install")
	}
	return m.alive(h)
}

func (m *Mock) SetEnvironmentVariables(_ context.Context, h *Handle, _ runtime.Language, env map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.live[h.ID]
	if !ok {
		return false
	}
	for k, v := range env {
		sb.env[k] = v
	}
	return true
}

func (m *Mock) UploadFile(_ context.Context, h *Handle, path string, content []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.live[h.ID]
	if !ok {
		return false
	}
	sb.files[path] = append([]byte(nil), content...)
	return true
}

func (m *Mock) DownloadFile(_ context.Context, h *Handle, path string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.live[h.ID]
	if !ok {
		return nil
	}
	data, ok := sb.files[path]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}

func (m *Mock) CloseSandbox(_ context.Context, ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.owners[ownerID]
	if !ok {
		return
	}
	delete(m.owners, ownerID)
	delete(m.live, id)
	log.Info().Str("owner_id", ownerID).Str("sandbox_id", id).Msg("Simulated sandbox closed")
}

func (m *Mock) CloseAllSandboxes(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = make(map[string]*mockSandbox)
	m.owners = make(map[string]string)
}

// Live returns the number of running simulated sandboxes.
func (m *Mock) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Kill drops a simulated sandbox as if the remote process died.
func (m *Mock) Kill(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, sandboxID)
}

func (m *Mock) alive(h *Handle) bool {
	if h == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[h.ID]
	return ok
}

// ── Per-type simulated handlers ─────────────────────────────

var (
	nameIntroRe = regexp.MustCompile(`(?i:\b(?:i['’]m|i am|my name is|call me))\s+([A-Z][a-zA-Z]+)`)
	nameAskRe   = regexp.MustCompile(`(?i)\b(?:what(?:['’]s| is) my name|do you (?:know|remember) my name|who am i)\b`)
)

// rememberedName returns the most recent self-introduced name in the
// user's messages, including the current input.
func rememberedName(prog *runtime.Program) string {
	name := ""
	for _, msg := range prog.History() {
		if msg.Role != string(models.RoleUser) {
			continue
		}
		if m := nameIntroRe.FindStringSubmatch(msg.Content); m != nil {
			name = m[1]
		}
	}
	if m := nameIntroRe.FindStringSubmatch(prog.Input); m != nil {
		name = m[1]
	}
	return name
}

func mockChatbot(prog *runtime.Program) interface{} {
	input := strings.TrimSpace(prog.Input)
	name := rememberedName(prog)

	switch {
	case nameAskRe.MatchString(input) && name != "":
		return fmt.Sprintf("%s Your name is %s.", SimulationMarker, name)
	case nameAskRe.MatchString(input):
		return SimulationMarker + ` I don't know your name yet. Tell me with "I'm <name>".`
	case nameIntroRe.MatchString(input):
		return fmt.Sprintf("%s Nice to meet you, %s! How can I help you today?", SimulationMarker, name)
	default:
		return fmt.Sprintf("%s I received your message: %q. I remember %d earlier messages in this conversation.",
			SimulationMarker, input, len(prog.History()))
	}
}

func mockDataProcessor(prog *runtime.Program) interface{} {
	records := 0
	var parsed []interface{}
	if err := json.Unmarshal([]byte(prog.Input), &parsed); err == nil {
		records = len(parsed)
	} else {
		for _, line := range strings.Split(prog.Input, "\n") {
			if strings.TrimSpace(line) != "" {
				records++
			}
		}
	}
	return map[string]interface{}{
		"mode":      "simulation",
		"processed": true,
		"records":   records,
		"summary":   fmt.Sprintf("%s Processed %d records.", SimulationMarker, records),
	}
}

func mockAnalyzer(prog *runtime.Program) interface{} {
	words := len(strings.Fields(prog.Input))
	return map[string]interface{}{
		"mode":       "simulation",
		"analysis":   fmt.Sprintf("%s Analyzed input of %d words.", SimulationMarker, words),
		"word_count": words,
		"insights": []string{
			SimulationMarker + " Connect a sandbox provider for real analysis.",
		},
	}
}

func mockAutomation(prog *runtime.Program) interface{} {
	task := strings.TrimSpace(prog.Input)
	return map[string]interface{}{
		"mode":   "simulation",
		"status": "simulated",
		"steps": []map[string]string{
			{"step": "1", "action": "parse task", "result": "ok"},
			{"step": "2", "action": "execute: " + task, "result": "simulated"},
		},
		"message": SimulationMarker + " Automation steps were not executed.",
	}
}

func mockCustom(prog *runtime.Program) interface{} {
	return map[string]interface{}{
		"mode":            "simulation",
		"has_custom_code": runtime.CustomCode(prog.Agent) != "",
		"message":         SimulationMarker + " Custom code was not executed.",
		"input":           prog.Input,
	}
}
