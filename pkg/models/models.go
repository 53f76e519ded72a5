package models

import (
	"encoding/json"
	"time"
)

// ── Agent ────────────────────────────────────────────────────

// AgentType selects the runtime handler used for an agent.
type AgentType string

const (
	AgentTypeDataProcessor AgentType = "data_processor"
	AgentTypeAnalyzer      AgentType = "analyzer"
	AgentTypeChatbot       AgentType = "chatbot"
	AgentTypeAutomation    AgentType = "automation"
	AgentTypeCustom        AgentType = "custom"
)

// AgentTypes lists every known agent type in declaration order.
var AgentTypes = []AgentType{
	AgentTypeDataProcessor,
	AgentTypeAnalyzer,
	AgentTypeChatbot,
	AgentTypeAutomation,
	AgentTypeCustom,
}

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	for _, k := range AgentTypes {
		if k == t {
			return true
		}
	}
	return false
}

// ExecutionMode determines whether calls to an agent share a session.
type ExecutionMode string

const (
	// ModeEphemeral runs every call in a fresh one-shot sandbox with no session.
	ModeEphemeral ExecutionMode = "ephemeral"
	// ModePersistent keeps a session and its sandbox across calls.
	ModePersistent ExecutionMode = "persistent"
	// ModeHybrid behaves like persistent for session purposes.
	ModeHybrid ExecutionMode = "hybrid"
)

// OutputFormat is the shape an agent is asked to produce.
type OutputFormat string

const (
	OutputText     OutputFormat = "text"
	OutputJSON     OutputFormat = "json"
	OutputMarkdown OutputFormat = "markdown"
	OutputHTML     OutputFormat = "html"
)

// AgentRecord is an agent row as stored in the agents table. Fields may be
// missing, and older rows carry their settings inside the legacy Config
// blob instead of the top-level columns.
type AgentRecord struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Type             string                 `json:"type,omitempty"`
	Capabilities     []string               `json:"capabilities,omitempty"`
	ExecutionMode    ExecutionMode          `json:"execution_mode,omitempty"`
	Model            string                 `json:"model,omitempty"`
	Temperature      *float64               `json:"temperature,omitempty"`
	MaxTokens        *int                   `json:"max_tokens,omitempty"`
	SystemPrompt     string                 `json:"system_prompt,omitempty"`
	KnowledgeSources []string               `json:"knowledge_sources,omitempty"`
	SessionConfig    map[string]interface{} `json:"session_config,omitempty"`
	Config           map[string]interface{} `json:"config,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Mode returns the record's execution mode, defaulting to ephemeral.
func (a *AgentRecord) Mode() ExecutionMode {
	switch a.ExecutionMode {
	case ModePersistent, ModeHybrid:
		return a.ExecutionMode
	default:
		return ModeEphemeral
	}
}

// AgentConfig is the canonical, fully populated configuration of an agent.
// Every field has a value after resolution.
type AgentConfig struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Type             AgentType              `json:"type"`
	Model            string                 `json:"model"`
	Temperature      float64                `json:"temperature"`
	MaxTokens        int                    `json:"max_tokens"`
	SystemPrompt     string                 `json:"system_prompt"`
	Tools            []string               `json:"tools"`
	KnowledgeSources []string               `json:"knowledge_sources"`
	OutputFormat     OutputFormat           `json:"output_format"`
	Settings         map[string]interface{} `json:"settings"`
}

// ── Session ──────────────────────────────────────────────────

// SessionStatus tracks the lifecycle of a session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionIdle       SessionStatus = "idle"
	SessionHibernated SessionStatus = "hibernated"
	SessionStopped    SessionStatus = "stopped"
	SessionError      SessionStatus = "error"
)

// Session is the durable record of a conversation with a persistent agent.
// SandboxID is empty while the session is hibernated or stopped.
type Session struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent_id"`
	Mode           ExecutionMode          `json:"execution_mode"`
	Status         SessionStatus          `json:"status"`
	SandboxID      string                 `json:"sandbox_id,omitempty"`
	Context        []ConversationMessage  `json:"conversation_context"`
	ExecutionCount int                    `json:"execution_count"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	LastActivityAt time.Time              `json:"last_activity_at"`
	HibernatedAt   *time.Time             `json:"hibernated_at,omitempty"`
	StoppedAt      *time.Time             `json:"stopped_at,omitempty"`
}

// Clone returns a deep copy of the session's context slice and metadata so
// callers can mutate the copy without touching the stored value.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Context != nil {
		cp.Context = make([]ConversationMessage, len(s.Context))
		copy(cp.Context, s.Context)
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationMessage is one entry of a session's context window.
type ConversationMessage struct {
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TrimContext drops the oldest messages so at most max remain.
// A non-positive max leaves the slice untouched.
func TrimContext(msgs []ConversationMessage, max int) []ConversationMessage {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	trimmed := make([]ConversationMessage, max)
	copy(trimmed, msgs[len(msgs)-max:])
	return trimmed
}

// LastMessages returns up to n of the most recent messages.
func LastMessages(msgs []ConversationMessage, n int) []ConversationMessage {
	if n <= 0 {
		return nil
	}
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// ── Execution ────────────────────────────────────────────────

// ExecutionResult is the uniform outcome of every execution path.
type ExecutionResult struct {
	Success         bool        `json:"success"`
	Output          interface{} `json:"output"`
	Error           string      `json:"error,omitempty"`
	Logs            []string    `json:"logs,omitempty"`
	ExecutionTimeMs int64       `json:"execution_time_ms,omitempty"`
}

// OutputString renders the output as text: strings are returned as-is,
// everything else is JSON-encoded.
func (r *ExecutionResult) OutputString() string {
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// ── Activity ─────────────────────────────────────────────────

// ActivityType classifies a session_activities row.
type ActivityType string

const (
	ActivitySessionCreated     ActivityType = "session_created"
	ActivitySessionResumed     ActivityType = "session_resumed"
	ActivitySessionHibernated  ActivityType = "session_hibernated"
	ActivitySessionIdle        ActivityType = "session_idle"
	ActivitySessionStopped     ActivityType = "session_stopped"
	ActivitySessionReconnected ActivityType = "session_reconnected"
	ActivitySessionRecreated   ActivityType = "session_recreated"
	ActivityExecution          ActivityType = "execution"
)

// Activity is an append-only audit entry for a session.
type Activity struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Type      ActivityType `json:"activity_type"`
	Input     interface{}  `json:"input,omitempty"`
	Output    interface{}  `json:"output,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
