// Package resolver turns stored agent records into canonical configurations.
//
// Stored records come in two layouts: current rows carry model, temperature,
// max tokens, system prompt and knowledge sources as top-level columns,
// older rows keep them inside the legacy config blob. Resolve accepts both
// and fills every field with a deterministic default, so nothing downstream
// ever branches on a missing value.
package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/agentoven/agentoven/sandbox-plane/internal/store"
	apperrors "github.com/agentoven/agentoven/sandbox-plane/pkg/errors"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
)

// Defaults applied when neither the record nor its legacy blob has a value.
const (
	DefaultModel        = "gpt-4o-mini"
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 1000
	DefaultSystemPrompt = "You are a helpful AI assistant."

	minTemperature = 0.0
	maxTemperature = 2.0
)

// Resolver loads agent records from the store and resolves them.
type Resolver struct {
	agents store.AgentStore
}

// NewResolver creates a resolver backed by the given agent store.
func NewResolver(agents store.AgentStore) *Resolver {
	return &Resolver{agents: agents}
}

// Load fetches an agent record by id and resolves it. A missing agent
// returns an AGENT_NOT_FOUND error.
func (r *Resolver) Load(ctx context.Context, agentID string) (*models.AgentRecord, models.AgentConfig, error) {
	rec, err := r.agents.GetAgent(ctx, agentID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, models.AgentConfig{}, apperrors.New(apperrors.ErrCodeAgentNotFound, "agent not found: "+agentID, err)
		}
		return nil, models.AgentConfig{}, apperrors.New(apperrors.ErrCodePersistence, "load agent "+agentID, err)
	}
	return rec, Resolve(rec), nil
}

// Resolve normalizes a stored agent record into an AgentConfig. Top-level
// fields win over the legacy config blob; blob keys may be snake_case or
// camelCase.
func Resolve(rec *models.AgentRecord) models.AgentConfig {
	legacy := rec.Config
	if legacy == nil {
		legacy = map[string]interface{}{}
	}

	cfg := models.AgentConfig{
		ID:               rec.ID,
		Name:             rec.Name,
		Type:             resolveType(rec, legacy),
		Model:            DefaultModel,
		Temperature:      DefaultTemperature,
		MaxTokens:        DefaultMaxTokens,
		SystemPrompt:     DefaultSystemPrompt,
		Tools:            stringList(legacy, "tools"),
		KnowledgeSources: rec.KnowledgeSources,
		OutputFormat:     models.OutputText,
		Settings:         map[string]interface{}{},
	}
	if cfg.Name == "" {
		cfg.Name = lookupString(legacy, "name")
	}

	switch {
	case rec.Model != "":
		cfg.Model = rec.Model
	case lookupString(legacy, "model", "model_name", "modelName") != "":
		cfg.Model = lookupString(legacy, "model", "model_name", "modelName")
	}

	if rec.Temperature != nil {
		cfg.Temperature = *rec.Temperature
	} else if v, ok := lookupFloat(legacy, "temperature"); ok {
		cfg.Temperature = v
	}
	cfg.Temperature = clamp(cfg.Temperature, minTemperature, maxTemperature)

	if rec.MaxTokens != nil && *rec.MaxTokens > 0 {
		cfg.MaxTokens = *rec.MaxTokens
	} else if v, ok := lookupFloat(legacy, "max_tokens", "maxTokens"); ok && v > 0 {
		cfg.MaxTokens = int(v)
	}

	switch {
	case strings.TrimSpace(rec.SystemPrompt) != "":
		cfg.SystemPrompt = rec.SystemPrompt
	case strings.TrimSpace(lookupString(legacy, "system_prompt", "systemPrompt")) != "":
		cfg.SystemPrompt = lookupString(legacy, "system_prompt", "systemPrompt")
	}

	if len(cfg.KnowledgeSources) == 0 {
		cfg.KnowledgeSources = stringList(legacy, "knowledge_sources", "knowledgeSources")
	}
	if cfg.KnowledgeSources == nil {
		cfg.KnowledgeSources = []string{}
	}

	if f := models.OutputFormat(strings.ToLower(lookupString(legacy, "output_format", "outputFormat"))); validOutputFormat(f) {
		cfg.OutputFormat = f
	}

	if settings, ok := legacy["settings"].(map[string]interface{}); ok {
		for k, v := range settings {
			cfg.Settings[k] = v
		}
	}
	return cfg
}

func resolveType(rec *models.AgentRecord, legacy map[string]interface{}) models.AgentType {
	if t := models.AgentType(strings.ToLower(rec.Type)); t.Valid() {
		return t
	}
	if t := models.AgentType(strings.ToLower(lookupString(legacy, "type", "agent_type", "agentType"))); t.Valid() {
		return t
	}
	caps := rec.Capabilities
	if len(caps) == 0 {
		caps = stringList(legacy, "capabilities")
	}
	return InferType(caps)
}

func validOutputFormat(f models.OutputFormat) bool {
	switch f {
	case models.OutputText, models.OutputJSON, models.OutputMarkdown, models.OutputHTML:
		return true
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func lookupString(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func lookupFloat(raw map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			if f, ok := models.ToFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// stringList reads a list of strings. Entries may be plain strings or
// objects with a "name" or "id" field.
func stringList(raw map[string]interface{}, keys ...string) []string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case []string:
			return append([]string{}, v...)
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, item := range v {
				switch it := item.(type) {
				case string:
					out = append(out, it)
				case map[string]interface{}:
					if name := lookupString(it, "name", "id"); name != "" {
						out = append(out, name)
					}
				}
			}
			return out
		}
	}
	return []string{}
}
