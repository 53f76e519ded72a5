// Package runtime builds the programs a sandbox runs for an agent.
//
// A Program carries both the generated source text, which the remote
// gateway executes, and the structured inputs it was generated from, which
// the mock executor reads directly. Messages are always ordered system
// prompt, then history, then the new input.
package runtime

import (
	"fmt"
	"strings"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
)

// Language selects a code generator.
type Language string

const (
	Python     Language = "python"
	JavaScript Language = "javascript"
)

// DefaultContextWindow is how many stored messages feed a single exchange.
const DefaultContextWindow = 10

// Message is one chat message in a generated program.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Program is an executable payload for one agent run.
type Program struct {
	Language Language
	Source   string
	Agent    models.AgentConfig
	Messages []Message
	Input    string
}

// History returns the messages between the system prompt and the input.
func (p *Program) History() []Message {
	if len(p.Messages) < 2 {
		return nil
	}
	return p.Messages[1 : len(p.Messages)-1]
}

// Generator renders a program's source text in one language.
type Generator interface {
	Language() Language
	Generate(cfg models.AgentConfig, messages []Message) (string, error)
}

var generators = map[Language]Generator{
	Python:     pythonGenerator{},
	JavaScript: javascriptGenerator{},
}

// GeneratorFor returns the generator for lang.
func GeneratorFor(lang Language) (Generator, error) {
	g, ok := generators[lang]
	if !ok {
		return nil, fmt.Errorf("unsupported runtime language %q", lang)
	}
	return g, nil
}

// ParseLanguage maps a settings value onto a Language, defaulting to Python.
func ParseLanguage(v string) Language {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "javascript", "js", "node", "nodejs":
		return JavaScript
	default:
		return Python
	}
}

// LanguageOf reads the agent's "language" setting.
func LanguageOf(cfg models.AgentConfig) Language {
	s, _ := cfg.Settings["language"].(string)
	return ParseLanguage(s)
}

// BuildMessages orders the system prompt, the last n history messages and
// the new input.
func BuildMessages(cfg models.AgentConfig, history []models.ConversationMessage, input string, n int) []Message {
	h := HandlerFor(cfg.Type)
	recent := models.LastMessages(history, n)

	msgs := make([]Message, 0, len(recent)+2)
	msgs = append(msgs, Message{Role: string(models.RoleSystem), Content: systemPrompt(cfg, h)})
	for _, m := range recent {
		msgs = append(msgs, Message{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, Message{Role: string(models.RoleUser), Content: h.FormatInput(input)})
	return msgs
}

// Generate builds a program for one run: no history for one-shot calls,
// the last window messages for a contextual call.
func Generate(lang Language, cfg models.AgentConfig, history []models.ConversationMessage, input string, window int) (*Program, error) {
	g, err := GeneratorFor(lang)
	if err != nil {
		return nil, err
	}
	msgs := BuildMessages(cfg, history, input, window)
	src, err := g.Generate(cfg, msgs)
	if err != nil {
		return nil, fmt.Errorf("generate %s program for agent %s: %w", lang, cfg.ID, err)
	}
	return &Program{
		Language: lang,
		Source:   src,
		Agent:    cfg,
		Messages: msgs,
		Input:    input,
	}, nil
}

// Packages lists the packages an agent asks to have installed, read from
// the "packages" setting.
func Packages(cfg models.AgentConfig) []string {
	switch v := cfg.Settings["packages"].(type) {
	case []string:
		return append([]string{}, v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func systemPrompt(cfg models.AgentConfig, h Handler) string {
	parts := []string{cfg.SystemPrompt}
	if h.Instruction != "" {
		parts = append(parts, h.Instruction)
	}
	if hint := formatHints[cfg.OutputFormat]; hint != "" {
		parts = append(parts, hint)
	}
	if len(cfg.Tools) > 0 {
		parts = append(parts, "Available tools: "+strings.Join(cfg.Tools, ", ")+".")
	}
	return strings.Join(parts, "\n\n")
}

var formatHints = map[models.OutputFormat]string{
	models.OutputJSON:     "Respond with a single valid JSON document.",
	models.OutputMarkdown: "Format the response as Markdown.",
	models.OutputHTML:     "Format the response as an HTML fragment.",
}
