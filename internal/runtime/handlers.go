package runtime

import "github.com/agentoven/agentoven/sandbox-plane/pkg/models"

// Handler describes how one agent type frames a run.
type Handler struct {
	// Instruction is appended to the system prompt.
	Instruction string
	// InputLabel prefixes the user's input, when set.
	InputLabel string
}

// FormatInput renders the new input as the final user message.
func (h Handler) FormatInput(input string) string {
	if h.InputLabel == "" {
		return input
	}
	return h.InputLabel + "\n" + input
}

// Handlers is the per-type lookup table.
var Handlers = map[models.AgentType]Handler{
	models.AgentTypeChatbot: {},
	models.AgentTypeDataProcessor: {
		Instruction: "Process the provided data and return a structured result.",
		InputLabel:  "Data to process:",
	},
	models.AgentTypeAnalyzer: {
		Instruction: "Analyze the provided data. Report key findings and recommendations.",
		InputLabel:  "Data to analyze:",
	},
	models.AgentTypeAutomation: {
		Instruction: "Break the task into concrete steps and report the outcome of each step.",
		InputLabel:  "Task:",
	},
	models.AgentTypeCustom: {},
}

// HandlerFor returns the handler for t; unknown types use the chatbot handler.
func HandlerFor(t models.AgentType) Handler {
	if h, ok := Handlers[t]; ok {
		return h
	}
	return Handlers[models.AgentTypeChatbot]
}

// CustomCode returns the agent's "custom_code" setting for custom agents.
func CustomCode(cfg models.AgentConfig) string {
	if cfg.Type != models.AgentTypeCustom {
		return ""
	}
	s, _ := cfg.Settings["custom_code"].(string)
	return s
}
