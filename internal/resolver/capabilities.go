package resolver

import (
	"strings"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
)

// capabilityRule maps any of a set of capabilities to an agent type.
type capabilityRule struct {
	capabilities []string
	agentType    models.AgentType
}

// capabilityRules is checked in order; the first rule with a matching
// capability wins and later rules are never consulted.
var capabilityRules = []capabilityRule{
	{capabilities: []string{"data-analysis"}, agentType: models.AgentTypeAnalyzer},
	{capabilities: []string{"data-processing"}, agentType: models.AgentTypeDataProcessor},
	{capabilities: []string{"automation"}, agentType: models.AgentTypeAutomation},
	{capabilities: []string{"chat", "email"}, agentType: models.AgentTypeChatbot},
}

// InferType picks an agent type from a capability list. Capability names
// are compared case-insensitively with "_" and " " treated as "-". With
// no match the agent is a chatbot.
func InferType(capabilities []string) models.AgentType {
	have := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		have[normalizeCapability(c)] = true
	}
	for _, rule := range capabilityRules {
		for _, c := range rule.capabilities {
			if have[c] {
				return rule.agentType
			}
		}
	}
	return models.AgentTypeChatbot
}

func normalizeCapability(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	return strings.NewReplacer("_", "-", " ", "-").Replace(c)
}
