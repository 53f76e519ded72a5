package resolver

import "strings"

// CredentialRule selects the LLM provider, and the env var holding its API
// key, for the models it matches.
type CredentialRule struct {
	Provider string
	EnvKey   string
	// BaseURL is the provider's HTTP API root, used from inside the sandbox.
	BaseURL string
	Match   func(model string) bool
}

func hasPrefix(prefixes ...string) func(string) bool {
	return func(model string) bool {
		m := strings.ToLower(model)
		for _, p := range prefixes {
			if strings.HasPrefix(m, p) {
				return true
			}
		}
		return false
	}
}

// DefaultCredential is used when no rule matches.
var DefaultCredential = CredentialRule{Provider: "openai", EnvKey: "OPENAI_API_KEY", BaseURL: openAIBaseURL}

const openAIBaseURL = "https://api.openai.com/v1"

// CredentialRules is the ordered provider table. Add a provider by
// appending a rule.
var CredentialRules = []CredentialRule{
	{Provider: "openai", EnvKey: "OPENAI_API_KEY", BaseURL: openAIBaseURL, Match: hasPrefix("gpt", "o1", "o3")},
	{Provider: "anthropic", EnvKey: "ANTHROPIC_API_KEY", BaseURL: "https://api.anthropic.com/v1", Match: hasPrefix("claude")},
	{Provider: "google", EnvKey: "GOOGLE_API_KEY", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", Match: hasPrefix("gemini")},
	{Provider: "groq", EnvKey: "GROQ_API_KEY", BaseURL: "https://api.groq.com/openai/v1", Match: hasPrefix("llama", "mixtral")},
	{Provider: "mistral", EnvKey: "MISTRAL_API_KEY", BaseURL: "https://api.mistral.ai/v1", Match: hasPrefix("mistral")},
}

// CredentialFor returns the first rule matching model.
func CredentialFor(model string) CredentialRule {
	for _, r := range CredentialRules {
		if r.Match(model) {
			return r
		}
	}
	return DefaultCredential
}

// CredentialEnv returns the env var name and value a sandbox running model
// needs, looked up in keys (env var name → value). The value is empty when
// the key is not configured.
func CredentialEnv(model string, keys map[string]string) (string, string) {
	r := CredentialFor(model)
	return r.EnvKey, keys[r.EnvKey]
}
