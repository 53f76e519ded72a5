package runtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"text/template"

	"github.com/agentoven/agentoven/sandbox-plane/internal/resolver"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
)

// providerInfo is the provider description embedded in generated programs.
type providerInfo struct {
	Name    string `json:"name"`
	EnvKey  string `json:"env_key"`
	BaseURL string `json:"base_url"`
}

// templateData is what the language templates interpolate. Every value is
// base64 so no user text is ever spliced into source code.
type templateData struct {
	Config     string
	Messages   string
	Provider   string
	CustomCode string
	HasCustom  bool
}

func newTemplateData(cfg models.AgentConfig, messages []Message) (templateData, error) {
	rule := resolver.CredentialFor(cfg.Model)
	conf, err := encode(cfg)
	if err != nil {
		return templateData{}, err
	}
	msgs, err := encode(messages)
	if err != nil {
		return templateData{}, err
	}
	prov, err := encode(providerInfo{Name: rule.Provider, EnvKey: rule.EnvKey, BaseURL: rule.BaseURL})
	if err != nil {
		return templateData{}, err
	}
	custom := CustomCode(cfg)
	return templateData{
		Config:     conf,
		Messages:   msgs,
		Provider:   prov,
		CustomCode: base64.StdEncoding.EncodeToString([]byte(custom)),
		HasCustom:  custom != "",
	}, nil
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func render(tmpl *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
