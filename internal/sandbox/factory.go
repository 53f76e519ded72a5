package sandbox

import (
	"github.com/agentoven/agentoven/sandbox-plane/internal/config"
	"github.com/rs/zerolog/log"
)

// New selects the backend for cfg: the remote gateway when an API key is
// configured, the mock otherwise.
func New(cfg config.SandboxConfig) Backend {
	if cfg.APIKey == "" {
		log.Warn().Msg("No sandbox API key configured, running in simulation mode")
		return NewMock()
	}
	log.Info().Str("url", cfg.BaseURL).Str("template", cfg.Template).Msg("Remote sandbox gateway configured")
	return NewGateway(NewHTTPProvider(cfg.BaseURL, cfg.APIKey, cfg.RequestTimeout), cfg.Template)
}
