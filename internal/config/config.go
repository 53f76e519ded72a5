package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the sandbox session plane.
type Config struct {
	Port      int             `yaml:"port"`
	Version   string          `yaml:"version"`
	LogLevel  string          `yaml:"log_level"`
	// APIKeys guard /api/v1. Empty disables authentication.
	APIKeys   []string        `yaml:"api_keys"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	LLM       LLMConfig       `yaml:"llm"`
}

type DatabaseConfig struct {
	// Driver is "memory" (JSON snapshot) or "sqlite".
	Driver  string `yaml:"driver"`
	Path    string `yaml:"path"`
	DataDir string `yaml:"data_dir"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	// SampleRatio is the fraction of root spans sampled; 0 or 1 samples all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

type SandboxConfig struct {
	// APIKey for the remote execution provider. Empty selects the mock executor.
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	Template       string        `yaml:"template"`
	OneShotTimeout time.Duration `yaml:"oneshot_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type SessionsConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ContextWindow is how many recent messages feed a contextual run.
	ContextWindow int `yaml:"context_window"`
}

// LLMConfig carries provider API keys keyed by the env var that holds them
// (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
type LLMConfig struct {
	Keys map[string]string `yaml:"keys"`
}

// LLMKeyEnvs lists the provider key variables read from the environment.
var LLMKeyEnvs = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"GOOGLE_API_KEY",
	"GROQ_API_KEY",
	"MISTRAL_API_KEY",
}

// Defaults returns the configuration used when neither a file nor the
// environment provides a value.
func Defaults() *Config {
	return &Config{
		Port:     8080,
		Version:  "0.1.0",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: "memory",
			Path:   "sandboxd.db",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "sandbox-plane",
			SampleRatio:  1,
		},
		Sandbox: SandboxConfig{
			BaseURL:        "https://api.e2b.dev",
			Template:       "base",
			OneShotTimeout: 5 * time.Minute,
			SessionTimeout: time.Hour,
			RequestTimeout: 2 * time.Minute,
		},
		Sessions: SessionsConfig{
			SweepInterval: time.Minute,
			ContextWindow: 10,
		},
		LLM: LLMConfig{Keys: map[string]string{}},
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cfg := Defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML configuration file and then applies environment
// overrides on top of it.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.LLM.Keys == nil {
		cfg.LLM.Keys = map[string]string{}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("SANDBOXD_PORT", cfg.Port)
	cfg.Version = envStr("SANDBOXD_VERSION", cfg.Version)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("SANDBOXD_API_KEYS"); v != "" {
		cfg.APIKeys = splitList(v)
	}

	cfg.Database.Driver = envStr("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.Path = envStr("DATABASE_PATH", cfg.Database.Path)
	cfg.Database.DataDir = envStr("SANDBOXD_DATA_DIR", cfg.Database.DataDir)

	cfg.Telemetry.Enabled = envBool("OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
	cfg.Telemetry.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", cfg.Telemetry.SampleRatio)

	cfg.Sandbox.APIKey = envStr("SANDBOX_API_KEY", envStr("E2B_API_KEY", cfg.Sandbox.APIKey))
	cfg.Sandbox.BaseURL = envStr("SANDBOX_API_URL", cfg.Sandbox.BaseURL)
	cfg.Sandbox.Template = envStr("SANDBOX_TEMPLATE", cfg.Sandbox.Template)
	cfg.Sandbox.OneShotTimeout = envDuration("SANDBOX_ONESHOT_TIMEOUT", cfg.Sandbox.OneShotTimeout)
	cfg.Sandbox.SessionTimeout = envDuration("SANDBOX_SESSION_TIMEOUT", cfg.Sandbox.SessionTimeout)
	cfg.Sandbox.RequestTimeout = envDuration("SANDBOX_REQUEST_TIMEOUT", cfg.Sandbox.RequestTimeout)

	cfg.Sessions.SweepInterval = envDuration("SESSION_SWEEP_INTERVAL", cfg.Sessions.SweepInterval)
	cfg.Sessions.ContextWindow = envInt("SESSION_CONTEXT_WINDOW", cfg.Sessions.ContextWindow)

	for _, key := range LLMKeyEnvs {
		if v := os.Getenv(key); v != "" {
			cfg.LLM.Keys[key] = v
		}
	}
}

// MockMode reports whether no remote execution credentials are configured.
func (c *Config) MockMode() bool {
	return c.Sandbox.APIKey == ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
