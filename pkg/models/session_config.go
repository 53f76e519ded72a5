package models

import (
	"strconv"
	"time"
)

// Session policy defaults applied when an agent's session_config omits a key.
const (
	DefaultIdleTimeoutMinutes      = 30.0
	DefaultMaxSessionDurationHours = 24.0
	DefaultMaxContextMessages      = 50
)

// SessionConfig is the per-agent session policy.
type SessionConfig struct {
	IdleTimeoutMinutes      float64 `json:"idle_timeout_minutes"`
	MaxSessionDurationHours float64 `json:"max_session_duration_hours"`
	AutoHibernate           bool    `json:"auto_hibernate"`
	PreserveContext         bool    `json:"preserve_context"`
	MaxContextMessages      int     `json:"max_context_messages"`
}

// DefaultSessionConfig returns the policy used for agents without a
// session_config.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeoutMinutes:      DefaultIdleTimeoutMinutes,
		MaxSessionDurationHours: DefaultMaxSessionDurationHours,
		AutoHibernate:           true,
		PreserveContext:         true,
		MaxContextMessages:      DefaultMaxContextMessages,
	}
}

// IdleTimeout converts the idle timeout into a duration.
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes * float64(time.Minute))
}

// MaxDuration converts the max session duration into a duration.
// Zero means unlimited.
func (c SessionConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxSessionDurationHours * float64(time.Hour))
}

// ParseSessionConfig fills a SessionConfig from a stored session_config
// map. Both snake_case and camelCase keys are accepted; anything missing or
// unparseable falls back to the default.
func ParseSessionConfig(raw map[string]interface{}) SessionConfig {
	cfg := DefaultSessionConfig()
	if raw == nil {
		return cfg
	}
	if v, ok := lookupFloat(raw, "idle_timeout_minutes", "idleTimeoutMinutes"); ok && v >= 0 {
		cfg.IdleTimeoutMinutes = v
	}
	if v, ok := lookupFloat(raw, "max_session_duration_hours", "maxSessionDurationHours"); ok && v >= 0 {
		cfg.MaxSessionDurationHours = v
	}
	if v, ok := lookupBool(raw, "auto_hibernate", "autoHibernate"); ok {
		cfg.AutoHibernate = v
	}
	if v, ok := lookupBool(raw, "preserve_context", "preserveContext"); ok {
		cfg.PreserveContext = v
	}
	if v, ok := lookupFloat(raw, "max_context_messages", "maxContextMessages"); ok && v > 0 {
		cfg.MaxContextMessages = int(v)
	}
	return cfg
}

func lookupFloat(raw map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := ToFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

func lookupBool(raw map[string]interface{}, keys ...string) (bool, bool) {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case bool:
			return v, true
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

// ToFloat converts the numeric shapes that come out of JSON decoding and
// hand-built maps into a float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
