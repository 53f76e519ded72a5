package sandbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
)

// systemExit is the error name a provider reports when the program called
// sys.exit; value "0" is a normal termination.
const systemExit = "SystemExit"

// envelope is the JSON object generated programs print as their last line.
type envelope struct {
	Success         *bool       `json:"success"`
	Output          interface{} `json:"output"`
	Error           string      `json:"error"`
	ExecutionTimeMs *int64      `json:"execution_time_ms"`
}

// Normalize converts a raw provider response into an ExecutionResult.
// Resolution order for the payload: a raised error, then the first JSON
// result, then a text result (possibly itself a JSON envelope), then the
// last stdout line as an envelope, then the joined stdout.
func Normalize(raw *RawResult, elapsed time.Duration) *models.ExecutionResult {
	res := &models.ExecutionResult{
		Success:         true,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if raw == nil {
		return res
	}
	res.Logs = append(append([]string{}, raw.Logs.Stdout...), raw.Logs.Stderr...)

	if e := raw.Error; e != nil && !cleanExit(e) {
		res.Success = false
		res.Error = e.Name
		if e.Value != "" {
			res.Error += ": " + e.Value
		}
		return res
	}

	for _, r := range raw.Results {
		if r.JSON != nil {
			if m, ok := r.JSON.(map[string]interface{}); ok {
				if env, ok := envelopeFromMap(m); ok {
					applyEnvelope(res, env)
					return res
				}
			}
			res.Output = r.JSON
			return res
		}
	}
	for _, r := range raw.Results {
		if r.Text != "" {
			if env, ok := parseEnvelope(r.Text); ok {
				applyEnvelope(res, env)
				return res
			}
			res.Output = r.Text
			return res
		}
	}

	stdout := raw.Logs.Stdout
	for i := len(stdout) - 1; i >= 0; i-- {
		line := strings.TrimSpace(stdout[i])
		if line == "" {
			continue
		}
		if env, ok := parseEnvelope(line); ok {
			applyEnvelope(res, env)
			return res
		}
		break
	}
	if len(stdout) > 0 {
		res.Output = strings.Join(stdout, "\n")
	}
	return res
}

func cleanExit(e *RawError) bool {
	if e.Name != systemExit {
		return false
	}
	v := strings.TrimSpace(e.Value)
	return v == "0" || v == "" || v == "None"
}

func parseEnvelope(text string) (envelope, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil || env.Success == nil {
		return envelope{}, false
	}
	return env, true
}

func envelopeFromMap(m map[string]interface{}) (envelope, bool) {
	ok, isBool := m["success"].(bool)
	if !isBool {
		return envelope{}, false
	}
	env := envelope{Success: &ok, Output: m["output"]}
	env.Error, _ = m["error"].(string)
	if ms, isNum := m["execution_time_ms"].(float64); isNum {
		v := int64(ms)
		env.ExecutionTimeMs = &v
	}
	return env, true
}

func applyEnvelope(res *models.ExecutionResult, env envelope) {
	res.Success = *env.Success
	res.Output = env.Output
	res.Error = env.Error
	if !res.Success && res.Error == "" {
		res.Error = "execution failed"
	}
	if env.ExecutionTimeMs != nil {
		res.ExecutionTimeMs = *env.ExecutionTimeMs
	}
}
