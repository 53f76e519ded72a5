package runtime

import (
	"text/template"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
)

type pythonGenerator struct{}

func (pythonGenerator) Language() Language { return Python }

func (pythonGenerator) Generate(cfg models.AgentConfig, messages []Message) (string, error) {
	data, err := newTemplateData(cfg, messages)
	if err != nil {
		return "", err
	}
	return render(pythonTemplate, data)
}

// The program prints exactly one JSON envelope as its last stdout line.
var pythonTemplate = template.Must(template.New("python").Parse(`import base64
import json
import os
import time
import urllib.request


def _decode(blob):
    return json.loads(base64.b64decode(blob).decode("utf-8"))


CONFIG = _decode("{{.Config}}")
MESSAGES = _decode("{{.Messages}}")
PROVIDER = _decode("{{.Provider}}")
INPUT = MESSAGES[-1]["content"]


def emit(payload):
    print(json.dumps(payload, default=str))


def _post(url, body, headers):
    req = urllib.request.Request(url, data=json.dumps(body).encode("utf-8"), headers=headers, method="POST")
    with urllib.request.urlopen(req, timeout=120) as resp:
        return json.loads(resp.read().decode("utf-8"))


def complete(messages):
    key = os.environ.get(PROVIDER["env_key"], "")
    if not key:
        raise RuntimeError("missing API key: " + PROVIDER["env_key"])
    if PROVIDER["name"] == "anthropic":
        system = "\n\n".join(m["content"] for m in messages if m["role"] == "system")
        data = _post(PROVIDER["base_url"] + "/messages", {
            "model": CONFIG["model"],
            "max_tokens": CONFIG["max_tokens"],
            "temperature": CONFIG["temperature"],
            "system": system,
            "messages": [m for m in messages if m["role"] != "system"],
        }, {"x-api-key": key, "anthropic-version": "2023-06-01", "content-type": "application/json"})
        return "".join(part.get("text", "") for part in data.get("content", []))
    data = _post(PROVIDER["base_url"] + "/chat/completions", {
        "model": CONFIG["model"],
        "messages": messages,
        "temperature": CONFIG["temperature"],
        "max_tokens": CONFIG["max_tokens"],
    }, {"Authorization": "Bearer " + key, "Content-Type": "application/json"})
    return data["choices"][0]["message"]["content"]

{{if .HasCustom}}
exec(base64.b64decode("{{.CustomCode}}").decode("utf-8"))
{{else}}
def main():
    started = time.time()
    try:
        text = complete(MESSAGES)
    except Exception as exc:
        emit({"success": False, "error": str(exc)})
        return
    output = text
    if CONFIG.get("output_format") == "json":
        try:
            output = json.loads(text)
        except ValueError:
            pass
    emit({"success": True, "output": output, "execution_time_ms": int((time.time() - started) * 1000)})


main()
{{end}}`))
