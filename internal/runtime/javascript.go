package runtime

import (
	"text/template"

	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
)

type javascriptGenerator struct{}

func (javascriptGenerator) Language() Language { return JavaScript }

func (javascriptGenerator) Generate(cfg models.AgentConfig, messages []Message) (string, error) {
	data, err := newTemplateData(cfg, messages)
	if err != nil {
		return "", err
	}
	return render(javascriptTemplate, data)
}

// Requires a runtime with a global fetch (Node 18+).
var javascriptTemplate = template.Must(template.New("javascript").Parse(`const decode = (blob) => JSON.parse(Buffer.from(blob, "base64").toString("utf8"));

const CONFIG = decode("{{.Config}}");
const MESSAGES = decode("{{.Messages}}");
const PROVIDER = decode("{{.Provider}}");
const INPUT = MESSAGES[MESSAGES.length - 1].content;

function emit(payload) {
  console.log(JSON.stringify(payload));
}

async function post(url, body, headers) {
  const resp = await fetch(url, { method: "POST", headers, body: JSON.stringify(body) });
  if (!resp.ok) {
    throw new Error("provider returned HTTP " + resp.status + ": " + (await resp.text()));
  }
  return resp.json();
}

async function complete(messages) {
  const key = process.env[PROVIDER.env_key] || "";
  if (!key) {
    throw new Error("missing API key: " + PROVIDER.env_key);
  }
  if (PROVIDER.name === "anthropic") {
    const system = messages.filter((m) => m.role === "system").map((m) => m.content).join("\n\n");
    const data = await post(PROVIDER.base_url + "/messages", {
      model: CONFIG.model,
      max_tokens: CONFIG.max_tokens,
      temperature: CONFIG.temperature,
      system,
      messages: messages.filter((m) => m.role !== "system"),
    }, { "x-api-key": key, "anthropic-version": "2023-06-01", "content-type": "application/json" });
    return (data.content || []).map((p) => p.text || "").join("");
  }
  const data = await post(PROVIDER.base_url + "/chat/completions", {
    model: CONFIG.model,
    messages,
    temperature: CONFIG.temperature,
    max_tokens: CONFIG.max_tokens,
  }, { Authorization: "Bearer " + key, "Content-Type": "application/json" });
  return data.choices[0].message.content;
}
{{if .HasCustom}}
(async () => {
  const custom = new Function("CONFIG", "MESSAGES", "INPUT", "complete", "emit",
    "return (async () => {" + Buffer.from("{{.CustomCode}}", "base64").toString("utf8") + "})();");
  try {
    await custom(CONFIG, MESSAGES, INPUT, complete, emit);
  } catch (err) {
    emit({ success: false, error: String(err && err.message ? err.message : err) });
  }
})();
{{else}}
(async () => {
  const started = Date.now();
  let text;
  try {
    text = await complete(MESSAGES);
  } catch (err) {
    emit({ success: false, error: String(err && err.message ? err.message : err) });
    return;
  }
  let output = text;
  if (CONFIG.output_format === "json") {
    try {
      output = JSON.parse(text);
    } catch (_) {}
  }
  emit({ success: true, output, execution_time_ms: Date.now() - started });
})();
{{end}}`))
