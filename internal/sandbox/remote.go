package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/runtime"
)

// HTTPProvider talks to a sandbox service over its REST API:
//
//	POST   /sandboxes                   create  {template, timeout, metadata} → {sandboxID}
//	GET    /sandboxes/{id}              connect (404 when gone)
//	POST   /sandboxes/{id}/execute      run     {code, language} → RawResult
//	PUT    /sandboxes/{id}/files?path=  write file (raw body)
//	GET    /sandboxes/{id}/files?path=  read file (raw body)
//	DELETE /sandboxes/{id}              kill
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a provider client. requestTimeout bounds every
// HTTP call, including code execution.
func NewHTTPProvider(baseURL, apiKey string, requestTimeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

type createRequest struct {
	Template string            `json:"template"`
	Timeout  int               `json:"timeout"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createResponse struct {
	SandboxID string `json:"sandboxID"`
}

type executeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

func (p *HTTPProvider) Create(ctx context.Context, template string, opts CreateOptions) (string, error) {
	body, err := json.Marshal(createRequest{
		Template: template,
		Timeout:  int(opts.Timeout.Seconds()),
		Metadata: opts.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("marshal create request: %w", err)
	}
	var out createResponse
	if err := p.do(ctx, http.MethodPost, "/sandboxes", bytes.NewReader(body), "application/json", &out); err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	if out.SandboxID == "" {
		return "", fmt.Errorf("create sandbox: provider returned no sandbox id")
	}
	return out.SandboxID, nil
}

func (p *HTTPProvider) Connect(ctx context.Context, sandboxID string) error {
	if err := p.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(sandboxID), nil, "", nil); err != nil {
		return fmt.Errorf("connect sandbox %s: %w", sandboxID, err)
	}
	return nil
}

func (p *HTTPProvider) RunCode(ctx context.Context, sandboxID, code string, lang runtime.Language) (*RawResult, error) {
	body, err := json.Marshal(executeRequest{Code: code, Language: string(lang)})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}
	var out RawResult
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/execute"
	if err := p.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json", &out); err != nil {
		return nil, fmt.Errorf("run code in %s: %w", sandboxID, err)
	}
	return &out, nil
}

func (p *HTTPProvider) WriteFile(ctx context.Context, sandboxID, path string, content []byte) error {
	u := "/sandboxes/" + url.PathEscape(sandboxID) + "/files?path=" + url.QueryEscape(path)
	if err := p.do(ctx, http.MethodPut, u, bytes.NewReader(content), "application/octet-stream", nil); err != nil {
		return fmt.Errorf("write %s in %s: %w", path, sandboxID, err)
	}
	return nil
}

func (p *HTTPProvider) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	u := p.baseURL + "/sandboxes/" + url.PathEscape(sandboxID) + "/files?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", path, sandboxID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", path, sandboxID, err)
	}
	return io.ReadAll(resp.Body)
}

func (p *HTTPProvider) Kill(ctx context.Context, sandboxID string) error {
	if err := p.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(sandboxID), nil, "", nil); err != nil {
		return fmt.Errorf("kill sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// do sends one request and decodes a JSON response into out when non-nil.
func (p *HTTPProvider) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (p *HTTPProvider) authorize(req *http.Request) {
	req.Header.Set("X-API-Key", p.apiKey)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrSandboxGone
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
