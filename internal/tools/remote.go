package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/observability"
)

// maxResponseBytes caps any body read from a tool host.
const maxResponseBytes = 1 << 20

// HostConfig names one remote tool host.
type HostConfig struct {
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url" json:"base_url" validate:"required,url"`
	Token   string `yaml:"token" json:"token,omitempty"`
}

// Remote discovers tools on HTTP tool hosts and calls them.
//
// A host serves GET /v1/tools and POST /v1/tools/call.
type Remote struct {
	hosts      []HostConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.RWMutex
	routes map[string]HostConfig
	defs   map[string]descriptor
}

type descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type discoveryResponse struct {
	Tools []descriptor `json:"tools"`
}

type callContext struct {
	OrgID  string `json:"org_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

type callRequest struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
	Context  callContext     `json:"context"`
}

type callResponse struct {
	CallID string          `json:"call_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *Remote) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RemoteOption {
	return func(r *Remote) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRemote creates a client for hosts. Call Discover before Tools.
func NewRemote(hosts []HostConfig, opts ...RemoteOption) *Remote {
	r := &Remote{
		hosts:      normalizeHosts(hosts),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "tools"),
		routes:     make(map[string]HostConfig),
		defs:       make(map[string]descriptor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Discover refreshes the tool list from every host. An unreachable or
// misbehaving host is logged and skipped; when two hosts offer the same
// tool the later host wins.
func (r *Remote) Discover(ctx context.Context) error {
	routes := make(map[string]HostConfig)
	defs := make(map[string]descriptor)

	for _, host := range r.hosts {
		if err := ctx.Err(); err != nil {
			return err
		}
		parsed, err := r.discoverHost(ctx, host)
		if err != nil {
			r.logger.Warn("tool discovery failed", "host", host.Name, "error", err)
			continue
		}
		for _, tool := range parsed.Tools {
			name := strings.TrimSpace(tool.Name)
			if name == "" {
				continue
			}
			if prev, exists := routes[name]; exists && prev.BaseURL != host.BaseURL {
				r.logger.Warn("duplicate remote tool", "tool", name, "prev_host", prev.Name, "host", host.Name)
			}
			tool.Name = name
			routes[name] = host
			defs[name] = tool
		}
	}

	r.mu.Lock()
	r.routes = routes
	r.defs = defs
	r.mu.Unlock()
	return nil
}

func (r *Remote) discoverHost(ctx context.Context, host HostConfig) (*discoveryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host.BaseURL+"/v1/tools", nil)
	if err != nil {
		return nil, err
	}
	prepareRequest(req, host)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var parsed discoveryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}

// Tools returns the discovered tools, sorted by name, ready to register.
func (r *Remote) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.defs))
	for _, def := range r.defs {
		tools = append(tools, &remoteTool{remote: r, def: def})
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name() < tools[j].Name()
	})
	return tools
}

// Call invokes a discovered tool. The result is returned as text: a JSON
// string result is unquoted, anything else is returned as raw JSON.
func (r *Remote) Call(ctx context.Context, name string, input json.RawMessage, ac *auth.Context) (string, error) {
	r.mu.RLock()
	host, ok := r.routes[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	payload := callRequest{
		CallID:   uuid.NewString(),
		ToolName: name,
		Args:     input,
	}
	if ac != nil {
		payload.Context = callContext{OrgID: ac.OrgID, UserID: ac.UserID, Role: string(ac.Role)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal tool call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host.BaseURL+"/v1/tools/call", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build tool call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	prepareRequest(req, host)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call tool host: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp)
	}

	var parsed callResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode tool call response: %w", err)
	}
	if parsed.Status != "ok" {
		msg := "tool call failed"
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("tool %s: %s", name, msg)
	}

	var text string
	if err := json.Unmarshal(parsed.Result, &text); err == nil {
		return text, nil
	}
	return string(parsed.Result), nil
}

type remoteTool struct {
	remote *Remote
	def    descriptor
}

func (t *remoteTool) Name() string        { return t.def.Name }
func (t *remoteTool) Description() string { return t.def.Description }

func (t *remoteTool) Schema() json.RawMessage {
	return cloneRawMessage(t.def.InputSchema)
}

func (t *remoteTool) Execute(ctx context.Context, input json.RawMessage, ac *auth.Context) (string, error) {
	return t.remote.Call(ctx, t.def.Name, input, ac)
}

// prepareRequest adds the host token and the caller's trace context.
func prepareRequest(req *http.Request, host HostConfig) {
	observability.InjectHTTP(req.Context(), req.Header)
	if host.Token != "" {
		req.Header.Set("Authorization", "Bearer "+host.Token)
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("tool host status %d: %s", resp.StatusCode, message)
}

func normalizeHosts(hosts []HostConfig) []HostConfig {
	normalized := make([]HostConfig, 0, len(hosts))
	for _, host := range hosts {
		baseURL := strings.TrimSuffix(strings.TrimSpace(host.BaseURL), "/")
		if baseURL == "" {
			continue
		}
		name := strings.TrimSpace(host.Name)
		if name == "" {
			name = baseURL
		}
		normalized = append(normalized, HostConfig{Name: name, BaseURL: baseURL, Token: host.Token})
	}
	return normalized
}

func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	copied := make(json.RawMessage, len(raw))
	copy(copied, raw)
	return copied
}
