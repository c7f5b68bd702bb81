// Package tools provides the tool-execution capability the agent loop calls
// once a tool call has cleared the gate: a registry of named tools, JSON
// schema validation of their inputs and a client for remote tool hosts.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/llm"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage, ac *auth.Context) (string, error)
}

// Limits on what the registry will pass to a tool.
const (
	MaxToolNameLength = 256
	MaxToolInputSize  = 1 << 20
)

var (
	// ErrToolNotFound is returned for names with no registered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInputTooLarge is returned when the input exceeds MaxToolInputSize.
	ErrInputTooLarge = errors.New("tool input is too long")
)

// Registry manages available tools with thread-safe registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator *Validator
}

// NewRegistry creates an empty registry that validates inputs with v.
// A nil v uses a fresh Validator.
func NewRegistry(v *Validator) *Registry {
	if v == nil {
		v = NewValidator()
	}
	return &Registry{
		tools:     make(map[string]Tool),
		validator: v,
	}
}

// Register adds tools by name, replacing any existing tool of the same name.
func (r *Registry) Register(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tool := range tools {
		if tool != nil {
			r.tools[tool.Name()] = tool
		}
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Specs describes every registered tool to the model, sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, llm.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Name < specs[j].Name
	})
	return specs
}

// Execute validates input against the tool's schema and runs it.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage, ac *auth.Context) (string, error) {
	if len(name) > MaxToolNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrToolNotFound, MaxToolNameLength)
	}
	if len(input) > MaxToolInputSize {
		return "", ErrInputTooLarge
	}

	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := r.validator.Validate(tool.Schema(), input); err != nil {
		return "", err
	}
	return tool.Execute(ctx, input, ac)
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName        string
	ToolDescription string
	InputSchema     json.RawMessage
	Fn              func(ctx context.Context, input json.RawMessage, ac *auth.Context) (string, error)
}

func (f *Func) Name() string            { return f.ToolName }
func (f *Func) Description() string     { return f.ToolDescription }
func (f *Func) Schema() json.RawMessage { return f.InputSchema }

func (f *Func) Execute(ctx context.Context, input json.RawMessage, ac *auth.Context) (string, error) {
	return f.Fn(ctx, input, ac)
}
