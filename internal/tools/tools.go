// Package tools defines the tool interface and registry. Tools are actions
// the agent (or an operator through the admin API) can invoke by name with
// JSON parameters, such as sending a message or scheduling a job.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownTool is returned when no tool is registered under a name.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidParams wraps parameter validation failures.
	ErrInvalidParams = errors.New("tools: invalid parameters")
)

// Tool is the interface every tool implements.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "message").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the parameters.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before Execute runs.
	Validate(params map[string]any) error

	// Execute runs the tool.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// Definition describes a registered tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// MaxOutputBytes caps tool output.
const MaxOutputBytes = 64 << 10

type contextKey int

const targetKey contextKey = iota

// Target is the conversation a tool call originates from. Tools that deliver
// something back (message, cron) default to it.
type Target struct {
	Channel string
	ChatID  string
}

// WithTarget returns a context carrying the originating conversation.
func WithTarget(ctx context.Context, channel, chatID string) context.Context {
	return context.WithValue(ctx, targetKey, Target{Channel: channel, ChatID: chatID})
}

// TargetFromContext returns the originating conversation, or a zero Target.
func TargetFromContext(ctx context.Context) Target {
	t, _ := ctx.Value(targetKey).(Target)
	return t
}

// TruncateOutput caps s at maxBytes, appending a notice when cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds tools keyed by name. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tools: %q is already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Definitions describes every registered tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	names := r.Names()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Execute validates params and runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (*Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := t.Validate(params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	res, err := t.Execute(ctx, params)
	if err != nil {
		return nil, err
	}
	res.Output = TruncateOutput(res.Output, MaxOutputBytes)
	return res, nil
}
