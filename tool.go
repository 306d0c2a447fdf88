package aworld

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ToolKind tags how a tool executes.
type ToolKind string

const (
	// KindInproc runs as a Go function in the current process.
	KindInproc ToolKind = "inproc"
	// KindMCP proxies a remote Model Context Protocol server.
	KindMCP ToolKind = "mcp_client"
	// KindSandbox runs inside an isolated worker (subprocess, namespace).
	KindSandbox ToolKind = "sandbox"
)

// ParamType enumerates the allowed action parameter types.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamObject ParamType = "object"
	ParamArray  ParamType = "array"
)

// ParamDecl describes one named action parameter.
type ParamDecl struct {
	Type     ParamType `json:"type"`
	Desc     string    `json:"desc"`
	Required bool      `json:"required"`
}

// ActionDecl describes one action a tool exposes.
type ActionDecl struct {
	Name         string               `json:"name"`
	Desc         string               `json:"desc"`
	Params       map[string]ParamDecl `json:"params"`
	Idempotent   bool                 `json:"idempotent"`
	ParallelSafe bool                 `json:"parallel_safe"`
}

// ToolDecl is a tool's self-description.
type ToolDecl struct {
	Name    string       `json:"name"`
	Desc    string       `json:"desc"`
	Kind    ToolKind     `json:"-"`
	Actions []ActionDecl `json:"actions"`
	// SandboxID pins mcp_client and sandbox tools to one worker. Empty
	// defaults to the tool name.
	SandboxID string `json:"-"`
}

// Action returns the named action declaration.
func (d ToolDecl) Action(name string) (ActionDecl, bool) {
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionDecl{}, false
}

func (d ToolDecl) sandboxID() string {
	if d.SandboxID != "" {
		return d.SandboxID
	}
	return d.Name
}

// Tool is a named capability exposing actions. Implementations are one of
// the three kinds; the invoker treats them uniformly.
type Tool interface {
	Decl() ToolDecl
	Exec(ctx context.Context, action string, params map[string]any) (ActionResult, error)
}

// --- Registry ---

// Registry holds all registered tools. It is append-only and frozen at
// first task submission.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
	frozen atomic.Bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool under its declared name. Duplicate names and
// registration after Freeze are rejected.
func (r *Registry) Register(t Tool) error {
	if r.frozen.Load() {
		return NewError(ErrInvalidConfig, "tool registry frozen: cannot register %q", t.Decl().Name)
	}
	name := t.Decl().Name
	if name == "" {
		return NewError(ErrInvalidConfig, "tool with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return NewError(ErrInvalidConfig, "duplicate tool name %q", name)
	}
	r.byName[name] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze prohibits further registration.
func (r *Registry) Freeze() { r.frozen.Store(true) }

// --- FuncTool: in-process tools from plain functions ---

// ActionFunc executes one in-process action.
type ActionFunc func(ctx context.Context, params map[string]any) (ActionResult, error)

// FuncTool builds an inproc Tool from named Go functions.
type FuncTool struct {
	decl ToolDecl
	fns  map[string]ActionFunc
}

// NewFuncTool creates an empty in-process tool.
func NewFuncTool(name, desc string) *FuncTool {
	return &FuncTool{
		decl: ToolDecl{Name: name, Desc: desc, Kind: KindInproc},
		fns:  make(map[string]ActionFunc),
	}
}

// Action registers one action with its implementation. Returns the tool for
// chaining.
func (t *FuncTool) Action(decl ActionDecl, fn ActionFunc) *FuncTool {
	t.decl.Actions = append(t.decl.Actions, decl)
	t.fns[decl.Name] = fn
	return t
}

func (t *FuncTool) Decl() ToolDecl { return t.decl }

func (t *FuncTool) Exec(ctx context.Context, action string, params map[string]any) (ActionResult, error) {
	fn, ok := t.fns[action]
	if !ok {
		return ActionResult{}, NewError(ErrToolFailed, "tool %q has no action %q", t.decl.Name, action)
	}
	return fn(ctx, params)
}

// --- Parameter validation ---

// ValidateParams checks params against the declaration. It is pure:
// identical (decl, params) always yield the identical verdict. A nil return
// means valid.
func ValidateParams(decl ActionDecl, params map[string]any) *Error {
	for name, p := range decl.Params {
		v, present := params[name]
		if !present {
			if p.Required {
				return NewError(ErrSchema, "action %q: missing required param %q", decl.Name, name)
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return NewError(ErrSchema, "action %q: param %q: expected %s, got %T", decl.Name, name, p.Type, v)
		}
	}
	for name := range params {
		if _, declared := decl.Params[name]; !declared {
			return NewError(ErrSchema, "action %q: unknown param %q", decl.Name, name)
		}
	}
	return nil
}

// typeMatches accepts the Go representations JSON decoding produces.
// Numbers arrive as float64; ParamInt additionally requires an integral
// value.
func typeMatches(t ParamType, v any) bool {
	switch t {
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamInt:
		switch n := v.(type) {
		case int:
			return true
		case int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case ParamFloat:
		switch v.(type) {
		case int, int64, float64, json.Number:
			return true
		}
		return false
	case ParamObject:
		_, ok := v.(map[string]any)
		return ok
	case ParamArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

// --- LLM tool definitions ---

// toolCallSep joins tool and action into one LLM-visible function name.
const toolCallSep = "__"

// JoinActionName renders "tool__action" for LLM tool definitions.
func JoinActionName(tool, action string) string {
	return tool + toolCallSep + action
}

// SplitActionName parses a flattened LLM function name back into tool and
// action. A name without the separator maps to the tool's sole action when
// resolved by the invoker.
func SplitActionName(name string) (tool, action string) {
	if i := strings.Index(name, toolCallSep); i >= 0 {
		return name[:i], name[i+len(toolCallSep):]
	}
	return name, ""
}

// ToolDefinitions builds LLM tool definitions for the named tools (all
// registered tools when names is empty).
func ToolDefinitions(reg *Registry, names []string) []ToolDefinition {
	if len(names) == 0 {
		names = reg.Names()
	}
	var defs []ToolDefinition
	for _, name := range names {
		t, ok := reg.Get(name)
		if !ok {
			continue
		}
		decl := t.Decl()
		for _, a := range decl.Actions {
			defs = append(defs, ToolDefinition{
				Name:        JoinActionName(decl.Name, a.Name),
				Description: a.Desc,
				Parameters:  paramSchema(a.Params),
			})
		}
	}
	return defs
}

// paramSchema renders an action's params as a JSON Schema object.
func paramSchema(params map[string]ParamDecl) json.RawMessage {
	props := make(map[string]any, len(params))
	var required []string
	for name, p := range params {
		props[name] = map[string]any{
			"type":        jsonType(p.Type),
			"description": p.Desc,
		}
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, _ := json.Marshal(schema)
	return data
}

func jsonType(t ParamType) string {
	switch t {
	case ParamInt:
		return "integer"
	case ParamFloat:
		return "number"
	case ParamBool:
		return "boolean"
	case ParamObject:
		return "object"
	case ParamArray:
		return "array"
	default:
		return "string"
	}
}
