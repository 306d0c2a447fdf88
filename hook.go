package aworld

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// HookPoint names a well-known point in the task lifecycle.
type HookPoint string

const (
	HookTaskStart     HookPoint = "task_start"
	HookPreAgentStep  HookPoint = "pre_agent_step"
	HookPreLLM        HookPoint = "pre_llm"
	HookPostLLM       HookPoint = "post_llm"
	HookPreTool       HookPoint = "pre_tool"
	HookPostTool      HookPoint = "post_tool"
	HookPostAgentStep HookPoint = "post_agent_step"
	HookTaskEnd       HookPoint = "task_end"
	// HookOnMessage is the catch-all: registered hooks run after the
	// point-specific hooks at every point.
	HookOnMessage HookPoint = "on_message"
)

// Hook is a callback attached to a hook point. Exec may return a replacement
// message; returning nil keeps the current one. Hook errors are logged and
// swallowed, preserving the message.
type Hook interface {
	Name() string
	Order() int
	Exec(ctx context.Context, m Message, c *Context) (*Message, error)
}

// HookFunc adapts a plain function into a Hook.
type HookFunc struct {
	HookName  string
	HookOrder int
	Fn        func(ctx context.Context, m Message, c *Context) (*Message, error)
}

func (h HookFunc) Name() string  { return h.HookName }
func (h HookFunc) Order() int    { return h.HookOrder }
func (h HookFunc) Exec(ctx context.Context, m Message, c *Context) (*Message, error) {
	return h.Fn(ctx, m, c)
}

// HookRegistry holds hooks per point. It is append-only and frozen at first
// task submission; reads after freeze take no lock.
type HookRegistry struct {
	mu     sync.Mutex
	hooks  map[HookPoint][]Hook
	frozen atomic.Bool
	logger *slog.Logger
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[HookPoint][]Hook), logger: nopLogger}
}

// SetLogger sets the logger for swallowed hook failures.
func (r *HookRegistry) SetLogger(l *slog.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Register attaches h to the given point. Same-point hooks run in ascending
// Order. Registration after Freeze is rejected.
func (r *HookRegistry) Register(point HookPoint, h Hook) error {
	if r.frozen.Load() {
		return NewError(ErrInvalidConfig, "hook registry frozen: cannot register %q", h.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.hooks[point], h)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Order() < list[j].Order() })
	r.hooks[point] = list
	return nil
}

// Freeze prohibits further registration. Called by the scheduler on first
// task submission.
func (r *HookRegistry) Freeze() { r.frozen.Store(true) }

// Run executes the point's hooks, then the on_message catch-all, threading
// message replacements through. A hook that errors or panics is logged and
// skipped; the message it received is passed on unchanged.
func (r *HookRegistry) Run(ctx context.Context, point HookPoint, m Message, c *Context) Message {
	m = r.runPoint(ctx, point, m, c)
	if point != HookOnMessage {
		m = r.runPoint(ctx, HookOnMessage, m, c)
	}
	return m
}

func (r *HookRegistry) runPoint(ctx context.Context, point HookPoint, m Message, c *Context) Message {
	r.mu.Lock()
	list := r.hooks[point]
	r.mu.Unlock()
	for _, h := range list {
		next, err := r.exec(ctx, h, m, c)
		if err != nil {
			r.logger.Warn("hook failed",
				"point", string(point), "hook", h.Name(), "task_id", m.TaskID, "error", err)
			continue
		}
		if next != nil {
			m = *next
		}
	}
	return m
}

func (r *HookRegistry) exec(ctx context.Context, h Hook, m Message, c *Context) (out *Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, NewError(ErrInternal, "hook panic: %v", p)
		}
	}()
	return h.Exec(ctx, m, c)
}
