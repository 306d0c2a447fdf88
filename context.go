package aworld

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Context is the per-task shared state: identity, the parent/child task
// tree, token accounting, per-agent scratch space, the outputs sink, and the
// cooperative cancellation flag. It is shared by reference within one task
// and deep-copied only on request (independent subtasks).
type Context struct {
	SessionID string
	TaskID    string

	mu        sync.Mutex
	taskTree  map[string]string // task id -> parent task id
	usage     map[string]Usage  // agent id -> aggregate usage
	agentInfo map[string]map[string]any
	cancels   []context.CancelFunc

	outputs   *Outputs
	cancelled atomic.Bool
	deadline  time.Time
	grace     time.Duration
}

const defaultGrace = time.Second

// NewContext creates the context for one task.
func NewContext(sessionID, taskID string) *Context {
	return &Context{
		SessionID: sessionID,
		TaskID:    taskID,
		taskTree:  map[string]string{taskID: ""},
		usage:     make(map[string]Usage),
		agentInfo: make(map[string]map[string]any),
		outputs:   NewOutputs(),
		grace:     defaultGrace,
	}
}

// Outputs returns the task's output sink.
func (c *Context) Outputs() *Outputs { return c.outputs }

// AddSubtask records child as spawned by parent in the task tree.
func (c *Context) AddSubtask(childID, parentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskTree[childID] = parentID
}

// Parent returns the parent task id of taskID, or "" for the root.
func (c *Context) Parent(taskID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskTree[taskID]
}

// AddToken merges usage into the agent's running total.
func (c *Context) AddToken(agentID string, u Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.usage[agentID]
	cur.InputTokens += u.InputTokens
	cur.OutputTokens += u.OutputTokens
	cur.TotalTokens = cur.InputTokens + cur.OutputTokens
	c.usage[agentID] = cur
}

// UsageSnapshot returns a copy of per-agent token usage.
func (c *Context) UsageSnapshot() map[string]Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Usage, len(c.usage))
	for k, v := range c.usage {
		out[k] = v
	}
	return out
}

// SetAgentValue stores a scratch value for the agent.
func (c *Context) SetAgentValue(agentID, key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.agentInfo[agentID]
	if !ok {
		info = make(map[string]any)
		c.agentInfo[agentID] = info
	}
	info[key] = v
}

// AgentValue reads a scratch value for the agent.
func (c *Context) AgentValue(agentID, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.agentInfo[agentID]
	if !ok {
		return nil, false
	}
	v, ok := info[key]
	return v, ok
}

// BindCancel registers a cancel function for an in-flight operation so
// Cancel can ask it to abort.
func (c *Context) BindCancel(fn context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, fn)
}

// Cancel sets the cancellation flag and asks every bound in-flight operation
// to abort. The loop checks the flag at every hook point and before every
// external call; operations that do not respond within the grace window are
// abandoned.
func (c *Context) Cancel() {
	c.cancelled.Store(true)
	c.mu.Lock()
	fns := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Cancelled reports whether the task has been cancelled.
func (c *Context) Cancelled() bool { return c.cancelled.Load() }

// SetDeadline records the task deadline used for timeout classification.
func (c *Context) SetDeadline(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
}

// Deadline returns the task deadline, zero when none is set.
func (c *Context) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// SetGrace sets the window in-flight operations get to acknowledge a cancel
// before being abandoned.
func (c *Context) SetGrace(d time.Duration) {
	if d > 0 {
		c.mu.Lock()
		c.grace = d
		c.mu.Unlock()
	}
}

// Grace returns the cancellation grace window.
func (c *Context) Grace() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grace
}

// DeepCopy forks the task tree and agent scratch space for an independent
// subtask. The outputs sink is fresh; the cancellation flag starts clear.
func (c *Context) DeepCopy() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := &Context{
		SessionID: c.SessionID,
		TaskID:    c.TaskID,
		taskTree:  make(map[string]string, len(c.taskTree)),
		usage:     make(map[string]Usage, len(c.usage)),
		agentInfo: make(map[string]map[string]any, len(c.agentInfo)),
		outputs:   NewOutputs(),
		deadline:  c.deadline,
		grace:     c.grace,
	}
	for k, v := range c.taskTree {
		cp.taskTree[k] = v
	}
	for k, v := range c.usage {
		cp.usage[k] = v
	}
	for agent, info := range c.agentInfo {
		dst := make(map[string]any, len(info))
		for k, v := range info {
			dst[k] = v
		}
		cp.agentInfo[agent] = dst
	}
	return cp
}
