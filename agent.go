package aworld

import (
	"context"
)

// Agent decides what to do next. Policy maps the current observation to one
// or more actions: tool calls, handoffs to peer agents, or a final answer.
type Agent interface {
	Name() string
	Policy(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error)
}

// PolicyFunc is a plain function policy.
type PolicyFunc func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error)

// AgentConf is the per-agent behavior configuration the runner consults.
type AgentConf struct {
	// AllowedTools restricts which registered tools this agent may call.
	// Nil means every registered tool.
	AllowedTools []string
	// Handoffs lists peer agents this agent may hand off to, in addition to
	// swarm handoff edges.
	Handoffs []string
	// WaitToolResult makes a handoff synchronous: the caller blocks on the
	// callee's final answer and receives it as a tool result.
	WaitToolResult bool
	// FeedbackToolResult feeds tool results back as the next observation
	// instead of finishing after the first tool batch.
	FeedbackToolResult bool
	// MaxSteps caps this agent's own steps inside a task. Zero defers to
	// the task-level limit.
	MaxSteps int
}

// confProvider is implemented by agents that carry an AgentConf.
type confProvider interface {
	Conf() AgentConf
}

// ConfOf extracts the agent's configuration, zero when the agent does not
// carry one.
func ConfOf(a Agent) AgentConf {
	if cp, ok := a.(confProvider); ok {
		return cp.Conf()
	}
	return AgentConf{FeedbackToolResult: true}
}

// BaseAgent wraps a PolicyFunc with a name and configuration. It is the
// building block for custom agents; LLMAgent builds on the same options.
type BaseAgent struct {
	name   string
	policy PolicyFunc
	conf   AgentConf
	final  func(c *Context, answer string)
}

// AgentOption configures a BaseAgent or LLMAgent.
type AgentOption func(*BaseAgent)

// WithAllowedTools restricts the agent to the named tools.
func WithAllowedTools(names ...string) AgentOption {
	return func(a *BaseAgent) { a.conf.AllowedTools = names }
}

// WithHandoffs allows handoffs to the named peer agents.
func WithHandoffs(names ...string) AgentOption {
	return func(a *BaseAgent) { a.conf.Handoffs = names }
}

// WithWaitToolResult makes handoffs synchronous for this agent.
func WithWaitToolResult(wait bool) AgentOption {
	return func(a *BaseAgent) { a.conf.WaitToolResult = wait }
}

// WithFeedbackToolResult controls whether tool results loop back as the next
// observation (default: true).
func WithFeedbackToolResult(feedback bool) AgentOption {
	return func(a *BaseAgent) { a.conf.FeedbackToolResult = feedback }
}

// WithAgentMaxSteps caps the agent's steps within one task.
func WithAgentMaxSteps(n int) AgentOption {
	return func(a *BaseAgent) { a.conf.MaxSteps = n }
}

// WithOnFinal installs a callback fired with the agent's final answer.
func WithOnFinal(fn func(c *Context, answer string)) AgentOption {
	return func(a *BaseAgent) { a.final = fn }
}

// NewAgent creates an agent from a policy function.
func NewAgent(name string, policy PolicyFunc, opts ...AgentOption) *BaseAgent {
	a := &BaseAgent{
		name:   name,
		policy: policy,
		conf:   AgentConf{FeedbackToolResult: true},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *BaseAgent) Name() string    { return a.name }
func (a *BaseAgent) Conf() AgentConf { return a.conf }

func (a *BaseAgent) Policy(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
	actions, err := a.policy(ctx, c, obs)
	if err != nil {
		return nil, err
	}
	if a.final != nil {
		for _, act := range actions {
			if act.Final() {
				a.final(c, act.PolicyInfo)
			}
		}
	}
	return actions, nil
}

var _ Agent = (*BaseAgent)(nil)

// --- runner bridges ---
//
// The runner exposes streaming and hook facilities to policies through the
// request context, so Agent implementations stay decoupled from the loop.

type chunkSinkKey struct{}

// ContextWithChunkSink installs a sink that receives LLM output deltas.
func ContextWithChunkSink(ctx context.Context, sink func(string)) context.Context {
	return context.WithValue(ctx, chunkSinkKey{}, sink)
}

// ChunkSinkFrom returns the installed chunk sink, nil when the task is not
// streaming.
func ChunkSinkFrom(ctx context.Context) func(string) {
	if sink, ok := ctx.Value(chunkSinkKey{}).(func(string)); ok {
		return sink
	}
	return nil
}

type hookRunnerKey struct{}

// HookRunnerFunc lets a policy fire a hook point around its own boundaries,
// pre_llm and post_llm in particular.
type HookRunnerFunc func(ctx context.Context, point HookPoint, m Message) Message

// ContextWithHookRunner installs the runner's hook dispatcher.
func ContextWithHookRunner(ctx context.Context, fn HookRunnerFunc) context.Context {
	return context.WithValue(ctx, hookRunnerKey{}, fn)
}

// HookRunnerFrom returns the installed hook dispatcher, nil outside a task.
func HookRunnerFrom(ctx context.Context) HookRunnerFunc {
	if fn, ok := ctx.Value(hookRunnerKey{}).(HookRunnerFunc); ok {
		return fn
	}
	return nil
}
