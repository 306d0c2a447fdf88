package aworld

import (
	"context"
	"encoding/json"
	"log/slog"
)

// handoffTool is the pseudo-tool namespace under which peer agents appear in
// LLM tool definitions: handoff__<agent>.
const handoffTool = "handoff"

const (
	historyKey = "chat_history"
	// pendingKey holds the tool call ids awaiting results, matched
	// positionally against the next observation's action results.
	pendingKey = "pending_calls"
)

// LLMAgent is a provider-backed agent: each step sends the conversation to
// the LLM and converts its tool calls into actions. Tool results feed back
// into the conversation on the next step.
type LLMAgent struct {
	BaseAgent
	provider    Provider
	reg         *Registry
	prompt      string
	temperature *float64
	log         *slog.Logger
}

// LLMAgentOption configures an LLMAgent beyond the shared AgentOptions.
type LLMAgentOption func(*LLMAgent)

// WithSystemPrompt sets the system message prepended to every conversation.
func WithSystemPrompt(prompt string) LLMAgentOption {
	return func(a *LLMAgent) { a.prompt = prompt }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) LLMAgentOption {
	return func(a *LLMAgent) { a.temperature = &t }
}

// WithLLMAgentLogger sets the agent logger.
func WithLLMAgentLogger(l *slog.Logger) LLMAgentOption {
	return func(a *LLMAgent) {
		if l != nil {
			a.log = l
		}
	}
}

// WithAgentOptions applies shared agent options (allowed tools, handoffs,
// step caps) to an LLMAgent.
func WithAgentOptions(opts ...AgentOption) LLMAgentOption {
	return func(a *LLMAgent) {
		for _, opt := range opts {
			opt(&a.BaseAgent)
		}
	}
}

// NewLLMAgent creates a provider-backed agent resolving tool definitions
// from reg.
func NewLLMAgent(name string, provider Provider, reg *Registry, opts ...LLMAgentOption) *LLMAgent {
	a := &LLMAgent{
		BaseAgent: BaseAgent{
			name: name,
			conf: AgentConf{FeedbackToolResult: true},
		},
		provider: provider,
		reg:      reg,
		log:      nopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *LLMAgent) Name() string { return a.name }

// Policy advances the conversation by one LLM call.
func (a *LLMAgent) Policy(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
	history := a.loadHistory(c)
	history = a.absorb(c, history, obs)

	req := ChatRequest{
		Messages:    history,
		Tools:       a.toolDefinitions(),
		Temperature: a.temperature,
	}

	runHooks := HookRunnerFrom(ctx)
	if runHooks != nil {
		m := NewMessage(c.TaskID, c.SessionID, CategoryControl, TopicStep, a.name)
		runHooks(ctx, HookPreLLM, m)
	}

	var (
		resp ChatResponse
		err  error
	)
	if sink := ChunkSinkFrom(ctx); sink != nil {
		resp, err = a.chatStream(ctx, req, sink)
	} else {
		resp, err = a.provider.Chat(ctx, req)
	}
	if err != nil {
		return nil, WrapError(ErrToolFailed, err, "provider %s", a.provider.Name())
	}
	c.AddToken(a.name, resp.Usage)

	if runHooks != nil {
		m := NewMessage(c.TaskID, c.SessionID, CategoryControl, TopicStep, a.name)
		runHooks(ctx, HookPostLLM, m)
	}

	if len(resp.ToolCalls) == 0 {
		history = append(history, AssistantChatMessage(resp.Content))
		a.storeHistory(c, history, nil)
		if a.final != nil {
			a.final(c, resp.Content)
		}
		return []ActionModel{{PolicyInfo: resp.Content}}, nil
	}

	assistant := AssistantChatMessage(resp.Content)
	assistant.ToolCalls = resp.ToolCalls
	history = append(history, assistant)

	actions := make([]ActionModel, 0, len(resp.ToolCalls))
	pending := make([]string, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		action, perr := a.parseToolCall(tc)
		if perr != nil {
			a.log.Warn("rejecting malformed tool call",
				"agent", a.name, "call_id", tc.ID, "name", tc.Name, "error", perr)
			return nil, perr
		}
		actions = append(actions, action)
		pending = append(pending, tc.ID)
	}
	a.storeHistory(c, history, pending)
	return actions, nil
}

// chatStream forwards provider deltas into the sink.
func (a *LLMAgent) chatStream(ctx context.Context, req ChatRequest, sink func(string)) (ChatResponse, error) {
	chunks := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range chunks {
			sink(c)
		}
	}()
	resp, err := a.provider.ChatStream(ctx, req, chunks)
	close(chunks)
	<-done
	return resp, err
}

// absorb folds the observation into the conversation. The first observation
// opens the conversation; later ones carry tool results matched to pending
// call ids in submission order.
func (a *LLMAgent) absorb(c *Context, history []ChatMessage, obs Observation) []ChatMessage {
	if len(history) == 0 {
		if a.prompt != "" {
			history = append(history, SystemChatMessage(a.prompt))
		}
		return append(history, UserChatMessage(obs.Content))
	}
	if len(obs.ActionResults) == 0 {
		return append(history, UserChatMessage(obs.Content))
	}
	var ids []string
	if v, ok := c.AgentValue(a.name, pendingKey); ok {
		ids, _ = v.([]string)
	}
	for i, r := range obs.ActionResults {
		content := r.Content
		if r.Failed() {
			content = "error (" + string(r.Kind) + "): " + r.Error
		}
		id := ""
		if i < len(ids) {
			id = ids[i]
		}
		history = append(history, ToolResultChatMessage(id, content))
	}
	return history
}

// parseToolCall converts one LLM tool call into an action. Anything that is
// not {id, name, json-object-args} is rejected.
func (a *LLMAgent) parseToolCall(tc ToolCall) (ActionModel, error) {
	params := map[string]any{}
	if len(tc.Args) > 0 {
		if err := json.Unmarshal(tc.Args, &params); err != nil {
			return ActionModel{}, WrapError(ErrSchema, err, "tool call %q args", tc.Name)
		}
	}
	tool, action := SplitActionName(tc.Name)
	if tool == handoffTool && action != "" {
		return ActionModel{AgentName: action, Params: params, ToolCallID: tc.ID}, nil
	}
	return ActionModel{ToolName: tool, ActionName: action, Params: params, ToolCallID: tc.ID}, nil
}

// toolDefinitions builds the LLM-visible functions: the agent's allowed
// tools plus one handoff__<peer> entry per configured handoff target.
func (a *LLMAgent) toolDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	if a.reg != nil {
		defs = ToolDefinitions(a.reg, a.conf.AllowedTools)
	}
	for _, peer := range a.conf.Handoffs {
		defs = append(defs, ToolDefinition{
			Name:        JoinActionName(handoffTool, peer),
			Description: "Hand the task off to agent " + peer + ".",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string","description":"Why the handoff is needed."}}}`),
		})
	}
	return defs
}

func (a *LLMAgent) loadHistory(c *Context) []ChatMessage {
	if v, ok := c.AgentValue(a.name, historyKey); ok {
		if h, ok := v.([]ChatMessage); ok {
			return h
		}
	}
	return nil
}

func (a *LLMAgent) storeHistory(c *Context, history []ChatMessage, pending []string) {
	c.SetAgentValue(a.name, historyKey, history)
	c.SetAgentValue(a.name, pendingKey, pending)
}

var _ Agent = (*LLMAgent)(nil)
var _ confProvider = (*LLMAgent)(nil)
