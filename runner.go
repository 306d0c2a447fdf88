package aworld

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// AgentLoopRunner drives one task through its swarm: observe, decide,
// execute, feed back, until an agent produces a final answer or a bound
// trips. Exactly one TASK_RESPONSE message terminates each run.
type AgentLoopRunner struct {
	bus     *EventBus
	hooks   *HookRegistry
	invoker *Invoker
	log     *slog.Logger
}

// RunnerOption configures an AgentLoopRunner.
type RunnerOption func(*AgentLoopRunner)

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *AgentLoopRunner) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRunner creates a runner over the bus, hook registry, and invoker.
func NewRunner(bus *EventBus, hooks *HookRegistry, invoker *Invoker, opts ...RunnerOption) *AgentLoopRunner {
	r := &AgentLoopRunner{bus: bus, hooks: hooks, invoker: invoker, log: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// runState is the mutable state of one loop, shared with nested loops only
// through explicit fields.
type runState struct {
	task  *Task
	c     *Context
	swarm *Swarm

	agent    string
	obs      Observation
	step     int
	agentFor map[string]int // per-agent step count
	repeats  map[string]int // handoff (from|to|obs) occurrence count
	depth    int

	prevID     string
	trajectory []TrajectoryStep
}

// Run executes the task to completion and returns its terminator. The
// TaskResponse is also published on the bus as the task's final message.
func (r *AgentLoopRunner) Run(ctx context.Context, task *Task, c *Context) TaskResponse {
	start := time.Now()
	st := &runState{
		task:     task,
		c:        c,
		swarm:    task.Swarm,
		agent:    "",
		agentFor: make(map[string]int),
		repeats:  make(map[string]int),
	}

	resp := TaskResponse{ID: task.ID}
	if task.Swarm == nil {
		resp.Msg = string(ErrInvalidConfig)
		r.log.Error("task has no agent", "task_id", task.ID)
		r.finish(ctx, st, &resp, start)
		return resp
	}
	st.agent = task.Swarm.Entry()
	st.obs = Observation{Observer: "task", Content: task.Input}

	if task.Conf.StreamingMode == StreamingCore {
		ctx = ContextWithChunkSink(ctx, func(delta string) {
			m := NewMessage(task.ID, task.SessionID, CategoryChunk, TopicChunk, st.agent).
				WithPre(st.prevID).WithPayload(delta)
			r.publish(st, m)
		})
	}
	ctx = ContextWithHookRunner(ctx, func(ctx context.Context, point HookPoint, m Message) Message {
		return r.hooks.Run(ctx, point, m.WithPre(st.prevID), c)
	})

	startMsg := NewMessage(task.ID, task.SessionID, CategoryControl, TopicTaskStart, "scheduler").
		WithPayload(map[string]any{"input": task.Input, "agent": st.agent})
	startMsg = r.hooks.Run(ctx, HookTaskStart, startMsg, c)
	r.publish(st, startMsg)

	var answer string
	var err error
	if roots := task.Swarm.Roots(); len(roots) > 1 {
		answer, err = r.runRoots(ctx, st, roots)
	} else {
		answer, err = r.loop(ctx, st)
	}
	resp.Trajectory = st.trajectory
	resp.Usage = c.UsageSnapshot()
	if err != nil {
		resp.Msg = string(errKindOrInternal(err))
		r.log.Warn("task failed", "task_id", task.ID, "kind", resp.Msg, "error", err)
		em := NewMessage(task.ID, task.SessionID, CategoryControl, TopicError, st.agent).
			WithPre(st.prevID).WithPayload(err.Error())
		r.publish(st, em)
	} else {
		resp.Success = true
		resp.Answer = answer
	}
	r.finish(ctx, st, &resp, start)
	return resp
}

// finish publishes the terminator, runs task_end hooks, and closes the
// outputs sink.
func (r *AgentLoopRunner) finish(ctx context.Context, st *runState, resp *TaskResponse, start time.Time) {
	resp.TimeCostMS = time.Since(start).Milliseconds()
	term := NewMessage(st.task.ID, st.task.SessionID, CategoryControl, TopicTaskResponse, "runner").
		WithPre(st.prevID).WithPayload(*resp)
	term = r.hooks.Run(ctx, HookTaskEnd, term, st.c)
	r.publish(st, term)
	if st.c != nil {
		st.c.Outputs().Done()
	}
}

// publish puts m on the bus and mirrors it into the task outputs, advancing
// the causal chain.
func (r *AgentLoopRunner) publish(st *runState, m Message) {
	r.bus.Publish(m)
	if st.c != nil {
		st.c.Outputs().Add(m)
	}
	st.prevID = m.ID
}

// loop is the agent state machine. It returns the final answer or the first
// fatal error. Nested handoff-as-tool calls recurse with depth+1 and do not
// publish a terminator.
func (r *AgentLoopRunner) loop(ctx context.Context, st *runState) (string, error) {
	conf := st.task.Conf
	for {
		if err := r.interrupted(st); err != nil {
			return "", err
		}
		st.step++
		if st.step > conf.MaxSteps {
			return "", NewError(ErrStepLimit, "task exceeded %d steps", conf.MaxSteps)
		}
		agent, ok := st.swarm.Agent(st.agent)
		if !ok {
			return "", NewError(ErrInvalidTopology, "unknown agent %q", st.agent)
		}
		aconf := ConfOf(agent)
		st.agentFor[st.agent]++
		if aconf.MaxSteps > 0 && st.agentFor[st.agent] > aconf.MaxSteps {
			return "", NewError(ErrStepLimit, "agent %q exceeded %d steps", st.agent, aconf.MaxSteps)
		}

		stepStart := NowUnixMilli()
		sm := NewMessage(st.task.ID, st.task.SessionID, CategoryAgent, TopicStep, st.agent).
			WithPre(st.prevID).WithPayload(map[string]any{"step": st.step})
		sm = r.hooks.Run(ctx, HookPreAgentStep, sm, st.c)
		r.publish(st, sm)

		actions, err := r.policy(ctx, agent, st)
		if err != nil {
			if KindOf(err).Fatal() {
				return "", err
			}
			// Recoverable policy failure: surface it as the next
			// observation.
			st.obs = Observation{
				Observer: st.agent,
				Content:  "error: " + sanitizeUTF8(err.Error()),
			}
			r.recordStep(st, nil, nil, stepStart)
			continue
		}

		finals, handoff, toolActions := splitActions(actions)

		var results []ActionResult
		if len(toolActions) > 0 {
			var terr error
			results, terr = r.runTools(ctx, st, aconf, toolActions)
			if terr != nil {
				return "", terr
			}
		}
		r.recordStep(st, actions, results, stepStart)

		pm := NewMessage(st.task.ID, st.task.SessionID, CategoryAgent, TopicStep, st.agent).
			WithPre(st.prevID).WithPayload(map[string]any{"step": st.step, "done": true})
		pm = r.hooks.Run(ctx, HookPostAgentStep, pm, st.c)
		r.publish(st, pm)

		// A done result ends the task once the whole batch has run.
		for _, res := range results {
			if res.IsDone {
				return res.Content, nil
			}
		}

		if handoff != nil {
			advanced, answer, err := r.runHandoff(ctx, st, aconf, *handoff)
			if err != nil {
				return "", err
			}
			if !advanced {
				// Synchronous handoff: the callee's answer came back as
				// a tool result; stay on the current agent.
				st.obs = answer
			}
			continue
		}
		st.repeats = make(map[string]int)

		if len(finals) > 0 {
			answer := finals[0].PolicyInfo
			if next := st.swarm.WorkflowNext(st.agent); next != "" {
				hm := NewMessage(st.task.ID, st.task.SessionID, CategoryAgent, TopicHandoff, st.agent).
					WithPre(st.prevID).WithReceiver(next, CallAgentDirect).WithPayload(answer)
				r.publish(st, hm)
				st.agent = next
				st.obs = Observation{Observer: st.agent, Content: answer}
				continue
			}
			return answer, nil
		}

		if len(toolActions) == 0 {
			// No action at all counts as an empty final answer.
			return "", nil
		}
		if !aconf.FeedbackToolResult {
			return lastContent(results), nil
		}
		st.obs = Observation{Observer: st.agent, ActionResults: results}
	}
}

// runRoots runs every root agent in parallel on the task input. When the
// swarm declares a merge agent, the collected answers feed it as one
// observation; otherwise the answers join in root order.
func (r *AgentLoopRunner) runRoots(ctx context.Context, st *runState, roots []string) (string, error) {
	subs := make([]*runState, len(roots))
	answers := make([]string, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	for i, root := range roots {
		sub := &runState{
			task:     st.task,
			c:        st.c,
			swarm:    st.swarm,
			agent:    root,
			obs:      Observation{Observer: "task", Content: st.task.Input},
			agentFor: make(map[string]int),
			repeats:  make(map[string]int),
			prevID:   st.prevID,
		}
		subs[i] = sub
		g.Go(func() error {
			answer, err := r.loop(gctx, sub)
			if err != nil {
				return err
			}
			answers[i] = answer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	results := make([]ActionResult, len(roots))
	for i, sub := range subs {
		st.trajectory = append(st.trajectory, sub.trajectory...)
		results[i] = ActionResult{
			Content: answers[i],
			Meta:    ResultMeta{ToolName: handoffTool, ActionName: roots[i]},
		}
	}
	st.prevID = subs[len(subs)-1].prevID

	if merge := st.swarm.MergeAgent(); merge != "" {
		st.agent = merge
		st.obs = Observation{Observer: "task", ActionResults: results}
		return r.loop(ctx, st)
	}
	return strings.Join(answers, "\n"), nil
}

// interrupted classifies a cooperative stop: past the deadline it is a
// timeout, otherwise a cancellation.
func (r *AgentLoopRunner) interrupted(st *runState) error {
	if st.c == nil || !st.c.Cancelled() {
		return nil
	}
	if dl := st.c.Deadline(); !dl.IsZero() && time.Now().After(dl) {
		return NewError(ErrTimeout, "task deadline exceeded")
	}
	return NewError(ErrCancelled, "task cancelled")
}

// policy invokes the agent with panic isolation.
func (r *AgentLoopRunner) policy(ctx context.Context, agent Agent, st *runState) (actions []ActionModel, err error) {
	defer func() {
		if p := recover(); p != nil {
			actions, err = nil, NewError(ErrInternal, "agent %q policy panic: %v", st.agent, p)
		}
	}()
	return agent.Policy(ctx, st.c, st.obs)
}

// runTools publishes tool_call messages, executes the batch, and publishes
// tool_result messages. Tools outside the agent's allowance fail without
// executing.
func (r *AgentLoopRunner) runTools(ctx context.Context, st *runState, aconf AgentConf, actions []ActionModel) ([]ActionResult, error) {
	for i := range actions {
		tm := NewMessage(st.task.ID, st.task.SessionID, CategoryTool, TopicToolCall, st.agent).
			WithPre(st.prevID).
			WithReceiver(actions[i].ToolName, CallToolResult).
			WithPayload(actions[i])
		tm = r.hooks.Run(ctx, HookPreTool, tm, st.c)
		r.publish(st, tm)
	}

	allowed := allowedSet(st.task.ToolNames, aconf.AllowedTools)
	exec := make([]ActionModel, 0, len(actions))
	blocked := make(map[int]ActionResult)
	for i, a := range actions {
		if allowed != nil && !allowed[a.ToolName] {
			blocked[i] = errorResult(ErrToolFailed,
				NewError(ErrToolFailed, "tool %q not allowed for agent %q", a.ToolName, st.agent),
				ResultMeta{ToolName: a.ToolName, ActionName: a.ActionName})
			continue
		}
		exec = append(exec, a)
	}

	executed := r.invoker.Invoke(ctx, st.c, exec)
	results := make([]ActionResult, len(actions))
	j := 0
	for i := range actions {
		if res, ok := blocked[i]; ok {
			results[i] = res
			continue
		}
		results[i] = executed[j]
		j++
	}

	for i, res := range results {
		rm := NewMessage(st.task.ID, st.task.SessionID, CategoryTool, TopicToolResult, actions[i].ToolName).
			WithPre(st.prevID).
			WithReceiver(st.agent, CallToolResult).
			WithPayload(res)
		rm = r.hooks.Run(ctx, HookPostTool, rm, st.c)
		r.publish(st, rm)
		if res.Failed() && res.Kind.Fatal() {
			// A cancelled tool past the task deadline is a timeout, not a
			// cancellation.
			if res.Kind == ErrCancelled {
				if ierr := r.interrupted(st); ierr != nil {
					return results, ierr
				}
			}
			return results, NewError(res.Kind, "%s", res.Error)
		}
	}
	return results, r.interrupted(st)
}

// runHandoff performs one handoff action. It returns advanced=true when
// control transferred to the target, or advanced=false with the callee's
// answer as an observation for synchronous (wait_tool_result / team) calls.
func (r *AgentLoopRunner) runHandoff(ctx context.Context, st *runState, aconf AgentConf, a ActionModel) (advanced bool, obs Observation, err error) {
	target := a.AgentName
	if _, ok := st.swarm.Agent(target); !ok {
		return false, Observation{}, NewError(ErrInvalidTopology, "handoff to unknown agent %q", target)
	}
	teammate := contains(st.swarm.Teammates(st.agent), target)
	if !teammate && !st.swarm.CanHandoff(st.agent, target) {
		return false, Observation{}, NewError(ErrInvalidTopology,
			"agent %q may not hand off to %q", st.agent, target)
	}

	key := st.agent + "|" + target + "|" + st.obs.Hash()
	st.repeats[key]++
	if st.repeats[key] >= st.task.Conf.EndlessThreshold {
		return false, Observation{}, NewError(ErrEndlessLoop,
			"handoff %s->%s repeated %d times", st.agent, target, st.repeats[key])
	}

	content := a.PolicyInfo
	if content == "" {
		content = st.obs.Content
	}
	callType := CallHandoff
	if teammate || aconf.WaitToolResult {
		callType = CallAgentAsTool
	}
	hm := NewMessage(st.task.ID, st.task.SessionID, CategoryAgent, TopicHandoff, st.agent).
		WithPre(st.prevID).WithReceiver(target, callType).WithPayload(content)
	r.publish(st, hm)

	if callType == CallAgentAsTool {
		if st.depth+1 > st.task.Conf.MaxDepth {
			return false, Observation{}, NewError(ErrStepLimit,
				"nested agent depth exceeded %d", st.task.Conf.MaxDepth)
		}
		sub := &runState{
			task:     st.task,
			c:        st.c,
			swarm:    st.swarm,
			agent:    target,
			obs:      Observation{Observer: st.agent, Content: content},
			agentFor: st.agentFor,
			repeats:  make(map[string]int),
			depth:    st.depth + 1,
			prevID:   st.prevID,
			step:     st.step,
		}
		answer, serr := r.loop(ctx, sub)
		st.prevID = sub.prevID
		st.step = sub.step
		st.trajectory = append(st.trajectory, sub.trajectory...)
		if serr != nil {
			return false, Observation{}, serr
		}
		res := ActionResult{
			Content: answer,
			Meta:    ResultMeta{ToolName: handoffTool, ActionName: target},
		}
		return false, Observation{Observer: target, ActionResults: []ActionResult{res}}, nil
	}

	st.agent = target
	st.obs = Observation{Observer: st.agent, Content: content}
	return true, Observation{}, nil
}

func (r *AgentLoopRunner) recordStep(st *runState, actions []ActionModel, results []ActionResult, startMS int64) {
	st.trajectory = append(st.trajectory, TrajectoryStep{
		Step:        st.step,
		Agent:       st.agent,
		Observation: st.obs,
		Actions:     actions,
		Results:     results,
		StartMS:     startMS,
		EndMS:       NowUnixMilli(),
	})
}

// splitActions partitions a policy batch. Only the first handoff is honored;
// extra handoffs in one batch are dropped.
func splitActions(actions []ActionModel) (finals []ActionModel, handoff *ActionModel, tools []ActionModel) {
	for i, a := range actions {
		switch {
		case a.AgentName != "":
			if handoff == nil {
				handoff = &actions[i]
			}
		case a.Final():
			finals = append(finals, a)
		default:
			tools = append(tools, a)
		}
	}
	return finals, handoff, tools
}

// allowedSet merges the task-level and agent-level tool allowances. Nil means
// unrestricted: both lists absent.
func allowedSet(taskNames, agentNames []string) map[string]bool {
	if taskNames == nil && agentNames == nil {
		return nil
	}
	set := make(map[string]bool, len(taskNames)+len(agentNames))
	for _, n := range taskNames {
		set[n] = true
	}
	for _, n := range agentNames {
		set[n] = true
	}
	return set
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func lastContent(results []ActionResult) string {
	for i := len(results) - 1; i >= 0; i-- {
		if !results[i].Failed() {
			return results[i].Content
		}
	}
	return ""
}

// errKindOrInternal maps any error to its kind, defaulting to internal.
func errKindOrInternal(err error) ErrorKind {
	if k := KindOf(err); k != "" {
		return k
	}
	return ErrInternal
}
