package aworld

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// TrajectoryStore persists task terminators for replay and evaluation.
// store/sqlite and store/postgres provide implementations.
type TrajectoryStore interface {
	SaveTrajectory(ctx context.Context, groupID string, resp TaskResponse) error
}

// Scheduler owns the runtime: registries, bus, sandbox pool, and runner. It
// freezes the registries at first task submission and drives every task
// through the configured engine.
type Scheduler struct {
	bus     *EventBus
	hooks   *HookRegistry
	reg     *Registry
	sandbox *SandboxManager
	invoker *Invoker
	runner  *AgentLoopRunner
	log     *slog.Logger
	tracer  Tracer
	store   TrajectoryStore

	invokerOpts []InvokerOption

	freezeOnce sync.Once
	poolOnce   sync.Once
	poolSem    chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRegistry sets the tool registry.
func WithRegistry(reg *Registry) SchedulerOption {
	return func(s *Scheduler) { s.reg = reg }
}

// WithHookRegistry sets the hook registry.
func WithHookRegistry(hooks *HookRegistry) SchedulerOption {
	return func(s *Scheduler) { s.hooks = hooks }
}

// WithEventBus sets the event bus.
func WithEventBus(bus *EventBus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

// WithSandboxManager sets the sandbox manager.
func WithSandboxManager(m *SandboxManager) SchedulerOption {
	return func(s *Scheduler) { s.sandbox = m }
}

// WithSchedulerLogger sets the scheduler logger, shared with the runner and
// invoker unless they are configured separately.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTracer sets the tracer for per-task spans.
func WithTracer(t Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// WithTrajectoryStore persists every terminator to the store.
func WithTrajectoryStore(st TrajectoryStore) SchedulerOption {
	return func(s *Scheduler) { s.store = st }
}

// WithInvokerOptions forwards options to the scheduler's invoker.
func WithInvokerOptions(opts ...InvokerOption) SchedulerOption {
	return func(s *Scheduler) { s.invokerOpts = append(s.invokerOpts, opts...) }
}

// NewScheduler builds a runtime with defaults for anything not configured.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{log: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewEventBus(WithBusLogger(s.log))
	}
	if s.hooks == nil {
		s.hooks = NewHookRegistry()
	}
	if s.reg == nil {
		s.reg = NewRegistry()
	}
	if s.sandbox == nil {
		s.sandbox = NewSandboxManager(WithSandboxLogger(s.log))
	}
	s.invoker = NewInvoker(s.reg, s.sandbox,
		append([]InvokerOption{WithInvokerLogger(s.log)}, s.invokerOpts...)...)
	s.runner = NewRunner(s.bus, s.hooks, s.invoker, WithRunnerLogger(s.log))
	return s
}

// Bus returns the scheduler's event bus.
func (s *Scheduler) Bus() *EventBus { return s.bus }

// Registry returns the scheduler's tool registry.
func (s *Scheduler) Registry() *Registry { return s.reg }

// Hooks returns the scheduler's hook registry.
func (s *Scheduler) Hooks() *HookRegistry { return s.hooks }

// Sandbox returns the scheduler's sandbox manager.
func (s *Scheduler) Sandbox() *SandboxManager { return s.sandbox }

// RunTask executes one task to completion and returns its terminator. The
// error is non-nil only for submission failures (invalid configuration);
// runtime failures are reported through TaskResponse.Msg.
func (s *Scheduler) RunTask(ctx context.Context, task *Task) (TaskResponse, error) {
	conf := task.Conf.withDefaults()
	if err := conf.validate(); err != nil {
		return TaskResponse{ID: task.ID, Msg: string(ErrInvalidConfig)}, err
	}
	if conf.Engine == EngineDistributed {
		return TaskResponse{ID: task.ID, Msg: string(ErrInvalidConfig)},
			NewError(ErrInvalidConfig, "engine %q is not available in this build", EngineDistributed)
	}
	task.Conf = conf
	s.freezeOnce.Do(func() {
		s.reg.Freeze()
		s.hooks.Freeze()
	})

	if conf.Engine == EnginePool {
		s.poolOnce.Do(func() { s.poolSem = make(chan struct{}, conf.WorkerNum) })
		select {
		case s.poolSem <- struct{}{}:
			defer func() { <-s.poolSem }()
		case <-ctx.Done():
			return TaskResponse{ID: task.ID, Msg: string(ErrCancelled)}, ctx.Err()
		}
	}
	return s.execute(ctx, task), nil
}

// execute runs the task with timeout supervision. When the runner does not
// acknowledge a timeout cancel within the grace window, the scheduler
// abandons it and synthesizes the terminator itself.
func (s *Scheduler) execute(ctx context.Context, task *Task) TaskResponse {
	start := time.Now()
	c := NewContext(task.SessionID, task.ID)
	if task.Conf.GraceMS > 0 {
		c.SetGrace(time.Duration(task.Conf.GraceMS) * time.Millisecond)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.BindCancel(cancel)

	var timeout <-chan time.Time
	if task.Conf.TimeoutMS > 0 {
		deadline := start.Add(time.Duration(task.Conf.TimeoutMS) * time.Millisecond)
		c.SetDeadline(deadline)
		watchdog := time.AfterFunc(time.Until(deadline), c.Cancel)
		defer watchdog.Stop()
		timeout = time.After(time.Until(deadline) + c.Grace())
	}

	var span Span
	if s.tracer != nil {
		_, span = s.tracer.Start(runCtx, "task.run",
			StringAttr("task_id", task.ID),
			StringAttr("session_id", task.SessionID))
	}

	done := make(chan TaskResponse, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("runner panic", "task_id", task.ID, "panic", p)
				done <- TaskResponse{
					ID:         task.ID,
					Msg:        string(ErrInternal),
					TimeCostMS: time.Since(start).Milliseconds(),
				}
			}
		}()
		done <- s.runner.Run(runCtx, task, c)
	}()

	var resp TaskResponse
	select {
	case resp = <-done:
	case <-timeout:
		// Abandoned: the runner's own terminator, if it ever arrives, is
		// dropped by the bus.
		resp = TaskResponse{
			ID:         task.ID,
			Msg:        string(ErrTimeout),
			Usage:      c.UsageSnapshot(),
			TimeCostMS: time.Since(start).Milliseconds(),
		}
		s.bus.Publish(NewMessage(task.ID, task.SessionID, CategoryControl, TopicTaskResponse, "scheduler").
			WithPayload(resp))
		s.log.Warn("task abandoned after grace window", "task_id", task.ID)
	}

	if span != nil {
		span.SetAttr(BoolAttr("success", resp.Success), StringAttr("msg", resp.Msg))
		if !resp.Success {
			span.Error(NewError(ErrorKind(resp.Msg), "task failed"))
		}
		span.End()
	}
	s.digest(task, resp)
	if s.store != nil {
		if err := s.store.SaveTrajectory(ctx, task.GroupID, resp); err != nil {
			s.log.Warn("trajectory save failed", "task_id", task.ID, "error", err)
		}
	}
	return resp
}

// digest emits the one-line per-task accounting record.
func (s *Scheduler) digest(task *Task, resp TaskResponse) {
	usage, err := json.Marshal(resp.Usage)
	if err != nil {
		usage = []byte("{}")
	}
	s.log.Info(fmt.Sprintf("eval_task_digest|%s|%s|%.2f|%s",
		task.GroupID, task.ID, float64(resp.TimeCostMS)/1000.0, usage))
}

// StreamingRunTask submits the task and returns its message stream. The
// channel delivers messages in publish order and closes after the
// TASK_RESPONSE. Tasks submitted with streaming off are upgraded to CORE.
func (s *Scheduler) StreamingRunTask(ctx context.Context, task *Task) (<-chan Message, error) {
	conf := task.Conf.withDefaults()
	if conf.StreamingMode == StreamingOff {
		conf.StreamingMode = StreamingCore
	}
	task.Conf = conf
	if err := conf.validate(); err != nil {
		return nil, err
	}
	ch := s.bus.Stream(task.ID)
	go func() {
		if _, err := s.RunTask(ctx, task); err != nil {
			s.log.Error("streaming task submission failed", "task_id", task.ID, "error", err)
			s.bus.Publish(NewMessage(task.ID, task.SessionID, CategoryControl, TopicTaskResponse, "scheduler").
				WithPayload(TaskResponse{ID: task.ID, Msg: string(ErrInvalidConfig)}))
		}
	}()
	return ch, nil
}

// BatchRun fans inputs out over the swarm as fresh tasks under one group id,
// executed in batches of batchSize (worker_num when batchSize <= 0). Results
// align with the input slice. With conf.SequenceDependent set, tasks run
// strictly one after another, each receiving the previous task's answer as
// its input; the first failure halts the rest.
func (s *Scheduler) BatchRun(ctx context.Context, swarm *Swarm, inputs []string, batchSize int, conf RunConf) []TaskResponse {
	conf = conf.withDefaults()
	group := NewID()
	tasks := make([]*Task, len(inputs))
	for i, input := range inputs {
		tasks[i] = NewTask(input, WithSwarm(swarm), WithGroupID(group), WithRunConf(conf))
	}
	if conf.SequenceDependent {
		return s.runSequence(ctx, tasks)
	}
	if batchSize <= 0 {
		batchSize = conf.WorkerNum
	}
	results := make([]TaskResponse, len(tasks))
	for start := 0; start < len(tasks); start += batchSize {
		end := min(start+batchSize, len(tasks))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = s.run(ctx, tasks[i])
				return nil
			})
		}
		g.Wait()
	}
	return results
}

// runSequence executes tasks serially, chaining each answer into the next
// task's input. Tasks after the first failure are not run and report
// cancelled.
func (s *Scheduler) runSequence(ctx context.Context, tasks []*Task) []TaskResponse {
	results := make([]TaskResponse, len(tasks))
	for i, task := range tasks {
		if i > 0 {
			task.Input = results[i-1].Answer
		}
		results[i] = s.run(ctx, task)
		if !results[i].Success {
			for j := i + 1; j < len(tasks); j++ {
				results[j] = TaskResponse{ID: tasks[j].ID, Msg: string(ErrCancelled)}
			}
			break
		}
	}
	return results
}

// RunTasks executes already-built tasks concurrently, bounded by the largest
// worker_num among them. Tasks marked sequence_dependent run serially
// relative to each other, in submission order. Results align with the input
// slice.
func (s *Scheduler) RunTasks(ctx context.Context, tasks []*Task) []TaskResponse {
	results := make([]TaskResponse, len(tasks))
	limit := defaultWorkerNum
	for _, t := range tasks {
		if t.Conf.WorkerNum > limit {
			limit = t.Conf.WorkerNum
		}
	}

	var seq []int
	g, gctx := errgroup.Group{}, ctx
	g.SetLimit(limit)
	for i, t := range tasks {
		if t.Conf.SequenceDependent {
			seq = append(seq, i)
			continue
		}
		g.Go(func() error {
			results[i] = s.run(gctx, t)
			return nil
		})
	}
	if len(seq) > 0 {
		g.Go(func() error {
			for _, i := range seq {
				results[i] = s.run(gctx, tasks[i])
			}
			return nil
		})
	}
	g.Wait()
	return results
}

// run adapts RunTask for batch use, folding submission errors into the
// terminator.
func (s *Scheduler) run(ctx context.Context, task *Task) TaskResponse {
	resp, err := s.RunTask(ctx, task)
	if err != nil && resp.Msg == "" {
		resp.Msg = string(ErrInvalidConfig)
	}
	return resp
}

// SyncRun is the one-call convenience: build a task for the agent, run it,
// return the answer.
func (s *Scheduler) SyncRun(ctx context.Context, agent Agent, input string) (string, error) {
	task := NewTask(input, WithAgent(agent))
	resp, err := s.RunTask(ctx, task)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", NewError(ErrorKind(resp.Msg), "task %s failed", task.ID)
	}
	return resp.Answer, nil
}

// Close tears down the sandbox pool and stops the bus.
func (s *Scheduler) Close(ctx context.Context) {
	s.sandbox.Close(ctx)
	s.bus.Close()
}
