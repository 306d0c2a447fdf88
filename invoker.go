package aworld

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxParallelInvoke caps the number of concurrent action goroutines to avoid
// overwhelming external services with unbounded parallelism.
const maxParallelInvoke = 10

// defaultActionTimeout bounds a single action execution.
const defaultActionTimeout = 60 * time.Second

// Invoker resolves ActionModels against the tool registry and executes them,
// routing mcp_client and sandbox tools through the sandbox manager.
type Invoker struct {
	reg     *Registry
	sandbox *SandboxManager
	log     *slog.Logger

	actionTimeout time.Duration
	retryAttempts int
	retryBase     time.Duration
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithActionTimeout bounds each action execution (default: 60s).
func WithActionTimeout(d time.Duration) InvokerOption {
	return func(iv *Invoker) {
		if d > 0 {
			iv.actionTimeout = d
		}
	}
}

// WithInvokerRetry sets the retry budget for idempotent actions hitting
// transient errors (default: 3 attempts, 500ms base delay).
func WithInvokerRetry(attempts int, base time.Duration) InvokerOption {
	return func(iv *Invoker) {
		if attempts > 0 {
			iv.retryAttempts = attempts
		}
		if base > 0 {
			iv.retryBase = base
		}
	}
}

// WithInvokerLogger sets the invoker logger.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(iv *Invoker) {
		if l != nil {
			iv.log = l
		}
	}
}

// NewInvoker creates an invoker over the registry and sandbox manager.
func NewInvoker(reg *Registry, sandbox *SandboxManager, opts ...InvokerOption) *Invoker {
	iv := &Invoker{
		reg:           reg,
		sandbox:       sandbox,
		log:           nopLogger,
		actionTimeout: defaultActionTimeout,
		retryAttempts: 3,
		retryBase:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Invoke executes one step's tool actions and returns results in the same
// order. Actions run sequentially unless every action in the batch is
// declared parallel_safe. A result with IsDone set does not skip the
// remaining actions of the batch.
func (iv *Invoker) Invoke(ctx context.Context, c *Context, actions []ActionModel) []ActionResult {
	if len(actions) == 0 {
		return nil
	}
	if len(actions) > 1 && iv.allParallelSafe(actions) {
		return iv.invokeParallel(ctx, c, actions)
	}
	results := make([]ActionResult, len(actions))
	for i, a := range actions {
		results[i] = iv.invokeOne(ctx, c, a)
	}
	return results
}

func (iv *Invoker) allParallelSafe(actions []ActionModel) bool {
	for _, a := range actions {
		decl, ok := iv.resolve(a)
		if !ok || !decl.action.ParallelSafe {
			return false
		}
	}
	return true
}

// invokeParallel runs the batch on a fixed worker pool of
// min(len(actions), maxParallelInvoke) goroutines pulling from a shared work
// channel, collecting results back into submission order.
func (iv *Invoker) invokeParallel(ctx context.Context, c *Context, actions []ActionModel) []ActionResult {
	type workItem struct {
		idx    int
		action ActionModel
	}
	type indexed struct {
		idx int
		res ActionResult
	}

	workCh := make(chan workItem, len(actions))
	for i, a := range actions {
		workCh <- workItem{idx: i, action: a}
	}
	close(workCh)

	resultCh := make(chan indexed, len(actions))
	numWorkers := min(len(actions), maxParallelInvoke)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				resultCh <- indexed{w.idx, iv.invokeOne(ctx, c, w.action)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ActionResult, len(actions))
	for r := range resultCh {
		results[r.idx] = r.res
	}
	return results
}

// resolved pairs a tool with the specific action declaration targeted.
type resolved struct {
	tool   Tool
	decl   ToolDecl
	action ActionDecl
}

// resolve maps an ActionModel to a registered tool action. An empty action
// name selects the tool's sole action.
func (iv *Invoker) resolve(a ActionModel) (resolved, bool) {
	t, ok := iv.reg.Get(a.ToolName)
	if !ok {
		return resolved{}, false
	}
	decl := t.Decl()
	name := a.ActionName
	if name == "" && len(decl.Actions) == 1 {
		name = decl.Actions[0].Name
	}
	act, ok := decl.Action(name)
	if !ok {
		return resolved{}, false
	}
	return resolved{tool: t, decl: decl, action: act}, true
}

// invokeOne validates, executes, retries, and times a single action.
func (iv *Invoker) invokeOne(ctx context.Context, c *Context, a ActionModel) ActionResult {
	meta := ResultMeta{StartMS: NowUnixMilli(), ToolName: a.ToolName, ActionName: a.ActionName}
	finish := func(r ActionResult) ActionResult {
		r.Meta.StartMS = meta.StartMS
		r.Meta.EndMS = NowUnixMilli()
		r.Meta.ToolName = a.ToolName
		r.Meta.ActionName = a.ActionName
		return r
	}

	if c != nil && c.Cancelled() {
		return finish(errorResult(ErrCancelled, NewError(ErrCancelled, "task cancelled"), meta))
	}

	rv, ok := iv.resolve(a)
	if !ok {
		return finish(errorResult(ErrToolFailed,
			NewError(ErrToolFailed, "unknown tool action %s.%s", a.ToolName, a.ActionName), meta))
	}
	meta.ActionName = rv.action.Name

	if verr := ValidateParams(rv.action, a.Params); verr != nil {
		return finish(errorResult(ErrSchema, verr, meta))
	}

	execCtx, cancel := context.WithTimeout(ctx, iv.actionTimeout)
	defer cancel()
	if c != nil {
		c.BindCancel(cancel)
	}

	call := func() (ActionResult, error) {
		return iv.execute(execCtx, rv, a.Params)
	}
	var (
		res ActionResult
		err error
	)
	if rv.action.Idempotent {
		res, err = retryCall(execCtx, iv.retryAttempts, iv.retryBase, a.ToolName, iv.log, call)
	} else {
		res, err = call()
	}

	if err != nil {
		kind := iv.classify(execCtx, ctx, err)
		iv.log.Warn("action failed",
			"tool", a.ToolName,
			"action", rv.action.Name,
			"params", truncateStr(marshalParams(a.Params), 200),
			"kind", kind,
			"error", err)
		return finish(errorResult(kind, err, meta))
	}
	res.Content = sanitizeUTF8(res.Content)
	return finish(res)
}

// execute runs the tool with the routing its kind requires.
func (iv *Invoker) execute(ctx context.Context, rv resolved, params map[string]any) (res ActionResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewError(ErrToolFailed, "tool %q panic: %v", rv.decl.Name, p)
		}
	}()
	switch rv.decl.Kind {
	case KindMCP, KindSandbox:
		return iv.sandbox.Exec(ctx, rv.decl.sandboxID(), func(ctx context.Context) (ActionResult, error) {
			return rv.tool.Exec(ctx, rv.action.Name, params)
		})
	default:
		return rv.tool.Exec(ctx, rv.action.Name, params)
	}
}

// classify maps an execution error to its kind. The per-action deadline maps
// to tool_timeout; the parent context expiring maps to cancelled.
func (iv *Invoker) classify(execCtx, parent context.Context, err error) ErrorKind {
	if k := KindOf(err); k != "" {
		return k
	}
	if execCtx.Err() == context.DeadlineExceeded && parent.Err() == nil {
		return ErrToolTimeout
	}
	if parent.Err() != nil {
		return ErrCancelled
	}
	return ErrToolFailed
}
