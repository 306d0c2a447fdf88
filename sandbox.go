package aworld

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// defaultSandboxWorkers sizes the loop pool when not configured.
const defaultSandboxWorkers = 4

type workerKey struct{}

// workerFromContext returns the id of the pool worker currently executing,
// or -1 when called outside the pool.
func workerFromContext(ctx context.Context) int {
	if id, ok := ctx.Value(workerKey{}).(int); ok {
		return id
	}
	return -1
}

// sandboxJob is one unit of work pinned to a worker.
type sandboxJob struct {
	ctx  context.Context
	fn   func(ctx context.Context) (ActionResult, error)
	done chan sandboxOutcome
}

type sandboxOutcome struct {
	res ActionResult
	err error
}

// loopWorker owns an unbounded FIFO mailbox drained by a single goroutine.
// Jobs submitted to the same worker never run concurrently.
type loopWorker struct {
	id   int
	mu   sync.Mutex
	cond *sync.Cond
	jobs []sandboxJob
	stop bool
}

func newLoopWorker(id int) *loopWorker {
	w := &loopWorker{id: id}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *loopWorker) submit(j sandboxJob) {
	w.mu.Lock()
	w.jobs = append(w.jobs, j)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *loopWorker) run() {
	for {
		w.mu.Lock()
		for len(w.jobs) == 0 && !w.stop {
			w.cond.Wait()
		}
		if len(w.jobs) == 0 && w.stop {
			w.mu.Unlock()
			return
		}
		j := w.jobs[0]
		w.jobs = w.jobs[1:]
		w.mu.Unlock()

		ctx := context.WithValue(j.ctx, workerKey{}, w.id)
		res, err := runJob(ctx, j.fn)
		j.done <- sandboxOutcome{res: res, err: err}
	}
}

func (w *loopWorker) shutdown() {
	w.mu.Lock()
	w.stop = true
	w.mu.Unlock()
	w.cond.Signal()
}

// runJob isolates worker panics so one bad tool cannot kill the pool.
func runJob(ctx context.Context, fn func(context.Context) (ActionResult, error)) (res ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrInternal, "sandbox job panic: %v", r)
		}
	}()
	return fn(ctx)
}

// LoopPool runs sandboxed work on a fixed set of single-goroutine workers.
// Work for the same key always lands on the same worker, so executions
// against one sandbox are strictly serialized.
type LoopPool struct {
	workers []*loopWorker
	wg      sync.WaitGroup
	once    sync.Once
}

// NewLoopPool starts n workers (defaultSandboxWorkers when n <= 0).
func NewLoopPool(n int) *LoopPool {
	if n <= 0 {
		n = defaultSandboxWorkers
	}
	p := &LoopPool{workers: make([]*loopWorker, n)}
	for i := range p.workers {
		w := newLoopWorker(i)
		p.workers[i] = w
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}
	return p
}

// workerFor maps a sandbox key to its owning worker.
func (p *LoopPool) workerFor(key string) *loopWorker {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.workers[int(h.Sum32())%len(p.workers)]
}

// Run executes fn on the worker owning key and waits for the outcome. When
// already running on that worker it executes inline, so a sandboxed tool may
// call back into its own sandbox without deadlocking.
func (p *LoopPool) Run(ctx context.Context, key string, fn func(ctx context.Context) (ActionResult, error)) (ActionResult, error) {
	w := p.workerFor(key)
	if workerFromContext(ctx) == w.id {
		return runJob(ctx, fn)
	}
	j := sandboxJob{ctx: ctx, fn: fn, done: make(chan sandboxOutcome, 1)}
	w.submit(j)
	select {
	case out := <-j.done:
		return out.res, out.err
	case <-ctx.Done():
		// The job stays queued; the worker delivers into the buffered
		// channel and moves on.
		return ActionResult{}, WrapError(ErrCancelled, ctx.Err(), "sandbox %q", key)
	}
}

// Close stops all workers after their queued jobs finish.
func (p *LoopPool) Close() {
	p.once.Do(func() {
		for _, w := range p.workers {
			w.shutdown()
		}
		p.wg.Wait()
	})
}

// SandboxManager tracks live sandboxes and routes their executions through
// the loop pool, preserving per-sandbox worker affinity.
type SandboxManager struct {
	pool *LoopPool
	log  *slog.Logger

	mu       sync.Mutex
	live     map[string]bool
	cleanups map[string]func(ctx context.Context) error
}

// SandboxOption configures a SandboxManager.
type SandboxOption func(*SandboxManager)

// WithSandboxWorkers sets the loop pool size.
func WithSandboxWorkers(n int) SandboxOption {
	return func(m *SandboxManager) {
		if n > 0 {
			m.pool = NewLoopPool(n)
		}
	}
}

// WithSandboxLogger sets the manager logger.
func WithSandboxLogger(l *slog.Logger) SandboxOption {
	return func(m *SandboxManager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewSandboxManager creates a manager with its own loop pool.
func NewSandboxManager(opts ...SandboxOption) *SandboxManager {
	m := &SandboxManager{
		log:      nopLogger,
		live:     make(map[string]bool),
		cleanups: make(map[string]func(ctx context.Context) error),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = NewLoopPool(defaultSandboxWorkers)
	}
	return m
}

// Register marks a sandbox live and records its cleanup. cleanup may be nil.
func (m *SandboxManager) Register(sandboxID string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[sandboxID] = true
	if cleanup != nil {
		m.cleanups[sandboxID] = cleanup
	}
}

// Live reports whether the sandbox is registered and not yet cleaned up.
func (m *SandboxManager) Live(sandboxID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[sandboxID]
}

// Exec runs fn on the worker owning sandboxID.
func (m *SandboxManager) Exec(ctx context.Context, sandboxID string, fn func(ctx context.Context) (ActionResult, error)) (ActionResult, error) {
	return m.pool.Run(ctx, sandboxID, fn)
}

// Cleanup tears down one sandbox on its owning worker, so teardown cannot
// interleave with a running execution. Unknown ids are a no-op.
func (m *SandboxManager) Cleanup(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	fn := m.cleanups[sandboxID]
	delete(m.cleanups, sandboxID)
	delete(m.live, sandboxID)
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	_, err := m.pool.Run(ctx, sandboxID, func(ctx context.Context) (ActionResult, error) {
		return ActionResult{}, fn(ctx)
	})
	return err
}

// CleanupAll tears down every live sandbox, logging failures.
func (m *SandboxManager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Cleanup(ctx, id); err != nil {
			m.log.Warn("sandbox cleanup failed", "sandbox_id", id, "error", err)
		}
	}
}

// Close cleans up all sandboxes and stops the pool.
func (m *SandboxManager) Close(ctx context.Context) {
	m.CleanupAll(ctx)
	m.pool.Close()
}
