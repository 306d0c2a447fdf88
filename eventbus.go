package aworld

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Handler consumes a published message. Handlers run on the bus dispatcher
// goroutine and must not block; offload slow work to your own goroutine.
type Handler func(m Message)

// Predicate selects which messages a subscriber receives.
type Predicate func(m Message) bool

// Transformer rewrites a message before subscribers see it. Returning nil
// with a nil error drops the message. Returning an error keeps the original.
type Transformer func(m Message) (*Message, error)

const (
	defaultStreamBuffer  = 256
	defaultConsumeWindow = 200 * time.Millisecond
)

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithBusLogger sets the structured logger for dispatch failures and drops.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *EventBus) { b.logger = l }
}

// WithStreamBuffer sets the per-task streaming queue capacity.
func WithStreamBuffer(n int) BusOption {
	return func(b *EventBus) {
		if n > 1 {
			b.streamBuf = n
		}
	}
}

// WithConsumeWindow sets how long a task's streaming queue waits for its
// first consumer before chunk messages are dropped instead of queued.
func WithConsumeWindow(d time.Duration) BusOption {
	return func(b *EventBus) { b.consumeWindow = d }
}

type subscriber struct {
	pred Predicate
	fn   Handler
}

type transformerKey struct {
	cat   Category
	topic Topic
}

type orderedTransformer struct {
	order int
	fn    Transformer
}

// streamQueue is the per-task append-only streaming queue. The last buffer
// slot is reserved for the terminal message so the terminator is never lost
// to overflow.
type streamQueue struct {
	ch       chan Message
	created  time.Time
	consumer atomic.Bool
	dropped  *atomic.Int64
}

// EventBus routes typed messages to subscribers and per-task streaming
// queues. Publish is non-blocking: messages enter an unbounded FIFO consumed
// by a single dispatcher goroutine, so delivery order per task matches
// publish order. After a task's TASK_RESPONSE is dispatched, further messages
// for that task are dropped.
type EventBus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
	done   chan struct{}

	subs atomic.Pointer[[]subscriber]

	tmu          sync.Mutex
	transformers map[transformerKey][]orderedTransformer

	smu      sync.Mutex
	streams  map[string]*streamQueue
	finished map[string]bool
	drops    map[string]*atomic.Int64

	logger        *slog.Logger
	streamBuf     int
	consumeWindow time.Duration
}

// NewEventBus creates a bus and starts its dispatcher.
func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		done:          make(chan struct{}),
		transformers:  make(map[transformerKey][]orderedTransformer),
		streams:       make(map[string]*streamQueue),
		finished:      make(map[string]bool),
		drops:         make(map[string]*atomic.Int64),
		logger:        nopLogger,
		streamBuf:     defaultStreamBuffer,
		consumeWindow: defaultConsumeWindow,
	}
	b.cond = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	empty := make([]subscriber, 0)
	b.subs.Store(&empty)
	go b.dispatch()
	return b
}

// Publish enqueues m for delivery. It never blocks and never fails the
// caller; messages for already-terminated tasks are dropped with a warning.
func (b *EventBus) Publish(m Message) {
	b.smu.Lock()
	if b.finished[m.TaskID] {
		b.smu.Unlock()
		b.logger.Warn("message after task response dropped", "task_id", m.TaskID, "topic", m.Topic)
		return
	}
	if m.Terminal() {
		b.finished[m.TaskID] = true
	}
	b.smu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, m)
	b.cond.Signal()
	b.mu.Unlock()
}

// Subscribe attaches a handler for messages matching pred. A nil predicate
// matches everything. The subscriber list is copy-on-write; reads during
// dispatch are lock-free.
func (b *EventBus) Subscribe(pred Predicate, fn Handler) {
	for {
		old := b.subs.Load()
		next := make([]subscriber, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = subscriber{pred: pred, fn: fn}
		if b.subs.CompareAndSwap(old, &next) {
			return
		}
	}
}

// RegisterTransformer attaches fn to messages of the given category and
// topic. Transformers for one key run in ascending order before subscribers.
func (b *EventBus) RegisterTransformer(cat Category, topic Topic, order int, fn Transformer) {
	b.tmu.Lock()
	defer b.tmu.Unlock()
	key := transformerKey{cat: cat, topic: topic}
	list := append(b.transformers[key], orderedTransformer{order: order, fn: fn})
	sort.SliceStable(list, func(i, j int) bool { return list[i].order < list[j].order })
	b.transformers[key] = list
}

// Stream returns the task's streaming queue. Messages arrive in publish
// order; the channel closes after the task's TASK_RESPONSE is delivered.
// Call before or soon after submitting the task: chunks published while no
// consumer is attached past the consume window are dropped, not queued.
func (b *EventBus) Stream(taskID string) <-chan Message {
	q := b.stream(taskID)
	q.consumer.Store(true)
	return q.ch
}

// Dropped returns the number of messages dropped from the task's streaming
// queue due to overflow or consumer absence.
func (b *EventBus) Dropped(taskID string) int64 {
	b.smu.Lock()
	defer b.smu.Unlock()
	if c, ok := b.drops[taskID]; ok {
		return c.Load()
	}
	return 0
}

// Close stops the dispatcher after draining queued messages.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()
	<-b.done
}

func (b *EventBus) stream(taskID string) *streamQueue {
	b.smu.Lock()
	defer b.smu.Unlock()
	if q, ok := b.streams[taskID]; ok {
		return q
	}
	counter, ok := b.drops[taskID]
	if !ok {
		counter = new(atomic.Int64)
		b.drops[taskID] = counter
	}
	q := &streamQueue{
		ch:      make(chan Message, b.streamBuf),
		created: time.Now(),
		dropped: counter,
	}
	b.streams[taskID] = q
	return q
}

func (b *EventBus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		m := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		b.deliver(m)
	}
}

func (b *EventBus) deliver(m Message) {
	out, keep := b.transform(m)
	if !keep {
		return
	}
	b.route(out)
	for _, s := range *b.subs.Load() {
		if s.pred != nil && !s.pred(out) {
			continue
		}
		b.invoke(s.fn, out)
	}
	if out.Terminal() {
		b.closeStream(out.TaskID)
	}
}

// transform runs the registered transformers. A transformer error keeps the
// message as it was before that transformer; a nil replacement drops it.
func (b *EventBus) transform(m Message) (Message, bool) {
	b.tmu.Lock()
	list := b.transformers[transformerKey{cat: m.Category, topic: m.Topic}]
	b.tmu.Unlock()
	for _, t := range list {
		next, err := b.safeTransform(t.fn, m)
		if err != nil {
			b.logger.Warn("transformer failed", "task_id", m.TaskID, "topic", m.Topic, "error", err)
			continue
		}
		if next == nil {
			return Message{}, false
		}
		m = *next
	}
	return m, true
}

func (b *EventBus) safeTransform(fn Transformer, m Message) (out *Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewError(ErrInternal, "transformer panic: %v", p)
		}
	}()
	return fn(m)
}

func (b *EventBus) invoke(fn Handler, m Message) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Warn("subscriber panic", "task_id", m.TaskID, "topic", m.Topic, "panic", p)
		}
	}()
	fn(m)
}

// route pushes m into its task's streaming queue. Overflow drops the newest
// message and bumps the counter; the task itself never fails. The final
// buffer slot is reserved for the terminal message.
func (b *EventBus) route(m Message) {
	q := b.stream(m.TaskID)
	if !m.Terminal() {
		if !q.consumer.Load() && time.Since(q.created) > b.consumeWindow {
			q.dropped.Add(1)
			return
		}
		if len(q.ch) >= cap(q.ch)-1 {
			q.dropped.Add(1)
			return
		}
		q.ch <- m
		return
	}
	select {
	case q.ch <- m:
	default:
		q.dropped.Add(1)
	}
}

func (b *EventBus) closeStream(taskID string) {
	b.smu.Lock()
	q, ok := b.streams[taskID]
	if ok {
		delete(b.streams, taskID)
	}
	b.smu.Unlock()
	if ok {
		close(q.ch)
	}
}
