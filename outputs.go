package aworld

import "sync"

// Outputs is the per-task push sink. The runner adds every streamed message
// in order and marks the sink done exactly once when the task response is
// published. Consumers use Done as the terminator, not channel close.
type Outputs struct {
	mu       sync.Mutex
	messages []Message
	done     bool
}

// NewOutputs creates an empty sink.
func NewOutputs() *Outputs {
	return &Outputs{}
}

// Add appends a message. Messages added after Done are ignored.
func (o *Outputs) Add(m Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return
	}
	o.messages = append(o.messages, m)
}

// Done marks the sink complete. Idempotent.
func (o *Outputs) Done() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = true
}

// Completed reports whether Done has been called.
func (o *Outputs) Completed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Messages returns a snapshot of collected messages in arrival order.
func (o *Outputs) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}
