package aworld

import "sync"

// CallNode is one message in a task's call graph.
type CallNode struct {
	ID       string
	Topic    Topic
	Sender   string
	Receiver string
	CallType CallType
	Children []string
}

// CallStats aggregates per-agent call counts within one task.
type CallStats struct {
	Direct int // agent_direct and handoff transfers received
	AsTool int // agent_as_tool invocations received
}

// CallTracker subscribes to the bus and maintains, per task, the message DAG
// implied by pre_message_id plus per-agent call statistics. Terminated tasks
// keep their graph until Forget.
type CallTracker struct {
	mu    sync.Mutex
	tasks map[string]*taskGraph
}

type taskGraph struct {
	nodes map[string]*CallNode
	roots []string
	stats map[string]*CallStats
	level map[string]int // agent -> first depth observed in handoff chain
	done  bool
}

// NewCallTracker creates a tracker and attaches it to the bus.
func NewCallTracker(bus *EventBus) *CallTracker {
	t := &CallTracker{tasks: make(map[string]*taskGraph)}
	bus.Subscribe(nil, t.observe)
	return t
}

func (t *CallTracker) observe(m Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.tasks[m.TaskID]
	if !ok {
		g = &taskGraph{
			nodes: make(map[string]*CallNode),
			stats: make(map[string]*CallStats),
			level: make(map[string]int),
		}
		t.tasks[m.TaskID] = g
	}
	if g.done {
		return
	}

	node := &CallNode{
		ID:       m.ID,
		Topic:    m.Topic,
		Sender:   m.Sender,
		Receiver: m.Receiver,
		CallType: m.CallType,
	}
	g.nodes[m.ID] = node
	if pre := m.Headers.PreMessageID; pre != "" {
		if parent, ok := g.nodes[pre]; ok {
			parent.Children = append(parent.Children, m.ID)
		} else {
			g.roots = append(g.roots, m.ID)
		}
	} else {
		g.roots = append(g.roots, m.ID)
	}

	if m.Topic == TopicHandoff && m.Receiver != "" {
		st, ok := g.stats[m.Receiver]
		if !ok {
			st = &CallStats{}
			g.stats[m.Receiver] = st
		}
		senderLevel := g.level[m.Sender]
		switch m.CallType {
		case CallAgentAsTool:
			st.AsTool++
		default:
			st.Direct++
		}
		if _, seen := g.level[m.Receiver]; !seen {
			g.level[m.Receiver] = senderLevel + 1
		}
	}
	if m.Terminal() {
		g.done = true
	}
}

// Node returns the node for a message id within a task.
func (t *CallTracker) Node(taskID, msgID string) (CallNode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.tasks[taskID]
	if !ok {
		return CallNode{}, false
	}
	n, ok := g.nodes[msgID]
	if !ok {
		return CallNode{}, false
	}
	return *n, true
}

// Roots returns the task's root message ids, in arrival order.
func (t *CallTracker) Roots(taskID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.tasks[taskID]
	if !ok {
		return nil
	}
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// Stats returns per-agent call counts for the task.
func (t *CallTracker) Stats(taskID, agent string) CallStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.tasks[taskID]
	if !ok {
		return CallStats{}
	}
	if st, ok := g.stats[agent]; ok {
		return *st
	}
	return CallStats{}
}

// Level returns the agent's depth in the task's handoff chain: 0 for the
// entry agent, parent+1 for each agent first reached through it.
func (t *CallTracker) Level(taskID, agent string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.tasks[taskID]; ok {
		return g.level[agent]
	}
	return 0
}

// Chain walks pre_message_id links from msgID back to a root, returning ids
// oldest first.
func (t *CallTracker) Chain(taskID, msgID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.tasks[taskID]
	if !ok {
		return nil
	}
	parent := make(map[string]string, len(g.nodes))
	for id, n := range g.nodes {
		for _, child := range n.Children {
			parent[child] = id
		}
	}
	var chain []string
	for id := msgID; id != ""; id = parent[id] {
		if _, ok := g.nodes[id]; !ok {
			break
		}
		chain = append(chain, id)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Forget drops a task's graph.
func (t *CallTracker) Forget(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, taskID)
}
