package aworld

import (
	"sort"
)

// EdgeKind classifies a swarm edge.
type EdgeKind string

const (
	// EdgeWorkflow chains agents in a fixed pipeline: A's final answer
	// becomes B's input observation.
	EdgeWorkflow EdgeKind = "workflow"
	// EdgeHandoff lets the source agent transfer control to the target at
	// its own discretion.
	EdgeHandoff EdgeKind = "handoff"
	// EdgeTeam marks the target as a teammate the source may call as a
	// tool, synchronously.
	EdgeTeam EdgeKind = "team"
)

// Edge is one directed connection between two named agents.
type Edge struct {
	Kind EdgeKind
	From string
	To   string
}

// Swarm is a validated multi-agent topology with one or more root agents.
// It is immutable after Build.
type Swarm struct {
	roots    []string
	merge    string
	agents   map[string]Agent
	edges    []Edge
	handoffs map[string][]string
	next     map[string]string
	team     map[string][]string
	order    []string
}

// SwarmOption configures a swarm under construction.
type SwarmOption func(*swarmBuilder)

type swarmBuilder struct {
	roots  []string
	merge  string
	agents []Agent
	edges  []Edge
}

// WithAgents adds agents to the swarm.
func WithAgents(agents ...Agent) SwarmOption {
	return func(b *swarmBuilder) { b.agents = append(b.agents, agents...) }
}

// WithEntry designates a single entry agent. Defaults to the first agent
// added.
func WithEntry(name string) SwarmOption {
	return func(b *swarmBuilder) { b.roots = []string{name} }
}

// WithEntries designates a set of root agents all invoked in parallel on the
// task input.
func WithEntries(names ...string) SwarmOption {
	return func(b *swarmBuilder) { b.roots = append([]string(nil), names...) }
}

// WithMergeAgent routes the root agents' answers into one downstream agent.
func WithMergeAgent(name string) SwarmOption {
	return func(b *swarmBuilder) { b.merge = name }
}

// WithWorkflow chains the named agents into a pipeline, adding a workflow
// edge between each consecutive pair.
func WithWorkflow(names ...string) SwarmOption {
	return func(b *swarmBuilder) {
		for i := 0; i+1 < len(names); i++ {
			b.edges = append(b.edges, Edge{Kind: EdgeWorkflow, From: names[i], To: names[i+1]})
		}
	}
}

// WithHandoff allows from to transfer control to to.
func WithHandoff(from, to string) SwarmOption {
	return func(b *swarmBuilder) {
		b.edges = append(b.edges, Edge{Kind: EdgeHandoff, From: from, To: to})
	}
}

// WithTeam marks members as synchronous teammates of leader.
func WithTeam(leader string, members ...string) SwarmOption {
	return func(b *swarmBuilder) {
		for _, m := range members {
			b.edges = append(b.edges, Edge{Kind: EdgeTeam, From: leader, To: m})
		}
	}
}

// NewSwarm validates the topology and builds the swarm. Edges naming unknown
// agents, duplicate agent names, multiple workflow successors for one agent,
// and workflow cycles are all rejected with an invalid_topology error.
func NewSwarm(opts ...SwarmOption) (*Swarm, error) {
	b := &swarmBuilder{}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.agents) == 0 {
		return nil, NewError(ErrInvalidTopology, "swarm has no agents")
	}

	s := &Swarm{
		agents:   make(map[string]Agent, len(b.agents)),
		edges:    b.edges,
		handoffs: make(map[string][]string),
		next:     make(map[string]string),
		team:     make(map[string][]string),
	}
	for _, a := range b.agents {
		if _, dup := s.agents[a.Name()]; dup {
			return nil, NewError(ErrInvalidTopology, "duplicate agent name %q", a.Name())
		}
		s.agents[a.Name()] = a
	}

	s.roots = b.roots
	if len(s.roots) == 0 {
		s.roots = []string{b.agents[0].Name()}
	}
	seen := make(map[string]bool, len(s.roots))
	for _, root := range s.roots {
		if _, ok := s.agents[root]; !ok {
			return nil, NewError(ErrInvalidTopology, "root agent %q not in swarm", root)
		}
		if seen[root] {
			return nil, NewError(ErrInvalidTopology, "duplicate root agent %q", root)
		}
		seen[root] = true
	}
	s.merge = b.merge
	if s.merge != "" {
		if _, ok := s.agents[s.merge]; !ok {
			return nil, NewError(ErrInvalidTopology, "merge agent %q not in swarm", s.merge)
		}
	}

	for _, e := range b.edges {
		if _, ok := s.agents[e.From]; !ok {
			return nil, NewError(ErrInvalidTopology, "edge %s: unknown agent %q", e.Kind, e.From)
		}
		if _, ok := s.agents[e.To]; !ok {
			return nil, NewError(ErrInvalidTopology, "edge %s: unknown agent %q", e.Kind, e.To)
		}
		switch e.Kind {
		case EdgeWorkflow:
			if prev, dup := s.next[e.From]; dup && prev != e.To {
				return nil, NewError(ErrInvalidTopology,
					"agent %q has multiple workflow successors (%q, %q)", e.From, prev, e.To)
			}
			s.next[e.From] = e.To
		case EdgeHandoff:
			s.handoffs[e.From] = append(s.handoffs[e.From], e.To)
		case EdgeTeam:
			s.team[e.From] = append(s.team[e.From], e.To)
		default:
			return nil, NewError(ErrInvalidTopology, "unknown edge kind %q", e.Kind)
		}
	}

	order, err := s.workflowOrder()
	if err != nil {
		return nil, err
	}
	s.order = order
	return s, nil
}

// SingleAgentSwarm wraps one agent as a trivial swarm.
func SingleAgentSwarm(a Agent) *Swarm {
	s, _ := NewSwarm(WithAgents(a))
	return s
}

// Entry returns the first root agent's name.
func (s *Swarm) Entry() string { return s.roots[0] }

// Roots returns the root agents, all invoked in parallel on the task input.
func (s *Swarm) Roots() []string { return s.roots }

// MergeAgent returns the agent the roots' answers feed into, "" when none is
// declared.
func (s *Swarm) MergeAgent() string { return s.merge }

// Agent returns the named agent.
func (s *Swarm) Agent(name string) (Agent, bool) {
	a, ok := s.agents[name]
	return a, ok
}

// Names returns all agent names, sorted.
func (s *Swarm) Names() []string {
	names := make([]string, 0, len(s.agents))
	for n := range s.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handoffs returns the agents from may hand off to via swarm edges.
func (s *Swarm) Handoffs(from string) []string { return s.handoffs[from] }

// WorkflowNext returns from's workflow successor, "" when the pipeline ends.
func (s *Swarm) WorkflowNext(from string) string { return s.next[from] }

// Teammates returns from's synchronous team members.
func (s *Swarm) Teammates(from string) []string { return s.team[from] }

// CanHandoff reports whether from may transfer control to to, via swarm
// edges or the agent's own handoff allowance.
func (s *Swarm) CanHandoff(from, to string) bool {
	for _, t := range s.handoffs[from] {
		if t == to {
			return true
		}
	}
	if a, ok := s.agents[from]; ok {
		for _, t := range ConfOf(a).Handoffs {
			if t == to {
				return true
			}
		}
	}
	return false
}

// workflowOrder topologically sorts the workflow subgraph. Handoff and team
// edges may form cycles; workflow edges may not.
func (s *Swarm) workflowOrder() ([]string, error) {
	indeg := make(map[string]int, len(s.agents))
	for name := range s.agents {
		indeg[name] = 0
	}
	for _, to := range s.next {
		indeg[to]++
	}

	queue := make([]string, 0, len(s.agents))
	for name, d := range indeg {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(s.agents))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		if to, ok := s.next[name]; ok {
			indeg[to]--
			if indeg[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if len(order) != len(s.agents) {
		return nil, NewError(ErrInvalidTopology, "workflow edges form a cycle")
	}
	return order, nil
}
