package aworld

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// StreamingMode selects what the per-task stream carries.
type StreamingMode string

const (
	// StreamingOff disables the per-task stream; only the terminator is
	// observable via RunTask's return.
	StreamingOff StreamingMode = "OFF"
	// StreamingCore streams lifecycle messages and LLM output chunks.
	StreamingCore StreamingMode = "CORE"
)

// EngineName selects the scheduler execution engine.
type EngineName string

const (
	// EngineLocal runs each task inline on the submitting goroutine.
	EngineLocal EngineName = "local"
	// EnginePool runs tasks on a bounded worker pool.
	EnginePool EngineName = "pool"
	// EngineDistributed is reserved; submitting to it fails with
	// invalid_config.
	EngineDistributed EngineName = "distributed"
)

// RunConf bounds one task run. Zero values take defaults.
type RunConf struct {
	MaxSteps          int           `yaml:"max_steps" json:"max_steps"`
	MaxDepth          int           `yaml:"max_depth" json:"max_depth"`
	EndlessThreshold  int           `yaml:"endless_threshold" json:"endless_threshold"`
	TimeoutMS         int64         `yaml:"timeout_ms" json:"timeout_ms"`
	GraceMS           int64         `yaml:"grace_ms" json:"grace_ms"`
	StreamingMode     StreamingMode `yaml:"streaming_mode" json:"streaming_mode"`
	SequenceDependent bool          `yaml:"sequence_dependent" json:"sequence_dependent"`
	Engine            EngineName    `yaml:"engine" json:"engine"`
	WorkerNum         int           `yaml:"worker_num" json:"worker_num"`
}

const (
	defaultMaxSteps         = 100
	defaultMaxDepth         = 5
	defaultEndlessThreshold = 3
	defaultWorkerNum        = 8
)

// withDefaults fills unset fields.
func (c RunConf) withDefaults() RunConf {
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = defaultMaxDepth
	}
	if c.EndlessThreshold <= 0 {
		c.EndlessThreshold = defaultEndlessThreshold
	}
	if c.StreamingMode == "" {
		c.StreamingMode = StreamingOff
	}
	if c.Engine == "" {
		c.Engine = EngineLocal
	}
	if c.WorkerNum <= 0 {
		c.WorkerNum = defaultWorkerNum
	}
	return c
}

// validate rejects unknown enum values and out-of-range bounds.
func (c RunConf) validate() error {
	switch c.StreamingMode {
	case StreamingOff, StreamingCore:
	default:
		return NewError(ErrInvalidConfig, "unknown streaming_mode %q", c.StreamingMode)
	}
	switch c.Engine {
	case EngineLocal, EnginePool, EngineDistributed:
	default:
		return NewError(ErrInvalidConfig, "unknown engine %q", c.Engine)
	}
	if c.TimeoutMS < 0 {
		return NewError(ErrInvalidConfig, "negative timeout_ms %d", c.TimeoutMS)
	}
	if c.GraceMS < 0 {
		return NewError(ErrInvalidConfig, "negative grace_ms %d", c.GraceMS)
	}
	return nil
}

// ParseRunConf parses a YAML run configuration. Unknown keys are rejected.
func ParseRunConf(data []byte) (RunConf, error) {
	var c RunConf
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return RunConf{}, WrapError(ErrInvalidConfig, err, "parse run conf")
	}
	c = c.withDefaults()
	if err := c.validate(); err != nil {
		return RunConf{}, err
	}
	return c, nil
}

// Task is one unit of work: an input routed to an agent or a swarm under a
// run configuration.
type Task struct {
	ID        string
	SessionID string
	GroupID   string
	Input     string
	Swarm     *Swarm
	Conf      RunConf
	// ToolNames restricts the tools this task's agents may call, merged
	// with each agent's own allowance. Nil leaves the choice to the agents.
	ToolNames []string
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithAgent routes the task to a single agent.
func WithAgent(a Agent) TaskOption {
	return func(t *Task) { t.Swarm = SingleAgentSwarm(a) }
}

// WithSwarm routes the task to a multi-agent topology.
func WithSwarm(s *Swarm) TaskOption {
	return func(t *Task) { t.Swarm = s }
}

// WithTaskID overrides the generated task id.
func WithTaskID(id string) TaskOption {
	return func(t *Task) { t.ID = id }
}

// WithSessionID groups tasks under one session.
func WithSessionID(id string) TaskOption {
	return func(t *Task) { t.SessionID = id }
}

// WithGroupID tags the task for batch accounting.
func WithGroupID(id string) TaskOption {
	return func(t *Task) { t.GroupID = id }
}

// WithToolNames restricts the task to the named tools.
func WithToolNames(names ...string) TaskOption {
	return func(t *Task) { t.ToolNames = names }
}

// WithRunConf sets the task's run configuration.
func WithRunConf(c RunConf) TaskOption {
	return func(t *Task) { t.Conf = c }
}

// NewTask creates a task with generated ids and default configuration.
func NewTask(input string, opts ...TaskOption) *Task {
	t := &Task{
		ID:        NewID(),
		SessionID: NewID(),
		Input:     input,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.Conf = t.Conf.withDefaults()
	return t
}

// TrajectoryStep records one agent step for replay and evaluation.
type TrajectoryStep struct {
	Step        int            `json:"step"`
	Agent       string         `json:"agent"`
	Observation Observation    `json:"observation"`
	Actions     []ActionModel  `json:"actions"`
	Results     []ActionResult `json:"results,omitempty"`
	StartMS     int64          `json:"start_ms"`
	EndMS       int64          `json:"end_ms"`
}

// TaskResponse is the task terminator. Msg carries the error kind string for
// failed tasks, "" on success.
type TaskResponse struct {
	ID         string           `json:"id"`
	Success    bool             `json:"success"`
	Answer     string           `json:"answer,omitempty"`
	Msg        string           `json:"msg,omitempty"`
	Usage      map[string]Usage `json:"usage,omitempty"`
	Trajectory []TrajectoryStep `json:"trajectory,omitempty"`
	TimeCostMS int64            `json:"time_cost_ms"`
}
