package aworld

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
)

// Observation is what an agent perceives at the start of a step: the initial
// input, or the results of the previous step's actions.
type Observation struct {
	Observer      string            `json:"observer"`
	Content       string            `json:"content"`
	Structured    map[string]any    `json:"structured,omitempty"`
	Image         string            `json:"image,omitempty"`
	DOMTree       string            `json:"dom_tree,omitempty"`
	ActionResults []ActionResult    `json:"action_results,omitempty"`
	Info          map[string]string `json:"info,omitempty"`
}

// Hash returns a stable digest of the observation's visible content, used by
// endless-loop detection to recognize repeated handoff states.
func (o Observation) Hash() string {
	h := fnv.New64a()
	fmt.Fprint(h, o.Observer, "\x00", o.Content, "\x00")
	for _, r := range o.ActionResults {
		fmt.Fprint(h, r.Content, "\x00", string(r.Kind), "\x00")
	}
	if len(o.Structured) > 0 {
		keys := make([]string, 0, len(o.Structured))
		for k := range o.Structured {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprint(h, k, "=", o.Structured[k], "\x00")
		}
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// ActionModel is an agent's unit of output: a tool call, a handoff to a
// peer agent, or (with neither name set) a final answer carried in
// PolicyInfo.
type ActionModel struct {
	ToolName   string         `json:"tool_name,omitempty"`
	AgentName  string         `json:"agent_name,omitempty"`
	ActionName string         `json:"action_name,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	PolicyInfo string         `json:"policy_info,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Final reports whether the action is a final answer rather than an
// invocation.
func (a ActionModel) Final() bool { return a.ToolName == "" && a.AgentName == "" }

// ResultMeta records invocation timing and target identity.
type ResultMeta struct {
	StartMS    int64  `json:"start_ms"`
	EndMS      int64  `json:"end_ms"`
	ToolName   string `json:"tool_name,omitempty"`
	ActionName string `json:"action_name,omitempty"`
}

// ActionResult is the invoker's outcome for one action.
type ActionResult struct {
	Content string         `json:"content,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
	Kind    ErrorKind      `json:"kind,omitempty"` // set when Error != ""
	IsDone  bool           `json:"is_done"`
	Keep    bool           `json:"keep,omitempty"`
	Meta    ResultMeta     `json:"metadata"`
}

// Failed reports whether the result carries an error.
func (r ActionResult) Failed() bool { return r.Error != "" }

// errorResult normalizes an error into an ActionResult.
func errorResult(kind ErrorKind, err error, meta ResultMeta) ActionResult {
	return ActionResult{
		Error: sanitizeUTF8(err.Error()),
		Kind:  kind,
		Meta:  meta,
	}
}

// marshalParams renders action params for logging and LLM feedback.
func marshalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(data)
}
