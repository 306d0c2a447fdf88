package aworld

import (
	"context"
	"encoding/json"
	"testing"
)

func chatResponse(content string, calls ...ToolCall) func(chunks chan<- string) (ChatResponse, error) {
	return func(chunks chan<- string) (ChatResponse, error) {
		return ChatResponse{
			Content:   content,
			ToolCalls: calls,
			Usage:     Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

func TestLLMAgentFinalAnswer(t *testing.T) {
	mock := &mockProvider{scripts: []func(chunks chan<- string) (ChatResponse, error){
		chatResponse("direct answer"),
	}}
	agent := NewLLMAgent("assistant", mock, NewRegistry(), WithSystemPrompt("be brief"))
	c := NewContext("s", "t")

	actions, err := agent.Policy(context.Background(), c, Observation{Observer: "task", Content: "question"})
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || !actions[0].Final() || actions[0].PolicyInfo != "direct answer" {
		t.Fatalf("actions = %+v, want one final answer", actions)
	}
	if c.UsageSnapshot()["assistant"].TotalTokens != 15 {
		t.Errorf("usage = %+v, want tokens accounted", c.UsageSnapshot())
	}
}

func TestLLMAgentToolCallsToActions(t *testing.T) {
	mock := &mockProvider{scripts: []func(chunks chan<- string) (ChatResponse, error){
		chatResponse("",
			ToolCall{ID: "c1", Name: "echo__say", Args: json.RawMessage(`{"text":"hi"}`)},
			ToolCall{ID: "c2", Name: "echo__say", Args: json.RawMessage(`{"text":"bye"}`)},
		),
		chatResponse("all echoed"),
	}}
	reg := NewRegistry()
	if err := reg.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	agent := NewLLMAgent("assistant", mock, reg)
	c := NewContext("s", "t")

	actions, err := agent.Policy(context.Background(), c, Observation{Observer: "task", Content: "echo twice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %+v, want 2 tool calls", actions)
	}
	if actions[0].ToolName != "echo" || actions[0].ActionName != "say" || actions[0].ToolCallID != "c1" {
		t.Errorf("action 0 = %+v", actions[0])
	}
	if actions[0].Params["text"] != "hi" || actions[1].Params["text"] != "bye" {
		t.Errorf("params = %v / %v", actions[0].Params, actions[1].Params)
	}

	// Feed results back; the follow-up call sees them as tool messages.
	results := []ActionResult{{Content: "hi"}, {Content: "bye"}}
	actions, err = agent.Policy(context.Background(), c, Observation{Observer: "assistant", ActionResults: results})
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].PolicyInfo != "all echoed" {
		t.Fatalf("actions = %+v, want the final answer", actions)
	}
}

func TestLLMAgentHandoffToolCall(t *testing.T) {
	mock := &mockProvider{scripts: []func(chunks chan<- string) (ChatResponse, error){
		chatResponse("",
			ToolCall{ID: "c1", Name: "handoff__expert", Args: json.RawMessage(`{"reason":"needs domain knowledge"}`)},
		),
	}}
	agent := NewLLMAgent("router", mock, NewRegistry(),
		WithAgentOptions(WithHandoffs("expert")))
	c := NewContext("s", "t")

	actions, err := agent.Policy(context.Background(), c, Observation{Observer: "task", Content: "hard question"})
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 || actions[0].AgentName != "expert" {
		t.Fatalf("actions = %+v, want a handoff to expert", actions)
	}
	if actions[0].ToolName != "" {
		t.Error("handoff action must not carry a tool name")
	}
}

func TestLLMAgentMalformedArgsRejected(t *testing.T) {
	mock := &mockProvider{scripts: []func(chunks chan<- string) (ChatResponse, error){
		chatResponse("",
			ToolCall{ID: "c1", Name: "echo__say", Args: json.RawMessage(`not json`)},
		),
	}}
	agent := NewLLMAgent("assistant", mock, NewRegistry())
	c := NewContext("s", "t")

	_, err := agent.Policy(context.Background(), c, Observation{Observer: "task", Content: "go"})
	if !IsKind(err, ErrSchema) {
		t.Fatalf("err = %v, want schema", err)
	}
}

func TestLLMAgentProviderErrorIsRecoverable(t *testing.T) {
	mock := &mockProvider{scripts: []func(chunks chan<- string) (ChatResponse, error){
		failWith(&ErrHTTP{Status: 500, Body: "provider down"}),
	}}
	agent := NewLLMAgent("assistant", mock, NewRegistry())
	c := NewContext("s", "t")

	_, err := agent.Policy(context.Background(), c, Observation{Observer: "task", Content: "go"})
	// tool_failed is non-fatal, so the runner feeds it back instead of
	// killing the task.
	if !IsKind(err, ErrToolFailed) {
		t.Fatalf("err = %v, want tool_failed", err)
	}
}

func TestLLMAgentHandoffDefinitionsExposed(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	agent := NewLLMAgent("router", &mockProvider{}, reg,
		WithAgentOptions(WithHandoffs("expert", "critic")))

	defs := agent.toolDefinitions()
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{"echo__say", "handoff__expert", "handoff__critic"} {
		if !names[want] {
			t.Errorf("definitions missing %q: %v", want, names)
		}
	}
}

func TestLLMAgentStreamsWhenSinkPresent(t *testing.T) {
	mock := &mockProvider{scripts: []func(chunks chan<- string) (ChatResponse, error){
		answer("streamed answer"),
	}}
	agent := NewLLMAgent("assistant", mock, NewRegistry())
	c := NewContext("s", "t")

	var deltas []string
	ctx := ContextWithChunkSink(context.Background(), func(d string) {
		deltas = append(deltas, d)
	})
	actions, err := agent.Policy(ctx, c, Observation{Observer: "task", Content: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(deltas) == 0 || deltas[0] != "streamed answer" {
		t.Errorf("deltas = %v, want the provider chunk forwarded", deltas)
	}
	if actions[0].PolicyInfo != "streamed answer" {
		t.Errorf("final = %+v", actions[0])
	}
}
