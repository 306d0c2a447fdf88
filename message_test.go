package aworld

import (
	"testing"
)

func TestNewMessage(t *testing.T) {
	m := NewMessage("task-1", "sess-1", CategoryAgent, TopicStep, "planner")
	if m.ID == "" {
		t.Fatal("message id should be generated")
	}
	if m.TaskID != "task-1" || m.SessionID != "sess-1" {
		t.Errorf("identity = (%q, %q), want (task-1, sess-1)", m.TaskID, m.SessionID)
	}
	if m.Category != CategoryAgent || m.Topic != TopicStep || m.Sender != "planner" {
		t.Errorf("envelope = (%s, %s, %s)", m.Category, m.Topic, m.Sender)
	}

	m2 := NewMessage("task-1", "sess-1", CategoryAgent, TopicStep, "planner")
	if m.ID == m2.ID {
		t.Error("two messages should not share an id")
	}
}

func TestMessageTerminal(t *testing.T) {
	if NewMessage("t", "s", CategoryAgent, TopicStep, "a").Terminal() {
		t.Error("step message should not be terminal")
	}
	if !NewMessage("t", "s", CategoryControl, TopicTaskResponse, "runner").Terminal() {
		t.Error("task_response message should be terminal")
	}
}

func TestMessageWithCopies(t *testing.T) {
	m := NewMessage("t", "s", CategoryTool, TopicToolCall, "agent")

	pre := m.WithPre("parent-id")
	if m.Headers.PreMessageID != "" {
		t.Error("WithPre mutated the original")
	}
	if pre.Headers.PreMessageID != "parent-id" {
		t.Errorf("PreMessageID = %q, want parent-id", pre.Headers.PreMessageID)
	}

	addr := m.WithReceiver("worker", CallAgentAsTool)
	if m.Receiver != "" || m.CallType != "" {
		t.Error("WithReceiver mutated the original")
	}
	if addr.Receiver != "worker" || addr.CallType != CallAgentAsTool {
		t.Errorf("receiver = (%q, %q)", addr.Receiver, addr.CallType)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessage("task-1", "sess-1", CategoryTool, TopicToolResult, "calculator").
		WithPre("prev").
		WithReceiver("planner", CallToolResult).
		WithPayload(map[string]any{"value": 7.0})

	data, err := EncodeMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseMessage(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != m.ID || got.TaskID != m.TaskID || got.Topic != m.Topic {
		t.Errorf("envelope mismatch: %+v", got)
	}
	if got.Headers.PreMessageID != "prev" {
		t.Errorf("PreMessageID = %q, want prev", got.Headers.PreMessageID)
	}
	payload, ok := got.Payload.(map[string]any)
	if !ok || payload["value"] != 7.0 {
		t.Errorf("payload = %#v", got.Payload)
	}
}

func TestParseMessageInvalid(t *testing.T) {
	if _, err := ParseMessage([]byte("{not json")); err == nil {
		t.Fatal("expected parse error")
	}
}
