package aworld

import (
	"context"
	"testing"
)

func namedHook(name string, order int, fn func(m Message) (*Message, error)) Hook {
	return HookFunc{
		HookName:  name,
		HookOrder: order,
		Fn: func(ctx context.Context, m Message, c *Context) (*Message, error) {
			return fn(m)
		},
	}
}

func TestHookOrdering(t *testing.T) {
	reg := NewHookRegistry()
	var calls []string
	record := func(name string) func(m Message) (*Message, error) {
		return func(m Message) (*Message, error) {
			calls = append(calls, name)
			return nil, nil
		}
	}
	reg.Register(HookPreTool, namedHook("third", 30, record("third")))
	reg.Register(HookPreTool, namedHook("first", 10, record("first")))
	reg.Register(HookPreTool, namedHook("second", 20, record("second")))

	reg.Run(context.Background(), HookPreTool, NewMessage("t", "s", CategoryTool, TopicToolCall, "a"), nil)
	want := []string{"first", "second", "third"}
	if len(calls) != 3 {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestHookReplacementThreads(t *testing.T) {
	reg := NewHookRegistry()
	reg.Register(HookPreLLM, namedHook("tag", 1, func(m Message) (*Message, error) {
		out := m.WithPayload("tagged")
		return &out, nil
	}))
	reg.Register(HookPreLLM, namedHook("check", 2, func(m Message) (*Message, error) {
		if m.Payload != "tagged" {
			t.Errorf("second hook saw payload %v, want tagged", m.Payload)
		}
		return nil, nil
	}))

	out := reg.Run(context.Background(), HookPreLLM, NewMessage("t", "s", CategoryControl, TopicStep, "a"), nil)
	if out.Payload != "tagged" {
		t.Errorf("final payload = %v, want tagged", out.Payload)
	}
}

func TestHookErrorAndPanicSwallowed(t *testing.T) {
	reg := NewHookRegistry()
	reg.Register(HookPostTool, namedHook("fails", 1, func(m Message) (*Message, error) {
		return nil, NewError(ErrInternal, "hook failure")
	}))
	reg.Register(HookPostTool, namedHook("panics", 2, func(m Message) (*Message, error) {
		panic("hook panic")
	}))
	reg.Register(HookPostTool, namedHook("survives", 3, func(m Message) (*Message, error) {
		out := m.WithPayload("survived")
		return &out, nil
	}))

	in := NewMessage("t", "s", CategoryTool, TopicToolResult, "a").WithPayload("original")
	out := reg.Run(context.Background(), HookPostTool, in, nil)
	if out.Payload != "survived" {
		t.Fatalf("payload = %v, want survived (failures must not break the chain)", out.Payload)
	}
}

func TestHookOnMessageRunsAfterPoint(t *testing.T) {
	reg := NewHookRegistry()
	var calls []string
	reg.Register(HookOnMessage, namedHook("catchall", 0, func(m Message) (*Message, error) {
		calls = append(calls, "catchall")
		return nil, nil
	}))
	reg.Register(HookPreAgentStep, namedHook("point", 0, func(m Message) (*Message, error) {
		calls = append(calls, "point")
		return nil, nil
	}))

	reg.Run(context.Background(), HookPreAgentStep, NewMessage("t", "s", CategoryAgent, TopicStep, "a"), nil)
	if len(calls) != 2 || calls[0] != "point" || calls[1] != "catchall" {
		t.Fatalf("calls = %v, want [point catchall]", calls)
	}

	// Running the catch-all point itself must not double-fire.
	calls = nil
	reg.Run(context.Background(), HookOnMessage, NewMessage("t", "s", CategoryAgent, TopicStep, "a"), nil)
	if len(calls) != 1 {
		t.Fatalf("on_message ran %d times, want 1", len(calls))
	}
}

func TestHookRegistryFreeze(t *testing.T) {
	reg := NewHookRegistry()
	reg.Freeze()
	err := reg.Register(HookTaskStart, namedHook("late", 0, func(m Message) (*Message, error) {
		return nil, nil
	}))
	if !IsKind(err, ErrInvalidConfig) {
		t.Fatalf("register after freeze = %v, want invalid_config", err)
	}
}
