package aworld

import (
	"sync"
	"testing"
	"time"
)

func terminator(taskID string) Message {
	return NewMessage(taskID, "s", CategoryControl, TopicTaskResponse, "runner")
}

func TestEventBusStreamOrder(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	stream := bus.Stream("t1")
	for i := 0; i < 10; i++ {
		bus.Publish(NewMessage("t1", "s", CategoryAgent, TopicStep, "a").
			WithPayload(i))
	}
	bus.Publish(terminator("t1"))

	var got []int
	for m := range stream {
		if m.Terminal() {
			continue
		}
		got = append(got, m.Payload.(int))
	}
	if len(got) != 10 {
		t.Fatalf("received %d messages, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("message %d carried %d, want %d (order broken)", i, v, i)
		}
	}
}

func TestEventBusStreamClosesAfterTerminator(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	stream := bus.Stream("t1")
	bus.Publish(terminator("t1"))

	select {
	case m, ok := <-stream:
		if !ok {
			t.Fatal("terminator should arrive before close")
		}
		if !m.Terminal() {
			t.Fatalf("first message topic = %s, want task_response", m.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminator never arrived")
	}
	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("stream should be closed after the terminator")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestEventBusPostTerminalSuppression(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var mu sync.Mutex
	var topics []Topic
	bus.Subscribe(nil, func(m Message) {
		mu.Lock()
		topics = append(topics, m.Topic)
		mu.Unlock()
	})

	stream := bus.Stream("t1")
	bus.Publish(terminator("t1"))
	bus.Publish(NewMessage("t1", "s", CategoryAgent, TopicStep, "late"))
	for range stream {
	}

	mu.Lock()
	defer mu.Unlock()
	for _, topic := range topics {
		if topic == TopicStep {
			t.Fatal("message published after the terminator reached subscribers")
		}
	}
}

func TestEventBusTransformerReplaceAndDrop(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	// Order 1 rewrites the payload; order 2 drops messages tagged "secret".
	bus.RegisterTransformer(CategoryAgent, TopicStep, 2, func(m Message) (*Message, error) {
		if m.Payload == "secret" {
			return nil, nil
		}
		return &m, nil
	})
	bus.RegisterTransformer(CategoryAgent, TopicStep, 1, func(m Message) (*Message, error) {
		if m.Payload == "raw" {
			out := m.WithPayload("rewritten")
			return &out, nil
		}
		return &m, nil
	})

	stream := bus.Stream("t1")
	bus.Publish(NewMessage("t1", "s", CategoryAgent, TopicStep, "a").WithPayload("raw"))
	bus.Publish(NewMessage("t1", "s", CategoryAgent, TopicStep, "a").WithPayload("secret"))
	bus.Publish(terminator("t1"))

	var payloads []any
	for m := range stream {
		if !m.Terminal() {
			payloads = append(payloads, m.Payload)
		}
	}
	if len(payloads) != 1 || payloads[0] != "rewritten" {
		t.Fatalf("payloads = %v, want [rewritten]", payloads)
	}
}

func TestEventBusTransformerErrorKeepsMessage(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	bus.RegisterTransformer(CategoryAgent, TopicStep, 0, func(m Message) (*Message, error) {
		return nil, NewError(ErrInternal, "transformer broke")
	})

	stream := bus.Stream("t1")
	bus.Publish(NewMessage("t1", "s", CategoryAgent, TopicStep, "a").WithPayload("keep"))
	bus.Publish(terminator("t1"))

	var got []any
	for m := range stream {
		if !m.Terminal() {
			got = append(got, m.Payload)
		}
	}
	if len(got) != 1 || got[0] != "keep" {
		t.Fatalf("payloads = %v, want [keep] (erroring transformer must not drop)", got)
	}
}

func TestEventBusOverflowDropsNewestKeepsTerminator(t *testing.T) {
	bus := NewEventBus(WithStreamBuffer(4))

	// Attach the consumer but do not read until the dispatcher has drained
	// everything, so the queue overflows. Close blocks until dispatch is
	// done, making the drop count exact.
	stream := bus.Stream("t1")
	for i := 0; i < 20; i++ {
		bus.Publish(NewMessage("t1", "s", CategoryChunk, TopicChunk, "a").WithPayload(i))
	}
	bus.Publish(terminator("t1"))
	bus.Close()

	var sawTerminal bool
	count := 0
	for m := range stream {
		if m.Terminal() {
			sawTerminal = true
		} else {
			count++
		}
	}
	if !sawTerminal {
		t.Fatal("terminator was lost to overflow")
	}
	if count > 3 {
		t.Fatalf("received %d non-terminal messages, buffer allows at most 3", count)
	}
	if bus.Dropped("t1") == 0 {
		t.Error("overflow should increment the drop counter")
	}
}

func TestEventBusConsumeWindowDrops(t *testing.T) {
	bus := NewEventBus(WithConsumeWindow(10 * time.Millisecond))
	defer bus.Close()

	// No consumer: publish one message to create the queue, wait out the
	// window, then publish more.
	bus.Publish(NewMessage("t1", "s", CategoryChunk, TopicChunk, "a").WithPayload(0))
	time.Sleep(50 * time.Millisecond)
	bus.Publish(NewMessage("t1", "s", CategoryChunk, TopicChunk, "a").WithPayload(1))

	deadline := time.Now().Add(2 * time.Second)
	for bus.Dropped("t1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.Dropped("t1") == 0 {
		t.Fatal("chunks past the consume window should be dropped")
	}
}

func TestEventBusSubscriberPanicIsolated(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var mu sync.Mutex
	delivered := 0
	bus.Subscribe(nil, func(m Message) { panic("bad subscriber") })
	bus.Subscribe(nil, func(m Message) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	stream := bus.Stream("t1")
	bus.Publish(NewMessage("t1", "s", CategoryAgent, TopicStep, "a"))
	bus.Publish(terminator("t1"))
	for range stream {
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != 2 {
		t.Fatalf("second subscriber saw %d messages, want 2", delivered)
	}
}

func TestEventBusPredicateFilters(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	var mu sync.Mutex
	var seen []Topic
	bus.Subscribe(func(m Message) bool { return m.Topic == TopicToolCall }, func(m Message) {
		mu.Lock()
		seen = append(seen, m.Topic)
		mu.Unlock()
	})

	stream := bus.Stream("t1")
	bus.Publish(NewMessage("t1", "s", CategoryAgent, TopicStep, "a"))
	bus.Publish(NewMessage("t1", "s", CategoryTool, TopicToolCall, "a"))
	bus.Publish(terminator("t1"))
	for range stream {
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != TopicToolCall {
		t.Fatalf("seen = %v, want [tool_call]", seen)
	}
}
