package aworld

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func finalAgent(name, answer string) *BaseAgent {
	return NewAgent(name, func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
		return []ActionModel{{PolicyInfo: answer}}, nil
	})
}

func TestSchedulerSyncRun(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	answer, err := s.SyncRun(context.Background(), finalAgent("solo", "42"), "meaning?")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "42" {
		t.Errorf("answer = %q, want 42", answer)
	}
}

func TestSchedulerSyncRunFailure(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	broken := NewAgent("broken", func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
		return nil, NewError(ErrInternal, "no provider")
	})
	_, err := s.SyncRun(context.Background(), broken, "go")
	if !IsKind(err, ErrInternal) {
		t.Fatalf("err = %v, want internal", err)
	}
}

func TestSchedulerDistributedEngineRejected(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	task := NewTask("go", WithAgent(finalAgent("a", "x")),
		WithRunConf(RunConf{Engine: EngineDistributed}))
	resp, err := s.RunTask(context.Background(), task)
	if !IsKind(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
	if resp.Msg != string(ErrInvalidConfig) {
		t.Errorf("resp.Msg = %q, want invalid_config", resp.Msg)
	}
}

func TestSchedulerInvalidRunConfRejected(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	task := NewTask("go", WithAgent(finalAgent("a", "x")))
	task.Conf.StreamingMode = "FANCY"
	_, err := s.RunTask(context.Background(), task)
	if !IsKind(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
}

func TestSchedulerFreezesRegistriesOnFirstRun(t *testing.T) {
	reg := NewRegistry()
	s := NewScheduler(WithRegistry(reg))
	defer s.Close(context.Background())

	if _, err := s.RunTask(context.Background(), NewTask("go", WithAgent(finalAgent("a", "x")))); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(echoTool()); !IsKind(err, ErrInvalidConfig) {
		t.Errorf("register after first run = %v, want invalid_config", err)
	}
}

func TestSchedulerCooperativeTimeout(t *testing.T) {
	reg := NewRegistry()
	nap := NewFuncTool("nap", "").Action(
		ActionDecl{Name: "doze"},
		func(ctx context.Context, params map[string]any) (ActionResult, error) {
			time.Sleep(20 * time.Millisecond)
			return ActionResult{Content: "rested"}, nil
		},
	)
	if err := reg.Register(nap); err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(WithRegistry(reg))
	defer s.Close(context.Background())

	// The agent naps forever; the watchdog cancels the context and the
	// runner reports the timeout itself.
	looper := NewAgent("looper", func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
		return []ActionModel{{ToolName: "nap", ActionName: "doze"}}, nil
	})
	task := NewTask("sleep", WithAgent(looper), WithRunConf(RunConf{TimeoutMS: 60}))

	resp, err := s.RunTask(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Msg != string(ErrTimeout) {
		t.Fatalf("resp = %+v, want timeout", resp)
	}
}

func TestSchedulerAbandonsUnresponsiveTask(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	// The policy ignores cancellation entirely, so the runner cannot
	// acknowledge the timeout within the grace window.
	stuck := NewAgent("stuck", func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
		time.Sleep(500 * time.Millisecond)
		return []ActionModel{{PolicyInfo: "too late"}}, nil
	})
	task := NewTask("hang", WithAgent(stuck),
		WithRunConf(RunConf{TimeoutMS: 30, GraceMS: 30}))

	stream := s.Bus().Stream(task.ID)
	start := time.Now()
	resp, err := s.RunTask(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Msg != string(ErrTimeout) {
		t.Fatalf("resp = %+v, want synthesized timeout", resp)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("abandonment took %v, should not wait for the stuck policy", elapsed)
	}

	// The synthesized terminator closes the stream.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-stream:
			if !ok {
				return
			}
			if m.Terminal() {
				if tr, _ := m.Payload.(TaskResponse); tr.Msg != string(ErrTimeout) {
					t.Errorf("terminator payload = %+v, want timeout", m.Payload)
				}
			}
		case <-deadline:
			t.Fatal("stream never closed after abandonment")
		}
	}
}

func TestSchedulerStreamingRunTask(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	chunky := NewAgent("chunky", func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
		if sink := ChunkSinkFrom(ctx); sink != nil {
			sink("hel")
			sink("lo ")
			sink("world")
		}
		return []ActionModel{{PolicyInfo: "hello world"}}, nil
	})
	task := NewTask("stream it", WithAgent(chunky))

	stream, err := s.StreamingRunTask(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	if task.Conf.StreamingMode != StreamingCore {
		t.Errorf("streaming mode = %s, want upgrade to CORE", task.Conf.StreamingMode)
	}

	var chunks string
	var final TaskResponse
	for m := range stream {
		switch {
		case m.Category == CategoryChunk:
			chunks += m.Payload.(string)
		case m.Terminal():
			final, _ = m.Payload.(TaskResponse)
		}
	}
	if chunks != "hello world" {
		t.Errorf("chunks = %q, want hello world", chunks)
	}
	if !final.Success || final.Answer != "hello world" {
		t.Errorf("terminator = %+v", final)
	}
}

func TestSchedulerRunTasksAlignsResults(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	tasks := []*Task{
		NewTask("a", WithAgent(finalAgent("a", "answer-a"))),
		NewTask("b", WithAgent(finalAgent("b", "answer-b"))),
		NewTask("c", WithAgent(finalAgent("c", "answer-c"))),
	}
	results := s.RunTasks(context.Background(), tasks)
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, want := range []string{"answer-a", "answer-b", "answer-c"} {
		if !results[i].Success || results[i].Answer != want {
			t.Errorf("result %d = %+v, want %q", i, results[i], want)
		}
	}
}

func TestSchedulerRunTasksSequenceDependent(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	var mu sync.Mutex
	var order []string
	recording := func(name string) *BaseAgent {
		return NewAgent(name, func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return []ActionModel{{PolicyInfo: name}}, nil
		})
	}

	seqConf := RunConf{SequenceDependent: true}
	tasks := []*Task{
		NewTask("1", WithAgent(recording("s1")), WithRunConf(seqConf)),
		NewTask("2", WithAgent(recording("free"))),
		NewTask("3", WithAgent(recording("s2")), WithRunConf(seqConf)),
		NewTask("4", WithAgent(recording("s3")), WithRunConf(seqConf)),
	}
	results := s.RunTasks(context.Background(), tasks)
	for i, r := range results {
		if !r.Success {
			t.Fatalf("task %d failed: %+v", i, r)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	// Sequence-dependent tasks keep their relative submission order.
	var seq []string
	for _, name := range order {
		if name == "s1" || name == "s2" || name == "s3" {
			seq = append(seq, name)
		}
	}
	if len(seq) != 3 || seq[0] != "s1" || seq[1] != "s2" || seq[2] != "s3" {
		t.Fatalf("sequence-dependent order = %v, want [s1 s2 s3]", seq)
	}
}

func TestSchedulerTimeoutReclassifiesCancelledTool(t *testing.T) {
	reg := NewRegistry()
	block := NewFuncTool("block", "").Action(
		ActionDecl{Name: "wait"},
		func(ctx context.Context, params map[string]any) (ActionResult, error) {
			<-ctx.Done()
			return ActionResult{}, ctx.Err()
		},
	)
	if err := reg.Register(block); err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(WithRegistry(reg))
	defer s.Close(context.Background())

	caller := NewAgent("caller", func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
		return []ActionModel{{ToolName: "block", ActionName: "wait"}}, nil
	})
	task := NewTask("hang", WithAgent(caller), WithRunConf(RunConf{TimeoutMS: 60}))

	resp, err := s.RunTask(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	// The watchdog cancels the blocked tool, but past the deadline that is a
	// timeout, not a cancellation.
	if resp.Success || resp.Msg != string(ErrTimeout) {
		t.Fatalf("resp = %+v, want timeout", resp)
	}
}

func TestSchedulerBatchRunFansOutInputs(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	upper := NewAgent("upper", func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
		return []ActionModel{{PolicyInfo: strings.ToUpper(obs.Content)}}, nil
	})
	swarm, err := NewSwarm(WithAgents(upper))
	if err != nil {
		t.Fatal(err)
	}

	inputs := []string{"one", "two", "three", "four", "five"}
	results := s.BatchRun(context.Background(), swarm, inputs, 2, RunConf{})
	if len(results) != len(inputs) {
		t.Fatalf("got %d results, want %d", len(results), len(inputs))
	}
	seen := make(map[string]bool, len(results))
	for i, input := range inputs {
		if !results[i].Success || results[i].Answer != strings.ToUpper(input) {
			t.Errorf("result %d = %+v, want %q", i, results[i], strings.ToUpper(input))
		}
		if seen[results[i].ID] {
			t.Errorf("task id %q reused across inputs", results[i].ID)
		}
		seen[results[i].ID] = true
	}
}

func TestSchedulerBatchRunSequenceChainsAnswers(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	appender := NewAgent("appender", func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
		return []ActionModel{{PolicyInfo: obs.Content + "+"}}, nil
	})
	swarm, err := NewSwarm(WithAgents(appender))
	if err != nil {
		t.Fatal(err)
	}

	results := s.BatchRun(context.Background(), swarm,
		[]string{"a", "ignored", "ignored"}, 0, RunConf{SequenceDependent: true})
	want := []string{"a+", "a++", "a+++"}
	for i, w := range want {
		if !results[i].Success || results[i].Answer != w {
			t.Fatalf("result %d = %+v, want %q", i, results[i], w)
		}
	}
}

func TestSchedulerBatchRunSequenceHaltsOnFailure(t *testing.T) {
	s := NewScheduler()
	defer s.Close(context.Background())

	flaky := NewAgent("flaky", func(ctx context.Context, c *Context, obs Observation) ([]ActionModel, error) {
		if strings.HasSuffix(obs.Content, "+") {
			return nil, NewError(ErrInternal, "second leg broke")
		}
		return []ActionModel{{PolicyInfo: obs.Content + "+"}}, nil
	})
	swarm, err := NewSwarm(WithAgents(flaky))
	if err != nil {
		t.Fatal(err)
	}

	results := s.BatchRun(context.Background(), swarm,
		[]string{"a", "b", "c"}, 0, RunConf{SequenceDependent: true})
	if !results[0].Success {
		t.Fatalf("first task = %+v, want success", results[0])
	}
	if results[1].Success || results[1].Msg != string(ErrInternal) {
		t.Fatalf("second task = %+v, want internal failure", results[1])
	}
	if results[2].Success || results[2].Msg != string(ErrCancelled) {
		t.Fatalf("third task = %+v, want cancelled without running", results[2])
	}
}

type memStore struct {
	mu    sync.Mutex
	saved []TaskResponse
}

func (m *memStore) SaveTrajectory(ctx context.Context, groupID string, resp TaskResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, resp)
	return nil
}

func TestSchedulerPersistsTerminator(t *testing.T) {
	st := &memStore{}
	s := NewScheduler(WithTrajectoryStore(st))
	defer s.Close(context.Background())

	task := NewTask("go", WithAgent(finalAgent("a", "ok")), WithGroupID("g1"))
	if _, err := s.RunTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.saved) != 1 || st.saved[0].ID != task.ID || !st.saved[0].Success {
		t.Fatalf("saved = %+v, want the task terminator", st.saved)
	}
}
