package aworld

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLoopPoolSameKeySerialized(t *testing.T) {
	pool := NewLoopPool(4)
	defer pool.Close()

	var mu sync.Mutex
	running := 0
	maxRunning := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(context.Background(), "box-1", func(ctx context.Context) (ActionResult, error) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return ActionResult{}, nil
			})
		}()
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Fatalf("observed %d concurrent executions for one key, want 1", maxRunning)
	}
}

func TestLoopPoolDifferentKeysRunConcurrently(t *testing.T) {
	// One worker per key candidate so distinct keys can land on distinct
	// workers. Both jobs block on a shared barrier; if they were serialized
	// on one worker the second would never start.
	pool := NewLoopPool(8)
	defer pool.Close()

	// Find two keys owned by different workers.
	keyA := "box-a"
	keyB := ""
	for _, cand := range []string{"box-b", "box-c", "box-d", "box-e", "box-f"} {
		if pool.workerFor(cand) != pool.workerFor(keyA) {
			keyB = cand
			break
		}
	}
	if keyB == "" {
		t.Skip("could not find keys on distinct workers")
	}

	barrier := make(chan struct{})
	started := make(chan string, 2)
	run := func(key string) {
		pool.Run(context.Background(), key, func(ctx context.Context) (ActionResult, error) {
			started <- key
			<-barrier
			return ActionResult{}, nil
		})
	}
	go run(keyA)
	go run(keyB)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs on distinct workers did not overlap")
		}
	}
	close(barrier)
}

func TestLoopPoolInlineReentry(t *testing.T) {
	pool := NewLoopPool(2)
	defer pool.Close()

	// A job that re-enters its own sandbox must run inline instead of
	// queueing behind itself.
	done := make(chan error, 1)
	go func() {
		_, err := pool.Run(context.Background(), "box-1", func(ctx context.Context) (ActionResult, error) {
			inner, err := pool.Run(ctx, "box-1", func(ctx context.Context) (ActionResult, error) {
				return ActionResult{Content: "inner"}, nil
			})
			if err != nil {
				return ActionResult{}, err
			}
			return inner, nil
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("re-entrant run deadlocked")
	}
}

func TestLoopPoolRunCancelled(t *testing.T) {
	pool := NewLoopPool(1)
	defer pool.Close()

	// Occupy the only worker so the second job waits in the mailbox.
	release := make(chan struct{})
	go pool.Run(context.Background(), "busy", func(ctx context.Context) (ActionResult, error) {
		<-release
		return ActionResult{}, nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Run(ctx, "busy", func(ctx context.Context) (ActionResult, error) {
		return ActionResult{}, nil
	})
	close(release)
	if !IsKind(err, ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

func TestSandboxManagerLifecycle(t *testing.T) {
	m := NewSandboxManager(WithSandboxWorkers(2))
	defer m.Close(context.Background())

	var cleaned bool
	m.Register("box-1", func(ctx context.Context) error {
		cleaned = true
		return nil
	})
	if !m.Live("box-1") {
		t.Fatal("registered sandbox should be live")
	}

	res, err := m.Exec(context.Background(), "box-1", func(ctx context.Context) (ActionResult, error) {
		return ActionResult{Content: "ok"}, nil
	})
	if err != nil || res.Content != "ok" {
		t.Fatalf("Exec = (%+v, %v)", res, err)
	}

	if err := m.Cleanup(context.Background(), "box-1"); err != nil {
		t.Fatal(err)
	}
	if !cleaned {
		t.Error("cleanup function did not run")
	}
	if m.Live("box-1") {
		t.Error("sandbox should not be live after cleanup")
	}

	// Unknown ids are a no-op.
	if err := m.Cleanup(context.Background(), "ghost"); err != nil {
		t.Errorf("cleanup of unknown sandbox = %v, want nil", err)
	}
}

func TestSandboxManagerCleanupAll(t *testing.T) {
	m := NewSandboxManager(WithSandboxWorkers(2))
	defer m.Close(context.Background())

	var mu sync.Mutex
	cleaned := map[string]bool{}
	for _, id := range []string{"a", "b", "c"} {
		id := id
		m.Register(id, func(ctx context.Context) error {
			mu.Lock()
			cleaned[id] = true
			mu.Unlock()
			return nil
		})
	}
	m.CleanupAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(cleaned) != 3 {
		t.Fatalf("cleaned %d sandboxes, want 3", len(cleaned))
	}
	for _, id := range []string{"a", "b", "c"} {
		if m.Live(id) {
			t.Errorf("sandbox %q still live after CleanupAll", id)
		}
	}
}
