package workers

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	pool := NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return pool
}

func TestPoolExecutesSubmittedTasks(t *testing.T) {
	pool := testPool(t, DefaultPoolConfig("test"))

	var ran atomic.Int64
	for i := 0; i < 50; i++ {
		if err := pool.SubmitFunc(func() error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for ran.Load() < 50 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ran.Load() != 50 {
		t.Fatalf("ran %d tasks, want 50", ran.Load())
	}
	stats := pool.Stats()
	if stats.Completed != 50 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := testPool(t, DefaultPoolConfig("test"))

	if err := pool.SubmitFunc(func() error {
		panic("boom")
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pool.Stats().Panics < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pool.Stats().Panics != 1 {
		t.Fatalf("panics = %d, want 1", pool.Stats().Panics)
	}

	// The pool keeps working after a panic.
	if err := pool.SubmitWait(TaskFunc(func() error { return nil })); err != nil {
		t.Fatalf("pool broken after panic: %v", err)
	}
}

func TestPoolCountsFailures(t *testing.T) {
	pool := testPool(t, DefaultPoolConfig("test"))
	wantErr := errors.New("tick failed")
	if err := pool.SubmitWait(TaskFunc(func() error { return wantErr })); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if pool.Stats().Failed != 1 {
		t.Errorf("failed = %d, want 1", pool.Stats().Failed)
	}
}

func TestPoolRejectsWhenStopped(t *testing.T) {
	pool := NewPool(zap.NewNop(), DefaultPoolConfig("test"))
	if err := pool.SubmitFunc(func() error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("err = %v, want ErrPoolStopped", err)
	}
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	cfg := DefaultPoolConfig("test")
	cfg.NumWorkers = 1
	cfg.QueueSize = 1
	pool := testPool(t, cfg)

	block := make(chan struct{})
	defer close(block)
	// Occupy the single worker, then fill the single queue slot.
	pool.SubmitFunc(func() error { <-block; return nil })
	time.Sleep(20 * time.Millisecond)
	pool.SubmitFunc(func() error { return nil })

	if err := pool.SubmitFunc(func() error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestPoolObservesTaskOutcomes(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}

	cfg := DefaultPoolConfig("test")
	cfg.TaskTimeout = 50 * time.Millisecond
	cfg.Observe = func(result string) {
		mu.Lock()
		counts[result]++
		mu.Unlock()
	}
	pool := testPool(t, cfg)

	block := make(chan struct{})
	defer close(block)
	pool.SubmitFunc(func() error { return nil })
	pool.SubmitFunc(func() error { return errors.New("tick failed") })
	pool.SubmitFunc(func() error { panic("boom") })
	pool.SubmitFunc(func() error { <-block; return nil })

	// The observer fires after the task result is delivered, so poll rather
	// than synchronize on SubmitWait.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		total := counts["ok"] + counts["error"] + counts["panic"] + counts["timeout"]
		mu.Unlock()
		if total >= 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, outcome := range []string{"ok", "error", "panic", "timeout"} {
		if counts[outcome] != 1 {
			t.Errorf("%s = %d, want 1", outcome, counts[outcome])
		}
	}
}
