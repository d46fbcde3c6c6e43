// Package workers provides the bounded goroutine pool the live scheduler
// dispatches evaluation ticks through. Each position's work is a Task; the
// pool enforces a per-task timeout and recovers panics so one bad tick never
// takes the scheduler down.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task interface {
	Execute() error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func() error

// Execute runs the function.
func (f TaskFunc) Execute() error { return f() }

// Pool errors.
var (
	ErrPoolStopped     = errors.New("worker pool is stopped")
	ErrQueueFull       = errors.New("worker pool queue is full")
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// errTaskPanic marks errors synthesized from recovered panics.
var errTaskPanic = errors.New("task panic")

// PoolConfig sizes the pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Observe, when set, receives one call per finished task with the
	// outcome: "ok", "error", "timeout" or "panic".
	Observe func(result string)
}

// DefaultPoolConfig returns defaults sized for I/O-bound evaluation ticks.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2,
		QueueSize:       1024,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted   int64 `json:"submitted"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	TimedOut    int64 `json:"timed_out"`
	Panics      int64 `json:"panics"`
	QueueLength int   `json:"queue_length"`
}

// Pool runs tasks on a fixed set of worker goroutines.
type Pool struct {
	logger *zap.Logger
	cfg    PoolConfig

	tasks   chan Task
	wg      sync.WaitGroup
	running atomic.Bool
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool; call Start before submitting.
func NewPool(logger *zap.Logger, cfg PoolConfig) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Pool{
		logger: logger.Named("workers").With(zap.String("pool", cfg.Name)),
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueSize),
	}
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.NumWorkers),
		zap.Int("queueSize", p.cfg.QueueSize),
	)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(ctx, logger, task)
		}
	}
}

// execute runs one task under the configured timeout, recovering panics.
func (p *Pool) execute(ctx context.Context, logger *zap.Logger, task Task) {
	taskCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				logger.Error("task panicked", zap.Any("panic", r))
				done <- fmt.Errorf("%w: %v", errTaskPanic, r)
			}
		}()
		done <- task.Execute()
	}()

	select {
	case err := <-done:
		if err != nil {
			p.failed.Add(1)
			if errors.Is(err, errTaskPanic) {
				p.observe("panic")
			} else {
				p.observe("error")
			}
			logger.Debug("task failed", zap.Error(err))
			return
		}
		p.completed.Add(1)
		p.observe("ok")
	case <-taskCtx.Done():
		p.timedOut.Add(1)
		p.observe("timeout")
		logger.Warn("task timed out", zap.Duration("timeout", p.cfg.TaskTimeout))
	}
}

func (p *Pool) observe(result string) {
	if p.cfg.Observe != nil {
		p.cfg.Observe(result)
	}
}

// Submit enqueues a task without blocking; a full queue is an error so the
// caller can surface back-pressure instead of silently stalling ticks.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc enqueues a function as a task.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// SubmitWait enqueues a task and blocks until it finishes.
func (p *Pool) SubmitWait(task Task) error {
	result := make(chan error, 1)
	err := p.Submit(TaskFunc(func() error {
		err := task.Execute()
		result <- err
		return err
	}))
	if err != nil {
		return err
	}
	return <-result
}

// Stop drains the workers, waiting up to the shutdown timeout.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether the pool accepts tasks.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:   p.submitted.Load(),
		Completed:   p.completed.Load(),
		Failed:      p.failed.Load(),
		TimedOut:    p.timedOut.Load(),
		Panics:      p.panics.Load(),
		QueueLength: len(p.tasks),
	}
}
