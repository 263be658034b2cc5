package sip

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolSaturated is returned by Submit when the task queue is full.
var ErrPoolSaturated = errors.New("task pool saturated")

type task struct {
	name   string
	run    func(ctx context.Context) error
	result chan error
}

// TaskPool runs blocking sub-operations (cross-node transfers, hold
// re-homing) on a fixed set of workers. Results come back on a channel so
// callers can wait with a deadline instead of detaching fire-and-forget
// goroutines. Saturation is a visible error, not unbounded growth.
type TaskPool struct {
	tasks  chan task
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	closeOnce sync.Once
}

// NewTaskPool starts workers goroutines servicing a queue of depth queue.
func NewTaskPool(workers, queue int, logger *slog.Logger) *TaskPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &TaskPool{
		tasks:  make(chan task, queue),
		cancel: cancel,
		logger: logger.With("component", "tasks"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *TaskPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			err := p.runTask(ctx, t)
			t.result <- err
		}
	}
}

func (p *TaskPool) runTask(ctx context.Context, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "task", t.name, "panic", r)
			err = errors.New("task panicked")
		}
	}()
	return t.run(ctx)
}

// Submit queues a task and returns its result channel (capacity 1; the
// worker never blocks delivering). A full queue returns ErrPoolSaturated
// immediately.
func (p *TaskPool) Submit(name string, fn func(ctx context.Context) error) (<-chan error, error) {
	t := task{name: name, run: fn, result: make(chan error, 1)}
	select {
	case p.tasks <- t:
		return t.result, nil
	default:
		return nil, ErrPoolSaturated
	}
}

// Close stops the workers and waits for in-flight tasks to finish.
func (p *TaskPool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}
