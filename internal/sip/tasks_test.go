package sip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestPool(workers, queue int) *TaskPool {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTaskPool(workers, queue, logger)
}

func TestTaskPoolSubmit(t *testing.T) {
	p := newTestPool(2, 4)
	defer p.Close()

	done, err := p.Submit("ok", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("task returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task result never delivered")
	}

	wantErr := errors.New("boom")
	done, err = p.Submit("fail", func(ctx context.Context) error { return wantErr })
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := <-done; !errors.Is(got, wantErr) {
		t.Fatalf("task error = %v, want %v", got, wantErr)
	}
}

func TestTaskPoolSaturation(t *testing.T) {
	p := newTestPool(1, 1)
	defer p.Close()

	block := make(chan struct{})
	// Occupy the single worker.
	if _, err := p.Submit("blocker", func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Fill the queue; the worker may have already pulled the blocker, so
	// allow one extra submit before saturation must hit.
	saturated := false
	for i := 0; i < 3; i++ {
		if _, err := p.Submit("fill", func(ctx context.Context) error { return nil }); err != nil {
			if !errors.Is(err, ErrPoolSaturated) {
				t.Fatalf("err = %v, want ErrPoolSaturated", err)
			}
			saturated = true
			break
		}
	}
	if !saturated {
		t.Fatal("pool never reported saturation")
	}
	close(block)
}

func TestTaskPoolPanicRecovery(t *testing.T) {
	p := newTestPool(1, 2)
	defer p.Close()

	done, err := p.Submit("panics", func(ctx context.Context) error {
		panic("exploded")
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("panicking task reported success")
		}
	case <-time.After(time.Second):
		t.Fatal("panicking task killed the worker")
	}

	// The worker must survive the panic.
	done, err = p.Submit("after", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Submit after panic failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("task after panic returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not recover after panic")
	}
}

func TestTaskPoolClose(t *testing.T) {
	p := newTestPool(2, 2)
	p.Close()
	// Close is idempotent.
	p.Close()
}
