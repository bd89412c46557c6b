package server

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWorkerPool_Do(t *testing.T) {
	pool := NewWorkerPool(2, 4, zerolog.Nop())
	defer pool.Close()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if err := pool.Do(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Do() error = %v", err)
		}
	}
	if ran.Load() != 10 {
		t.Errorf("ran %d jobs, want 10", ran.Load())
	}

	want := stderrors.New("boom")
	if err := pool.Do(context.Background(), func(context.Context) error { return want }); !stderrors.Is(err, want) {
		t.Errorf("Do() error = %v, want %v", err, want)
	}
}

func TestWorkerPool_RecoversPanic(t *testing.T) {
	pool := NewWorkerPool(1, 0, zerolog.Nop())
	defer pool.Close()

	err := pool.Do(context.Background(), func(context.Context) error { panic("bad outcome table") })
	if err == nil {
		t.Fatal("Expected an error from a panicking job")
	}
	if err := pool.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("worker did not survive the panic: %v", err)
	}
}

func TestWorkerPool_CancelledContextSkipsJob(t *testing.T) {
	pool := NewWorkerPool(1, 1, zerolog.Nop())
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := pool.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("job ran with a cancelled context")
	}
}

func TestWorkerPool_CallerStopsWaitingJobFinishes(t *testing.T) {
	pool := NewWorkerPool(1, 0, zerolog.Nop())

	finished := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Do(ctx, func(context.Context) error {
		time.Sleep(60 * time.Millisecond)
		close(finished)
		return nil
	})
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want deadline exceeded", err)
	}

	pool.Close()
	select {
	case <-finished:
	default:
		t.Error("Close returned before the running job finished")
	}
}

func TestWorkerPool_Closed(t *testing.T) {
	pool := NewWorkerPool(1, 0, zerolog.Nop())
	pool.Close()
	pool.Close()
	if err := pool.Do(context.Background(), func(context.Context) error { return nil }); !stderrors.Is(err, ErrPoolClosed) {
		t.Errorf("Do() after Close error = %v, want ErrPoolClosed", err)
	}
}
