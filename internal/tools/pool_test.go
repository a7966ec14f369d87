package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// TestWorkerPoolRunsTasks verifies submitted tasks execute and return
// their results.
func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(2, time.Second)
	defer pool.Stop()

	res, err := pool.Submit(context.Background(), func(context.Context) *Result {
		return NewResult("done")
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.ForLLM != "done" {
		t.Errorf("result = %q, want %q", res.ForLLM, "done")
	}
}

// TestWorkerPoolTimeout verifies a task exceeding the per-task timeout
// comes back as an error result.
func TestWorkerPoolTimeout(t *testing.T) {
	pool := NewWorkerPool(1, 30*time.Millisecond)
	defer pool.Stop()

	res, err := pool.Submit(context.Background(), func(ctx context.Context) *Result {
		<-ctx.Done()
		return NewResult("finished anyway")
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.IsError {
		t.Errorf("result.IsError = false, want true after timeout")
	}
}

// TestWorkerPoolRejectsWhenBusy verifies submissions beyond the queue
// bound return ErrPoolBusy instead of queueing without limit.
func TestWorkerPoolRejectsWhenBusy(t *testing.T) {
	pool := NewWorkerPool(1, time.Second)
	defer pool.Stop()

	release := make(chan struct{})
	var wg sync.WaitGroup
	// One running task plus a full queue (capacity size*2).
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Submit(context.Background(), func(context.Context) *Result {
				<-release
				return NewResult("ok")
			})
		}()
	}
	// Wait for the worker and queue to saturate.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(pool.tasks) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := pool.Submit(context.Background(), func(context.Context) *Result {
		return NewResult("overflow")
	})
	if !errors.Is(err, ErrPoolBusy) {
		t.Errorf("Submit on full pool = %v, want ErrPoolBusy", err)
	}

	close(release)
	wg.Wait()
}

// TestWorkerPoolClosed verifies Submit after Stop fails fast.
func TestWorkerPoolClosed(t *testing.T) {
	pool := NewWorkerPool(1, time.Second)
	pool.Stop()

	_, err := pool.Submit(context.Background(), func(context.Context) *Result {
		return NewResult("late")
	})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after Stop = %v, want ErrPoolClosed", err)
	}
}
