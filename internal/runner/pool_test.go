package runner_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/signalnine/driverbench/internal/runner"
)

func TestPool(t *testing.T) {
	defer goleak.VerifyNone(t)

	var count atomic.Int32
	jobs := make([]runner.Job, 10)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			count.Add(1)
			return nil
		}
	}
	errs := runner.RunPool(context.Background(), 3, jobs)
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
	if count.Load() != 10 {
		t.Errorf("expected 10 jobs, got %d", count.Load())
	}
}

func TestPoolWithErrors(t *testing.T) {
	jobs := []runner.Job{
		func(context.Context) error { return nil },
		func(context.Context) error { return fmt.Errorf("fail") },
		func(context.Context) error { return nil },
	}
	errs := runner.RunPool(context.Background(), 2, jobs)
	if len(errs) != 1 {
		t.Errorf("expected 1 error, got %d", len(errs))
	}
}

func TestPoolRespectsLimit(t *testing.T) {
	var active, peak atomic.Int32
	jobs := make([]runner.Job, 12)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil
		}
	}
	runner.RunPool(context.Background(), 4, jobs)
	if peak.Load() > 4 {
		t.Errorf("peak concurrency %d exceeds 4 workers", peak.Load())
	}
}

func TestPoolSkipsJobsAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var started atomic.Int32
	jobs := make([]runner.Job, 10)
	for i := range jobs {
		jobs[i] = func(ctx context.Context) error {
			if started.Add(1) == 1 {
				cancel()
			}
			<-ctx.Done()
			return ctx.Err()
		}
	}
	errs := runner.RunPool(ctx, 1, jobs)
	if started.Load() != 1 {
		t.Errorf("expected 1 started job, got %d", started.Load())
	}
	if len(errs) != 1 {
		t.Errorf("expected 1 error, got %d", len(errs))
	}
}
