package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunPreservesOrder(t *testing.T) {
	var running, peak atomic.Int32
	tasks := make([]*Task, 10)
	for i := range tasks {
		tasks[i] = &Task{
			ID: fmt.Sprintf("task-%d", i),
			Run: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		}
	}

	results, err := Run(context.Background(), Config{Workers: 3}, nil, tasks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, r := range results {
		if r.TaskID != tasks[i].ID || r.Err != nil || r.Attempts != 1 {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestRetries(t *testing.T) {
	var calls atomic.Int32
	flaky := &Task{ID: "flaky", Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("temporary")
		}
		return nil
	}}
	fatal := errors.New("bad request")
	permanent := &Task{ID: "permanent", Run: func(context.Context) error { return fatal }}

	cfg := Config{
		Workers:    2,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, fatal) },
	}
	results, err := Run(context.Background(), cfg, nil, []*Task{flaky, permanent})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Err != nil || results[0].Attempts != 3 {
		t.Errorf("flaky = %+v", results[0])
	}
	if !errors.Is(results[1].Err, fatal) || results[1].Attempts != 1 {
		t.Errorf("permanent = %+v", results[1])
	}
}

func TestRetriesExhausted(t *testing.T) {
	task := &Task{ID: "down", Run: func(context.Context) error { return errors.New("unavailable") }}
	results, _ := Run(context.Background(), Config{MaxRetries: 1, RetryDelay: time.Millisecond}, nil, []*Task{task})
	if results[0].Err == nil || results[0].Attempts != 2 {
		t.Errorf("result = %+v", results[0])
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	p.Start()
	p.Stop()
	err := p.Submit(&Task{ID: "late", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

func TestQueueFull(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, nil)
	noop := func(context.Context) error { return nil }
	if err := p.Submit(&Task{ID: "a", Run: noop}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(&Task{ID: "b", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	p.Start()
	go p.Stop()
	for range p.Results() {
	}
	if s := p.Stats(); s.TasksSubmitted != 1 || s.TasksCompleted != 1 {
		t.Errorf("stats = %+v", s)
	}
}
