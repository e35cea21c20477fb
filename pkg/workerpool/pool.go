// Package workerpool provides a bounded worker pool for controlled concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit after Stop
var ErrPoolClosed = errors.New("pool is shutting down")

// ErrQueueFull is returned by Submit when the queue has no room
var ErrQueueFull = errors.New("task queue is full")

// Task is a unit of work
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Result is the outcome of a task
type Result struct {
	TaskID   string
	Err      error
	Attempts int
	Duration time.Duration
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of retries after a failed attempt
	MaxRetries int
	// RetryDelay grows linearly with each attempt
	RetryDelay time.Duration
	// Retryable decides whether a failed attempt is retried. Nil retries every error.
	Retryable func(error) bool
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a handful of API calls
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               64,
		MaxRetries:              2,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed number of workers
type Pool struct {
	config Config
	logger *zap.Logger

	taskChan   chan *Task
	resultChan chan Result
	wg         sync.WaitGroup
	stopOnce   sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a worker pool. Workers are started by Start.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     cfg,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without blocking
func (p *Pool) Submit(task *Task) error {
	if task == nil || task.Run == nil {
		return errors.New("task has no function")
	}
	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results delivers one Result per task. Consumers must drain it; workers
// block while it is full.
func (p *Pool) Results() <-chan Result {
	return p.resultChan
}

// Stop waits for queued tasks to finish and closes Results. In-flight tasks
// are cancelled when the shutdown timeout elapses.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.taskChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out, cancelling tasks")
			p.cancel()
			<-done
		}
		p.cancel()
		close(p.resultChan)
	})
}

// Run executes tasks on a fresh pool and returns their results in task
// order. Task IDs must be unique.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, tasks []*Task) ([]Result, error) {
	if cfg.QueueSize < len(tasks) {
		cfg.QueueSize = len(tasks)
	}
	p := New(cfg, logger)
	stop := context.AfterFunc(ctx, p.cancel)
	defer stop()

	p.Start()
	for _, t := range tasks {
		if err := p.Submit(t); err != nil {
			p.Stop()
			return nil, fmt.Errorf("submit %s: %w", t.ID, err)
		}
	}

	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}
	results := make([]Result, len(tasks))
	go p.Stop()
	for r := range p.Results() {
		results[index[r.TaskID]] = r
	}
	return results, ctx.Err()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		result := p.process(task)
		if result.Err != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", result.Attempts),
				zap.Error(result.Err))
		} else {
			atomic.AddInt64(&p.tasksCompleted, 1)
		}
		p.resultChan <- result
	}
}

// process runs a task with retries
func (p *Pool) process(task *Task) Result {
	start := time.Now()
	result := Result{TaskID: task.ID}

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := p.ctx.Err(); err != nil {
			result.Err = err
			break
		}

		result.Attempts++
		result.Err = task.Run(p.ctx)
		if result.Err == nil {
			break
		}
		if p.config.Retryable != nil && !p.config.Retryable(result.Err) {
			break
		}
		if attempt == p.config.MaxRetries {
			result.Err = fmt.Errorf("task failed after %d attempts: %w", result.Attempts, result.Err)
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(result.Err))

		select {
		case <-p.ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	result.Duration = time.Since(start)
	return result
}

// Stats is a point-in-time view of the pool
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}
