package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// Pool runs tasks on a fixed set of goroutines. Tasks receive a context that is
// canceled when the pool stops.
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	tasks      chan Task
	logger     *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// New starts a pool
func New(cfg *Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		tasks:      make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case task := <-p.tasks:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeRun(task)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.String("task_id", task.ID),
		zap.Duration("duration", time.Since(start)))
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(p.ctx)
}

// Submit queues a task without blocking; it fails when the queue is full or the pool stopped
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopped:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	select {
	case p.tasks <- task:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// Stop cancels running tasks' context and waits for workers up to timeout.
// Queued tasks that have not started are dropped.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

// Stats is a snapshot of pool counters
type Stats struct {
	Name      string
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.tasks),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}
