// Package workerpool runs lifecycle operations on a bounded set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueFull = errors.New("worker pool queue is full")
	ErrStopped   = errors.New("worker pool is stopped")
)

// Task is a unit of work. ID is the operation's correlation id.
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan Task
	logger     *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *slog.Logger
}

func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger.With("pool", cfg.Name),
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("worker pool started", "max_workers", p.maxWorkers, "queue_size", p.queueSize)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			// Drain what was accepted before Stop so no operation is left pending.
			for {
				select {
				case task := <-p.taskQueue:
					p.execute(id, task)
				default:
					return
				}
			}
		case task := <-p.taskQueue:
			p.execute(id, task)
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("task failed",
			"worker_id", workerID,
			"task_id", task.ID,
			"duration", duration,
			"error", err)
		return
	}
	atomic.AddUint64(&p.completedTasks, 1)
	p.logger.Debug("task completed",
		"worker_id", workerID,
		"task_id", task.ID,
		"duration", duration)
}

func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("task panic recovered", "task_id", task.ID, "panic", r)
		}
	}()

	if task.Context == nil {
		task.Context = context.Background()
	}
	return task.Fn(task.Context)
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("%w: %s", ErrStopped, p.name)
	default:
	}

	select {
	case p.taskQueue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("%w: %s", ErrQueueFull, p.name)
	}
}

// Stop closes the pool and waits for queued and running tasks up to timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped")
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
			p.logger.Warn("worker pool stop timeout")
		}
	})
	return err
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

// QueueUtilization returns the queue fill level as a percentage.
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.QueuedTasks) / float64(s.QueueSize) * 100.0
}
