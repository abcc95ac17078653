package workerpool

import (
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of work run by the pool.
type Task func()

// Pool runs submitted tasks on a fixed number of goroutines.
// Used for work that must not block a connection's read loop, such as web push delivery.
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	logger    *zap.Logger
}

// New starts a pool with the given number of workers and queue capacity.
func New(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		logger:    logger.With(zap.String("component", "workerpool")),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("worker pool started",
		zap.Int("workers", workers),
		zap.Int("queue_size", queueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("task panic recovered",
						zap.Int("worker_id", id),
						zap.Any("panic", r))
				}
			}()
			task()
		}()
	}
}

// Submit queues a task, blocking while the queue is full.
// It returns false once the pool is shutting down.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.taskQueue <- task
	return true
}

// TrySubmit queues a task without blocking; false when the queue is full or closed.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool shutdown completed")
}
