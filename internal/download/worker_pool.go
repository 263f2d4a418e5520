package download

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trackline/trackline/internal/monitoring"
	"github.com/trackline/trackline/internal/track"
)

// Task represents a background cache-warming task
type Task struct {
	ID         string // cache key of the track
	OwnerID    string
	Track      *track.Track
	RetryCount int
	ctx        context.Context
	cancel     context.CancelFunc
}

// Result represents the result of a task execution
type Result struct {
	TaskID  string
	OwnerID string
	Success bool
	Error   error
}

// WorkerPool manages a pool of worker goroutines for background tasks
type WorkerPool struct {
	maxWorkers  int
	tasks       chan *Task
	results     chan *Result
	activeTasks sync.Map // map[string]*Task
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	handler     TaskHandler
	logger      *zap.Logger
	mu          sync.RWMutex
	started     bool
}

// TaskHandler is a function that processes a task
type TaskHandler func(ctx context.Context, task *Task) error

// NewWorkerPool creates a new worker pool
func NewWorkerPool(maxWorkers int, handler TaskHandler, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 2
	}

	return &WorkerPool{
		maxWorkers: maxWorkers,
		tasks:      make(chan *Task, 64),
		results:    make(chan *Result, maxWorkers*10),
		handler:    handler,
		logger:     monitoring.Named(logger, "workers"),
		started:    false,
	}
}

// Start spawns worker goroutines and begins processing tasks
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}

	if wp.handler == nil {
		return fmt.Errorf("task handler not set")
	}

	wp.ctx, wp.cancel = context.WithCancel(ctx)

	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.started = true
	return nil
}

// worker is the main worker goroutine that processes tasks
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.logger.Debug("Worker started", zap.Int("worker", id))

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug("Worker shutting down", zap.Int("worker", id), zap.Error(wp.ctx.Err()))
			return

		case task, ok := <-wp.tasks:
			if !ok {
				return
			}
			wp.processTask(task)
		}
	}
}

// processTask processes a single task
func (wp *WorkerPool) processTask(task *Task) {
	if task.ctx.Err() != nil {
		// cancelled while queued
		wp.sendResult(&Result{TaskID: task.ID, OwnerID: task.OwnerID, Error: task.ctx.Err()})
		return
	}

	wp.activeTasks.Store(task.ID, task)
	defer wp.activeTasks.Delete(task.ID)
	defer task.cancel()

	err := wp.handler(task.ctx, task)

	wp.sendResult(&Result{
		TaskID:  task.ID,
		OwnerID: task.OwnerID,
		Success: err == nil,
		Error:   err,
	})
}

func (wp *WorkerPool) sendResult(result *Result) {
	select {
	case wp.results <- result:
	case <-wp.ctx.Done():
	}
}

// Submit queues a task without blocking. It fails when the pool is stopped or full.
func (wp *WorkerPool) Submit(task *Task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.started {
		return fmt.Errorf("worker pool not started")
	}

	task.ctx, task.cancel = context.WithCancel(wp.ctx)

	select {
	case wp.tasks <- task:
		return nil
	case <-wp.ctx.Done():
		task.cancel()
		return fmt.Errorf("worker pool is shutting down")
	default:
		task.cancel()
		return fmt.Errorf("worker pool queue is full")
	}
}

// Stop gracefully stops the worker pool
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	wp.mu.Unlock()

	wp.CancelAll()
	wp.cancel()
	close(wp.tasks)
	wp.wg.Wait()
	close(wp.results)
}

// Results returns the results channel
func (wp *WorkerPool) Results() <-chan *Result {
	return wp.results
}

// CancelTask cancels a specific running task by ID
func (wp *WorkerPool) CancelTask(taskID string) error {
	value, ok := wp.activeTasks.Load(taskID)
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	task, ok := value.(*Task)
	if !ok {
		return fmt.Errorf("invalid task type for ID: %s", taskID)
	}

	if task.cancel != nil {
		task.cancel()
	}

	return nil
}

// CancelOwner cancels the running tasks submitted by ownerID and returns how many there were
func (wp *WorkerPool) CancelOwner(ownerID string) int {
	count := 0
	wp.activeTasks.Range(func(key, value interface{}) bool {
		if task, ok := value.(*Task); ok && task.OwnerID == ownerID && task.cancel != nil {
			task.cancel()
			count++
		}
		return true
	})
	return count
}

// CancelAll cancels all running tasks and drains the queue
func (wp *WorkerPool) CancelAll() {
	wp.activeTasks.Range(func(key, value interface{}) bool {
		if task, ok := value.(*Task); ok && task.cancel != nil {
			task.cancel()
		}
		return true
	})

	drained := 0
	for {
		select {
		case task, ok := <-wp.tasks:
			if !ok {
				return
			}
			task.cancel()
			drained++
		default:
			if drained > 0 {
				wp.logger.Info("Drained pending tasks", zap.Int("count", drained))
			}
			return
		}
	}
}

// ActiveCount returns the number of currently running tasks
func (wp *WorkerPool) ActiveCount() int {
	count := 0
	wp.activeTasks.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// IsActive checks if a task is currently running
func (wp *WorkerPool) IsActive(taskID string) bool {
	_, ok := wp.activeTasks.Load(taskID)
	return ok
}

// SetMaxWorkers updates the maximum number of workers (requires restart)
func (wp *WorkerPool) SetMaxWorkers(maxWorkers int) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("cannot change max workers while pool is running")
	}

	if maxWorkers <= 0 {
		return fmt.Errorf("max workers must be greater than 0")
	}

	wp.maxWorkers = maxWorkers
	return nil
}

// MaxWorkers returns the maximum number of workers
func (wp *WorkerPool) MaxWorkers() int {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.maxWorkers
}
