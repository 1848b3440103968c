package taskmanager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrStopped is returned when a task is submitted after Stop.
	ErrStopped = errors.New("taskmanager: stopped")
	// ErrQueueFull is returned when every worker is busy and the queue is full.
	ErrQueueFull = errors.New("taskmanager: queue full")
)

// Task is a unit of work. ctx is cancelled when the manager stops.
type Task func(ctx context.Context)

// TaskManager runs tasks on a fixed number of workers fed by a bounded queue.
type TaskManager struct {
	tasks      chan Task
	numWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger

	mu      sync.RWMutex
	stopped bool
	started bool
}

func NewTaskManager(numWorkers int, bufferSize int, logger *slog.Logger) *TaskManager {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if bufferSize < 0 {
		bufferSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskManager{
		tasks:      make(chan Task, bufferSize),
		numWorkers: numWorkers,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

func (tm *TaskManager) Start() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.started || tm.stopped {
		return
	}
	tm.started = true
	for i := 0; i < tm.numWorkers; i++ {
		tm.wg.Add(1)
		go tm.worker(i)
	}
}

func (tm *TaskManager) worker(workerID int) {
	defer tm.wg.Done()
	for {
		select {
		case <-tm.ctx.Done():
			// Queued tasks still run so they can record their outcome.
			for {
				select {
				case task := <-tm.tasks:
					tm.run(workerID, task)
				default:
					tm.logger.Debug("worker exiting", "worker", workerID)
					return
				}
			}
		case task := <-tm.tasks:
			tm.run(workerID, task)
		}
	}
}

func (tm *TaskManager) run(workerID int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			tm.logger.Error("task panicked", "worker", workerID, "panic", r)
		}
	}()
	task(tm.ctx)
}

// AddTask queues task without blocking.
func (tm *TaskManager) AddTask(task Task) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.stopped {
		return ErrStopped
	}
	select {
	case tm.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports the number of queued tasks not yet picked up by a worker.
func (tm *TaskManager) Pending() int {
	return len(tm.tasks)
}

// Stop cancels running tasks, drains the queue and waits for workers.
func (tm *TaskManager) Stop() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	started := tm.started
	tm.mu.Unlock()

	tm.cancel()
	if !started {
		return
	}
	tm.wg.Wait()
	tm.logger.Info("all workers stopped")
}
