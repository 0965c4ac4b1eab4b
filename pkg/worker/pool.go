package worker

import (
	"errors"
	"sync"
)

var (
	ErrPoolStarted    = errors.New("worker pool already started")
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// WorkerPool owns a set of workers and the WaitGroup tracking
// their goroutines.
type WorkerPool struct {
	mu      sync.Mutex
	workers []Worker
	wg      sync.WaitGroup
	started bool
}

// NewWorkerPool creates a new WorkerPool struct
// and initialises the 'workers' slice.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start creates a goroutine for each worker in the pool.
//
// Start does NOT block; use Close to stop the workers and
// wait for them to exit.
func (pool *WorkerPool) Start() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.started {
		return ErrPoolStarted
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.wg.Add(1)
		go func(w Worker) {
			defer pool.wg.Done()
			w.Start()
		}(worker)
	}

	return nil
}

// PushWorker inserts the workers provided in to the pool. Workers
// cannot be added once the pool has started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.started {
		return ErrPoolStarted
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers signals every worker in the pool. Workers that are
// busy will find the signal waiting when they next sleep, so work
// queued while they were busy is not missed.
func (pool *WorkerPool) WakeupWorkers() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if !pool.started {
		return ErrPoolNotStarted
	}

	for _, w := range pool.workers {
		select {
		case w.WakeupChan() <- 1:
		default:
		}
	}

	return nil
}

// Size returns the number of workers in the pool.
func (pool *WorkerPool) Size() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.workers)
}

// Close closes the wakeup channel of each worker and then waits for
// every worker to exit.
func (pool *WorkerPool) Close() {
	pool.mu.Lock()
	if !pool.started {
		pool.mu.Unlock()
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.started = false
	pool.mu.Unlock()

	pool.wg.Wait()
}
