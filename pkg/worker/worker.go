package worker

import (
	"sync/atomic"

	"github.com/hbomb79/Relay/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int32

	// WorkerTask is the function a worker runs repeatedly. It should
	// claim and perform a single unit of work, returning true if work
	// was performed. Returning false puts the worker to sleep until it is
	// woken by the pool. An error is logged, and does not stop the worker.
	WorkerTask func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Sleep() bool
		Close()
	}

	taskWorker struct {
		label         string
		task          WorkerTask
		wakeupChan    WorkerWakeupChan
		currentStatus atomic.Int32
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

func (s WorkerStatus) String() string {
	switch s {
	case SLEEPING:
		return "SLEEPING"
	case WORKING:
		return "WORKING"
	case FINISHED:
		return "FINISHED"
	}

	return "UNKNOWN"
}

func NewWorker(label string, task WorkerTask) *taskWorker {
	return &taskWorker{
		label:      label,
		task:       task,
		wakeupChan: make(WorkerWakeupChan, 1),
	}
}

// Start runs the workers task in a loop until the wakeup channel is
// closed. The task is run until it reports it found no work, at which
// point the worker sleeps.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker %s\n", worker.label)
	worker.setStatus(WORKING)

	for {
		didWork, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker %s reported an error (%T): %v\n", worker.label, err, err)
		}

		if didWork {
			continue
		}

		if !worker.Sleep() {
			break
		}
	}

	worker.setStatus(FINISHED)
	workerLogger.Emit(logger.STOP, "Worker %s has stopped\n", worker.label)
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.currentStatus.Load())
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the Worker by closing the WakeChan.
// Note that this does not interupt currently running
// tasks, the worker exits the next time it would sleep.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Label returns the label for this worker
func (worker *taskWorker) Label() string {
	return worker.label
}

// Sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns a boolean that
// is 'false' if the wakeup channel was closed - indicating
// the worker should quit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.setStatus(SLEEPING)

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.setStatus(WORKING)
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%v' has been closed - worker is exiting\n", worker.label)
	}

	return isAlive
}

func (worker *taskWorker) setStatus(s WorkerStatus) {
	worker.currentStatus.Store(int32(s))
}
