package warming

import (
	"sync"
	"sync/atomic"
	"time"
)

// Worker states.
const (
	WorkerIdle    = "idle"
	WorkerBusy    = "busy"
	WorkerStopped = "stopped"
)

type poolJob struct {
	key string
	run func()
}

// WorkerPool runs jobs on a fixed number of goroutines. Submit blocks until a
// worker takes the job, so the pool never holds more than one job per worker.
type WorkerPool struct {
	workers     []*Worker
	work        chan poolJob
	activeCount atomic.Int32
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	now         func() time.Time
}

// Worker is a single pool goroutine.
type Worker struct {
	id         int
	mu         sync.RWMutex
	state      string
	currentKey string
	startedAt  *time.Time
}

// WorkerStatus is a point-in-time view of a worker.
type WorkerStatus struct {
	ID         int        `json:"id"`
	State      string     `json:"state"`
	CurrentKey string     `json:"current_key,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// NewWorkerPool starts numWorkers workers.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	pool := &WorkerPool{
		workers:  make([]*Worker, numWorkers),
		work:     make(chan poolJob),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	for i := 0; i < numWorkers; i++ {
		worker := &Worker{id: i, state: WorkerIdle}
		pool.workers[i] = worker

		pool.wg.Add(1)
		go pool.runWorker(worker)
	}
	return pool
}

// Submit hands run to the next free worker. It returns false without running
// anything once the pool is shut down.
func (p *WorkerPool) Submit(key string, run func()) bool {
	select {
	case <-p.stopChan:
		return false
	default:
	}

	select {
	case p.work <- poolJob{key: key, run: run}:
		return true
	case <-p.stopChan:
		return false
	}
}

func (p *WorkerPool) runWorker(worker *Worker) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			worker.setState(WorkerStopped)
			return

		case job := <-p.work:
			worker.startTask(job.key, p.now())
			p.activeCount.Add(1)

			job.run()

			p.activeCount.Add(-1)
			worker.finishTask()
		}
	}
}

// ActiveCount returns the number of workers currently running a job.
func (p *WorkerPool) ActiveCount() int {
	return int(p.activeCount.Load())
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// GetWorkerStatus returns the status of all workers.
func (p *WorkerPool) GetWorkerStatus() []WorkerStatus {
	status := make([]WorkerStatus, len(p.workers))
	for i, worker := range p.workers {
		worker.mu.RLock()
		status[i] = WorkerStatus{
			ID:         worker.id,
			State:      worker.state,
			CurrentKey: worker.currentKey,
			StartedAt:  worker.startedAt,
		}
		worker.mu.RUnlock()
	}
	return status
}

// Shutdown stops accepting jobs and waits for running jobs to return.
func (p *WorkerPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

func (w *Worker) startTask(key string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = WorkerBusy
	w.currentKey = key
	w.startedAt = &now
}

func (w *Worker) finishTask() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = WorkerIdle
	w.currentKey = ""
	w.startedAt = nil
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}
