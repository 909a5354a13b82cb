// Package worker runs pipeline jobs on an elastic pool with per-user fair
// dispatch, so one user uploading many recordings cannot starve everyone else.
package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrDispatcherBusy means the intake queue is full and the caller should back
// off instead of blocking a request handler.
var ErrDispatcherBusy = errors.New("worker: job queue is full")

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job

	mu        sync.Mutex
	queues    map[int64]*userQueue // pending jobs per user
	ready     *list.List           // LRU of user IDs with pending jobs
	positions map[int64]*list.Element
}

func NewDispatcher(cfg DispatcherConfig, exec Executor) *Dispatcher {
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, exec)

	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		jobQueue:  make(chan Job, cfg.QueueSize),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Enqueue hands a job to the dispatcher without blocking. ErrDispatcherBusy
// is returned when the intake queue is full.
func (d *Dispatcher) Enqueue(job Job) error {
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the user at the front of the LRU
		if !d.dispatchOne() {
			job := <-d.jobQueue // nothing pending, block on intake
			d.enqueueJob(job)
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

// CancelMeeting drops any queued job for the given record. A job already
// handed to a worker keeps running.
func (d *Dispatcher) CancelMeeting(userID, meetingID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		return
	}
	kept := q.jobs[:0]
	for _, job := range q.jobs {
		if job.Meeting != nil && job.Meeting.ID == meetingID {
			continue
		}
		kept = append(kept, job)
	}
	q.jobs = kept
	if len(q.jobs) == 0 {
		delete(d.queues, userID)
		if elem, ok := d.positions[userID]; ok {
			d.ready.Remove(elem)
			delete(d.positions, userID)
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.userID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// dispatchOne pops the least recently served user and hands one of its jobs
// to an idle worker, growing the pool if needed.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		delete(d.queues, userID)
		d.ready.Remove(elem)
		delete(d.positions, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	debugLog("[dispatcher] assign meeting %d for user %d to worker-%d",
		job.Meeting.ID, userID, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}
