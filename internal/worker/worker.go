package worker

import (
	"context"

	"meetscribe/internal/models"
)

type jobKind int

const (
	jobRun jobKind = iota
	jobStop
)

// Job is one pipeline run for an already claimed record.
type Job struct {
	kind    jobKind
	Meeting *models.Meeting
}

func (job Job) userID() int64 {
	if job.Meeting == nil {
		return 0
	}
	return job.Meeting.UserID
}

// Executor runs the processing pipeline for one record and writes the
// terminal status itself.
type Executor interface {
	Run(ctx context.Context, m *models.Meeting) error
}

type Worker struct {
	pool       *jobChannelPool
	exec       Executor
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, exec Executor) *Worker {
	return &Worker{
		pool:       pool,
		exec:       exec,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			if job.kind == jobStop {
				w.pool.retire(w.jobChannel)
				return
			}
			// The pipeline reports failures through the record status,
			// so the returned error is already logged downstream.
			_ = w.exec.Run(context.Background(), job.Meeting)
		}
	}()
}
