package analysis

import (
	"context"
	"sync"

	"github.com/libcrowds/analyst/internal/monitoring"
)

// Job is one unit of queued analysis work: either a single task or a whole
// project fan-out.
type Job struct {
	TaskID    string
	ProjectID string
	// EmptyOnly restricts a project job to tasks without a stored result.
	EmptyOnly bool
	// Silent suppresses comment notifications (administrative re-runs).
	Silent bool
}

// Queue dispatches analysis jobs to a fixed pool of workers. Webhook and
// admin triggers enqueue; workers drain until Stop or context cancellation.
type Queue struct {
	analyst *Analyst
	jobs    chan Job
	workers int

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewQueue returns a queue feeding the analyst with the given worker count
// and buffer depth.
func NewQueue(a *Analyst, workers, depth int) *Queue {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	return &Queue{
		analyst: a,
		jobs:    make(chan Job, depth),
		workers: workers,
		stop:    make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.run(ctx)
		}()
	}
}

// Enqueue offers a job to the pool without blocking. It reports false when
// the queue is full or stopped; callers surface that as backpressure.
func (q *Queue) Enqueue(job Job) bool {
	select {
	case <-q.stop:
		return false
	default:
	}
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop requests the workers to finish the jobs already queued and waits for
// them to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	for {
		select {
		case job := <-q.jobs:
			q.dispatch(ctx, job)
		case <-q.stop:
			// Drain what was accepted before the stop.
			for {
				select {
				case job := <-q.jobs:
					q.dispatch(ctx, job)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, job Job) {
	var err error
	switch {
	case job.TaskID != "":
		err = q.analyst.analyse(ctx, job.TaskID, job.Silent)
	case job.EmptyOnly:
		err = q.analyst.AnalyseEmpty(ctx, job.ProjectID)
	case job.ProjectID != "":
		err = q.analyst.AnalyseAll(ctx, job.ProjectID)
	default:
		monitoring.Logf("dropping empty analysis job")
		return
	}
	if err != nil {
		monitoring.Logf("analysis job %+v failed: %v", job, err)
	}
}
