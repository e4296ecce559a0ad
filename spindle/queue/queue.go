package queue

import (
	"context"
	"sync"
)

type Job struct {
	Run    func(ctx context.Context) error
	OnFail func(error)
}

// Queue is a bounded job queue drained by a fixed number of workers.
type Queue struct {
	jobs chan Job
	wg   sync.WaitGroup
	once sync.Once
}

func NewQueue(size int) *Queue {
	return &Queue{
		jobs: make(chan Job, size),
	}
}

// Enqueue adds job without blocking; it reports false when the queue is
// full.
func (q *Queue) Enqueue(job Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

func (q *Queue) Len() int {
	return len(q.jobs)
}

// Start runs workers until Stop is called or ctx ends. Jobs receive ctx.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}

	for range workers {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					if err := job.Run(ctx); err != nil && job.OnFail != nil {
						job.OnFail(err)
					}
				}
			}
		}()
	}
}

// Stop closes the queue and waits for the queued jobs to drain.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.jobs) })
	q.wg.Wait()
}
