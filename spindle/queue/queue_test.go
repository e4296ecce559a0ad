package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueRunsJobs(t *testing.T) {
	q := NewQueue(10)

	var ran atomic.Int32
	var mu sync.Mutex
	var failures []error

	boom := errors.New("boom")
	for i := range 5 {
		ok := q.Enqueue(Job{
			Run: func(context.Context) error {
				ran.Add(1)
				if i == 3 {
					return boom
				}
				return nil
			},
			OnFail: func(err error) {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			},
		})
		assert.True(t, ok)
	}

	q.Start(context.Background(), 2)
	q.Stop()

	assert.EqualValues(t, 5, ran.Load())
	assert.Equal(t, []error{boom}, failures)
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1)
	noop := Job{Run: func(context.Context) error { return nil }}

	assert.True(t, q.Enqueue(noop))
	assert.False(t, q.Enqueue(noop))
	assert.Equal(t, 1, q.Len())
}

func TestQueueStopsWithContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx, 3)
	cancel()
	q.Stop()
}
