package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vnmchuo/llm-router/internal/provider"
)

const (
	DefaultQueueDepth  = 64
	DefaultQueuePacing = 100 * time.Millisecond
)

var ErrQueueClosed = errors.New("provider queue closed")

type job struct {
	ctx context.Context
	run func(ctx context.Context)
}

type providerQueue struct {
	jobs chan job

	// stop retires the consumer once a reload drops the provider.
	stop   chan struct{}
	exited chan struct{}
}

// Queues serializes outbound calls per provider. Each provider gets a bounded channel and a
// single consumer goroutine, which waits the pacing interval after every finished call
// before taking the next one.
type Queues struct {
	depth  int
	pacing time.Duration

	mu     sync.Mutex
	queues map[string]*providerQueue
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewQueues(depth int, pacing time.Duration) *Queues {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queues{
		depth:  depth,
		pacing: pacing,
		queues: make(map[string]*providerQueue),
		done:   make(chan struct{}),
	}
}

// Do enqueues fn on the named provider's queue and waits for its result. Enqueueing blocks
// while the queue is full. If ctx ends first the caller gets ctx.Err() and any late result
// is dropped.
func (q *Queues) Do(ctx context.Context, name string, fn func(ctx context.Context) (*provider.Completion, error)) (*provider.Completion, error) {
	pq, err := q.get(name)
	if err != nil {
		return nil, err
	}

	type result struct {
		c   *provider.Completion
		err error
	}
	done := make(chan result, 1)
	j := job{
		ctx: ctx,
		run: func(ctx context.Context) {
			c, err := fn(ctx)
			done <- result{c, err}
		},
	}

	select {
	case pq.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrQueueClosed
	case <-pq.exited:
		return nil, ErrQueueClosed
	}

	select {
	case r := <-done:
		return r.c, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrQueueClosed
	case <-pq.exited:
		return nil, ErrQueueClosed
	}
}

// Retain retires the consumers of every provider not named in keep. A retired consumer
// finishes the jobs already queued and then exits.
func (q *Queues) Retain(keep []string) {
	names := make(map[string]bool, len(keep))
	for _, n := range keep {
		names[n] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for name, pq := range q.queues {
		if !names[name] {
			close(pq.stop)
			delete(q.queues, name)
		}
	}
}

// Consumers reports how many provider consumers are live.
func (q *Queues) Consumers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}

// Pending reports how many jobs wait on a provider's queue.
func (q *Queues) Pending(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pq, ok := q.queues[name]; ok {
		return len(pq.jobs)
	}
	return 0
}

// Close stops every consumer. Queued jobs are abandoned and their callers get ErrQueueClosed.
func (q *Queues) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queues) get(name string) (*providerQueue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if pq, ok := q.queues[name]; ok {
		return pq, nil
	}

	pq := &providerQueue{
		jobs:   make(chan job, q.depth),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	q.queues[name] = pq
	q.wg.Add(1)
	go q.drain(pq)
	return pq, nil
}

func (q *Queues) drain(pq *providerQueue) {
	defer q.wg.Done()
	defer close(pq.exited)
	for {
		select {
		case <-q.done:
			return
		case <-pq.stop:
			for {
				select {
				case j := <-pq.jobs:
					if !q.run(j) {
						return
					}
				default:
					return
				}
			}
		case j := <-pq.jobs:
			if !q.run(j) {
				return
			}
		}
	}
}

// run executes one job and then holds the consumer for the pacing interval. It reports
// false once the queues are closed.
func (q *Queues) run(j job) bool {
	if j.ctx.Err() != nil {
		// caller already gave up
		return true
	}
	j.run(j.ctx)
	if q.pacing <= 0 {
		return true
	}
	t := time.NewTimer(q.pacing)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.done:
		return false
	}
}
