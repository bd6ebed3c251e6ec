package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-router/internal/provider"
)

func TestQueues_OneInFlightPerProvider(t *testing.T) {
	q := NewQueues(0, 0)
	defer q.Close()

	tr := okTransport("ok")
	tr.delay = 10 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Do(context.Background(), "a", func(ctx context.Context) (*provider.Completion, error) {
				return tr.Send(ctx, userMessage("hi"), provider.Params{})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, tr.Calls())
	assert.EqualValues(t, 1, tr.maxInFlight.Load())
}

func TestQueues_ProvidersRunInParallel(t *testing.T) {
	q := NewQueues(0, 0)
	defer q.Close()

	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()

	run := func(name string) error {
		_, err := q.Do(context.Background(), name, func(ctx context.Context) (*provider.Completion, error) {
			started.Done()
			select {
			case <-both:
				return &provider.Completion{Content: name}, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("other provider never started")
			}
		})
		return err
	}

	errs := make(chan error, 2)
	go func() { errs <- run("a") }()
	go func() { errs <- run("b") }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestQueues_PacingFollowsCallCompletion(t *testing.T) {
	const (
		pacing = 50 * time.Millisecond
		work   = 80 * time.Millisecond
	)
	q := NewQueues(0, pacing)
	defer q.Close()

	var mu sync.Mutex
	var starts, ends []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Do(context.Background(), "a", func(ctx context.Context) (*provider.Completion, error) {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				time.Sleep(work)
				mu.Lock()
				ends = append(ends, time.Now())
				mu.Unlock()
				return &provider.Completion{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, starts, 3)
	require.Len(t, ends, 3)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(ends[i-1]), pacing-5*time.Millisecond)
	}
}

func TestQueues_RetainRetiresDroppedProviders(t *testing.T) {
	q := NewQueues(0, 0)
	defer q.Close()

	noop := func(ctx context.Context) (*provider.Completion, error) {
		return &provider.Completion{}, nil
	}
	for _, name := range []string{"a", "b"} {
		_, err := q.Do(context.Background(), name, noop)
		require.NoError(t, err)
	}
	require.Equal(t, 2, q.Consumers())

	q.Retain([]string{"a"})
	assert.Equal(t, 1, q.Consumers())

	// a dropped name that comes back gets a fresh consumer
	_, err := q.Do(context.Background(), "b", noop)
	require.NoError(t, err)
	assert.Equal(t, 2, q.Consumers())
}

func TestQueues_RetiredConsumerFinishesQueuedJobs(t *testing.T) {
	q := NewQueues(0, 0)
	defer q.Close()

	release := make(chan struct{})
	running := make(chan struct{})
	errs := make(chan error, 2)
	go func() {
		_, err := q.Do(context.Background(), "a", func(ctx context.Context) (*provider.Completion, error) {
			close(running)
			<-release
			return &provider.Completion{}, nil
		})
		errs <- err
	}()
	<-running

	go func() {
		_, err := q.Do(context.Background(), "a", func(ctx context.Context) (*provider.Completion, error) {
			return &provider.Completion{}, nil
		})
		errs <- err
	}()
	require.Eventually(t, func() bool { return q.Pending("a") == 1 }, time.Second, time.Millisecond)

	q.Retain(nil)
	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 0, q.Consumers())
}

func TestQueues_CancelWhileQueued(t *testing.T) {
	q := NewQueues(0, 0)
	defer q.Close()

	release := make(chan struct{})
	running := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := q.Do(context.Background(), "a", func(ctx context.Context) (*provider.Completion, error) {
			close(running)
			<-release
			return &provider.Completion{}, nil
		})
		firstDone <- err
	}()
	<-running

	var ranQueued atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Do(ctx, "a", func(ctx context.Context) (*provider.Completion, error) {
		ranQueued.Store(true)
		return &provider.Completion{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-firstDone)

	// a later job proves the abandoned one was consumed and skipped
	_, err = q.Do(context.Background(), "a", func(ctx context.Context) (*provider.Completion, error) {
		return &provider.Completion{}, nil
	})
	require.NoError(t, err)
	assert.False(t, ranQueued.Load())
	assert.Equal(t, 0, q.Pending("a"))
}

func TestQueues_Close(t *testing.T) {
	q := NewQueues(0, 0)
	_, err := q.Do(context.Background(), "a", func(ctx context.Context) (*provider.Completion, error) {
		return &provider.Completion{}, nil
	})
	require.NoError(t, err)

	q.Close()
	q.Close()

	_, err = q.Do(context.Background(), "a", func(ctx context.Context) (*provider.Completion, error) {
		return &provider.Completion{}, nil
	})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
