package router

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-router/internal/provider"
)

func entryFor(name string, tr provider.Transport) *Entry {
	return &Entry{Profile: profile(name, 128000, 1), Transport: tr}
}

func TestExecute_Success(t *testing.T) {
	x, metrics, rec := newTestExecutor()
	tr := okTransport("hi")

	c, err := x.Execute(context.Background(), entryFor("p", tr), ChatRequest{Messages: userMessage("hello")}, 0)
	require.NoError(t, err)
	assert.Equal(t, "hi", c.Content)
	assert.Equal(t, 1, tr.Calls())
	assert.Empty(t, rec.Delays())

	m, _ := metrics.Get("p")
	assert.EqualValues(t, 1, m.TotalRequests)
	assert.EqualValues(t, 1, m.SuccessfulRequests)
	assert.EqualValues(t, 30, m.TotalTokens)
}

func TestExecute_BadRequestIsFatal(t *testing.T) {
	x, metrics, rec := newTestExecutor()
	tr := failingTransport(http.StatusBadRequest)

	_, err := x.Execute(context.Background(), entryFor("p", tr), ChatRequest{Messages: userMessage("hello")}, 0)
	var fatal *FatalProviderError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "p", fatal.Provider)
	assert.Equal(t, 1, tr.Calls())
	assert.Empty(t, rec.Delays())

	m, _ := metrics.Get("p")
	assert.EqualValues(t, 1, m.TotalRequests)
	assert.EqualValues(t, 1, m.FailedRequests)
	assert.EqualValues(t, 1, m.ErrorCounts[ClassBadRequest])
}

func TestExecute_RateLimitedBackoff(t *testing.T) {
	x, metrics, rec := newTestExecutor()
	tr := failingTransport(http.StatusTooManyRequests)

	_, err := x.Execute(context.Background(), entryFor("p", tr), ChatRequest{Messages: userMessage("hello")}, 0)
	var retryable *RetryableProviderError
	require.True(t, errors.As(err, &retryable))
	assert.True(t, retryable.Exhausted)
	assert.Equal(t, 3, retryable.Attempts)
	assert.Equal(t, ClassRateLimited, retryable.Class)

	assert.Equal(t, 3, tr.Calls())
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, rec.Delays())

	m, _ := metrics.Get("p")
	assert.EqualValues(t, 1, m.TotalRequests, "metrics recorded once per logical call")
	assert.EqualValues(t, 1, m.ErrorCounts[ClassRateLimited])
}

func TestExecute_RetryAfterHeaderWins(t *testing.T) {
	x, _, rec := newTestExecutor()
	tr := &MockTransport{results: []mockResult{
		{err: statusErr(http.StatusTooManyRequests, 5*time.Second)},
		{completion: &provider.Completion{Content: "ok"}},
	}}

	c, err := x.Execute(context.Background(), entryFor("p", tr), ChatRequest{Messages: userMessage("hello")}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", c.Content)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.Delays())
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name    string
		class   ErrorClass
		attempt int
		err     error
		want    time.Duration
	}{
		{"rate limited first", ClassRateLimited, 0, statusErr(429, 0), time.Second},
		{"rate limited second", ClassRateLimited, 1, statusErr(429, 0), 2 * time.Second},
		{"rate limited retry-after", ClassRateLimited, 1, statusErr(429, 7*time.Second), 7 * time.Second},
		{"gateway timeout", ClassTimeout, 1, statusErr(504, 0), 2 * time.Second},
		{"timeout capped", ClassTimeout, 8, errAttemptTimeout, 120 * time.Second},
		{"unavailable", ClassUnavailable, 2, statusErr(503, 0), 4 * time.Second},
		{"unknown", ClassUnknown, 0, errors.New("boom"), time.Second},
		{"bad request", ClassBadRequest, 0, statusErr(400, 0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryDelay(tt.class, tt.attempt, tt.err))
		})
	}
}

func TestExecute_TimeoutIsRetried(t *testing.T) {
	x, metrics, rec := newTestExecutor()
	tr := okTransport("late")
	tr.delay = 200 * time.Millisecond

	_, err := x.Execute(context.Background(), entryFor("slow", tr), ChatRequest{Messages: userMessage("hello")}, 20*time.Millisecond)
	var retryable *RetryableProviderError
	require.True(t, errors.As(err, &retryable))
	assert.Equal(t, ClassTimeout, retryable.Class)
	assert.True(t, errors.Is(err, errAttemptTimeout))
	assert.Equal(t, 3, tr.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.Delays())

	m, _ := metrics.Get("slow")
	assert.EqualValues(t, 1, m.ErrorCounts[ClassTimeout])
}

func TestExecute_RecoversAfterTransientFailure(t *testing.T) {
	x, metrics, rec := newTestExecutor()
	tr := &MockTransport{results: []mockResult{
		{err: statusErr(http.StatusServiceUnavailable, 0)},
		{err: statusErr(http.StatusGatewayTimeout, 0)},
		{completion: &provider.Completion{Content: "third time"}},
	}}

	c, err := x.Execute(context.Background(), entryFor("p", tr), ChatRequest{Messages: userMessage("hello")}, 0)
	require.NoError(t, err)
	assert.Equal(t, "third time", c.Content)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.Delays())

	m, _ := metrics.Get("p")
	assert.EqualValues(t, 1, m.TotalRequests)
	assert.EqualValues(t, 1, m.SuccessfulRequests)
	assert.EqualValues(t, 0, m.FailedRequests)
}

func TestExecute_CallerCancellation(t *testing.T) {
	x, metrics, _ := newTestExecutor()
	tr := okTransport("never")
	tr.delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := x.Execute(ctx, entryFor("p", tr), ChatRequest{Messages: userMessage("hello")}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, tr.Calls())

	m, _ := metrics.Get("p")
	assert.EqualValues(t, 1, m.FailedRequests)
}

func TestExecute_RecordsRateLimitRemaining(t *testing.T) {
	x, metrics, _ := newTestExecutor()
	tr := &MockTransport{results: []mockResult{
		{completion: &provider.Completion{Content: "ok", RateLimitRemaining: floatPtr(0.1)}},
	}}

	_, err := x.Execute(context.Background(), entryFor("p", tr), ChatRequest{Messages: userMessage("hello")}, 0)
	require.NoError(t, err)

	m, _ := metrics.Get("p")
	require.NotNil(t, m.RateLimitRemaining)
	assert.InDelta(t, 0.1, *m.RateLimitRemaining, 1e-9)
}
