package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-router/internal/provider"
)

type mockResult struct {
	completion *provider.Completion
	err        error
}

// MockTransport replays scripted results; the last one repeats.
type MockTransport struct {
	mu      sync.Mutex
	results []mockResult
	calls   int
	models  []string
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func okTransport(content string) *MockTransport {
	return &MockTransport{results: []mockResult{{completion: &provider.Completion{
		Content:      content,
		Model:        "mock-model",
		FinishReason: "stop",
		Usage:        &provider.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}}}}
}

func failingTransport(status int) *MockTransport {
	return &MockTransport{results: []mockResult{{err: statusErr(status, 0)}}}
}

func statusErr(status int, retryAfter time.Duration) error {
	return &provider.StatusError{
		Provider:   "mock",
		StatusCode: status,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("%s", http.StatusText(status)),
	}
}

func (m *MockTransport) Send(ctx context.Context, messages []provider.Message, params provider.Params) (*provider.Completion, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	m.mu.Lock()
	idx := m.calls
	if idx >= len(m.results) {
		idx = len(m.results) - 1
	}
	r := m.results[idx]
	m.calls++
	m.models = append(m.models, params.Model)
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.completion, r.err
}

func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Models lists the model override each call received.
func (m *MockTransport) Models() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.models...)
}

func profile(name string, window, priority int) provider.Profile {
	return provider.Profile{
		Name:          name,
		Type:          provider.TypeOpenAI,
		APIKey:        "test",
		Model:         name + "-model",
		ContextWindow: window,
		Priority:      priority,
		Enabled:       true,
	}
}

func mockFactory(transports map[string]*MockTransport) provider.Factory {
	return func(p provider.Profile) (provider.Transport, error) {
		tr, ok := transports[p.Name]
		if !ok {
			return nil, fmt.Errorf("no mock transport for %s", p.Name)
		}
		return tr, nil
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestService(t *testing.T, profiles []provider.Profile, transports map[string]*MockTransport, routing RoutingConfig) (*Service, *sleepRecorder) {
	t.Helper()
	svc, err := NewService(profiles, routing, Options{
		Factory:     mockFactory(transports),
		Logger:      quietLogger(),
		Tracer:      noop.NewTracerProvider().Tracer("test"),
		QueuePacing: -1,
	})
	require.NoError(t, err)
	rec := &sleepRecorder{}
	svc.executor.sleep = rec.sleep
	t.Cleanup(svc.Close)
	return svc, rec
}

func newTestExecutor() (*Executor, *Collector, *sleepRecorder) {
	metrics := NewCollector()
	x := NewExecutor(metrics, quietLogger(), noop.NewTracerProvider().Tracer("test"))
	rec := &sleepRecorder{}
	x.sleep = rec.sleep
	return x, metrics, rec
}

func userMessage(content string) []provider.Message {
	return []provider.Message{{Role: provider.RoleUser, Content: content}}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
