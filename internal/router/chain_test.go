package router

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-router/internal/provider"
)

func twoProviders() []provider.Profile {
	return []provider.Profile{profile("A", 128000, 2), profile("B", 128000, 1)}
}

func TestChat_FallsBackToNextProvider(t *testing.T) {
	a := failingTransport(http.StatusServiceUnavailable)
	b := okTransport("from B")
	svc, rec := newTestService(t, twoProviders(), map[string]*MockTransport{"A": a, "B": b}, DefaultRoutingConfig())

	resp, err := svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello")}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.Provider)
	assert.Equal(t, "from B", resp.Content)
	assert.Equal(t, []string{"A", "B"}, resp.Attempted)
	assert.Equal(t, 3, a.Calls())
	assert.Equal(t, 1, b.Calls())
	assert.Len(t, rec.Delays(), 2)

	metrics := svc.Metrics()
	require.Len(t, metrics, 2)
	assert.EqualValues(t, 1, metrics[0].FailedRequests)
	assert.EqualValues(t, 1, metrics[1].SuccessfulRequests)
}

func TestChat_BadRequestDoesNotFallBack(t *testing.T) {
	a := failingTransport(http.StatusBadRequest)
	b := okTransport("from B")
	svc, _ := newTestService(t, twoProviders(), map[string]*MockTransport{"A": a, "B": b}, DefaultRoutingConfig())

	_, err := svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello")}, RequestContext{})
	var fatal *FatalProviderError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "A", fatal.Provider)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 0, b.Calls())
}

func TestChat_AllProvidersExhausted(t *testing.T) {
	a := failingTransport(http.StatusServiceUnavailable)
	b := failingTransport(http.StatusTooManyRequests)
	svc, _ := newTestService(t, twoProviders(), map[string]*MockTransport{"A": a, "B": b}, DefaultRoutingConfig())

	_, err := svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello")}, RequestContext{})
	var exhausted *AllProvidersExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, []string{"A", "B"}, exhausted.Providers())
	assert.Contains(t, err.Error(), "A:")
	assert.Contains(t, err.Error(), "B:")

	var first *RetryableProviderError
	require.True(t, errors.As(exhausted.Attempts[0].Err, &first))
	assert.Equal(t, ClassUnavailable, first.Class)
	var second *RetryableProviderError
	require.True(t, errors.As(exhausted.Attempts[1].Err, &second))
	assert.Equal(t, ClassRateLimited, second.Class)
}

func TestChat_FallbackDisabledReturnsProviderError(t *testing.T) {
	a := failingTransport(http.StatusServiceUnavailable)
	b := okTransport("from B")
	cfg := DefaultRoutingConfig()
	cfg.EnableFallback = false
	svc, _ := newTestService(t, twoProviders(), map[string]*MockTransport{"A": a, "B": b}, cfg)

	_, err := svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello")}, RequestContext{})
	var retryable *RetryableProviderError
	require.True(t, errors.As(err, &retryable))
	assert.Equal(t, "A", retryable.Provider)
	assert.True(t, retryable.Exhausted)
	assert.Equal(t, 0, b.Calls())
}

func TestChat_NoEligibleProvider(t *testing.T) {
	a := okTransport("A")
	svc, _ := newTestService(t, []provider.Profile{profile("A", 8000, 1)}, map[string]*MockTransport{"A": a}, DefaultRoutingConfig())

	_, err := svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello")}, RequestContext{ContextSizeTokens: intPtr(9000)})
	var none *NoEligibleProviderError
	require.True(t, errors.As(err, &none))
	assert.Equal(t, 0, a.Calls())
}

func TestChat_RemainingProvidersIneligibleAfterFailure(t *testing.T) {
	a := failingTransport(http.StatusGatewayTimeout)
	b := okTransport("B")
	profiles := []provider.Profile{profile("A", 200000, 1), profile("B", 8000, 1)}
	svc, _ := newTestService(t, profiles, map[string]*MockTransport{"A": a, "B": b}, DefaultRoutingConfig())

	_, err := svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello")}, RequestContext{ContextSizeTokens: intPtr(10000)})
	var exhausted *AllProvidersExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, []string{"A"}, exhausted.Providers())
	assert.Equal(t, 0, b.Calls())
}

func TestChat_PreferredProviderServes(t *testing.T) {
	a := okTransport("A")
	b := okTransport("B")
	svc, _ := newTestService(t, twoProviders(), map[string]*MockTransport{"A": a, "B": b}, DefaultRoutingConfig())

	resp, err := svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello")}, RequestContext{PreferredProvider: "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.Provider)
	assert.Equal(t, "mock-model", resp.Model)
	assert.Equal(t, []string{"B"}, resp.Attempted)
}

func TestChat_CallerCancellationAborts(t *testing.T) {
	a := failingTransport(http.StatusServiceUnavailable)
	b := okTransport("B")
	svc, _ := newTestService(t, twoProviders(), map[string]*MockTransport{"A": a, "B": b}, DefaultRoutingConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Chat(ctx, ChatRequest{Messages: userMessage("hello")}, RequestContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Calls())
}

func TestChat_FallbackUsesEachVendorsOwnModel(t *testing.T) {
	gpt := profile("openai", 128000, 2)
	gpt.Model = "gpt-4o"
	claude := profile("claude", 200000, 1)
	claude.Type = provider.TypeAnthropic
	claude.Model = "claude-sonnet"

	a := failingTransport(http.StatusServiceUnavailable)
	b := &MockTransport{results: []mockResult{{completion: &provider.Completion{Content: "from claude"}}}}
	svc, _ := newTestService(t, []provider.Profile{gpt, claude}, map[string]*MockTransport{"openai": a, "claude": b}, DefaultRoutingConfig())

	resp, err := svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello"), Model: "gpt-4o"}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "claude", resp.Provider)
	assert.Equal(t, "claude-sonnet", resp.Model)
	assert.Equal(t, []string{"openai", "claude"}, resp.Attempted)
	assert.Equal(t, []string{"", "", ""}, a.Models())
	assert.Equal(t, []string{""}, b.Models())
}

func TestChat_RequestedModelSelectsItsProvider(t *testing.T) {
	a := okTransport("from A")
	b := okTransport("from B")
	svc, _ := newTestService(t, twoProviders(), map[string]*MockTransport{"A": a, "B": b}, DefaultRoutingConfig())

	resp, err := svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello"), Model: "B-model"}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.Provider)
	assert.Equal(t, 0, a.Calls())

	resp, err = svc.Chat(context.Background(), ChatRequest{Messages: userMessage("hello"), Model: "B"}, RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.Provider)
}

func TestChat_UnknownModelOnlySentToPinnedProvider(t *testing.T) {
	a := failingTransport(http.StatusServiceUnavailable)
	b := &MockTransport{results: []mockResult{{completion: &provider.Completion{Content: "from B"}}}}
	svc, _ := newTestService(t, twoProviders(), map[string]*MockTransport{"A": a, "B": b}, DefaultRoutingConfig())

	resp, err := svc.Chat(context.Background(),
		ChatRequest{Messages: userMessage("hello"), Model: "gpt-4o-mini"},
		RequestContext{PreferredProvider: "A"})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.Provider)
	assert.Equal(t, "B-model", resp.Model)
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o-mini", "gpt-4o-mini"}, a.Models())
	assert.Equal(t, []string{""}, b.Models())
}

func TestChat_PinnedModelReportedWhenVendorOmitsIt(t *testing.T) {
	a := &MockTransport{results: []mockResult{{completion: &provider.Completion{Content: "ok"}}}}
	svc, _ := newTestService(t, twoProviders(), map[string]*MockTransport{"A": a, "B": okTransport("b")}, DefaultRoutingConfig())

	resp, err := svc.Chat(context.Background(),
		ChatRequest{Messages: userMessage("hello"), Model: "gpt-4o-mini"},
		RequestContext{PreferredProvider: "A"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
}
