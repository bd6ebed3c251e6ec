// Package router implements multi-provider chat completion routing: provider selection,
// per-provider serialization, classified retries, fallback and live health metrics.
//
// A Service is built once from configuration and passed to whoever needs completions.
// There is no package-level state.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-router/internal/provider"
)

const (
	probeTimeout = 10 * time.Second
	probeMessage = "Hello"
)

type Options struct {
	Factory    provider.Factory
	Logger     logrus.FieldLogger
	Tracer     trace.Tracer
	QueueDepth int
	// QueuePacing is the pause a provider's consumer takes after each call. Zero selects
	// the default; a negative value disables pacing.
	QueuePacing time.Duration
}

type ProviderInfo struct {
	Name          string        `json:"name"`
	Type          provider.Type `json:"type"`
	Model         string        `json:"model"`
	Enabled       bool          `json:"enabled"`
	ContextWindow int           `json:"context_window"`
	Priority      int           `json:"priority"`
}

type ProbeResult struct {
	Provider     string        `json:"provider"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	Err          error         `json:"-"`
}

// snapshot is everything a call reads from configuration, published as one value.
type snapshot struct {
	registry *Registry
	chain    *Chain
	routing  RoutingConfig
}

// Service is the entry point consumers use.
type Service struct {
	factory  provider.Factory
	metrics  *Collector
	queues   *Queues
	executor *Executor
	logger   logrus.FieldLogger
	tracer   trace.Tracer

	current atomic.Pointer[snapshot]
}

func NewService(profiles []provider.Profile, routing RoutingConfig, opts Options) (*Service, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("router: transport factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("llm-router")
	}
	pacing := opts.QueuePacing
	switch {
	case pacing == 0:
		pacing = DefaultQueuePacing
	case pacing < 0:
		pacing = 0
	}

	metrics := NewCollector()
	s := &Service{
		factory:  opts.Factory,
		metrics:  metrics,
		queues:   NewQueues(opts.QueueDepth, pacing),
		executor: NewExecutor(metrics, opts.Logger, opts.Tracer),
		logger:   opts.Logger,
		tracer:   opts.Tracer,
	}
	if err := s.Reconfigure(profiles, routing); err != nil {
		s.queues.Close()
		return nil, err
	}
	return s, nil
}

// Reconfigure atomically replaces the provider set and routing config. Calls already in
// flight finish against the entry they captured. Queue consumers of dropped providers are
// retired.
func (s *Service) Reconfigure(profiles []provider.Profile, routing RoutingConfig) error {
	registry := NewRegistry(s.factory)
	if err := registry.ReplaceAll(profiles); err != nil {
		return err
	}
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		s.metrics.Register(p.Name)
		names = append(names, p.Name)
	}
	selector := NewSelector(registry, s.metrics, routing)
	s.current.Store(&snapshot{
		registry: registry,
		chain:    NewChain(selector, s.queues, s.executor, routing.EnableFallback, s.logger, s.tracer),
		routing:  routing,
	})
	s.queues.Retain(names)

	s.logger.WithFields(logrus.Fields{
		"providers": len(profiles),
		"fallback":  routing.EnableFallback,
	}).Info("router configured")
	return nil
}

func (s *Service) Chat(ctx context.Context, req ChatRequest, rc RequestContext) (*ChatResponse, error) {
	return s.current.Load().chain.Chat(ctx, req, rc)
}

// TestProvider sends a trivial probe through the provider's queue and executor, bypassing
// selection and fallback.
func (s *Service) TestProvider(ctx context.Context, name string) ProbeResult {
	res := ProbeResult{Provider: name}
	e, ok := s.current.Load().registry.Get(name)
	if !ok {
		res.Err = fmt.Errorf("unknown provider %q", name)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req := ChatRequest{Messages: []provider.Message{{Role: provider.RoleUser, Content: probeMessage}}}
	start := time.Now()
	_, err := s.queues.Do(ctx, name, func(ctx context.Context) (*provider.Completion, error) {
		return s.executor.Execute(ctx, e, req, probeTimeout)
	})
	res.ResponseTime = time.Since(start)
	res.Success = err == nil
	res.Err = err
	return res
}

// TestAll probes every registered provider concurrently, in registry order.
func (s *Service) TestAll(ctx context.Context) []ProbeResult {
	entries := s.current.Load().registry.List()
	results := make([]ProbeResult, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			results[i] = s.TestProvider(ctx, e.Profile.Name)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Service) Providers() []ProviderInfo {
	entries := s.current.Load().registry.List()
	out := make([]ProviderInfo, 0, len(entries))
	for _, e := range entries {
		p := e.Profile
		out = append(out, ProviderInfo{
			Name:          p.Name,
			Type:          p.Type,
			Model:         p.Model,
			Enabled:       p.Enabled,
			ContextWindow: p.ContextWindow,
			Priority:      p.Priority,
		})
	}
	return out
}

// Profile returns the current profile for a provider.
func (s *Service) Profile(name string) (provider.Profile, bool) {
	e, ok := s.current.Load().registry.Get(name)
	if !ok {
		return provider.Profile{}, false
	}
	return e.Profile, true
}

// Metrics returns a snapshot per registered provider, in registry order.
func (s *Service) Metrics() []ProviderMetrics {
	snap := s.metrics.Snapshot()
	entries := s.current.Load().registry.List()
	out := make([]ProviderMetrics, 0, len(entries))
	for _, e := range entries {
		if m, ok := snap[e.Profile.Name]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Service) RoutingConfig() RoutingConfig {
	return s.current.Load().routing
}

// Close stops the per-provider queues.
func (s *Service) Close() {
	s.queues.Close()
}
