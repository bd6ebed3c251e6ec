package router

import (
	"sync"
	"time"

	"github.com/vnmchuo/llm-router/internal/provider"
)

// ProviderMetrics is a point-in-time copy of one provider's health counters.
type ProviderMetrics struct {
	Provider           string               `json:"provider"`
	TotalRequests      int64                `json:"total_requests"`
	SuccessfulRequests int64                `json:"successful_requests"`
	FailedRequests     int64                `json:"failed_requests"`
	InputTokens        int64                `json:"input_tokens"`
	OutputTokens       int64                `json:"output_tokens"`
	TotalTokens        int64                `json:"total_tokens"`
	TotalCost          float64              `json:"total_cost"`
	AvgLatencyMs       float64              `json:"avg_latency_ms"`
	LastUsed           time.Time            `json:"last_used"`
	RateLimitRemaining *float64             `json:"rate_limit_remaining,omitempty"`
	ErrorCounts        map[ErrorClass]int64 `json:"error_counts"`
}

// SuccessRate is 1.0 for a provider with no recorded requests.
func (m ProviderMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1.0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

func (m ProviderMetrics) clone() ProviderMetrics {
	out := m
	out.ErrorCounts = make(map[ErrorClass]int64, len(m.ErrorCounts))
	for k, v := range m.ErrorCounts {
		out.ErrorCounts[k] = v
	}
	if m.RateLimitRemaining != nil {
		f := *m.RateLimitRemaining
		out.RateLimitRemaining = &f
	}
	return out
}

// Attempt is the terminal outcome of one logical call against one provider.
type Attempt struct {
	Success bool
	Latency time.Duration
	Usage   *provider.Usage
	Pricing *provider.Pricing
	// Class is only meaningful when Success is false.
	Class              ErrorClass
	RateLimitRemaining *float64
}

// Collector owns all provider health state.
type Collector struct {
	mu    sync.RWMutex
	stats map[string]*ProviderMetrics
	now   func() time.Time
}

func NewCollector() *Collector {
	return &Collector{
		stats: make(map[string]*ProviderMetrics),
		now:   time.Now,
	}
}

// Register creates zeroed metrics for a provider. Existing metrics are kept.
func (c *Collector) Register(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stats[name]; !ok {
		c.stats[name] = &ProviderMetrics{
			Provider:    name,
			ErrorCounts: make(map[ErrorClass]int64),
		}
	}
}

func (c *Collector) RecordAttempt(name string, a Attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.stats[name]
	if !ok {
		m = &ProviderMetrics{Provider: name, ErrorCounts: make(map[ErrorClass]int64)}
		c.stats[name] = m
	}

	m.TotalRequests++
	if a.Success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
		m.ErrorCounts[a.Class]++
	}

	latencyMs := float64(a.Latency) / float64(time.Millisecond)
	n := float64(m.TotalRequests)
	m.AvgLatencyMs = (m.AvgLatencyMs*(n-1) + latencyMs) / n
	m.LastUsed = c.now()

	if a.Usage != nil {
		m.InputTokens += int64(a.Usage.InputTokens)
		m.OutputTokens += int64(a.Usage.OutputTokens)
		total := a.Usage.TotalTokens
		if total == 0 {
			total = a.Usage.InputTokens + a.Usage.OutputTokens
		}
		m.TotalTokens += int64(total)
		if a.Pricing != nil {
			m.TotalCost += a.Pricing.Cost(*a.Usage)
		}
	}

	if a.RateLimitRemaining != nil {
		f := *a.RateLimitRemaining
		m.RateLimitRemaining = &f
	}
}

// Get returns a copy of one provider's metrics.
func (c *Collector) Get(name string) (ProviderMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.stats[name]
	if !ok {
		return ProviderMetrics{}, false
	}
	return m.clone(), true
}

// Snapshot returns copies of every provider's metrics keyed by name.
func (c *Collector) Snapshot() map[string]ProviderMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ProviderMetrics, len(c.stats))
	for name, m := range c.stats {
		out[name] = m.clone()
	}
	return out
}
