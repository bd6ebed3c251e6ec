package router

import (
	"sort"
	"time"

	"github.com/vnmchuo/llm-router/internal/provider"
)

const (
	// Context windows above this size earn the large-context bonuses.
	largeContextWindow = 150000

	complexityBonus  = 2.0
	contextSizeBonus = 3.0
)

// RoutingConfig tunes provider selection and fallback.
type RoutingConfig struct {
	TaskComplexityThreshold float64 `yaml:"task_complexity_threshold"`
	ContextSizeThreshold    int     `yaml:"context_size_threshold"`
	RateLimitThreshold      float64 `yaml:"rate_limit_threshold"`
	EnableFallback          bool    `yaml:"enable_fallback"`
	UserPreference          string  `yaml:"user_preference"`
}

func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		TaskComplexityThreshold: 0.7,
		ContextSizeThreshold:    90000,
		RateLimitThreshold:      0.2,
		EnableFallback:          true,
	}
}

// RequestContext carries the per-call routing hints. Nil pointers mean "derive it".
type RequestContext struct {
	TaskComplexity    *float64
	ContextSizeTokens *int
	PreferredProvider string
	Timeout           time.Duration
}

// Selector picks one provider per logical call. It only reads registry and metrics.
type Selector struct {
	registry *Registry
	metrics  *Collector
	config   RoutingConfig
}

func NewSelector(registry *Registry, metrics *Collector, cfg RoutingConfig) *Selector {
	return &Selector{registry: registry, metrics: metrics, config: cfg}
}

// Select returns the best eligible entry for the request, skipping names in exclude.
func (s *Selector) Select(messages []provider.Message, rc RequestContext, exclude map[string]bool) (*Entry, error) {
	entries := s.registry.List()
	contextSize := EstimateContextSize(messages, rc.ContextSizeTokens)

	// Preference bypasses scoring but not the hard constraints.
	preferred := rc.PreferredProvider
	if preferred == "" {
		preferred = s.config.UserPreference
	}
	if preferred != "" && !exclude[preferred] {
		if e, ok := s.registry.Get(preferred); ok && e.Profile.Enabled && e.Profile.ContextWindow >= contextSize {
			return e, nil
		}
	}

	snapshot := s.metrics.Snapshot()
	minRemaining := 1 - s.config.RateLimitThreshold

	var candidates []*Entry
	for _, e := range entries {
		p := e.Profile
		if !p.Enabled || exclude[p.Name] || p.ContextWindow < contextSize {
			continue
		}
		remaining := 1.0
		if m, ok := snapshot[p.Name]; ok && m.RateLimitRemaining != nil {
			remaining = *m.RateLimitRemaining
		}
		if remaining < minRemaining {
			continue
		}
		candidates = append(candidates, e)
	}

	if len(candidates) == 0 {
		return nil, &NoEligibleProviderError{ContextSize: contextSize, Excluded: excludedNames(exclude)}
	}

	complexity := EstimateComplexity(messages, rc.TaskComplexity)

	var best *Entry
	var bestScore float64
	for _, e := range candidates {
		score := s.score(e.Profile, snapshot[e.Profile.Name], complexity, contextSize)
		if best == nil || score > bestScore {
			best, bestScore = e, score
		}
	}
	return best, nil
}

func (s *Selector) score(p provider.Profile, m ProviderMetrics, complexity float64, contextSize int) float64 {
	score := float64(p.Priority)

	if complexity >= s.config.TaskComplexityThreshold && p.ContextWindow > largeContextWindow {
		score += complexityBonus
	}
	if contextSize >= s.config.ContextSizeThreshold && p.ContextWindow > largeContextWindow {
		score += contextSizeBonus
	}

	score += m.SuccessRate() * 2
	if m.AvgLatencyMs > 0 {
		score += (1 / m.AvgLatencyMs) * 0.5
	}
	return score
}

// HasAlternative reports whether an enabled provider remains outside exclude.
func (s *Selector) HasAlternative(exclude map[string]bool) bool {
	for _, e := range s.registry.List() {
		if e.Profile.Enabled && !exclude[e.Profile.Name] {
			return true
		}
	}
	return false
}

func excludedNames(exclude map[string]bool) []string {
	if len(exclude) == 0 {
		return nil
	}
	names := make([]string, 0, len(exclude))
	for n := range exclude {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
