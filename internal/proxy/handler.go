package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vnmchuo/llm-router/internal/auth"
	"github.com/vnmchuo/llm-router/internal/billing"
	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/router"
	"github.com/vnmchuo/llm-router/pkg/ratelimit"
)

// defaultOutputEstimate is charged against the tenant budget when max_tokens is absent.
const defaultOutputEstimate = 1000

// Provider tests hit paid vendor APIs, so they are throttled process-wide.
const (
	probeInterval = time.Second
	probeBurst    = 5
)

// Router is the slice of router.Service the HTTP layer uses.
type Router interface {
	Chat(ctx context.Context, req router.ChatRequest, rc router.RequestContext) (*router.ChatResponse, error)
	TestProvider(ctx context.Context, name string) router.ProbeResult
	Providers() []router.ProviderInfo
	Metrics() []router.ProviderMetrics
	Profile(name string) (provider.Profile, bool)
}

// UsageSink receives one record per served chat call.
type UsageSink interface {
	Record(log *billing.UsageLog)
}

type Handler struct {
	router  Router
	usage   UsageSink
	billing billing.Store
	limiter *ratelimit.Limiter
	probes  *rate.Limiter
	tracer  trace.Tracer
	logger  logrus.FieldLogger
}

// NewHandler wires the HTTP handlers. usage, billingStore and limiter may be nil when the
// server runs without Postgres or Redis.
func NewHandler(r Router, usage UsageSink, billingStore billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, logger logrus.FieldLogger) *Handler {
	return &Handler{
		router:  r,
		usage:   usage,
		billing: billingStore,
		limiter: limiter,
		probes:  rate.NewLimiter(rate.Every(probeInterval), probeBurst),
		tracer:  tracer,
		logger:  logger,
	}
}

type routingOptions struct {
	Provider       string   `json:"provider"`
	TaskComplexity *float64 `json:"task_complexity"`
	ContextSize    *int     `json:"context_size"`
	TimeoutMs      int64    `json:"timeout_ms"`
}

type chatCompletionRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Temperature *float64           `json:"temperature"`
	MaxTokens   *int               `json:"max_tokens"`
	Stream      bool               `json:"stream"`
	Routing     *routingOptions    `json:"routing"`
}

func (req *chatCompletionRequest) validate() error {
	if req.Stream {
		return errors.New("streaming is not supported")
	}
	if len(req.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant:
		default:
			return fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	if r := req.Routing; r != nil {
		if r.TaskComplexity != nil && (*r.TaskComplexity < 0 || *r.TaskComplexity > 1) {
			return errors.New("routing.task_complexity must be within [0,1]")
		}
		if r.ContextSize != nil && *r.ContextSize < 0 {
			return errors.New("routing.context_size must not be negative")
		}
		if r.TimeoutMs < 0 {
			return errors.New("routing.timeout_ms must not be negative")
		}
	}
	return nil
}

func (req *chatCompletionRequest) requestContext() router.RequestContext {
	var rc router.RequestContext
	if r := req.Routing; r != nil {
		rc.PreferredProvider = r.Provider
		rc.TaskComplexity = r.TaskComplexity
		rc.ContextSizeTokens = r.ContextSize
		rc.Timeout = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	return rc
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	rc := req.requestContext()
	output := defaultOutputEstimate
	if req.MaxTokens != nil {
		output = *req.MaxTokens
	}
	estimatedTokens := router.EstimateContextSize(req.Messages, rc.ContextSizeTokens) + output

	allowed, err := h.limiter.Allow(ctx, tenantID, estimatedTokens)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Warn("rate limiter unavailable")
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ratelimit.Window.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
		return
	}

	start := time.Now()
	resp, err := h.router.Chat(ctx, router.ChatRequest{
		Messages:        req.Messages,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
		Model:           req.Model,
	}, rc)
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		h.writeChatError(w, requestID, err)
		return
	}
	span.SetAttributes(attribute.String("provider", resp.Provider))

	var usage provider.Usage
	if resp.Usage != nil {
		usage = *resp.Usage
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	if h.usage != nil {
		var cost float64
		if p, ok := h.router.Profile(resp.Provider); ok {
			cost = p.Pricing.Cost(usage)
		}
		h.usage.Record(&billing.UsageLog{
			TenantID:     tenantID,
			RequestID:    requestID,
			Provider:     resp.Provider,
			Model:        resp.Model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CostUSD:      cost,
			LatencyMs:    latency.Milliseconds(),
			Attempted:    resp.Attempted,
		})
	}

	finishReason := resp.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       "chatcmpl-" + requestID,
		"object":   "chat.completion",
		"created":  start.Unix(),
		"model":    resp.Model,
		"provider": resp.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    string(provider.RoleAssistant),
					"content": resp.Content,
				},
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     usage.InputTokens,
			"completion_tokens": usage.OutputTokens,
			"total_tokens":      usage.TotalTokens,
		},
		"routing": map[string]interface{}{
			"provider":  resp.Provider,
			"attempted": resp.Attempted,
		},
	})
}

// writeChatError maps router failures onto HTTP statuses.
func (h *Handler) writeChatError(w http.ResponseWriter, requestID string, err error) {
	log := h.logger.WithField("request_id", requestID).WithError(err)

	var (
		none      *router.NoEligibleProviderError
		fatal     *router.FatalProviderError
		retryable *router.RetryableProviderError
		exhausted *router.AllProvidersExhaustedError
	)
	switch {
	case errors.As(err, &fatal):
		log.Info("chat rejected by provider")
		writeError(w, http.StatusBadRequest, "provider_rejected_request", err.Error())
	case errors.As(err, &none):
		log.Warn("no eligible provider")
		writeError(w, http.StatusServiceUnavailable, "no_eligible_provider", err.Error())
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		log.Warn("chat aborted")
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.As(err, &exhausted):
		log.Error("all providers exhausted")
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": map[string]interface{}{
				"type":      "all_providers_exhausted",
				"message":   err.Error(),
				"attempted": exhausted.Providers(),
			},
		})
	case errors.As(err, &retryable):
		log.Error("provider failed")
		writeError(w, http.StatusBadGateway, "provider_error", err.Error())
	default:
		log.Error("chat failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.router.Providers(),
	})
}

func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.router.Metrics()
	out := make([]map[string]interface{}, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, map[string]interface{}{
			"provider":             m.Provider,
			"total_requests":       m.TotalRequests,
			"successful_requests":  m.SuccessfulRequests,
			"failed_requests":      m.FailedRequests,
			"success_rate":         m.SuccessRate(),
			"input_tokens":         m.InputTokens,
			"output_tokens":        m.OutputTokens,
			"total_tokens":         m.TotalTokens,
			"total_cost":           m.TotalCost,
			"avg_latency_ms":       m.AvgLatencyMs,
			"last_used":            m.LastUsed,
			"rate_limit_remaining": m.RateLimitRemaining,
			"error_counts":         m.ErrorCounts,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": out})
}

func (h *Handler) HandleTestProvider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.router.Profile(name); !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown provider %q", name))
		return
	}
	if !h.probes.Allow() {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(probeInterval.Seconds())))
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "too many provider tests")
		return
	}

	res := h.router.TestProvider(r.Context(), name)
	body := map[string]interface{}{
		"provider":         res.Provider,
		"success":          res.Success,
		"response_time_ms": res.ResponseTime.Milliseconds(),
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "usage logging is disabled")
		return
	}
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "authentication_error", "unauthorized")
		return
	}

	// Parse query parameters
	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.WithError(err).Error("usage query failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read usage")
		return
	}

	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.WithError(err).Error("usage cost query failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":      tenantID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"type": errType, "message": msg},
	})
}
