package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-router/internal/provider"
)

type ChatRequest struct {
	Messages        []provider.Message
	Temperature     *float64
	MaxOutputTokens *int
	// Model names a provider or a provider's model, which then becomes the preferred
	// provider. Any other value is sent verbatim, but only to the provider named in
	// RequestContext.PreferredProvider; every other provider keeps its profile model.
	Model string
}

type ChatResponse struct {
	Content      string          `json:"content"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Usage        *provider.Usage `json:"usage,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	// Attempted lists every provider tried for this call, the serving one last.
	Attempted []string `json:"attempted,omitempty"`
}

// Chain runs a logical call: select a provider, execute it through its queue, and on a
// retryable failure move on to the next provider not yet visited.
type Chain struct {
	selector *Selector
	queues   *Queues
	executor *Executor
	fallback bool
	logger   logrus.FieldLogger
	tracer   trace.Tracer
}

func NewChain(selector *Selector, queues *Queues, executor *Executor, enableFallback bool, logger logrus.FieldLogger, tracer trace.Tracer) *Chain {
	return &Chain{
		selector: selector,
		queues:   queues,
		executor: executor,
		fallback: enableFallback,
		logger:   logger,
		tracer:   tracer,
	}
}

func (c *Chain) Chat(ctx context.Context, req ChatRequest, rc RequestContext) (*ChatResponse, error) {
	callID := uuid.New().String()
	ctx, span := c.tracer.Start(ctx, "router.chat", trace.WithAttributes(attribute.String("call_id", callID)))
	defer span.End()

	log := c.logger.WithField("call_id", callID)
	visited := make(map[string]bool)
	var history []ProviderAttempt

	pinned := rc.PreferredProvider
	owner := c.modelOwner(req.Model)
	if rc.PreferredProvider == "" {
		rc.PreferredProvider = owner
	}

	for {
		entry, err := c.selector.Select(req.Messages, rc, visited)
		if err != nil {
			var none *NoEligibleProviderError
			if errors.As(err, &none) && len(history) > 0 {
				err = &AllProvidersExhaustedError{Attempts: history}
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		name := entry.Profile.Name
		visited[name] = true
		log.WithField("provider", name).Debug("provider selected")

		callReq := req
		callReq.Model = ""
		if req.Model != "" && owner == "" && name == pinned {
			callReq.Model = req.Model
		}

		completion, err := c.queues.Do(ctx, name, func(ctx context.Context) (*provider.Completion, error) {
			return c.executor.Execute(ctx, entry, callReq, rc.Timeout)
		})
		if err == nil {
			attempted := make([]string, 0, len(history)+1)
			for _, a := range history {
				attempted = append(attempted, a.Provider)
			}
			attempted = append(attempted, name)
			span.SetAttributes(attribute.String("provider", name), attribute.Int("providers.attempted", len(attempted)))

			model := completion.Model
			if model == "" {
				model = callReq.Model
			}
			if model == "" {
				model = entry.Profile.Model
			}
			return &ChatResponse{
				Content:      completion.Content,
				Provider:     name,
				Model:        model,
				Usage:        completion.Usage,
				FinishReason: completion.FinishReason,
				Attempted:    attempted,
			}, nil
		}

		history = append(history, ProviderAttempt{Provider: name, Err: err})
		span.RecordError(err)

		var fatal *FatalProviderError
		switch {
		case errors.As(err, &fatal):
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		case ctx.Err() != nil:
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, fmt.Errorf("chat aborted: %w", err)
		case !c.fallback:
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		case !c.selector.HasAlternative(visited):
			exhausted := &AllProvidersExhaustedError{Attempts: history}
			span.SetStatus(codes.Error, exhausted.Error())
			return nil, exhausted
		}

		log.WithField("provider", name).WithError(err).Info("provider failed, falling back")
	}
}

// modelOwner returns the provider a requested model belongs to: one whose name or profile
// model equals it.
func (c *Chain) modelOwner(model string) string {
	if model == "" {
		return ""
	}
	registry := c.selector.registry
	if e, ok := registry.Get(model); ok {
		return e.Profile.Name
	}
	for _, e := range registry.List() {
		if e.Profile.Model == model {
			return e.Profile.Name
		}
	}
	return ""
}
