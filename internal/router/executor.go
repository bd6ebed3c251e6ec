package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-router/internal/provider"
)

const (
	DefaultMaxAttempts = 3
	DefaultCallTimeout = 120 * time.Second

	baseRetryDelay  = 1000 * time.Millisecond
	maxTimeoutDelay = 120000 * time.Millisecond
)

// Executor performs one logical call against one provider: up to MaxAttempts attempts, each
// raced against a timer, with a retry policy chosen by error class.
type Executor struct {
	metrics        *Collector
	logger         logrus.FieldLogger
	tracer         trace.Tracer
	maxAttempts    int
	defaultTimeout time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(metrics *Collector, logger logrus.FieldLogger, tracer trace.Tracer) *Executor {
	return &Executor{
		metrics:        metrics,
		logger:         logger,
		tracer:         tracer,
		maxAttempts:    DefaultMaxAttempts,
		defaultTimeout: DefaultCallTimeout,
		now:            time.Now,
		sleep:          sleepContext,
	}
}

// Execute runs the call and records exactly one metrics sample for it, whatever the outcome.
func (x *Executor) Execute(ctx context.Context, e *Entry, req ChatRequest, timeout time.Duration) (*provider.Completion, error) {
	name := e.Profile.Name
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}

	ctx, span := x.tracer.Start(ctx, "router.execute", trace.WithAttributes(
		attribute.String("provider", name),
		attribute.String("provider.type", e.Profile.Type.String()),
	))
	defer span.End()

	log := x.logger.WithField("provider", name)
	start := x.now()
	params := provider.Params{
		Model:           req.Model,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
	}

	var (
		lastErr   error
		lastClass ErrorClass
		remaining *float64
		attempts  int
	)

	fail := func(err error) error {
		x.metrics.RecordAttempt(name, Attempt{
			Success:            false,
			Latency:            x.now().Sub(start),
			Pricing:            e.Profile.Pricing,
			Class:              lastClass,
			RateLimitRemaining: remaining,
		})
		span.SetAttributes(attribute.Int("attempts", attempts), attribute.String("error.class", lastClass.String()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for attempt := 0; attempt < x.maxAttempts; attempt++ {
		attempts = attempt + 1
		c, err := x.attempt(ctx, e.Transport, req.Messages, params, timeout)
		if err == nil {
			if c.RateLimitRemaining != nil {
				remaining = c.RateLimitRemaining
			}
			x.metrics.RecordAttempt(name, Attempt{
				Success:            true,
				Latency:            x.now().Sub(start),
				Usage:              c.Usage,
				Pricing:            e.Profile.Pricing,
				RateLimitRemaining: remaining,
			})
			span.SetAttributes(attribute.Int("attempts", attempts))
			return c, nil
		}

		lastErr = err
		lastClass = Classify(err)
		var se *provider.StatusError
		if errors.As(err, &se) && se.RateLimitRemaining != nil {
			remaining = se.RateLimitRemaining
		}

		if ctx.Err() != nil {
			return nil, fail(fmt.Errorf("provider %s: %w", name, ctx.Err()))
		}
		if lastClass == ClassBadRequest {
			log.WithError(err).Error("provider rejected request")
			return nil, fail(&FatalProviderError{Provider: name, Err: err})
		}
		if attempts == x.maxAttempts {
			break
		}

		delay := retryDelay(lastClass, attempt, err)
		log.WithFields(logrus.Fields{
			"attempt": attempts,
			"class":   lastClass.String(),
			"delay":   delay.String(),
		}).WithError(err).Warn("provider attempt failed, retrying")

		if err := x.sleep(ctx, delay); err != nil {
			return nil, fail(fmt.Errorf("provider %s: %w", name, err))
		}
	}

	return nil, fail(&RetryableProviderError{
		Provider:  name,
		Class:     lastClass,
		Attempts:  attempts,
		Exhausted: true,
		Err:       lastErr,
	})
}

// attempt races a single Send against the timeout. A response arriving after the timer fired
// is discarded; the upstream may still have processed it.
func (x *Executor) attempt(ctx context.Context, tr provider.Transport, msgs []provider.Message, params provider.Params, timeout time.Duration) (*provider.Completion, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		c   *provider.Completion
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := tr.Send(actx, msgs, params)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", errAttemptTimeout, timeout, r.err)
		}
		if r.err == nil && r.c == nil {
			return nil, errors.New("transport returned no completion")
		}
		return r.c, r.err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", errAttemptTimeout, timeout)
	}
}

// retryDelay is the wait before attempt index attempt+1.
func retryDelay(class ErrorClass, attempt int, err error) time.Duration {
	backoff := baseRetryDelay << attempt
	switch class {
	case ClassRateLimited:
		var se *provider.StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			return se.RetryAfter
		}
		return backoff
	case ClassTimeout:
		return min(backoff, maxTimeoutDelay)
	case ClassUnavailable, ClassUnknown:
		return backoff
	case ClassBadRequest:
		return 0
	}
	return backoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
