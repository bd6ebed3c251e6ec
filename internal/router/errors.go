package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/vnmchuo/llm-router/internal/provider"
)

// ErrorClass is the retry classification of a failed provider attempt.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassRateLimited
	ClassTimeout
	ClassUnavailable
	ClassBadRequest
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTimeout:
		return "timeout"
	case ClassUnavailable:
		return "unavailable"
	case ClassBadRequest:
		return "bad_request"
	case ClassUnknown:
		return "unknown"
	}
	return fmt.Sprintf("ErrorClass(%d)", int(c))
}

func (c ErrorClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// errAttemptTimeout marks an attempt that lost the race against its timer.
var errAttemptTimeout = errors.New("provider call timed out")

// Classify maps a transport error onto an ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, errAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var se *provider.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests:
			return ClassRateLimited
		case http.StatusGatewayTimeout:
			return ClassTimeout
		case http.StatusServiceUnavailable:
			return ClassUnavailable
		case http.StatusBadRequest:
			return ClassBadRequest
		}
		return ClassUnknown
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && strings.Contains(opErr.Error(), "connection refused") {
		return ClassUnavailable
	}
	return ClassUnknown
}

// ConfigurationError reports an invalid provider profile at load time.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Provider == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error for provider %q: %s", e.Provider, e.Reason)
}

// NoEligibleProviderError is returned when no provider passes eligibility filtering.
type NoEligibleProviderError struct {
	ContextSize int
	Excluded    []string
}

func (e *NoEligibleProviderError) Error() string {
	msg := fmt.Sprintf("no eligible provider for context size %d", e.ContextSize)
	if len(e.Excluded) > 0 {
		msg += fmt.Sprintf(" (excluded: %s)", strings.Join(e.Excluded, ", "))
	}
	return msg
}

// FatalProviderError is a rejected request (HTTP 400). It is never retried and never
// escalated to another provider.
type FatalProviderError struct {
	Provider string
	Err      error
}

func (e *FatalProviderError) Error() string {
	return fmt.Sprintf("provider %s rejected request: %v", e.Provider, e.Err)
}

func (e *FatalProviderError) Unwrap() error { return e.Err }

// RetryableProviderError is the terminal failure of a provider after local retries.
type RetryableProviderError struct {
	Provider  string
	Class     ErrorClass
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *RetryableProviderError) Error() string {
	return fmt.Sprintf("provider %s failed after %d attempt(s) (%s): %v", e.Provider, e.Attempts, e.Class, e.Err)
}

func (e *RetryableProviderError) Unwrap() error { return e.Err }

type ProviderAttempt struct {
	Provider string
	Err      error
}

// AllProvidersExhaustedError carries the ordered history of a failed logical call.
type AllProvidersExhaustedError struct {
	Attempts []ProviderAttempt
}

func (e *AllProvidersExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// Providers lists the attempted provider names in order.
func (e *AllProvidersExhaustedError) Providers() []string {
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = a.Provider
	}
	return names
}
