package provider

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError is returned by transports when the upstream answered with a non-2xx status.
type StatusError struct {
	Provider           string
	StatusCode         int
	RetryAfter         time.Duration
	RateLimitRemaining *float64
	Err                error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// ParseRetryAfter reads a Retry-After header given as delay-seconds or an HTTP-date.
func ParseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// RemainingFraction computes remaining/limit from a pair of integer headers.
func RemainingFraction(h http.Header, remainingKey, limitKey string) *float64 {
	remaining, err := strconv.ParseFloat(h.Get(remainingKey), 64)
	if err != nil {
		return nil
	}
	limit, err := strconv.ParseFloat(h.Get(limitKey), 64)
	if err != nil || limit <= 0 {
		return nil
	}
	f := remaining / limit
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return &f
}
