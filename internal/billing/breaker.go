package billing

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerStore guards a Store's writes with a circuit breaker so a struggling database
// sheds usage writes instead of piling them up. Reads pass straight through.
type BreakerStore struct {
	Store
	cb *gobreaker.CircuitBreaker
}

func NewBreakerStore(store Store, logger logrus.FieldLogger) *BreakerStore {
	settings := gobreaker.Settings{
		Name:        "usage-log",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("usage log circuit breaker changed state")
		},
	}
	return &BreakerStore{Store: store, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (s *BreakerStore) LogUsage(ctx context.Context, log *UsageLog) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.Store.LogUsage(ctx, log)
	})
	return err
}

func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}
