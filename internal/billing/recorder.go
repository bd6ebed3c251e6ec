package billing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultRecorderBuffer = 256
	writeTimeout          = 5 * time.Second
)

// Recorder writes usage logs off the request path. Record never blocks: when the buffer is
// full the entry is dropped and logged.
type Recorder struct {
	store  Store
	logger logrus.FieldLogger
	logs   chan *UsageLog

	once sync.Once
	wg   sync.WaitGroup
}

func NewRecorder(store Store, buffer int, logger logrus.FieldLogger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		logs:   make(chan *UsageLog, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) Record(log *UsageLog) {
	select {
	case r.logs <- log:
	default:
		r.logger.WithFields(logrus.Fields{
			"request_id": log.RequestID,
			"provider":   log.Provider,
		}).Warn("usage log buffer full, dropping entry")
	}
}

// Close flushes buffered entries and stops the writer. Record must not be called after.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.logs) })
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for log := range r.logs {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.LogUsage(ctx, log); err != nil {
			r.logger.WithError(err).WithField("request_id", log.RequestID).Warn("failed to write usage log")
		}
		cancel()
	}
}
