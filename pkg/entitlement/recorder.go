package entitlement

import (
	"context"
	"sync"
	"time"
)

// RecorderConfig holds Recorder configuration.
type RecorderConfig struct {
	// Buffer is the queue depth. When full, Enqueue drops the record and
	// logs it rather than blocking the request path. Default: 256.
	Buffer int

	// WriteTimeout bounds each store write. Default: 10 seconds.
	WriteTimeout time.Duration

	// Retries is how many times a failed write is retried before the
	// record is dropped. Default: 1.
	Retries int

	Logger  Logger
	Metrics Metrics
}

// Recorder decouples usage recording from the request path. Recording is
// fire-and-forget from the caller's perspective: the metered call already
// succeeded, so a recording failure is logged, retried once, and then
// dropped; it never fails the call. Writes that are acknowledged by the
// store are durable; the queue itself is not.
type Recorder struct {
	manager *Manager
	config  RecorderConfig
	logger  Logger
	metrics Metrics

	ch     chan *UsageRecord
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards closed and the send into ch
	closed bool
}

// NewRecorder creates a recorder and starts its worker goroutine.
func NewRecorder(manager *Manager, config RecorderConfig) (*Recorder, error) {
	if manager == nil {
		return nil, ErrStoreUnavailable
	}
	if config.Buffer <= 0 {
		config.Buffer = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Retries < 0 {
		config.Retries = 0
	} else if config.Retries == 0 {
		config.Retries = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	r := &Recorder{
		manager: manager,
		config:  config,
		logger:  logger,
		metrics: metrics,
		ch:      make(chan *UsageRecord, config.Buffer),
	}
	r.wg.Add(1)
	go r.worker()
	return r, nil
}

// Enqueue hands a usage record to the background worker. It never blocks:
// when the queue is full, or the recorder is already closed, the record is
// dropped and counted, which under-counts usage rather than slowing the
// caller down.
func (r *Recorder) Enqueue(rec *UsageRecord) {
	if rec == nil {
		return
	}
	cp := *rec
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop("recorder_closed", &cp)
		return
	}
	select {
	case r.ch <- &cp:
	default:
		r.drop("queue_full", &cp)
	}
}

func (r *Recorder) drop(reason string, rec *UsageRecord) {
	r.metrics.RecordUsageDropped(reason)
	r.logger.Error("usage record dropped, "+reason,
		Field{Key: "identity", Value: rec.Identity},
		Field{Key: "operation", Value: rec.Operation},
	)
}

// Close stops accepting records, drains the queue, and waits for the worker
// to finish. Enqueue calls racing or following Close drop their records.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for rec := range r.ch {
		r.write(rec)
	}
}

func (r *Recorder) write(rec *UsageRecord) {
	var lastErr error
	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
		err := r.manager.RecordUsage(ctx, rec)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
	}

	r.metrics.RecordUsageDropped("write_failed")
	r.logger.Error("usage record dropped after retries",
		Field{Key: "identity", Value: rec.Identity},
		Field{Key: "operation", Value: rec.Operation},
		Field{Key: "error", Value: lastErr.Error()},
	)
}
