package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixaill76/auto_ai_gateway/internal/logger"
)

// ErrQueueFull is returned when a record could not be queued in time.
var ErrQueueFull = errors.New("telemetry queue full")

// Config tunes the Recorder.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	// EnqueueTimeout bounds how long Record waits for queue space.
	EnqueueTimeout time.Duration
	// RetryBackoff lists the wait before every write attempt of a batch.
	RetryBackoff []time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.EnqueueTimeout < 0 {
		c.EnqueueTimeout = 0
	} else if c.EnqueueTimeout == 0 {
		c.EnqueueTimeout = 100 * time.Millisecond
	}
	if len(c.RetryBackoff) == 0 {
		c.RetryBackoff = []time.Duration{0, time.Second, 5 * time.Second}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

// Stats are the Recorder counters.
type Stats struct {
	QueueLen  int
	QueueCap  int
	Queued    uint64
	Written   uint64
	Dropped   uint64
	Errors    uint64
	BatchesOK uint64
}

// Recorder queues records and writes them to a Sink in batches from a
// single background worker.
type Recorder struct {
	sink   Sink
	cfg    Config
	logger *slog.Logger

	queue    chan Record
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	queued    atomic.Uint64
	written   atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
	batchesOK atomic.Uint64
}

func NewRecorder(sink Sink, cfg Config, log *slog.Logger) *Recorder {
	if log == nil {
		log = logger.Discard()
	}
	cfg = cfg.withDefaults()
	return &Recorder{
		sink:     sink,
		cfg:      cfg,
		logger:   log,
		queue:    make(chan Record, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background worker. Must be called once.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.worker()
	r.logger.Info("Telemetry recorder started",
		"queue_size", r.cfg.QueueSize,
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
}

// Record queues rec. When the queue is full it waits up to EnqueueTimeout
// and then drops the record.
func (r *Recorder) Record(rec Record) error {
	select {
	case r.queue <- rec:
		r.queued.Add(1)
		return nil
	default:
	}

	if r.cfg.EnqueueTimeout > 0 {
		timer := time.NewTimer(r.cfg.EnqueueTimeout)
		defer timer.Stop()
		select {
		case r.queue <- rec:
			r.queued.Add(1)
			return nil
		case <-timer.C:
		}
	}

	r.dropped.Add(1)
	r.logger.Warn("Telemetry record dropped: queue full",
		"queue_len", len(r.queue),
		"queue_cap", cap(r.queue),
	)
	return ErrQueueFull
}

func (r *Recorder) RecordRequest(rec RequestRecord) {
	_ = r.Record(Record{Request: &rec})
}

func (r *Recorder) RecordUsage(rec UsageRecord) {
	_ = r.Record(Record{Usage: &rec})
}

// Shutdown stops the worker after it wrote everything still queued.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopChan) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Telemetry recorder stopped",
			"written", r.written.Load(),
			"dropped", r.dropped.Load(),
			"errors", r.errors.Load(),
		)
		return nil
	case <-ctx.Done():
		r.logger.Warn("Telemetry recorder shutdown timeout", "pending", len(r.queue))
		return ctx.Err()
	}
}

func (r *Recorder) Stats() Stats {
	return Stats{
		QueueLen:  len(r.queue),
		QueueCap:  cap(r.queue),
		Queued:    r.queued.Load(),
		Written:   r.written.Load(),
		Dropped:   r.dropped.Load(),
		Errors:    r.errors.Load(),
		BatchesOK: r.batchesOK.Load(),
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]Record, 0, r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.drain(&batch)
			r.flush(batch)
			return

		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) drain(batch *[]Record) {
	for {
		select {
		case rec := <-r.queue:
			*batch = append(*batch, rec)
		default:
			return
		}
	}
}

func (r *Recorder) flush(batch []Record) {
	if len(batch) == 0 || r.sink == nil {
		return
	}

	var lastErr error
	for attempt, wait := range r.cfg.RetryBackoff {
		if wait > 0 {
			time.Sleep(wait)
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err := r.sink.WriteBatch(ctx, batch)
		cancel()
		if err == nil {
			r.written.Add(uint64(len(batch)))
			r.batchesOK.Add(1)
			return
		}
		lastErr = err
		r.logger.Warn("Telemetry batch write failed",
			"attempt", attempt+1,
			"max_attempts", len(r.cfg.RetryBackoff),
			"batch_size", len(batch),
			"error", err,
		)
	}
	r.errors.Add(uint64(len(batch)))
	r.logger.Error("Telemetry batch dropped after retries", "batch_size", len(batch), "error", lastErr)
}
