package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
)

// WriterBuilder is a builder helper for the Writer
type WriterBuilder struct {
	// Gateway is the gateway written to. Mandatory.
	Gateway Gateway
	// QueueSize is the number of tasks that can wait for a worker. Defaults to 1024.
	QueueSize int
	// Workers is the number of concurrent workers. Defaults to 4.
	Workers int
	// MaxRetries is the number of retries after a failed attempt.
	MaxRetries int
	// InitialInterval is the first backoff interval. Defaults to 100ms.
	InitialInterval time.Duration
	// AttemptTimeout bounds a single gateway call. Defaults to 10s.
	AttemptTimeout time.Duration
}

// WriterStats are writer counters
type WriterStats struct {
	Queued  int   `json:"queued"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

type task struct {
	name     string
	deviceID string
	run      func(ctx context.Context) error
	log      *logrus.Entry
}

// Writer performs gateway writes asynchronously. Enqueueing never blocks: when
// the queue is full the write is dropped and logged. Each write is retried
// with exponential backoff, ErrNotFound is not retried.
type Writer struct {
	gateway         Gateway
	queue           chan task
	workers         int
	maxRetries      int
	initialInterval time.Duration
	attemptTimeout  time.Duration

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	done    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewWriter creates a new writer. Call Start before enqueueing.
func NewWriter(bb WriterBuilder) *Writer {
	if bb.Gateway == nil {
		panic("Gateway is missing")
	}
	if bb.QueueSize <= 0 {
		bb.QueueSize = 1024
	}
	if bb.Workers <= 0 {
		bb.Workers = 4
	}
	if bb.MaxRetries < 0 {
		bb.MaxRetries = 0
	}
	if bb.InitialInterval <= 0 {
		bb.InitialInterval = 100 * time.Millisecond
	}
	if bb.AttemptTimeout <= 0 {
		bb.AttemptTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		gateway:         bb.Gateway,
		queue:           make(chan task, bb.QueueSize),
		workers:         bb.Workers,
		maxRetries:      bb.MaxRetries,
		initialInterval: bb.InitialInterval,
		attemptTimeout:  bb.AttemptTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start launches the workers. It must only be called once.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		panic("writer already started")
	}
	w.started = true
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}
}

// Stop stops accepting writes and waits for the queued ones to complete. If
// ctx expires first, pending retries are abandoned and ctx.Err() is returned.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.queue)
	w.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-drained
		return ctx.Err()
	}
}

// Stats returns the writer counters
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Queued:  len(w.queue),
		Done:    w.done.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}

// RecordDeviceEvent enqueues Gateway.RecordDeviceEvent. Pass the receive
// time of the frame as createdAt, retries keep it.
func (w *Writer) RecordDeviceEvent(ctx context.Context, deviceID string, payload []byte, severity Severity, createdAt time.Time) bool {
	payload = append([]byte(nil), payload...)
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return w.enqueue(ctx, "record event", deviceID, func(ctx context.Context) error {
		return w.gateway.RecordDeviceEvent(ctx, deviceID, payload, severity, createdAt)
	})
}

// UpdateDeviceStatus enqueues Gateway.UpdateDeviceStatus
func (w *Writer) UpdateDeviceStatus(ctx context.Context, deviceID string, status Status, lastPing time.Time) bool {
	return w.enqueue(ctx, "update status", deviceID, func(ctx context.Context) error {
		return w.gateway.UpdateDeviceStatus(ctx, deviceID, status, lastPing)
	})
}

// StorePinValues enqueues Gateway.StorePinValues
func (w *Writer) StorePinValues(ctx context.Context, deviceID string, pins []Pin) bool {
	pins = append([]Pin(nil), pins...)
	return w.enqueue(ctx, "store pins", deviceID, func(ctx context.Context) error {
		return w.gateway.StorePinValues(ctx, deviceID, pins)
	})
}

func (w *Writer) enqueue(ctx context.Context, name, deviceID string, run func(ctx context.Context) error) bool {
	rlog := logger.FromContext(ctx)
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		w.dropped.Add(1)
		rlog.Warnf("writer stopped, dropping %s for device %s", name, deviceID)
		return false
	}
	select {
	case w.queue <- task{name: name, deviceID: deviceID, run: run, log: rlog}:
		return true
	default:
		w.dropped.Add(1)
		rlog.Errorf("persistence queue full, dropping %s for device %s", name, deviceID)
		return false
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for t := range w.queue {
		if err := w.process(t); err != nil {
			w.failed.Add(1)
			t.log.WithError(err).Errorf("%s for device %s failed", t.name, t.deviceID)
			continue
		}
		w.done.Add(1)
	}
}

func (w *Writer) process(t task) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.initialInterval
	policy.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.maxRetries)), w.ctx)

	err := backoff.RetryNotify(func() error {
		err := w.attempt(t)
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, next time.Duration) {
		t.log.Debugf("%s for device %s failed, retrying in %s: %v", t.name, t.deviceID, next, err)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", iot.ErrPersistence, err)
	}
	return nil
}

// attempt runs a task once in a panic/recover envelope
func (w *Writer) attempt(t task) (err error) {
	ctx, cancel := context.WithTimeout(w.ctx, w.attemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %s", r)
			t.log.Errorf("%s panicked: %s", t.name, debug.Stack())
		}
	}()
	return t.run(ctx)
}
