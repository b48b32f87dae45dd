// Package audit delivers structured audit events off the decision path.
//
// The core calls Recorder.Record, which never blocks: the Dispatcher buffers
// events on a channel and a single goroutine writes them to a Sink. When the
// buffer is full the event is dropped and counted.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/and161185/clinauth/internal/ids"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/obs"
	"go.uber.org/zap"
)

// Recorder accepts audit events without blocking.
type Recorder interface {
	Record(ev model.AuditEvent)
}

// Sink persists audit events.
type Sink interface {
	Write(ctx context.Context, ev model.AuditEvent) error
}

// Dispatcher is a buffered, non-blocking Recorder in front of a Sink.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	metrics *obs.Metrics
	now     func() time.Time
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	ch      chan model.AuditEvent
	done    chan struct{}
	dropped atomic.Uint64
}

// NewDispatcher starts the writer goroutine. Close must be called to flush.
func NewDispatcher(sink Sink, buffer int, log *zap.Logger, m *obs.Metrics) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		sink:    sink,
		log:     log,
		metrics: m,
		now:     time.Now,
		timeout: 5 * time.Second,
		ch:      make(chan model.AuditEvent, buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Record stamps the event and enqueues it, dropping it when the buffer is full.
func (d *Dispatcher) Record(ev model.AuditEvent) {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ev)
		return
	}
	select {
	case d.ch <- ev:
	default:
		d.drop(ev)
	}
}

func (d *Dispatcher) drop(ev model.AuditEvent) {
	d.dropped.Add(1)
	d.metrics.AuditDropped()
	d.log.Warn("audit event dropped", zap.String("event", ev.Type))
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.ch {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Write(ctx, ev); err != nil {
			d.log.Error("audit write failed", zap.String("event", ev.Type), zap.String("id", ev.ID), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits for the buffer to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
