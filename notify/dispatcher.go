package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrStopped   = errors.New("notification dispatcher stopped")
)

// DrainTimeout bounds how long Run keeps delivering queued events after its
// context is cancelled.
const DrainTimeout = 5 * time.Second

// Dispatcher hands events to another emitter on a background goroutine.
// Emit returns immediately; when the queue is full the event is dropped.
type Dispatcher struct {
	next    Emitter
	queue   chan Event
	stopped atomic.Bool
	dropped atomic.Int64
	log     *zap.Logger
}

func NewDispatcher(next Emitter, size int, log *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = zap.L()
	}
	return &Dispatcher{
		next:  next,
		queue: make(chan Event, size),
		log:   log.Named("dispatcher"),
	}
}

func (d *Dispatcher) Emit(_ context.Context, e Event) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	select {
	case d.queue <- e:
		return nil
	default:
		d.dropped.Add(1)
		d.log.Warn("notification dropped",
			zap.String("kind", string(e.Kind)),
			zap.String("request_id", e.RequestID))
		return ErrQueueFull
	}
}

// Dropped returns how many events were dropped because the queue was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Run delivers queued events until ctx is cancelled, then drains what is
// left within DrainTimeout. It always returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", zap.Int("queue_size", cap(d.queue)))

	for {
		select {
		case e := <-d.queue:
			d.deliver(ctx, e)
		case <-ctx.Done():
			d.stopped.Store(true)
			d.drain()
			d.log.Info("dispatcher stopped", zap.Int64("dropped", d.Dropped()))
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()
	for {
		select {
		case e := <-d.queue:
			d.deliver(ctx, e)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	if err := d.next.Emit(ctx, e); err != nil {
		d.log.Error("notification delivery failed",
			zap.String("kind", string(e.Kind)),
			zap.String("tenant_id", e.TenantID),
			zap.String("request_id", e.RequestID),
			zap.Error(err))
	}
}
