package audit

import (
	"context"
	"sync"

	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// AsyncEmitter decouples callers from a slow sink with a bounded queue.
// When the queue is full the event is dropped and counted; Record never
// blocks.
type AsyncEmitter struct {
	sink    Emitter
	queue   chan *Event
	logger  observability.Logger
	metrics *Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncEmitter starts a worker that forwards queued events to sink.
func NewAsyncEmitter(sink Emitter, bufferSize int, opts ...EmitterOption) *AsyncEmitter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	o := applyOptions(opts)

	a := &AsyncEmitter{
		sink:    sink,
		queue:   make(chan *Event, bufferSize),
		logger:  o.logger,
		metrics: o.metrics,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncEmitter) run() {
	defer close(a.done)
	for event := range a.queue {
		// The request context may already be cancelled by the time the
		// event is written.
		a.sink.Record(context.Background(), event)
	}
}

// Record enqueues event without blocking.
func (a *AsyncEmitter) Record(_ context.Context, event *Event) {
	if event == nil {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.metrics.RecordDropped()
		return
	}

	select {
	case a.queue <- event:
	default:
		a.metrics.RecordDropped()
		a.logger.Warn("audit queue full, event dropped",
			observability.String("event_id", event.ID),
			observability.String("event_type", string(event.EventType)),
		)
	}
}

// Close drains the queue and closes the sink.
func (a *AsyncEmitter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.sink.Close()
}

var _ Emitter = (*AsyncEmitter)(nil)
