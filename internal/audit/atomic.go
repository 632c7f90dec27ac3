package audit

import (
	"context"
	"sync/atomic"
)

// AtomicEmitter delegates to an emitter that can be replaced at runtime
// when the audit configuration is reloaded. Components keep a reference
// to the AtomicEmitter and pick up the new sink without re-wiring.
type AtomicEmitter struct {
	current atomic.Pointer[Emitter]
}

var _ Emitter = (*AtomicEmitter)(nil)

var defaultNoop Emitter = noopEmitter{}

// NewAtomicEmitter wraps emitter. A nil emitter is replaced by the noop one.
func NewAtomicEmitter(emitter Emitter) *AtomicEmitter {
	if emitter == nil {
		emitter = NewNoopEmitter()
	}
	a := &AtomicEmitter{}
	a.current.Store(&emitter)
	return a
}

// Swap replaces the delegate and returns the previous one, which the
// caller must close.
func (a *AtomicEmitter) Swap(next Emitter) Emitter {
	if next == nil {
		next = NewNoopEmitter()
	}
	old := a.current.Swap(&next)
	if old != nil {
		return *old
	}
	return nil
}

// Load returns the current delegate.
func (a *AtomicEmitter) Load() Emitter {
	if ptr := a.current.Load(); ptr != nil {
		return *ptr
	}
	return defaultNoop
}

// Record delegates to the current emitter.
func (a *AtomicEmitter) Record(ctx context.Context, event *Event) {
	a.Load().Record(ctx, event)
}

// Close closes the current emitter.
func (a *AtomicEmitter) Close() error {
	return a.Load().Close()
}
