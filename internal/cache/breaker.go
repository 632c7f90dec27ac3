package cache

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgate/internal/config"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// breaker guards backend calls. A nil breaker calls through.
type breaker struct {
	cb *gobreaker.CircuitBreaker
}

// newBreaker returns nil when cfg is nil or disabled.
func newBreaker(
	name string,
	cfg *config.CircuitBreakerConfig,
	logger observability.Logger,
	metrics *Metrics,
) *breaker {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	threshold := safeIntToUint32(cfg.Threshold)
	timeout := cfg.Timeout.OrDefault(config.DefaultBreakerTimeout)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: threshold,
		Interval:    timeout,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			metrics.breakerTransition(name, from.String(), to.String())

			_, span := otel.Tracer(cacheTracerName).Start(context.Background(),
				"cache.circuitbreaker.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("circuitbreaker.name", name),
				attribute.String("circuitbreaker.from", from.String()),
				attribute.String("circuitbreaker.to", to.String()),
			))
			span.End()
		},
	}

	return &breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// execute runs fn through the breaker. A rejected call returns
// ErrCacheUnavailable.
func (b *breaker) execute(fn func() (interface{}, error)) (interface{}, error) {
	if b == nil {
		return fn()
	}
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCacheUnavailable
	}
	return v, err
}

// state returns the breaker state, closed for a nil breaker.
func (b *breaker) state() gobreaker.State {
	if b == nil {
		return gobreaker.StateClosed
	}
	return b.cb.State()
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
