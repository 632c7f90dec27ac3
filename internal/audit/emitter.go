package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

const redactedValue = "[REDACTED]"

// Emitter records audit events. Record is best effort: it never fails the
// caller, and sink errors are only logged and counted.
type Emitter interface {
	Record(ctx context.Context, event *Event)
	Close() error
}

type writerEmitter struct {
	config  *Config
	writer  io.Writer
	closer  io.Closer
	mu      sync.Mutex
	logger  observability.Logger
	metrics *Metrics
}

// EmitterOption is a functional option for emitters.
type EmitterOption func(*emitterOptions)

type emitterOptions struct {
	logger  observability.Logger
	metrics *Metrics
	writer  io.Writer
}

// WithEmitterLogger sets the logger used for sink errors.
func WithEmitterLogger(l observability.Logger) EmitterOption {
	return func(o *emitterOptions) {
		o.logger = l
	}
}

// WithEmitterMetrics sets the metrics.
func WithEmitterMetrics(m *Metrics) EmitterOption {
	return func(o *emitterOptions) {
		o.metrics = m
	}
}

// WithEmitterWriter overrides the configured output.
func WithEmitterWriter(w io.Writer) EmitterOption {
	return func(o *emitterOptions) {
		o.writer = w
	}
}

func applyOptions(opts []EmitterOption) *emitterOptions {
	o := &emitterOptions{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewWriterEmitter creates a synchronous emitter writing one event per line.
func NewWriterEmitter(config *Config, opts ...EmitterOption) (Emitter, error) {
	if config == nil {
		config = DefaultConfig()
	}
	o := applyOptions(opts)

	e := &writerEmitter{
		config:  config,
		writer:  o.writer,
		logger:  o.logger,
		metrics: o.metrics,
	}

	if e.writer == nil {
		w, c, err := openOutput(config.effectiveOutput())
		if err != nil {
			return nil, err
		}
		e.writer = w
		e.closer = c
	}

	return e, nil
}

// New builds the emitter described by config: noop when disabled,
// asynchronous when a buffer is configured.
func New(config *Config, opts ...EmitterOption) (Emitter, error) {
	if config == nil || !config.Enabled {
		return NewNoopEmitter(), nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	sink, err := NewWriterEmitter(config, opts...)
	if err != nil {
		return nil, err
	}
	if config.BufferSize == 0 {
		return sink, nil
	}
	return NewAsyncEmitter(sink, config.BufferSize, opts...), nil
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		//nolint:gosec // path from trusted configuration
		file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit output: %w", err)
		}
		return file, file, nil
	}
}

// Record writes event to the sink.
func (e *writerEmitter) Record(ctx context.Context, event *Event) {
	if event == nil || e.config.skips(event.EventType) {
		return
	}

	if event.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			event.TraceID = sc.TraceID().String()
		}
	}
	e.redact(event)

	var out []byte
	if e.config.effectiveFormat() == FormatText {
		out = []byte(formatText(event))
	} else {
		b, err := json.Marshal(event)
		if err != nil {
			e.logger.Error("failed to marshal audit event",
				observability.String("event_id", event.ID),
				observability.Error(err),
			)
			e.metrics.RecordDropped()
			return
		}
		out = append(b, '\n')
	}

	e.mu.Lock()
	_, err := e.writer.Write(out)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("failed to write audit event",
			observability.String("event_id", event.ID),
			observability.Error(err),
		)
		e.metrics.RecordDropped()
		return
	}

	e.metrics.RecordEvent(event.EventType, event.Outcome)
}

func (e *writerEmitter) redact(event *Event) {
	if len(e.config.RedactFields) == 0 || len(event.Payload) == 0 {
		return
	}
	for key := range event.Payload {
		lower := strings.ToLower(key)
		for _, f := range e.config.RedactFields {
			if strings.Contains(lower, strings.ToLower(f)) {
				event.Payload[key] = redactedValue
				break
			}
		}
	}
}

func formatText(event *Event) string {
	var sb strings.Builder

	sb.WriteString(event.Timestamp.Format(time.RFC3339))
	sb.WriteString(" ")
	sb.WriteString(string(event.Severity))
	sb.WriteString(" ")
	sb.WriteString(string(event.EventType))
	sb.WriteString(" ")
	sb.WriteString(string(event.Outcome))
	sb.WriteString(" org=")
	sb.WriteString(event.OrgID)
	if event.UserID != "" {
		sb.WriteString(" user=")
		sb.WriteString(event.UserID)
	}
	sb.WriteString(" action=")
	sb.WriteString(event.Action)
	sb.WriteString(" resource=")
	sb.WriteString(event.Resource)
	if event.ResourceID != "" {
		sb.WriteString("/")
		sb.WriteString(event.ResourceID)
	}
	if event.CorrelationID != "" {
		sb.WriteString(" correlation_id=")
		sb.WriteString(event.CorrelationID)
	}
	sb.WriteString("\n")
	return sb.String()
}

// Close closes the underlying file, if any.
func (e *writerEmitter) Close() error {
	if e.closer != nil {
		return e.closer.Close()
	}
	return nil
}

type noopEmitter struct{}

// NewNoopEmitter returns an emitter that discards events.
func NewNoopEmitter() Emitter {
	return noopEmitter{}
}

func (noopEmitter) Record(context.Context, *Event) {}
func (noopEmitter) Close() error                  { return nil }

// MemoryEmitter keeps events in memory. It is used by tests of packages
// that emit audit events.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemoryEmitter creates an empty MemoryEmitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// Record appends event.
func (m *MemoryEmitter) Record(_ context.Context, event *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of the recorded events.
func (m *MemoryEmitter) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns recorded events of type t.
func (m *MemoryEmitter) ByType(t EventType) []*Event {
	var out []*Event
	for _, e := range m.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// Close is a no-op.
func (m *MemoryEmitter) Close() error { return nil }

var (
	_ Emitter = (*writerEmitter)(nil)
	_ Emitter = noopEmitter{}
	_ Emitter = (*MemoryEmitter)(nil)
)
