// Package observability provides structured logging and distributed
// tracing for tenantgate.
//
// # Logging
//
// The Logger interface wraps zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.WithContext(ctx).Warn("tenant scope violation",
//	    observability.String("model", "hr.leave.request"),
//	)
//
// WithContext adds the correlation id, the org id and the active trace
// and span ids found on the context.
//
// # Tracing
//
// NewTracer configures an OpenTelemetry SDK provider exporting over OTLP
// gRPC. Components create their spans through otel.Tracer so they work
// unchanged when tracing is disabled.
package observability
