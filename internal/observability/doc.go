// Package observability provides metrics, structured logging, run timelines
// and tracing for the agent pipeline.
//
// # Metrics
//
// Metrics are Prometheus collectors registered on a caller-supplied
// registerer, so tests can use an isolated registry:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer, "")
//	metrics.FailoverAttempt("claude")
//	metrics.StreamStalled("no_events")
//
// # Logging
//
// Logger wraps slog with redaction of secrets and correlation ids taken from
// the context (run_id, account_id, family). Library packages accept a
// *slog.Logger; hand them Logger.Slog() to keep both behaviors:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.AddRunID(ctx, runID)
//	logger.Info(ctx, "turn started")
//
// # Tracing
//
// Tracer exports OpenTelemetry spans over OTLP/gRPC when an endpoint is
// configured and is a no-op otherwise. Turns, swarm delegations and failover
// requests each get a span.
//
// # Timelines
//
// EventRecorder writes run lifecycle events (start, attempts, rotations,
// stalls, delegation, end) to an EventStore; BuildTimeline and
// FormatTimeline render them for debugging a single run.
package observability
