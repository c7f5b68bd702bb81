// Package observability holds the process-level telemetry of the agent
// service: Prometheus metrics, slog handlers with secret redaction, and
// OpenTelemetry tracing.
//
// # Metrics
//
// Metrics is an agent.Observer, an approval.Observer and a
// governor.UsageRecorder, so one value is registered with each component:
//
//	metrics := observability.NewMetrics(nil)
//	workflow := approval.NewWorkflow(store, cfg, approval.WithObserver(metrics))
//	gov := governor.New(ledger, limits, governor.WithRecorder(metrics))
//	client := providers.NewResilient(p, providers.WithRetryHook(metrics.ProviderRetry))
//
// # Logging
//
// NewLogger builds a JSON (or tint text) logger whose handler masks API
// keys, bearer tokens, passwords, JWTs and email addresses, and copies the
// request and session IDs stored with AddRequestID and AddSessionID into
// every record.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// falls back to a no-op tracer otherwise. GetTraceID and GetSpanID let the
// audit trail correlate events with traces.
package observability
