package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LanternOps/breeze-sub012/internal/agent"
	"github.com/LanternOps/breeze-sub012/internal/approval"
	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/governor"
	"github.com/LanternOps/breeze-sub012/internal/guardrails"
	"github.com/LanternOps/breeze-sub012/internal/providers"
	"github.com/LanternOps/breeze-sub012/internal/sanitize"
	"github.com/LanternOps/breeze-sub012/internal/sessions"
	"github.com/LanternOps/breeze-sub012/internal/usage"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// Metrics collects Prometheus metrics for the agent core. It observes the
// orchestrator, the approval workflow, the governor's usage ledger and the
// provider retry loop.
//
// Usage:
//
//	metrics := observability.NewMetrics(nil)
//	orch, _ := agent.NewOrchestrator(deps, cfg, agent.WithObserver(metrics))
//	mux.Handle("/metrics", metrics.Handler())
type Metrics struct {
	agent.NopObserver

	registry *prometheus.Registry

	// Turns counts conversation turns.
	// Labels: status (ok|error|cancelled)
	Turns *prometheus.CounterVec

	// TurnDuration measures whole turns, provider calls and tools included.
	// Buckets: 0.5s .. 600s
	TurnDuration prometheus.Histogram

	// TurnIterations records provider calls per turn.
	TurnIterations prometheus.Histogram

	// ToolExecutions counts tool executions that reached a terminal state.
	// Labels: tool, status (completed|failed|rejected)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool run time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// GateDecisions counts guardrail outcomes.
	// Labels: tier, stage
	GateDecisions *prometheus.CounterVec

	// Approvals counts approval outcomes.
	// Labels: outcome (approved|rejected|forced)
	Approvals *prometheus.CounterVec

	// ProviderRetries counts retried provider calls.
	// Labels: provider, reason
	ProviderRetries *prometheus.CounterVec

	// Tokens counts billed tokens.
	// Labels: model, direction (input|output)
	Tokens *prometheus.CounterVec

	// CostUSD accumulates estimated spend.
	// Labels: model
	CostUSD *prometheus.CounterVec

	// SessionEvents counts session lifecycle transitions.
	// Labels: event (created|closed|expired)
	SessionEvents *prometheus.CounterVec

	// InputFlags counts sanitizer findings.
	// Labels: flag
	InputFlags *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	_ agent.Observer         = (*Metrics)(nil)
	_ approval.Observer      = (*Metrics)(nil)
	_ governor.UsageRecorder = (*Metrics)(nil)
)

// NewMetrics creates and registers all metrics on registry. A nil registry
// gets a fresh one with the Go and process collectors.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(registry)

	return &Metrics{
		registry: registry,

		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_ai_turns_total",
			Help: "Conversation turns by outcome",
		}, []string{"status"}),

		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "breeze_ai_turn_duration_seconds",
			Help:    "Duration of conversation turns in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}),

		TurnIterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "breeze_ai_turn_iterations",
			Help:    "Provider calls per conversation turn",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),

		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_ai_tool_executions_total",
			Help: "Tool executions by tool and terminal status",
		}, []string{"tool", "status"}),

		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "breeze_ai_tool_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),

		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_ai_gate_decisions_total",
			Help: "Guardrail decisions by tier and deciding stage",
		}, []string{"tier", "stage"}),

		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_ai_approvals_total",
			Help: "Approval outcomes",
		}, []string{"outcome"}),

		ProviderRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_ai_provider_retries_total",
			Help: "Retried provider calls by provider and failure reason",
		}, []string{"provider", "reason"}),

		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_ai_tokens_total",
			Help: "Tokens billed by model and direction",
		}, []string{"model", "direction"}),

		CostUSD: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_ai_cost_usd_total",
			Help: "Estimated provider spend in USD",
		}, []string{"model"}),

		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_ai_session_events_total",
			Help: "Session lifecycle transitions",
		}, []string{"event"}),

		InputFlags: f.NewCounterVec(prometheus.CounterOpts{
			Name: "breeze_ai_input_flags_total",
			Help: "Suspicious input patterns removed by the sanitizer",
		}, []string{"flag"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "breeze_ai_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status_code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionCreated(context.Context, *models.Session, *auth.Context) {
	m.SessionEvents.WithLabelValues("created").Inc()
}

func (m *Metrics) SessionClosed(context.Context, *models.Session, *auth.Context) {
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func (m *Metrics) SessionExpired(context.Context, *models.Session, sessions.ExpiryReason) {
	m.SessionEvents.WithLabelValues("expired").Inc()
}

func (m *Metrics) InputFlagged(_ context.Context, _ *models.Session, _ *auth.Context, flags []sanitize.Flag) {
	for _, f := range flags {
		m.InputFlags.WithLabelValues(string(f)).Inc()
	}
}

func (m *Metrics) ToolDecision(_ context.Context, _ *models.Session, _ *auth.Context, _ models.ToolCall, d guardrails.Decision) {
	m.GateDecisions.WithLabelValues(string(d.Tier), string(d.Stage)).Inc()
}

func (m *Metrics) ToolExecuted(_ context.Context, _ *models.Session, _ *auth.Context, exec *models.ToolExecution) {
	m.ToolExecutions.WithLabelValues(exec.ToolName, string(exec.Status)).Inc()
	if exec.Status == models.ToolCompleted || exec.Status == models.ToolFailed {
		m.ToolDuration.WithLabelValues(exec.ToolName).Observe(float64(exec.DurationMs) / 1000)
	}
}

func (m *Metrics) TurnFinished(_ context.Context, _ *models.Session, _ *auth.Context, stats agent.TurnStats) {
	status := "ok"
	switch {
	case stats.Err == nil:
	case isCancelled(stats.Err):
		status = "cancelled"
	default:
		status = "error"
	}
	m.Turns.WithLabelValues(status).Inc()
	m.TurnDuration.Observe(stats.Duration.Seconds())
	m.TurnIterations.Observe(float64(stats.Iterations))
}

// ApprovalDecided implements approval.Observer.
func (m *Metrics) ApprovalDecided(_ context.Context, _ *models.ToolExecution, approved bool) {
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	m.Approvals.WithLabelValues(outcome).Inc()
}

// ApprovalForced implements approval.Observer.
func (m *Metrics) ApprovalForced(context.Context, string, string) {
	m.Approvals.WithLabelValues("forced").Inc()
}

// RecordTokens implements governor.UsageRecorder.
func (m *Metrics) RecordTokens(model string, u usage.Usage, costUSD float64) {
	m.Tokens.WithLabelValues(model, "input").Add(float64(u.InputTokens))
	m.Tokens.WithLabelValues(model, "output").Add(float64(u.OutputTokens))
	if costUSD > 0 {
		m.CostUSD.WithLabelValues(model).Add(costUSD)
	}
}

// ProviderRetry matches providers.RetryHook.
func (m *Metrics) ProviderRetry(provider string, _ int, reason providers.FailoverReason, _ time.Duration) {
	m.ProviderRetries.WithLabelValues(provider, string(reason)).Inc()
}

// RecordHTTPRequest observes one API request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration.Seconds())
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
