package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/LanternOps/breeze-sub012/internal/agent"
	"github.com/LanternOps/breeze-sub012/internal/approval"
	"github.com/LanternOps/breeze-sub012/internal/audit"
	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/config"
	"github.com/LanternOps/breeze-sub012/internal/governor"
	"github.com/LanternOps/breeze-sub012/internal/guardrails"
	"github.com/LanternOps/breeze-sub012/internal/llm"
	"github.com/LanternOps/breeze-sub012/internal/observability"
	"github.com/LanternOps/breeze-sub012/internal/providers"
	"github.com/LanternOps/breeze-sub012/internal/retry"
	"github.com/LanternOps/breeze-sub012/internal/sessions"
	"github.com/LanternOps/breeze-sub012/internal/sweeper"
	"github.com/LanternOps/breeze-sub012/internal/tools"
	"github.com/LanternOps/breeze-sub012/internal/transport"
)

// app holds the wired components of a running agent.
type app struct {
	config  *config.Config
	logger  *slog.Logger
	store   sessions.Store
	gate    *guardrails.Gate
	service *agent.Service
	sweeper *sweeper.Sweeper
	server  *transport.Server
	metrics *observability.Metrics

	closers []func(context.Context) error
}

// newApp builds every component from cfg. On error, anything already opened
// is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	a.metrics = observability.NewMetrics(nil)

	traceCfg := cfg.Observability.Tracing
	traceCfg.ServiceVersion = version
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	a.closers = append(a.closers, shutdownTracer)

	auditLogger, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("audit logger: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return auditLogger.Close() })
	recorder := audit.NewRecorder(auditLogger)

	store, ledger, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	provider, err := newProvider(cfg, logger, a.metrics)
	if err != nil {
		return nil, err
	}

	registry, err := discoverTools(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rules := cfg.RuleSet()
	if cfg.Guardrails.OverridesFile != "" {
		if rules, err = config.LoadOverrides(cfg.Guardrails.OverridesFile, cfg.Guardrails.Overrides); err != nil {
			return nil, err
		}
	}
	a.gate = guardrails.NewGate(rules,
		guardrails.WithPermissions(guardrails.DefaultRolePermissions()),
		guardrails.WithToolRateLimit(cfg.Guardrails.ToolRate),
		guardrails.WithLogger(logger.With("component", "guardrails")))

	workflow := approval.NewWorkflow(store, cfg.Approval,
		approval.WithObserver(recorder),
		approval.WithObserver(a.metrics),
		approval.WithLogger(logger.With("component", "approval")))

	gov := governor.New(ledger, cfg.Governor,
		governor.WithRecorder(a.metrics),
		governor.WithLogger(logger.With("component", "governor")))

	agentOpts := []agent.Option{
		agent.WithLogger(logger.With("component", "agent")),
		agent.WithObserver(recorder),
		agent.WithObserver(a.metrics),
		agent.WithTracer(tracer.Tracer()),
	}
	orch, err := agent.NewOrchestrator(agent.Dependencies{
		Store:     store,
		Provider:  provider,
		Tools:     registry,
		Gate:      a.gate,
		Approvals: workflow,
		Governor:  gov,
	}, cfg.Agent, agentOpts...)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	a.service = agent.NewService(store, orch, workflow, agentOpts...)

	// Live waits reject on their own at the approval timeout; the sweeper
	// only picks up waits whose process is gone.
	a.sweeper = sweeper.New(store,
		sessions.NewExpiry(cfg.Agent.SessionMaxAge, cfg.Agent.IdleTimeout),
		cfg.Sweeper,
		sweeper.WithApprovals(workflow, cfg.Approval.Timeout+approvalSweepGrace),
		sweeper.WithLogger(logger.With("component", "sweeper")))

	a.server = transport.NewServer(a.service,
		auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenExpiry),
		transport.Config{
			Addr:            cfg.Server.Addr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			AllowedOrigins:  cfg.Server.AllowedOrigins,
			MetricsPath:     cfg.Observability.MetricsPath,
		},
		transport.WithLogger(logger.With("component", "transport")),
		transport.WithMetrics(a.metrics),
		transport.WithTracer(tracer))

	return a, nil
}

func (a *app) openStorage(ctx context.Context) (sessions.Store, governor.Ledger, error) {
	db := a.config.Database
	budget := a.config.Governor.MonthlyBudgetUSD

	switch db.Driver {
	case config.DriverPostgres:
		pool := sessions.DefaultPostgresConfig()
		pool.MaxOpenConns = db.MaxOpenConns
		pool.MaxIdleConns = db.MaxIdleConns
		pool.ConnMaxLifetime = db.ConnMaxLifetime
		store, err := sessions.NewPostgresStore(db.DSN, pool)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return store.CloseDB() })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		ledger := governor.NewSQLLedger(store.DB(), governor.DialectPostgres, budget)
		if err := ledger.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, ledger, nil

	case config.DriverSQLite:
		store, err := sessions.OpenSQLite(ctx, db.DSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return store.CloseDB() })
		ledger := governor.NewSQLLedger(store.DB(), governor.DialectSQLite, budget)
		if err := ledger.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, ledger, nil

	default:
		a.logger.Warn("using in-memory storage; sessions are lost on restart")
		return sessions.NewMemoryStore(), governor.NewMemoryLedger(budget), nil
	}
}

func newProvider(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (llm.Provider, error) {
	var (
		base llm.Provider
		err  error
	)
	switch cfg.LLM.Provider {
	case "openai":
		base, err = providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.Agent.Model,
			MaxTokens:    cfg.Agent.MaxTokens,
		})
	default:
		base, err = providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.Agent.Model,
			MaxTokens:    cfg.Agent.MaxTokens,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", cfg.LLM.Provider, err)
	}

	retryCfg := retry.ProviderConfig()
	if cfg.LLM.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.LLM.MaxAttempts
	}
	return providers.NewResilient(base,
		providers.WithRetryConfig(retryCfg),
		providers.WithLogger(logger.With("component", "providers")),
		providers.WithRetryHook(metrics.ProviderRetry)), nil
}

func discoverTools(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(tools.NewValidator())
	if len(cfg.Tools.Hosts) == 0 {
		logger.Warn("no tool hosts configured; the assistant can only chat")
		return registry, nil
	}

	remote := tools.NewRemote(cfg.Tools.Hosts,
		tools.WithHTTPClient(&http.Client{Timeout: cfg.Tools.Timeout}),
		tools.WithLogger(logger.With("component", "tools")))
	if err := remote.Discover(ctx); err != nil {
		return nil, fmt.Errorf("tool discovery: %w", err)
	}
	discovered := remote.Tools()
	registry.Register(discovered...)
	logger.Info("remote tools registered", "hosts", len(cfg.Tools.Hosts), "tools", len(discovered))
	return registry, nil
}

// watchOverrides reloads the guardrail overrides file into the gate when it
// changes. A file that fails to load leaves the current rules in place.
func (a *app) watchOverrides(ctx context.Context) error {
	path := a.config.Guardrails.OverridesFile
	if path == "" {
		return nil
	}
	return config.Watch(ctx, path, 0, func(string) {
		rules, err := config.LoadOverrides(path, a.config.Guardrails.Overrides)
		if err != nil {
			a.logger.Error("guardrail overrides reload failed", "path", path, "error", err)
			return
		}
		if err := a.gate.SetRules(rules); err != nil {
			a.logger.Error("guardrail overrides rejected", "path", path, "error", err)
			return
		}
		a.logger.Info("guardrail overrides reloaded", "path", path, "rules", len(rules.Rules))
	})
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
