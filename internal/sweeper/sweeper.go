// Package sweeper runs periodic maintenance for the agent core: it expires
// sessions past their age or idle limits and rejects approval requests whose
// waiter is gone.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LanternOps/breeze-sub012/internal/sessions"
)

// cronParser accepts standard 5-field, 6-field (with seconds) and
// descriptor (@every 1m) expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Config configures the maintenance schedule.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// Schedule is a cron expression. Default: "@every 1m"
	Schedule string `yaml:"schedule" json:"schedule" env:"SCHEDULE"`

	// BatchSize caps how many rows one job handles per run. Default: 100
	BatchSize int `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE" validate:"gte=0"`
}

// DefaultConfig returns an enabled once-a-minute sweep.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Schedule:  "@every 1m",
		BatchSize: 100,
	}
}

// ValidateSchedule reports whether spec parses as a cron expression.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.New("schedule is required")
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// SessionStore is the part of the session store the sweeper needs.
type SessionStore interface {
	ListExpirable(ctx context.Context, createdBefore, idleBefore time.Time, limit int) ([]string, error)
	ConditionalExpire(ctx context.Context, id string) (bool, error)
}

// ApprovalExpirer rejects pending approvals created before cutoff.
type ApprovalExpirer interface {
	ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Result summarizes one sweep.
type Result struct {
	SessionsExpired  int
	ApprovalsExpired int
}

// Sweeper schedules the maintenance jobs.
type Sweeper struct {
	store           SessionStore
	expiry          *sessions.Expiry
	approvals       ApprovalExpirer
	approvalTimeout time.Duration
	config          Config
	logger          *slog.Logger
	now             func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithApprovals enables the approval job. Pending executions older than
// timeout are rejected.
func WithApprovals(expirer ApprovalExpirer, timeout time.Duration) Option {
	return func(s *Sweeper) {
		s.approvals = expirer
		s.approvalTimeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock used for approval cutoffs.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper over store using expiry for session cutoffs.
func New(store SessionStore, expiry *sessions.Expiry, config Config, opts ...Option) *Sweeper {
	defaults := DefaultConfig()
	if strings.TrimSpace(config.Schedule) == "" {
		config.Schedule = defaults.Schedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if expiry == nil {
		expiry = sessions.NewExpiry(0, 0)
	}
	s := &Sweeper{
		store:  store,
		expiry: expiry,
		config: config,
		logger: slog.Default().With("component", "sweeper"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep. It is a no-op when the sweeper is disabled.
func (s *Sweeper) Start() error {
	if !s.config.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.config.Schedule, s.run); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.config.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", "schedule", s.config.Schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("sweep failed", "error", err)
	}
	if result.SessionsExpired > 0 || result.ApprovalsExpired > 0 {
		s.logger.Info("sweep completed",
			"sessions_expired", result.SessionsExpired,
			"approvals_expired", result.ApprovalsExpired)
	}
}

// RunOnce runs both jobs. Both always run; their errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var (
		result Result
		errs   []error
	)

	n, err := s.expireSessions(ctx)
	result.SessionsExpired = n
	if err != nil {
		errs = append(errs, err)
	}

	if s.approvals != nil && s.approvalTimeout > 0 {
		n, err := s.approvals.ExpireStale(ctx, s.now().Add(-s.approvalTimeout), s.config.BatchSize)
		result.ApprovalsExpired = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}

func (s *Sweeper) expireSessions(ctx context.Context) (int, error) {
	createdBefore, idleBefore := s.expiry.Cutoffs()
	ids, err := s.store.ListExpirable(ctx, createdBefore, idleBefore, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expirable sessions: %w", err)
	}
	expired := 0
	for _, id := range ids {
		ok, err := s.store.ConditionalExpire(ctx, id)
		if err != nil {
			return expired, fmt.Errorf("failed to expire session %s: %w", id, err)
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
