package governor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/LanternOps/breeze-sub012/internal/usage"
)

// Budget is an organization's spend position for the current month.
type Budget struct {
	LimitUSD float64
	SpentUSD float64
	Enabled  bool
}

// Ledger stores usage records and per-organization budgets.
type Ledger interface {
	// Budget returns the organization's limit and its spend in the calendar
	// month (UTC) containing at.
	Budget(ctx context.Context, orgID string, at time.Time) (Budget, error)
	Record(ctx context.Context, rec usage.Record) error
}

func monthStart(at time.Time) time.Time {
	at = at.UTC()
	return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Dialect selects SQL placeholder and column conventions.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const postgresLedgerSchema = `
CREATE TABLE IF NOT EXISTS ai_usage (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	used_tools BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_usage_org_created ON ai_usage(org_id, created_at);

CREATE TABLE IF NOT EXISTS ai_budgets (
	org_id TEXT PRIMARY KEY,
	monthly_limit_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const sqliteLedgerSchema = `
CREATE TABLE IF NOT EXISTS ai_usage (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	used_tools INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_usage_org_created ON ai_usage(org_id, created_at);

CREATE TABLE IF NOT EXISTS ai_budgets (
	org_id TEXT PRIMARY KEY,
	monthly_limit_usd REAL NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL DEFAULT 0
);
`

// SQLLedger is a Ledger on PostgreSQL or SQLite. SQLite stores times as
// unix milliseconds, matching the session store.
type SQLLedger struct {
	db           *sql.DB
	dialect      Dialect
	defaultLimit float64
}

// NewSQLLedger wraps db. defaultLimit applies to organizations without a
// budget row.
func NewSQLLedger(db *sql.DB, dialect Dialect, defaultLimit float64) *SQLLedger {
	if dialect == "" {
		dialect = DialectPostgres
	}
	return &SQLLedger{db: db, dialect: dialect, defaultLimit: defaultLimit}
}

// EnsureSchema creates the ledger tables.
func (l *SQLLedger) EnsureSchema(ctx context.Context) error {
	schema := postgresLedgerSchema
	if l.dialect == DialectSQLite {
		schema = sqliteLedgerSchema
	}
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

func (l *SQLLedger) bind(query string) string {
	if l.dialect == DialectSQLite {
		return placeholderPattern.ReplaceAllString(query, "?")
	}
	return query
}

func (l *SQLLedger) timeArg(t time.Time) any {
	if l.dialect == DialectSQLite {
		return t.UnixMilli()
	}
	return t
}

func (l *SQLLedger) Budget(ctx context.Context, orgID string, at time.Time) (Budget, error) {
	budget := Budget{LimitUSD: l.defaultLimit, Enabled: true}

	err := l.db.QueryRowContext(ctx,
		l.bind(`SELECT monthly_limit_usd, enabled FROM ai_budgets WHERE org_id = $1`), orgID,
	).Scan(&budget.LimitUSD, &budget.Enabled)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Budget{}, fmt.Errorf("failed to get budget: %w", err)
	}

	err = l.db.QueryRowContext(ctx,
		l.bind(`SELECT COALESCE(SUM(cost_usd), 0) FROM ai_usage WHERE org_id = $1 AND created_at >= $2`),
		orgID, l.timeArg(monthStart(at)),
	).Scan(&budget.SpentUSD)
	if err != nil {
		return Budget{}, fmt.Errorf("failed to sum usage: %w", err)
	}
	return budget, nil
}

func (l *SQLLedger) Record(ctx context.Context, rec usage.Record) error {
	_, err := l.db.ExecContext(ctx, l.bind(`
		INSERT INTO ai_usage (id, session_id, org_id, model, input_tokens, output_tokens, cost_usd, used_tools, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`),
		rec.ID,
		rec.SessionID,
		rec.OrgID,
		rec.Model,
		rec.Usage.InputTokens,
		rec.Usage.OutputTokens,
		rec.CostUSD,
		rec.UsedTools,
		l.timeArg(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// SetBudget creates or replaces an organization's budget.
func (l *SQLLedger) SetBudget(ctx context.Context, orgID string, limitUSD float64, enabled bool, at time.Time) error {
	_, err := l.db.ExecContext(ctx, l.bind(`
		INSERT INTO ai_budgets (org_id, monthly_limit_usd, enabled, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id) DO UPDATE SET
			monthly_limit_usd = excluded.monthly_limit_usd,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`), orgID, limitUSD, enabled, l.timeArg(at))
	if err != nil {
		return fmt.Errorf("failed to set budget: %w", err)
	}
	return nil
}

// MemoryLedger keeps usage in process. Budgets reset when it is discarded.
type MemoryLedger struct {
	mu           sync.Mutex
	records      []usage.Record
	budgets      map[string]Budget
	defaultLimit float64
}

// NewMemoryLedger builds an empty ledger.
func NewMemoryLedger(defaultLimit float64) *MemoryLedger {
	return &MemoryLedger{budgets: make(map[string]Budget), defaultLimit: defaultLimit}
}

func (m *MemoryLedger) Budget(ctx context.Context, orgID string, at time.Time) (Budget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	budget, ok := m.budgets[orgID]
	if !ok {
		budget = Budget{LimitUSD: m.defaultLimit, Enabled: true}
	}
	start := monthStart(at)
	budget.SpentUSD = 0
	for _, rec := range m.records {
		if rec.OrgID == orgID && !rec.Timestamp.Before(start) {
			budget.SpentUSD += rec.CostUSD
		}
	}
	return budget, nil
}

func (m *MemoryLedger) Record(ctx context.Context, rec usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// SetBudget sets an organization's budget.
func (m *MemoryLedger) SetBudget(ctx context.Context, orgID string, limitUSD float64, enabled bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets[orgID] = Budget{LimitUSD: limitUSD, Enabled: enabled}
	return nil
}

// Records returns a copy of the stored usage.
func (m *MemoryLedger) Records() []usage.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]usage.Record(nil), m.records...)
}

var (
	_ Ledger = (*SQLLedger)(nil)
	_ Ledger = (*MemoryLedger)(nil)
)
