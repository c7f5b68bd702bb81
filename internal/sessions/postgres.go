package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens a PostgreSQL store using a DSN or URL.
func NewPostgresStore(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying connection for related stores.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates missing tables and indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CloseDB closes the database connection.
func (s *PostgresStore) CloseDB() error {
	return s.db.Close()
}

const sessionColumns = `id, org_id, user_id, model, title, status, turn_count, max_turns, system_prompt, context_snapshot, created_at, last_activity_at`

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}
	snapshot, err := nullJSON(session.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal context snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		session.ID,
		session.OrgID,
		session.UserID,
		session.Model,
		session.Title,
		session.Status,
		session.TurnCount,
		session.MaxTurns,
		session.SystemPrompt,
		snapshot,
		session.CreatedAt,
		session.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string, visible OrgPredicate) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM ai_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if visible != nil && !visible(session.OrgID) {
		return nil, nil
	}
	return session, nil
}

func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	if noVisibleOrgs(opts.OrgIDs, opts.AllOrgs) {
		return []*models.Session{}, nil
	}
	q := newPgFilter()
	q.eq("user_id", opts.UserID)
	q.eq("status", string(opts.Status))
	if !opts.AllOrgs {
		q.anyOf("org_id", opts.OrgIDs)
	}
	limit, offset := pageBounds(opts.Page, opts.Limit)
	query := `SELECT ` + sessionColumns + ` FROM ai_sessions` + q.where() +
		fmt.Sprintf(" ORDER BY last_activity_at DESC LIMIT $%d OFFSET $%d", q.next(), q.next()+1)
	return s.querySessions(ctx, query, append(q.args, limit, offset)...)
}

func (s *PostgresStore) Search(ctx context.Context, opts SearchOptions) ([]*models.Session, error) {
	if noVisibleOrgs(opts.OrgIDs, opts.AllOrgs) {
		return []*models.Session{}, nil
	}
	q := newPgFilter()
	q.eq("user_id", opts.UserID)
	q.eq("status", string(opts.Status))
	if !opts.AllOrgs {
		q.anyOf("org_id", opts.OrgIDs)
	}
	if strings.TrimSpace(opts.Query) != "" {
		n := q.add(likePattern(opts.Query))
		q.clauses = append(q.clauses, fmt.Sprintf(
			`(title ILIKE $%d OR EXISTS (SELECT 1 FROM ai_messages m WHERE m.session_id = ai_sessions.id AND m.role IN ('user', 'assistant') AND m.content ILIKE $%d))`,
			n, n))
	}
	limit, offset := pageBounds(opts.Page, opts.Limit)
	query := `SELECT ` + sessionColumns + ` FROM ai_sessions` + q.where() +
		fmt.Sprintf(" ORDER BY last_activity_at DESC LIMIT $%d OFFSET $%d", q.next(), q.next()+1)
	return s.querySessions(ctx, query, append(q.args, limit, offset)...)
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close(ctx context.Context, id string) (bool, error) {
	return s.execAffected(ctx, "close session",
		`UPDATE ai_sessions SET status = 'closed' WHERE id = $1 AND status = 'active'`, id)
}

func (s *PostgresStore) ConditionalExpire(ctx context.Context, id string) (bool, error) {
	return s.execAffected(ctx, "expire session",
		`UPDATE ai_sessions SET status = 'expired' WHERE id = $1 AND status = 'active'`, id)
}

func (s *PostgresStore) RecordTurn(ctx context.Context, id string, snapshot *models.PageContext, at time.Time) (bool, error) {
	snap, err := nullJSON(snapshot)
	if err != nil {
		return false, fmt.Errorf("failed to marshal context snapshot: %w", err)
	}
	return s.execAffected(ctx, "record turn", `
		UPDATE ai_sessions
		SET turn_count = turn_count + 1,
			last_activity_at = $2,
			context_snapshot = COALESCE($3::jsonb, context_snapshot)
		WHERE id = $1 AND status = 'active' AND (max_turns <= 0 OR turn_count < max_turns)
	`, id, at, snap)
}

func (s *PostgresStore) SetSystemPrompt(ctx context.Context, id, prompt string) error {
	ok, err := s.execAffected(ctx, "set system prompt",
		`UPDATE ai_sessions SET system_prompt = $2 WHERE id = $1`, id, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListExpirable(ctx context.Context, createdBefore, idleBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM ai_sessions
		WHERE status = 'active' AND (created_at < $1 OR last_activity_at < $2)
		ORDER BY last_activity_at
		LIMIT $3
	`, createdBefore, idleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const turnColumns = `id, session_id, role, content, content_blocks, tool_name, tool_input, tool_output, tool_use_id, is_error, input_tokens, output_tokens, created_at`

func (s *PostgresStore) AppendTurn(ctx context.Context, turn *models.Turn) error {
	if turn == nil || turn.ID == "" || turn.SessionID == "" {
		return fmt.Errorf("turn ID and session ID are required")
	}
	blocks, err := nullJSON(turn.ContentBlocks)
	if err != nil {
		return fmt.Errorf("failed to marshal content blocks: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_messages (`+turnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		turn.ID,
		turn.SessionID,
		turn.Role,
		turn.Content,
		blocks,
		turn.ToolName,
		nullRaw(turn.ToolInput),
		turn.ToolOutput,
		turn.ToolUseID,
		turn.IsError,
		turn.InputTokens,
		turn.OutputTokens,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) Turns(ctx context.Context, sessionID string) ([]*models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+` FROM ai_messages
		WHERE session_id = $1
		ORDER BY created_at, seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get turns: %w", err)
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		turn := &models.Turn{}
		var blocks, input []byte
		if err := rows.Scan(
			&turn.ID,
			&turn.SessionID,
			&turn.Role,
			&turn.Content,
			&blocks,
			&turn.ToolName,
			&input,
			&turn.ToolOutput,
			&turn.ToolUseID,
			&turn.IsError,
			&turn.InputTokens,
			&turn.OutputTokens,
			&turn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if len(blocks) > 0 {
			if err := json.Unmarshal(blocks, &turn.ContentBlocks); err != nil {
				return nil, fmt.Errorf("failed to unmarshal content blocks: %w", err)
			}
		}
		if len(input) > 0 {
			turn.ToolInput = json.RawMessage(input)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

const executionColumns = `id, session_id, tool_name, tool_input, status, tool_output, duration_ms, error_message, approved_by, approved_at, completed_at, created_at`

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.ToolExecution) error {
	if exec == nil || exec.ID == "" || exec.SessionID == "" {
		return fmt.Errorf("execution ID and session ID are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_tool_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		exec.ID,
		exec.SessionID,
		exec.ToolName,
		nullRaw(exec.ToolInput),
		exec.Status,
		exec.ToolOutput,
		exec.DurationMs,
		exec.ErrorMessage,
		exec.ApprovedBy,
		exec.ApprovedAt,
		exec.CompletedAt,
		exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create tool execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.ToolExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM ai_tool_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool execution: %w", err)
	}
	return exec, nil
}

func (s *PostgresStore) TransitionExecution(ctx context.Context, id string, from []models.ToolExecutionStatus, upd models.ExecutionUpdate) (bool, error) {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	return s.execAffected(ctx, "update tool execution", `
		UPDATE ai_tool_executions
		SET status = $2,
			tool_output = COALESCE(NULLIF($3, ''), tool_output),
			error_message = COALESCE(NULLIF($4, ''), error_message),
			duration_ms = COALESCE(NULLIF($5, 0), duration_ms),
			approved_by = COALESCE(NULLIF($6, ''), approved_by),
			approved_at = COALESCE($7, approved_at),
			completed_at = COALESCE($8, completed_at)
		WHERE id = $1 AND status = ANY($9)
	`,
		id,
		upd.Status,
		upd.ToolOutput,
		upd.ErrorMessage,
		upd.DurationMs,
		upd.ApprovedBy,
		upd.ApprovedAt,
		upd.CompletedAt,
		pq.Array(statuses),
	)
}

func (s *PostgresStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.ToolExecution, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM ai_tool_executions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending executions: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tool execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var snapshot []byte
	if err := row.Scan(
		&session.ID,
		&session.OrgID,
		&session.UserID,
		&session.Model,
		&session.Title,
		&session.Status,
		&session.TurnCount,
		&session.MaxTurns,
		&session.SystemPrompt,
		&snapshot,
		&session.CreatedAt,
		&session.LastActivityAt,
	); err != nil {
		return nil, err
	}
	if len(snapshot) > 0 {
		session.ContextSnapshot = &models.PageContext{}
		if err := json.Unmarshal(snapshot, session.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context snapshot: %w", err)
		}
	}
	return session, nil
}

func scanExecution(row rowScanner) (*models.ToolExecution, error) {
	exec := &models.ToolExecution{}
	var input []byte
	var approvedAt, completedAt sql.NullTime
	if err := row.Scan(
		&exec.ID,
		&exec.SessionID,
		&exec.ToolName,
		&input,
		&exec.Status,
		&exec.ToolOutput,
		&exec.DurationMs,
		&exec.ErrorMessage,
		&exec.ApprovedBy,
		&approvedAt,
		&completedAt,
		&exec.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(input) > 0 {
		exec.ToolInput = json.RawMessage(input)
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		exec.ApprovedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		exec.CompletedAt = &t
	}
	return exec, nil
}

// nullJSON marshals v, mapping nil pointers and empty slices to NULL.
func nullJSON[T any](v T) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" || string(data) == "[]" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// pgFilter accumulates WHERE clauses with positional parameters.
type pgFilter struct {
	clauses []string
	args    []any
}

func newPgFilter() *pgFilter {
	return &pgFilter{}
}

func (f *pgFilter) add(arg any) int {
	f.args = append(f.args, arg)
	return len(f.args)
}

func (f *pgFilter) next() int {
	return len(f.args) + 1
}

func (f *pgFilter) eq(column, value string) {
	if value == "" {
		return
	}
	f.clauses = append(f.clauses, fmt.Sprintf("%s = $%d", column, f.add(value)))
}

func (f *pgFilter) anyOf(column string, values []string) {
	f.clauses = append(f.clauses, fmt.Sprintf("%s = ANY($%d)", column, f.add(pq.Array(values))))
}

func (f *pgFilter) where() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}
