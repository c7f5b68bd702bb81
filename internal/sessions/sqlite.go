package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	_ "modernc.org/sqlite"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and bootstraps) a SQLite store at path. Use ":memory:" for
// a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY and keeps :memory: on one connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying connection for related stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// CloseDB releases the underlying database.
func (s *SQLiteStore) CloseDB() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteSession struct {
	ID              string         `db:"id"`
	OrgID           string         `db:"org_id"`
	UserID          string         `db:"user_id"`
	Model           string         `db:"model"`
	Title           string         `db:"title"`
	Status          string         `db:"status"`
	TurnCount       int            `db:"turn_count"`
	MaxTurns        int            `db:"max_turns"`
	SystemPrompt    string         `db:"system_prompt"`
	ContextSnapshot sql.NullString `db:"context_snapshot"`
	CreatedAt       int64          `db:"created_at"`
	LastActivityAt  int64          `db:"last_activity_at"`
}

func (r sqliteSession) model() (*models.Session, error) {
	s := &models.Session{
		ID:             r.ID,
		OrgID:          r.OrgID,
		UserID:         r.UserID,
		Model:          r.Model,
		Title:          r.Title,
		Status:         models.SessionStatus(r.Status),
		TurnCount:      r.TurnCount,
		MaxTurns:       r.MaxTurns,
		SystemPrompt:   r.SystemPrompt,
		CreatedAt:      fromMillis(r.CreatedAt),
		LastActivityAt: fromMillis(r.LastActivityAt),
	}
	if r.ContextSnapshot.Valid && r.ContextSnapshot.String != "" {
		s.ContextSnapshot = &models.PageContext{}
		if err := json.Unmarshal([]byte(r.ContextSnapshot.String), s.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context snapshot: %w", err)
		}
	}
	return s, nil
}

type sqliteTurn struct {
	ID            string         `db:"id"`
	SessionID     string         `db:"session_id"`
	Role          string         `db:"role"`
	Content       string         `db:"content"`
	ContentBlocks sql.NullString `db:"content_blocks"`
	ToolName      string         `db:"tool_name"`
	ToolInput     sql.NullString `db:"tool_input"`
	ToolOutput    string         `db:"tool_output"`
	ToolUseID     string         `db:"tool_use_id"`
	IsError       bool           `db:"is_error"`
	InputTokens   int            `db:"input_tokens"`
	OutputTokens  int            `db:"output_tokens"`
	CreatedAt     int64          `db:"created_at"`
}

type sqliteExecution struct {
	ID           string         `db:"id"`
	SessionID    string         `db:"session_id"`
	ToolName     string         `db:"tool_name"`
	ToolInput    sql.NullString `db:"tool_input"`
	Status       string         `db:"status"`
	ToolOutput   string         `db:"tool_output"`
	DurationMs   int64          `db:"duration_ms"`
	ErrorMessage string         `db:"error_message"`
	ApprovedBy   string         `db:"approved_by"`
	ApprovedAt   sql.NullInt64  `db:"approved_at"`
	CompletedAt  sql.NullInt64  `db:"completed_at"`
	CreatedAt    int64          `db:"created_at"`
}

func (r sqliteExecution) model() *models.ToolExecution {
	e := &models.ToolExecution{
		ID:           r.ID,
		SessionID:    r.SessionID,
		ToolName:     r.ToolName,
		Status:       models.ToolExecutionStatus(r.Status),
		ToolOutput:   r.ToolOutput,
		DurationMs:   r.DurationMs,
		ErrorMessage: r.ErrorMessage,
		ApprovedBy:   r.ApprovedBy,
		CreatedAt:    fromMillis(r.CreatedAt),
	}
	if r.ToolInput.Valid {
		e.ToolInput = json.RawMessage(r.ToolInput.String)
	}
	if r.ApprovedAt.Valid {
		t := fromMillis(r.ApprovedAt.Int64)
		e.ApprovedAt = &t
	}
	if r.CompletedAt.Valid {
		t := fromMillis(r.CompletedAt.Int64)
		e.CompletedAt = &t
	}
	return e
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}
	snapshot, err := nullJSON(session.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal context snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID, session.OrgID, session.UserID, session.Model, session.Title,
		string(session.Status), session.TurnCount, session.MaxTurns, session.SystemPrompt,
		snapshot, toMillis(session.CreatedAt), toMillis(session.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string, visible OrgPredicate) (*models.Session, error) {
	var row sqliteSession
	err := sqlscan.Get(ctx, s.db, &row, `SELECT `+sessionColumns+` FROM ai_sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if visible != nil && !visible(row.OrgID) {
		return nil, nil
	}
	return row.model()
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	if noVisibleOrgs(opts.OrgIDs, opts.AllOrgs) {
		return []*models.Session{}, nil
	}
	f := &liteFilter{}
	f.eq("user_id", opts.UserID)
	f.eq("status", string(opts.Status))
	if !opts.AllOrgs {
		f.in("org_id", opts.OrgIDs)
	}
	return s.selectSessions(ctx, f, opts.Page, opts.Limit)
}

func (s *SQLiteStore) Search(ctx context.Context, opts SearchOptions) ([]*models.Session, error) {
	if noVisibleOrgs(opts.OrgIDs, opts.AllOrgs) {
		return []*models.Session{}, nil
	}
	f := &liteFilter{}
	f.eq("user_id", opts.UserID)
	f.eq("status", string(opts.Status))
	if !opts.AllOrgs {
		f.in("org_id", opts.OrgIDs)
	}
	if strings.TrimSpace(opts.Query) != "" {
		pattern := likePattern(opts.Query)
		f.clauses = append(f.clauses, `(title LIKE ? ESCAPE '\' OR EXISTS (SELECT 1 FROM ai_messages m WHERE m.session_id = ai_sessions.id AND m.role IN ('user', 'assistant') AND m.content LIKE ? ESCAPE '\'))`)
		f.args = append(f.args, pattern, pattern)
	}
	return s.selectSessions(ctx, f, opts.Page, opts.Limit)
}

func (s *SQLiteStore) selectSessions(ctx context.Context, f *liteFilter, page, limit int) ([]*models.Session, error) {
	limit, offset := pageBounds(page, limit)
	query := `SELECT ` + sessionColumns + ` FROM ai_sessions` + f.where() + ` ORDER BY last_activity_at DESC LIMIT ? OFFSET ?`

	var rows []sqliteSession
	if err := sqlscan.Select(ctx, s.db, &rows, query, append(f.args, limit, offset)...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]*models.Session, 0, len(rows))
	for _, r := range rows {
		session, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *SQLiteStore) Close(ctx context.Context, id string) (bool, error) {
	return s.execAffected(ctx, "close session",
		`UPDATE ai_sessions SET status = 'closed' WHERE id = ? AND status = 'active'`, id)
}

func (s *SQLiteStore) ConditionalExpire(ctx context.Context, id string) (bool, error) {
	return s.execAffected(ctx, "expire session",
		`UPDATE ai_sessions SET status = 'expired' WHERE id = ? AND status = 'active'`, id)
}

func (s *SQLiteStore) RecordTurn(ctx context.Context, id string, snapshot *models.PageContext, at time.Time) (bool, error) {
	snap, err := nullJSON(snapshot)
	if err != nil {
		return false, fmt.Errorf("failed to marshal context snapshot: %w", err)
	}
	return s.execAffected(ctx, "record turn", `
		UPDATE ai_sessions
		SET turn_count = turn_count + 1,
			last_activity_at = ?,
			context_snapshot = COALESCE(?, context_snapshot)
		WHERE id = ? AND status = 'active' AND (max_turns <= 0 OR turn_count < max_turns)
	`, toMillis(at), snap, id)
}

func (s *SQLiteStore) SetSystemPrompt(ctx context.Context, id, prompt string) error {
	ok, err := s.execAffected(ctx, "set system prompt",
		`UPDATE ai_sessions SET system_prompt = ? WHERE id = ?`, prompt, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) ListExpirable(ctx context.Context, createdBefore, idleBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	var ids []string
	err := sqlscan.Select(ctx, s.db, &ids, `
		SELECT id FROM ai_sessions
		WHERE status = 'active' AND (created_at < ? OR last_activity_at < ?)
		ORDER BY last_activity_at
		LIMIT ?
	`, toMillis(createdBefore), toMillis(idleBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable sessions: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *models.Turn) error {
	if turn == nil || turn.ID == "" || turn.SessionID == "" {
		return fmt.Errorf("turn ID and session ID are required")
	}
	blocks, err := nullJSON(turn.ContentBlocks)
	if err != nil {
		return fmt.Errorf("failed to marshal content blocks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_messages (`+turnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		turn.ID, turn.SessionID, string(turn.Role), turn.Content, blocks, turn.ToolName,
		nullRaw(turn.ToolInput), turn.ToolOutput, turn.ToolUseID, turn.IsError,
		turn.InputTokens, turn.OutputTokens, toMillis(turn.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Turns(ctx context.Context, sessionID string) ([]*models.Turn, error) {
	var rows []sqliteTurn
	err := sqlscan.Select(ctx, s.db, &rows,
		`SELECT `+turnColumns+` FROM ai_messages WHERE session_id = ? ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get turns: %w", err)
	}
	turns := make([]*models.Turn, 0, len(rows))
	for _, r := range rows {
		t := &models.Turn{
			ID:           r.ID,
			SessionID:    r.SessionID,
			Role:         models.Role(r.Role),
			Content:      r.Content,
			ToolName:     r.ToolName,
			ToolOutput:   r.ToolOutput,
			ToolUseID:    r.ToolUseID,
			IsError:      r.IsError,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CreatedAt:    fromMillis(r.CreatedAt),
		}
		if r.ContentBlocks.Valid && r.ContentBlocks.String != "" {
			if err := json.Unmarshal([]byte(r.ContentBlocks.String), &t.ContentBlocks); err != nil {
				return nil, fmt.Errorf("failed to unmarshal content blocks: %w", err)
			}
		}
		if r.ToolInput.Valid {
			t.ToolInput = json.RawMessage(r.ToolInput.String)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *models.ToolExecution) error {
	if exec == nil || exec.ID == "" || exec.SessionID == "" {
		return fmt.Errorf("execution ID and session ID are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_tool_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID, exec.SessionID, exec.ToolName, nullRaw(exec.ToolInput), string(exec.Status),
		exec.ToolOutput, exec.DurationMs, exec.ErrorMessage, exec.ApprovedBy,
		nullMillis(exec.ApprovedAt), nullMillis(exec.CompletedAt), toMillis(exec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create tool execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*models.ToolExecution, error) {
	var row sqliteExecution
	err := sqlscan.Get(ctx, s.db, &row, `SELECT `+executionColumns+` FROM ai_tool_executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tool execution: %w", err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) TransitionExecution(ctx context.Context, id string, from []models.ToolExecutionStatus, upd models.ExecutionUpdate) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{
		string(upd.Status),
		upd.ToolOutput,
		upd.ErrorMessage,
		upd.DurationMs,
		upd.ApprovedBy,
		nullMillis(upd.ApprovedAt),
		nullMillis(upd.CompletedAt),
		id,
	}
	for _, st := range from {
		args = append(args, string(st))
	}
	return s.execAffected(ctx, "update tool execution", `
		UPDATE ai_tool_executions
		SET status = ?,
			tool_output = COALESCE(NULLIF(?, ''), tool_output),
			error_message = COALESCE(NULLIF(?, ''), error_message),
			duration_ms = COALESCE(NULLIF(?, 0), duration_ms),
			approved_by = COALESCE(NULLIF(?, ''), approved_by),
			approved_at = COALESCE(?, approved_at),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status IN (`+placeholders+`)
	`, args...)
}

func (s *SQLiteStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.ToolExecution, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []sqliteExecution
	err := sqlscan.Select(ctx, s.db, &rows, `
		SELECT `+executionColumns+` FROM ai_tool_executions
		WHERE status = 'pending' AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`, toMillis(before), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending executions: %w", err)
	}
	out := make([]*models.ToolExecution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *SQLiteStore) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
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

type liteFilter struct {
	clauses []string
	args    []any
}

func (f *liteFilter) eq(column, value string) {
	if value == "" {
		return
	}
	f.clauses = append(f.clauses, column+" = ?")
	f.args = append(f.args, value)
}

func (f *liteFilter) in(column string, values []string) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	f.clauses = append(f.clauses, column+" IN ("+placeholders+")")
	for _, v := range values {
		f.args = append(f.args, v)
	}
}

func (f *liteFilter) where() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
