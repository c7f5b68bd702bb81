package sessions

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock, NewPostgresStoreFromDB(db)
}

var sessionRowColumns = []string{
	"id", "org_id", "user_id", "model", "title", "status", "turn_count", "max_turns",
	"system_prompt", "context_snapshot", "created_at", "last_activity_at",
}

func TestPostgresStore_Create(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		session     *models.Session
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful create",
			session: &models.Session{
				ID:              "session-1",
				OrgID:           "org-1",
				UserID:          "user-1",
				Model:           "claude-sonnet-4",
				Status:          models.SessionActive,
				MaxTurns:        50,
				ContextSnapshot: &models.PageContext{Type: "device", ID: "dev-9"},
				CreatedAt:       now,
				LastActivityAt:  now,
			},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO ai_sessions").
					WithArgs(
						"session-1",
						"org-1",
						"user-1",
						"claude-sonnet-4",
						"",
						"active",
						0,
						50,
						"",
						`{"type":"device","id":"dev-9"}`,
						sqlmock.AnyArg(),
						sqlmock.AnyArg(),
					).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:        "missing org returns error",
			session:     &models.Session{ID: "session-1", UserID: "user-1"},
			setupMock:   func(sqlmock.Sqlmock) {},
			wantErr:     true,
			errContains: "org ID is required",
		},
		{
			name: "database error",
			session: &models.Session{
				ID:     "session-1",
				OrgID:  "org-1",
				UserID: "user-1",
			},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO ai_sessions").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "failed to create session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			tt.setupMock(mock)

			err := store.Create(context.Background(), tt.session)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Create() error = %v, want containing %q", err, tt.errContains)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_Get(t *testing.T) {
	now := time.Now()
	orgA := func(org string) bool { return org == "org-a" }

	tests := []struct {
		name      string
		visible   OrgPredicate
		setupMock func(sqlmock.Sqlmock)
		wantNil   bool
		wantErr   bool
	}{
		{
			name:    "visible session",
			visible: orgA,
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows(sessionRowColumns).
					AddRow("s1", "org-a", "u1", "claude", "t", "active", 3, 50, "", []byte(`{"type":"alert","id":"a1"}`), now, now)
				mock.ExpectQuery("SELECT (.+) FROM ai_sessions WHERE id = \\$1").WithArgs("s1").WillReturnRows(rows)
			},
		},
		{
			name:    "foreign org is hidden",
			visible: func(org string) bool { return org == "org-b" },
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows(sessionRowColumns).
					AddRow("s1", "org-a", "u1", "claude", "t", "active", 3, 50, "", nil, now, now)
				mock.ExpectQuery("SELECT (.+) FROM ai_sessions").WithArgs("s1").WillReturnRows(rows)
			},
			wantNil: true,
		},
		{
			name:    "not found",
			visible: orgA,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM ai_sessions").WithArgs("s1").WillReturnError(sql.ErrNoRows)
			},
			wantNil: true,
		},
		{
			name:    "query error",
			visible: orgA,
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM ai_sessions").WithArgs("s1").WillReturnError(errors.New("timeout"))
			},
			wantNil: true,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			tt.setupMock(mock)

			got, err := store.Get(context.Background(), "s1", tt.visible)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Get() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (got == nil) != tt.wantNil {
				t.Fatalf("Get() = %+v, wantNil %v", got, tt.wantNil)
			}
			if got != nil && (got.ContextSnapshot == nil || got.ContextSnapshot.ID != "a1") {
				t.Errorf("ContextSnapshot = %+v", got.ContextSnapshot)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_ConditionalExpire(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"active session expires", 1, true},
		{"already expired is a no-op", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mock, store := setupMockDB(t)
			mock.ExpectExec("UPDATE ai_sessions SET status = 'expired' WHERE id = \\$1 AND status = 'active'").
				WithArgs("s1").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			got, err := store.ConditionalExpire(context.Background(), "s1")
			if err != nil {
				t.Fatalf("ConditionalExpire() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ConditionalExpire() = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_RecordTurn(t *testing.T) {
	_, mock, store := setupMockDB(t)
	at := time.Now()
	mock.ExpectExec("UPDATE ai_sessions").
		WithArgs("s1", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.RecordTurn(context.Background(), "s1", nil, at)
	if err != nil {
		t.Fatalf("RecordTurn() error = %v", err)
	}
	if ok {
		t.Fatalf("RecordTurn() = true for a session at its limit")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_TransitionExecution(t *testing.T) {
	_, mock, store := setupMockDB(t)
	now := time.Now()
	mock.ExpectExec("UPDATE ai_tool_executions").
		WithArgs("e1", "approved", "", "", int64(0), "admin-1", sqlmock.AnyArg(), sqlmock.AnyArg(), "{\"pending\"}").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.TransitionExecution(context.Background(), "e1",
		[]models.ToolExecutionStatus{models.ToolPending},
		models.ExecutionUpdate{Status: models.ToolApproved, ApprovedBy: "admin-1", ApprovedAt: &now})
	if err != nil || !ok {
		t.Fatalf("TransitionExecution() = %v, %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_Turns(t *testing.T) {
	_, mock, store := setupMockDB(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "role", "content", "content_blocks", "tool_name", "tool_input",
		"tool_output", "tool_use_id", "is_error", "input_tokens", "output_tokens", "created_at",
	}).
		AddRow("t1", "s1", "user", "hello", nil, "", nil, "", "", false, 0, 0, now).
		AddRow("t2", "s1", "assistant", "", []byte(`[{"type":"tool_use","id":"tu1","name":"list_alerts","input":{}}]`), "", nil, "", "", false, 120, 30, now).
		AddRow("t3", "s1", "tool_result", "", nil, "list_alerts", nil, "[]", "tu1", false, 0, 0, now)
	mock.ExpectQuery("SELECT (.+) FROM ai_messages").WithArgs("s1").WillReturnRows(rows)

	turns, err := store.Turns(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len(turns) = %d", len(turns))
	}
	if calls := turns[1].ToolCalls(); len(calls) != 1 || calls[0].ID != "tu1" {
		t.Errorf("tool calls = %+v", calls)
	}
	if turns[2].Role != models.RoleToolResult || turns[2].ToolUseID != "tu1" {
		t.Errorf("tool result turn = %+v", turns[2])
	}
}

func TestPostgresStore_ListBuildsFilter(t *testing.T) {
	_, mock, store := setupMockDB(t)
	mock.ExpectQuery(`SELECT (.+) FROM ai_sessions WHERE user_id = \$1 AND status = \$2 AND org_id = ANY\(\$3\) ORDER BY last_activity_at DESC LIMIT \$4 OFFSET \$5`).
		WithArgs("u1", "active", "{\"org-a\",\"org-b\"}", 10, 10).
		WillReturnRows(sqlmock.NewRows(sessionRowColumns))

	got, err := store.List(context.Background(), ListOptions{
		UserID: "u1",
		OrgIDs: []string{"org-a", "org-b"},
		Status: models.SessionActive,
		Page:   2,
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("List() = %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStore_ListWithoutOrgsSkipsQuery(t *testing.T) {
	_, mock, store := setupMockDB(t)
	got, err := store.List(context.Background(), ListOptions{UserID: "u1"})
	if err != nil || len(got) != 0 {
		t.Fatalf("List() = %v, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries: %v", err)
	}
}
