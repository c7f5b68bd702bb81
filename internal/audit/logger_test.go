package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LanternOps/breeze-sub012/internal/agent"
	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/guardrails"
	"github.com/LanternOps/breeze-sub012/internal/sanitize"
	"github.com/LanternOps/breeze-sub012/internal/sessions"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// syncBuffer guards a bytes.Buffer shared with the write loop.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("invalid audit line %q: %v", scanner.Text(), err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Log(context.Background(), &Event{Type: EventToolExecuted})
	if err := logger.Close(); err != nil {
		t.Errorf("unexpected error closing: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNewLogger_InvalidOutput(t *testing.T) {
	_, err := NewLogger(Config{
		Enabled: true,
		Output:  "invalid://path",
	})
	if err == nil {
		t.Error("expected error for invalid output")
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(Config{Enabled: true, Output: "file:" + path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Log(context.Background(), &Event{Type: EventSessionCreated, Level: LevelInfo, SessionID: "s1", Action: "session_created"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), `"audit_type":"ai.session_created"`) {
		t.Errorf("file contents = %s", data)
	}
}

func TestLogger_LogLevels(t *testing.T) {
	tests := []struct {
		configLevel Level
		eventLevel  Level
		want        bool
	}{
		{LevelDebug, LevelDebug, true},
		{LevelInfo, LevelDebug, false},
		{LevelInfo, LevelInfo, true},
		{LevelInfo, LevelWarn, true},
		{LevelWarn, LevelInfo, false},
		{LevelWarn, LevelError, true},
		{LevelError, LevelWarn, false},
		{LevelError, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.configLevel)+"_"+string(tt.eventLevel), func(t *testing.T) {
			logger := &Logger{config: Config{Enabled: true, Level: tt.configLevel}}
			if got := logger.enabled(tt.eventLevel); got != tt.want {
				t.Errorf("enabled(%s) with config level %s = %v, want %v",
					tt.eventLevel, tt.configLevel, got, tt.want)
			}
		})
	}
}

func TestLogger_EventTypeFilter(t *testing.T) {
	logger := &Logger{
		config: Config{Enabled: true, Level: LevelInfo},
		only:   map[EventType]struct{}{EventToolDenied: {}},
		queue:  make(chan *Event, 10),
		now:    time.Now,
	}

	logger.Log(context.Background(), &Event{Type: EventToolExecuted, Level: LevelInfo})
	logger.Log(context.Background(), &Event{Type: EventToolDenied, Level: LevelWarn})

	select {
	case event := <-logger.queue:
		if event.Type != EventToolDenied {
			t.Errorf("expected EventToolDenied, got %v", event.Type)
		}
		if event.ID == "" || event.Timestamp.IsZero() {
			t.Errorf("defaults not applied: %+v", event)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("expected event in buffer")
	}
	if len(logger.queue) != 0 {
		t.Error("filtered event reached the buffer")
	}
}

func TestLogger_TruncatesDetails(t *testing.T) {
	out := &syncBuffer{}
	logger := NewWriterLogger(Config{MaxFieldSize: 8}, out)

	logger.Log(context.Background(), &Event{
		Type:    EventToolExecuted,
		Level:   LevelInfo,
		Details: map[string]any{"output": "0123456789abcdef"},
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := out.lines(t)
	if len(lines) != 1 || lines[0]["output"] != "01234567...(truncated)" {
		t.Errorf("lines = %v", lines)
	}
}

func TestInputDigest(t *testing.T) {
	hash1 := inputDigest([]byte("test input"))
	if hash1 != inputDigest([]byte("test input")) {
		t.Error("expected same hash for same input")
	}
	if hash1 == inputDigest([]byte("different input")) {
		t.Error("expected different hash for different input")
	}
	if len(hash1) != 16 {
		t.Errorf("expected hash length 16, got %d", len(hash1))
	}
}

func TestRecorder_WritesDomainEvents(t *testing.T) {
	out := &syncBuffer{}
	logger := NewWriterLogger(Config{Level: LevelDebug}, out)
	rec := NewRecorder(logger)
	ctx := context.Background()

	session := &models.Session{ID: "s1", OrgID: "org-1", UserID: "u1", Model: "m"}
	ac := &auth.Context{UserID: "u1", OrgID: "org-1"}
	call := models.ToolCall{ID: "call_1", Name: "delete_organization", Input: json.RawMessage(`{"id":"org-1"}`)}

	rec.SessionCreated(ctx, session, ac)
	rec.InputFlagged(ctx, session, ac, []sanitize.Flag{sanitize.FlagIgnoreInstructions})
	rec.ToolDecision(ctx, session, ac, call, guardrails.Decision{Allowed: false, Tier: guardrails.TierBlocked, Stage: guardrails.StageRules, Reason: "blocked"})
	rec.ToolDecision(ctx, session, ac, models.ToolCall{ID: "call_2", Name: "get_device"}, guardrails.Decision{Allowed: true, Tier: guardrails.TierAllowed})
	rec.ToolExecuted(ctx, session, ac, &models.ToolExecution{ID: "e1", ToolName: "run_command", Status: models.ToolFailed, ErrorMessage: "Tool execution timed out"})
	rec.ApprovalDecided(ctx, &models.ToolExecution{ID: "e2", SessionID: "s1", ToolName: "run_command", ApprovedBy: "admin"}, true)
	rec.ApprovalForced(ctx, "e3", "Approval timed out")
	rec.SessionExpired(ctx, session, sessions.ExpiryIdle)
	rec.TurnFinished(ctx, session, ac, agent.TurnStats{Iterations: 10, IterationCapped: true})
	rec.TurnFinished(ctx, session, ac, agent.TurnStats{Iterations: 2, Err: errors.New("boom")})
	rec.SessionClosed(ctx, session, ac)

	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := out.lines(t)
	var types []string
	for _, line := range lines {
		types = append(types, line["audit_type"].(string))
	}
	want := []string{
		"ai.session_created",
		"ai.input_flagged",
		"ai.tool_denied",
		"ai.tool_executed",
		"ai.approval_decided",
		"ai.approval_timeout",
		"ai.session_expired",
		"ai.turn_finished",
		"ai.turn_finished",
		"ai.session_closed",
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("types = %v, want %v", types, want)
	}

	denied := lines[2]
	if denied["input_hash"] == nil || denied["input"] != nil {
		t.Errorf("tool input not hashed: %v", denied)
	}
	if denied["level"] != "WARN" || denied["reason"] != "blocked" {
		t.Errorf("denied = %v", denied)
	}
	if lines[4]["action"] != "approval_granted" {
		t.Errorf("approval = %v", lines[4])
	}
	if lines[6]["reason"] != "idle" {
		t.Errorf("expired = %v", lines[6])
	}
	if lines[7]["iteration_capped"] != true || lines[7]["error"] != nil {
		t.Errorf("capped turn = %v", lines[7])
	}
	if lines[8]["iteration_capped"] != nil || lines[8]["error"] != "boom" {
		t.Errorf("failed turn = %v", lines[8])
	}
}
