package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LanternOps/breeze-sub012/internal/approval"
	"github.com/LanternOps/breeze-sub012/internal/sessions"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

var base = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func seedSession(t *testing.T, store *sessions.MemoryStore, id string, created, active time.Time) {
	t.Helper()
	err := store.Create(context.Background(), &models.Session{
		ID:             id,
		OrgID:          "org-1",
		UserID:         "u1",
		Status:         models.SessionActive,
		CreatedAt:      created,
		LastActivityAt: active,
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func newExpiry() *sessions.Expiry {
	e := sessions.NewExpiry(24*time.Hour, 2*time.Hour)
	e.SetNowFunc(func() time.Time { return base })
	return e
}

func TestRunOnce_ExpiresAgedAndIdleSessions(t *testing.T) {
	store := sessions.NewMemoryStore()
	seedSession(t, store, "fresh", base.Add(-time.Hour), base.Add(-time.Minute))
	seedSession(t, store, "idle", base.Add(-5*time.Hour), base.Add(-3*time.Hour))
	seedSession(t, store, "aged", base.Add(-25*time.Hour), base.Add(-time.Minute))

	s := New(store, newExpiry(), DefaultConfig())
	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.SessionsExpired != 2 {
		t.Fatalf("SessionsExpired = %d, want 2", result.SessionsExpired)
	}

	for id, want := range map[string]models.SessionStatus{
		"fresh": models.SessionActive,
		"idle":  models.SessionExpired,
		"aged":  models.SessionExpired,
	} {
		got, err := store.Get(context.Background(), id, nil)
		if err != nil || got == nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != want {
			t.Errorf("%s status = %s, want %s", id, got.Status, want)
		}
	}

	// A second run finds nothing left to do.
	result, err = s.RunOnce(context.Background())
	if err != nil || result.SessionsExpired != 0 {
		t.Errorf("second run = %+v, %v", result, err)
	}
}

func TestRunOnce_RespectsBatchSize(t *testing.T) {
	store := sessions.NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		seedSession(t, store, id, base.Add(-48*time.Hour), base.Add(-48*time.Hour))
	}

	s := New(store, newExpiry(), Config{Enabled: true, BatchSize: 2})
	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.SessionsExpired != 2 {
		t.Errorf("SessionsExpired = %d, want 2", result.SessionsExpired)
	}
}

func TestRunOnce_ExpiresStaleApprovals(t *testing.T) {
	store := sessions.NewMemoryStore()
	seedSession(t, store, "s1", base.Add(-time.Hour), base.Add(-time.Minute))
	ctx := context.Background()
	for id, created := range map[string]time.Time{
		"old":    base.Add(-10 * time.Minute),
		"recent": base.Add(-time.Minute),
	} {
		err := store.CreateExecution(ctx, &models.ToolExecution{
			ID:        id,
			SessionID: "s1",
			ToolName:  "run_command",
			Status:    models.ToolPending,
			CreatedAt: created,
		})
		if err != nil {
			t.Fatalf("create execution: %v", err)
		}
	}

	workflow := approval.NewWorkflow(store, approval.DefaultConfig(),
		approval.WithClock(func() time.Time { return base }, nil))
	s := New(store, newExpiry(), DefaultConfig(),
		WithApprovals(workflow, 5*time.Minute),
		WithNow(func() time.Time { return base }))

	result, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.ApprovalsExpired != 1 {
		t.Fatalf("ApprovalsExpired = %d, want 1", result.ApprovalsExpired)
	}

	old, _ := store.GetExecution(ctx, "old")
	if old.Status != models.ToolRejected {
		t.Errorf("old status = %s, want rejected", old.Status)
	}
	recent, _ := store.GetExecution(ctx, "recent")
	if recent.Status != models.ToolPending {
		t.Errorf("recent status = %s, want pending", recent.Status)
	}
}

type failingStore struct{}

func (failingStore) ListExpirable(context.Context, time.Time, time.Time, int) ([]string, error) {
	return nil, errors.New("database is down")
}

func (failingStore) ConditionalExpire(context.Context, string) (bool, error) {
	return false, nil
}

type countingExpirer struct{ calls int }

func (c *countingExpirer) ExpireStale(context.Context, time.Time, int) (int, error) {
	c.calls++
	return 3, nil
}

func TestRunOnce_ApprovalJobRunsWhenSessionJobFails(t *testing.T) {
	expirer := &countingExpirer{}
	s := New(failingStore{}, newExpiry(), DefaultConfig(), WithApprovals(expirer, time.Minute))

	result, err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error from session job")
	}
	if expirer.calls != 1 || result.ApprovalsExpired != 3 {
		t.Errorf("approval job calls = %d, result = %+v", expirer.calls, result)
	}
}

func TestStartStop(t *testing.T) {
	store := sessions.NewMemoryStore()

	disabled := New(store, nil, Config{Enabled: false})
	if err := disabled.Start(); err != nil {
		t.Fatalf("disabled Start() error = %v", err)
	}

	bad := New(store, nil, Config{Enabled: true, Schedule: "not a schedule"})
	if err := bad.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}

	s := New(store, nil, DefaultConfig())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start() should fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@every 1m", "*/5 * * * *", "0 */5 * * * *", "@hourly"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
	for _, spec := range []string{"", "   ", "every minute", "61 * * * *"} {
		if err := ValidateSchedule(spec); err == nil {
			t.Errorf("ValidateSchedule(%q) should fail", spec)
		}
	}
}
