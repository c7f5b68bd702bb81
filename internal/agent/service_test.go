package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/LanternOps/breeze-sub012/internal/approval"
	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

type lifecycleObserver struct {
	NopObserver
	created []string
	closed  []string
}

func (o *lifecycleObserver) SessionCreated(_ context.Context, s *models.Session, _ *auth.Context) {
	o.created = append(o.created, s.ID)
}

func (o *lifecycleObserver) SessionClosed(_ context.Context, s *models.Session, _ *auth.Context) {
	o.closed = append(o.closed, s.ID)
}

func newTestService(t *testing.T) (*Service, *harness, *lifecycleObserver) {
	t.Helper()
	h := newHarness(t, Config{})
	obs := &lifecycleObserver{}
	n := 0
	svc := NewService(h.store, h.orch, h.workflow,
		WithClock(h.clock.Now),
		WithObserver(obs),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("sess-%d", n)
		}))
	return svc, h, obs
}

func TestService_CreateSessionDefaults(t *testing.T) {
	svc, h, obs := newTestService(t)

	session, err := svc.CreateSession(context.Background(), technician(), CreateSessionInput{
		FirstMessage: "Why is the front desk printer offline again today?",
		PageContext:  &models.PageContext{Type: "Device", ID: "d1"},
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if session.ID != "sess-1" || session.OrgID != "org-1" || session.UserID != "u1" {
		t.Errorf("session = %+v", session)
	}
	if session.Model != DefaultModel || session.MaxTurns != DefaultMaxTurns {
		t.Errorf("model = %q, max turns = %d", session.Model, session.MaxTurns)
	}
	if session.Status != models.SessionActive || !session.CreatedAt.Equal(h.clock.Now()) {
		t.Errorf("status = %s, created = %s", session.Status, session.CreatedAt)
	}
	if session.Title == "" {
		t.Error("title not derived from the first message")
	}
	if session.ContextSnapshot == nil || session.ContextSnapshot.Type != "device" {
		t.Errorf("context snapshot = %+v", session.ContextSnapshot)
	}
	if len(obs.created) != 1 {
		t.Errorf("created events = %v", obs.created)
	}

	stored, _ := h.store.Get(context.Background(), "sess-1", nil)
	if stored == nil || stored.Title != session.Title {
		t.Errorf("stored = %+v", stored)
	}
}

func TestService_CreateSessionOrgChecks(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.CreateSession(context.Background(), nil, CreateSessionInput{}); !errors.Is(err, ErrOrgContextRequired) {
		t.Errorf("nil auth err = %v", err)
	}
	noOrg := &auth.Context{UserID: "u1", Scope: auth.ScopeOrganization}
	if _, err := svc.CreateSession(context.Background(), noOrg, CreateSessionInput{}); !errors.Is(err, ErrOrgContextRequired) {
		t.Errorf("no org err = %v", err)
	}
	if _, err := svc.CreateSession(context.Background(), technician(), CreateSessionInput{OrgID: "org-2"}); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("foreign org err = %v", err)
	}

	partner := &auth.Context{UserID: "p1", Scope: auth.ScopePartner, OrgID: "org-p", OrgIDs: []string{"org-2"}}
	session, err := svc.CreateSession(context.Background(), partner, CreateSessionInput{OrgID: "org-2", MaxTurns: 5, Model: "other"})
	if err != nil {
		t.Fatalf("partner CreateSession() error = %v", err)
	}
	if session.OrgID != "org-2" || session.MaxTurns != 5 || session.Model != "other" {
		t.Errorf("session = %+v", session)
	}
}

func TestService_GetAndClose(t *testing.T) {
	svc, _, obs := newTestService(t)
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, technician(), CreateSessionInput{Title: "Printer"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	outsider := &auth.Context{UserID: "u9", Scope: auth.ScopeOrganization, OrgID: "org-2"}
	if _, err := svc.GetSession(ctx, session.ID, outsider); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("foreign GetSession err = %v", err)
	}
	if _, _, err := svc.GetSessionMessages(ctx, session.ID, outsider); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("foreign GetSessionMessages err = %v", err)
	}
	if _, err := svc.CloseSession(ctx, session.ID, outsider); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("foreign CloseSession err = %v", err)
	}

	closed, err := svc.CloseSession(ctx, session.ID, technician())
	if err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	if closed.Status != models.SessionClosed {
		t.Errorf("status = %s", closed.Status)
	}
	if _, err := svc.CloseSession(ctx, session.ID, technician()); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("second close err = %v", err)
	}
	if len(obs.closed) != 1 {
		t.Errorf("closed events = %v", obs.closed)
	}

	events := collect(t, svc.SendMessage(ctx, session.ID, "hello", technician(), nil))
	assertTypes(t, events, models.EventError)
	if events[0].Message != ErrSessionNotActive.Error() {
		t.Errorf("message = %q", events[0].Message)
	}
}

func TestService_ListAndSearch(t *testing.T) {
	svc, h, _ := newTestService(t)
	ctx := context.Background()
	ac := technician()

	first, _ := svc.CreateSession(ctx, ac, CreateSessionInput{Title: "Printer offline"})
	h.clock.Sleep(ctx, time.Minute)
	second, _ := svc.CreateSession(ctx, ac, CreateSessionInput{Title: "Disk space"})
	other := &auth.Context{UserID: "u2", Scope: auth.ScopeOrganization, OrgID: "org-1"}
	if _, err := svc.CreateSession(ctx, other, CreateSessionInput{Title: "Printer jam"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	list, err := svc.ListSessions(ctx, ac, ListInput{})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("list = %v", sessionIDs(list))
	}

	found, err := svc.SearchSessions(ctx, ac, "printer", ListInput{})
	if err != nil {
		t.Fatalf("SearchSessions() error = %v", err)
	}
	if len(found) != 1 || found[0].ID != first.ID {
		t.Errorf("search = %v", sessionIDs(found))
	}

	if _, err := svc.SearchSessions(ctx, ac, "  ", ListInput{}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("empty query err = %v", err)
	}
	if _, err := svc.ListSessions(ctx, nil, ListInput{}); !errors.Is(err, ErrOrgContextRequired) {
		t.Errorf("nil auth err = %v", err)
	}
}

func TestService_GetSessionMessages(t *testing.T) {
	svc, h, _ := newTestService(t)
	ctx := context.Background()
	h.provider.rounds = []providerRound{{text: "All good."}}
	session, _ := svc.CreateSession(ctx, technician(), CreateSessionInput{})

	collect(t, svc.SendMessage(ctx, session.ID, "status?", technician(), nil))

	got, turns, err := svc.GetSessionMessages(ctx, session.ID, technician())
	if err != nil {
		t.Fatalf("GetSessionMessages() error = %v", err)
	}
	if got.TurnCount != 1 {
		t.Errorf("turn count = %d", got.TurnCount)
	}
	if len(turns) != 2 || turns[0].Content != "status?" || turns[1].Content != "All good." {
		t.Errorf("turns = %+v", turns)
	}
}

func TestService_HandleApproval(t *testing.T) {
	svc, h, _ := newTestService(t)
	ctx := context.Background()
	h.addSession(t, nil)
	exec := &models.ToolExecution{
		ID:        "exec-1",
		SessionID: "s1",
		ToolName:  "run_command",
		ToolInput: json.RawMessage(`{"command":"ipconfig"}`),
		Status:    models.ToolPending,
		CreatedAt: h.clock.Now(),
	}
	if err := h.store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	outsider := &auth.Context{UserID: "u9", Scope: auth.ScopeOrganization, OrgID: "org-2"}
	if _, err := svc.HandleApproval(ctx, "exec-1", true, outsider); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("foreign approval err = %v", err)
	}

	decided, err := svc.HandleApproval(ctx, "exec-1", false, technician())
	if err != nil {
		t.Fatalf("HandleApproval() error = %v", err)
	}
	if decided.Status != models.ToolRejected || decided.ErrorMessage != approval.ReasonRejected {
		t.Errorf("execution = %+v", decided)
	}
	if _, err := svc.HandleApproval(ctx, "exec-1", true, technician()); !errors.Is(err, approval.ErrNotPending) {
		t.Errorf("second decision err = %v", err)
	}
}

func sessionIDs(list []*models.Session) []string {
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}
