package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/sanitize"
	"github.com/LanternOps/breeze-sub012/internal/sessions"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// ApprovalHandler records reviewer decisions.
type ApprovalHandler interface {
	Handle(ctx context.Context, executionID string, approved bool, ac *auth.Context) (*models.ToolExecution, error)
}

// Service is the entry point used by transports. Every call is scoped to the
// caller's organizations; sessions outside them behave as if absent.
type Service struct {
	store        sessions.Store
	orchestrator *Orchestrator
	approvals    ApprovalHandler
	config       Config
	logger       *slog.Logger
	observers    observers
	now          func() time.Time
	newID        func() string
}

// NewService wraps an orchestrator. opts should match the orchestrator's so
// that session lifecycle events reach the same observers.
func NewService(store sessions.Store, orchestrator *Orchestrator, approvals ApprovalHandler, opts ...Option) *Service {
	o := applyOptions(opts)
	return &Service{
		store:        store,
		orchestrator: orchestrator,
		approvals:    approvals,
		config:       orchestrator.Config(),
		logger:       o.logger,
		observers:    o.observers,
		now:          o.now,
		newID:        o.newID,
	}
}

// CreateSessionInput holds the optional fields of a new session.
type CreateSessionInput struct {
	// OrgID defaults to the caller's organization.
	OrgID       string              `json:"org_id,omitempty"`
	Model       string              `json:"model,omitempty"`
	Title       string              `json:"title,omitempty"`
	MaxTurns    int                 `json:"max_turns,omitempty" validate:"gte=0,lte=1000"`
	PageContext *models.PageContext `json:"page_context,omitempty"`
	// FirstMessage only seeds the title when Title is empty; it is not sent.
	FirstMessage string `json:"first_message,omitempty"`
}

// CreateSession starts an active session owned by the caller.
func (s *Service) CreateSession(ctx context.Context, ac *auth.Context, in CreateSessionInput) (*models.Session, error) {
	if ac == nil {
		return nil, ErrOrgContextRequired
	}
	orgID := strings.TrimSpace(in.OrgID)
	if orgID == "" {
		orgID = ac.OrgID
	}
	if orgID == "" {
		return nil, ErrOrgContextRequired
	}
	if !ac.CanAccessOrg(orgID) {
		return nil, ErrAccessDenied
	}

	title := strings.TrimSpace(in.Title)
	if title == "" && in.FirstMessage != "" {
		clean, _ := sanitize.UserMessage(in.FirstMessage)
		title = sessions.DeriveTitle(clean)
	}
	model := in.Model
	if model == "" {
		model = s.config.Model
	}
	maxTurns := in.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.config.DefaultMaxTurns
	}

	now := s.now()
	session := &models.Session{
		ID:              s.newID(),
		OrgID:           orgID,
		UserID:          ac.UserID,
		Model:           model,
		Title:           title,
		Status:          models.SessionActive,
		MaxTurns:        maxTurns,
		ContextSnapshot: sanitize.PageContext(in.PageContext),
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("session created", "session_id", session.ID, "org_id", orgID, "user_id", ac.UserID)
	s.observers.SessionCreated(ctx, session, ac)
	return session, nil
}

// GetSession returns a session visible to the caller.
func (s *Service) GetSession(ctx context.Context, id string, ac *auth.Context) (*models.Session, error) {
	if ac == nil {
		return nil, ErrOrgContextRequired
	}
	session, err := s.store.Get(ctx, id, ac.CanAccessOrg)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ListInput pages through the caller's sessions.
type ListInput struct {
	Status models.SessionStatus `json:"status,omitempty"`
	Page   int                  `json:"page,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
}

// ListSessions returns the caller's own sessions in organizations they can
// see, most recent activity first.
func (s *Service) ListSessions(ctx context.Context, ac *auth.Context, in ListInput) ([]*models.Session, error) {
	if ac == nil {
		return nil, ErrOrgContextRequired
	}
	orgIDs, all := ac.AccessibleOrgIDs()
	return s.store.List(ctx, sessions.ListOptions{
		UserID:  ac.UserID,
		OrgIDs:  orgIDs,
		AllOrgs: all,
		Status:  in.Status,
		Page:    in.Page,
		Limit:   in.Limit,
	})
}

// SearchSessions matches query against titles and message text of the
// caller's sessions.
func (s *Service) SearchSessions(ctx context.Context, ac *auth.Context, query string, in ListInput) ([]*models.Session, error) {
	if ac == nil {
		return nil, ErrOrgContextRequired
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	orgIDs, all := ac.AccessibleOrgIDs()
	return s.store.Search(ctx, sessions.SearchOptions{
		Query:   query,
		UserID:  ac.UserID,
		OrgIDs:  orgIDs,
		AllOrgs: all,
		Status:  in.Status,
		Page:    in.Page,
		Limit:   in.Limit,
	})
}

// CloseSession moves an active session to closed.
func (s *Service) CloseSession(ctx context.Context, id string, ac *auth.Context) (*models.Session, error) {
	session, err := s.GetSession(ctx, id, ac)
	if err != nil {
		return nil, err
	}
	closed, err := s.store.Close(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	if !closed {
		return nil, ErrSessionNotActive
	}
	session.Status = models.SessionClosed

	s.logger.Info("session closed", "session_id", session.ID, "user_id", ac.UserID)
	s.observers.SessionClosed(ctx, session, ac)
	return session, nil
}

// GetSessionMessages returns a session and its turns in order.
func (s *Service) GetSessionMessages(ctx context.Context, id string, ac *auth.Context) (*models.Session, []*models.Turn, error) {
	session, err := s.GetSession(ctx, id, ac)
	if err != nil {
		return nil, nil, err
	}
	turns, err := s.store.Turns(ctx, session.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list turns: %w", err)
	}
	return session, turns, nil
}

// HandleApproval records a reviewer decision on a pending tool execution.
func (s *Service) HandleApproval(ctx context.Context, executionID string, approved bool, ac *auth.Context) (*models.ToolExecution, error) {
	return s.approvals.Handle(ctx, executionID, approved, ac)
}

// SendMessage runs one conversation turn. See Orchestrator.SendMessage.
func (s *Service) SendMessage(ctx context.Context, sessionID, text string, ac *auth.Context, page *models.PageContext) <-chan *models.Event {
	return s.orchestrator.SendMessage(ctx, sessionID, text, ac, page)
}
