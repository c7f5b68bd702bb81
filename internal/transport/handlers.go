package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/LanternOps/breeze-sub012/internal/agent"
	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/observability"
	"github.com/LanternOps/breeze-sub012/pkg/models"
)

type sessionListResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Page     int               `json:"page"`
	Limit    int               `json:"limit,omitempty"`
}

type sessionMessagesResponse struct {
	Session  *models.Session `json:"session"`
	Messages []*models.Turn  `json:"messages"`
}

type sendMessageRequest struct {
	Text        string              `json:"text" validate:"required"`
	PageContext *models.PageContext `json:"pageContext,omitempty"`
}

type approvalRequest struct {
	Approved *bool `json:"approved" validate:"required"`
}

// authContext returns the caller attached by the auth middleware.
func authContext(r *http.Request) *auth.Context {
	ac, _ := auth.FromContext(r.Context())
	return ac
}

// logContext tags ctx with the session and caller for log records written
// while a turn runs.
func logContext(ctx context.Context, r *http.Request, sessionID string) context.Context {
	ctx = observability.AddSessionID(ctx, sessionID)
	if ac := authContext(r); ac != nil {
		ctx = observability.AddUserID(ctx, ac.UserID)
	}
	return ctx
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in agent.CreateSessionInput
	if err := s.decodeBody(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.service.CreateSession(r.Context(), authContext(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	in := listInput(r)
	list, err := s.service.ListSessions(r.Context(), authContext(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: nonNil(list), Page: max(in.Page, 1), Limit: in.Limit})
}

func (s *Server) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	in := listInput(r)
	list, err := s.service.SearchSessions(r.Context(), authContext(r), r.URL.Query().Get("q"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: nonNil(list), Page: max(in.Page, 1), Limit: in.Limit})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.GetSession(r.Context(), r.PathValue("id"), authContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.CloseSession(r.Context(), r.PathValue("id"), authContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	session, turns, err := s.service.GetSessionMessages(r.Context(), r.PathValue("id"), authContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []*models.Turn{}
	}
	writeJSON(w, http.StatusOK, sessionMessagesResponse{Session: session, Messages: turns})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := s.service.HandleApproval(r.Context(), r.PathValue("id"), *req.Approved, authContext(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func listInput(r *http.Request) agent.ListInput {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return agent.ListInput{
		Status: models.SessionStatus(q.Get("status")),
		Page:   page,
		Limit:  limit,
	}
}

func nonNil(list []*models.Session) []*models.Session {
	if list == nil {
		return []*models.Session{}
	}
	return list
}
