package sessions

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// MemoryStore is an in-process Store used for development and tests.
// Every conditional update runs under the store lock.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*models.Session
	turns      map[string][]*models.Turn
	executions map[string]*models.ToolExecution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*models.Session),
		turns:      make(map[string][]*models.Turn),
		executions: make(map[string]*models.ToolExecution),
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string, visible OrgPredicate) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	if visible != nil && !visible(s.OrgID) {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	if noVisibleOrgs(opts.OrgIDs, opts.AllOrgs) {
		return []*models.Session{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if opts.UserID != "" && s.UserID != opts.UserID {
			continue
		}
		if !opts.AllOrgs && !slices.Contains(opts.OrgIDs, s.OrgID) {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		out = append(out, s.Clone())
	}
	limit, offset := pageBounds(opts.Page, opts.Limit)
	return paginate(out, limit, offset), nil
}

func (m *MemoryStore) Search(ctx context.Context, opts SearchOptions) ([]*models.Session, error) {
	if noVisibleOrgs(opts.OrgIDs, opts.AllOrgs) {
		return []*models.Session{}, nil
	}
	needle := strings.ToLower(strings.TrimSpace(opts.Query))
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if opts.UserID != "" && s.UserID != opts.UserID {
			continue
		}
		if !opts.AllOrgs && !slices.Contains(opts.OrgIDs, s.OrgID) {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		if needle != "" && !m.matchesLocked(s, needle) {
			continue
		}
		out = append(out, s.Clone())
	}
	limit, offset := pageBounds(opts.Page, opts.Limit)
	return paginate(out, limit, offset), nil
}

func (m *MemoryStore) matchesLocked(s *models.Session, needle string) bool {
	if strings.Contains(strings.ToLower(s.Title), needle) {
		return true
	}
	for _, t := range m.turns[s.ID] {
		if t.Role != models.RoleUser && t.Role != models.RoleAssistant {
			continue
		}
		if strings.Contains(strings.ToLower(t.Content), needle) {
			return true
		}
	}
	return false
}

func paginate(items []*models.Session, limit, offset int) []*models.Session {
	sort.Slice(items, func(i, j int) bool {
		return items[i].LastActivityAt.After(items[j].LastActivityAt)
	})
	if offset >= len(items) {
		return []*models.Session{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (m *MemoryStore) Close(ctx context.Context, id string) (bool, error) {
	return m.transitionSession(id, models.SessionClosed), nil
}

func (m *MemoryStore) ConditionalExpire(ctx context.Context, id string) (bool, error) {
	return m.transitionSession(id, models.SessionExpired), nil
}

func (m *MemoryStore) transitionSession(id string, to models.SessionStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionActive {
		return false
	}
	s.Status = to
	return true
}

func (m *MemoryStore) RecordTurn(ctx context.Context, id string, snapshot *models.PageContext, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionActive || s.TurnLimitReached() {
		return false, nil
	}
	s.TurnCount++
	s.LastActivityAt = at
	if snapshot != nil {
		s.ContextSnapshot = snapshot.Clone()
	}
	return true, nil
}

func (m *MemoryStore) SetSystemPrompt(ctx context.Context, id, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	s.SystemPrompt = prompt
	return nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, createdBefore, idleBefore time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if s.Status != models.SessionActive {
			continue
		}
		if s.CreatedAt.Before(createdBefore) || s.LastActivityAt.Before(idleBefore) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) AppendTurn(ctx context.Context, turn *models.Turn) error {
	if turn == nil || turn.ID == "" || turn.SessionID == "" {
		return fmt.Errorf("turn ID and session ID are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[turn.SessionID]; !ok {
		return fmt.Errorf("session not found: %s", turn.SessionID)
	}
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], cloneTurn(turn))
	return nil
}

func (m *MemoryStore) Turns(ctx context.Context, sessionID string) ([]*models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.turns[sessionID]
	out := make([]*models.Turn, len(stored))
	for i, t := range stored {
		out[i] = cloneTurn(t)
	}
	return out, nil
}

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *models.ToolExecution) error {
	if exec == nil || exec.ID == "" || exec.SessionID == "" {
		return fmt.Errorf("execution ID and session ID are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[exec.ID]; exists {
		return fmt.Errorf("execution already exists: %s", exec.ID)
	}
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*models.ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, nil
	}
	return cloneExecution(exec), nil
}

func (m *MemoryStore) TransitionExecution(ctx context.Context, id string, from []models.ToolExecutionStatus, upd models.ExecutionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok || !slices.Contains(from, exec.Status) {
		return false, nil
	}
	upd.Apply(exec)
	return true, nil
}

func (m *MemoryStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ToolExecution
	for _, exec := range m.executions {
		if exec.Status == models.ToolPending && exec.CreatedAt.Before(before) {
			out = append(out, cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExecutionCount returns the number of stored execution records.
func (m *MemoryStore) ExecutionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.executions)
}

func cloneTurn(t *models.Turn) *models.Turn {
	out := *t
	if t.ContentBlocks != nil {
		out.ContentBlocks = slices.Clone(t.ContentBlocks)
	}
	if t.ToolInput != nil {
		out.ToolInput = slices.Clone(t.ToolInput)
	}
	return &out
}

func cloneExecution(e *models.ToolExecution) *models.ToolExecution {
	out := *e
	if e.ToolInput != nil {
		out.ToolInput = slices.Clone(e.ToolInput)
	}
	if e.ApprovedAt != nil {
		t := *e.ApprovedAt
		out.ApprovedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
