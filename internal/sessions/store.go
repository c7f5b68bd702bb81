// Package sessions persists AI sessions, their turns and tool execution records.
package sessions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// ErrInvalidSession is returned when a session lacks required fields.
var ErrInvalidSession = errors.New("invalid session")

// OrgPredicate reports whether the caller may see resources of an organization.
type OrgPredicate func(orgID string) bool

// SessionStore reads and mutates session rows.
//
// Get returns nil, nil both when the session does not exist and when visible
// rejects its organization, so callers cannot tell the two apart.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string, visible OrgPredicate) (*models.Session, error)
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)
	Search(ctx context.Context, opts SearchOptions) ([]*models.Session, error)

	// Close moves an active session to closed. It reports whether a row changed.
	Close(ctx context.Context, id string) (bool, error)
	// ConditionalExpire moves a session to expired only if it is still active.
	ConditionalExpire(ctx context.Context, id string) (bool, error)
	// RecordTurn claims one turn on an active session below its turn limit,
	// bumping last activity and replacing the context snapshot when non-nil.
	RecordTurn(ctx context.Context, id string, snapshot *models.PageContext, at time.Time) (bool, error)
	SetSystemPrompt(ctx context.Context, id, prompt string) error
	// ListExpirable returns active sessions created before createdBefore or
	// idle since before idleBefore.
	ListExpirable(ctx context.Context, createdBefore, idleBefore time.Time, limit int) ([]string, error)
}

// TurnStore appends and reads the immutable turns of a session.
type TurnStore interface {
	AppendTurn(ctx context.Context, turn *models.Turn) error
	// Turns returns every turn of a session in creation order.
	Turns(ctx context.Context, sessionID string) ([]*models.Turn, error)
}

// ExecutionStore persists tool execution records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.ToolExecution) error
	// GetExecution returns nil, nil when the record does not exist.
	GetExecution(ctx context.Context, id string) (*models.ToolExecution, error)
	// TransitionExecution applies upd only if the current status is one of from.
	TransitionExecution(ctx context.Context, id string, from []models.ToolExecutionStatus, upd models.ExecutionUpdate) (bool, error)
	// ListPendingBefore returns pending executions created before the cutoff.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.ToolExecution, error)
}

// Store is the full persistence surface used by the agent core.
type Store interface {
	SessionStore
	TurnStore
	ExecutionStore
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListOptions configures session listing for one user.
type ListOptions struct {
	UserID string
	// OrgIDs restricts results to these organizations unless AllOrgs is set.
	OrgIDs  []string
	AllOrgs bool
	Status  models.SessionStatus
	Page    int
	Limit   int
}

// SearchOptions configures a substring search across titles and message text.
type SearchOptions struct {
	Query   string
	UserID  string
	OrgIDs  []string
	AllOrgs bool
	Status  models.SessionStatus
	Page    int
	Limit   int
}

func pageBounds(page, limit int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// noVisibleOrgs reports whether a filter can never match.
func noVisibleOrgs(orgIDs []string, all bool) bool {
	return !all && len(orgIDs) == 0
}

func validateSession(s *models.Session) error {
	switch {
	case s == nil:
		return ErrInvalidSession
	case s.ID == "":
		return errors.Join(ErrInvalidSession, errors.New("session ID is required"))
	case s.OrgID == "":
		return errors.Join(ErrInvalidSession, errors.New("org ID is required"))
	case s.UserID == "":
		return errors.Join(ErrInvalidSession, errors.New("user ID is required"))
	}
	return nil
}

// likePattern escapes q for use inside a LIKE/ILIKE pattern.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(q)) + "%"
}

// DeriveTitle builds a session title from the first user message.
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	runes := []rune(text)
	if len(runes) > 80 {
		return strings.TrimSpace(string(runes[:77])) + "..."
	}
	return text
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
