package models

import "time"

// SessionStatus is the lifecycle state of a session. Transitions only leave active.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionClosed  SessionStatus = "closed"
	SessionExpired SessionStatus = "expired"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionClosed, SessionExpired:
		return true
	}
	return false
}

// PageContext describes what the user was looking at when they sent a message.
type PageContext struct {
	Type string            `json:"type"`
	ID   string            `json:"id,omitempty"`
	Name string            `json:"name,omitempty"`
	URL  string            `json:"url,omitempty"`
	Data map[string]string `json:"data,omitempty"`
}

// Clone returns a deep copy.
func (p *PageContext) Clone() *PageContext {
	if p == nil {
		return nil
	}
	out := *p
	if p.Data != nil {
		out.Data = make(map[string]string, len(p.Data))
		for k, v := range p.Data {
			out.Data[k] = v
		}
	}
	return &out
}

// Session is one persisted multi-turn conversation scoped to an organization.
type Session struct {
	ID              string        `json:"id"`
	OrgID           string        `json:"org_id"`
	UserID          string        `json:"user_id"`
	Model           string        `json:"model"`
	Title           string        `json:"title,omitempty"`
	Status          SessionStatus `json:"status"`
	TurnCount       int           `json:"turn_count"`
	MaxTurns        int           `json:"max_turns"`
	SystemPrompt    string        `json:"-"`
	ContextSnapshot *PageContext  `json:"context_snapshot,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.ContextSnapshot = s.ContextSnapshot.Clone()
	return &out
}

// TurnLimitReached reports whether no more user turns may be added.
func (s *Session) TurnLimitReached() bool {
	return s.MaxTurns > 0 && s.TurnCount >= s.MaxTurns
}
