package sessions

import (
	"time"

	"github.com/LanternOps/breeze-sub012/pkg/models"
)

// Default session lifetime limits.
const (
	DefaultMaxAge      = 24 * time.Hour
	DefaultIdleTimeout = 2 * time.Hour
)

// ExpiryReason explains why a session is considered expired.
type ExpiryReason string

const (
	ExpiryNone ExpiryReason = ""
	ExpiryAge  ExpiryReason = "age"
	ExpiryIdle ExpiryReason = "idle"
)

// Expiry decides whether an active session has outlived its limits.
type Expiry struct {
	MaxAge      time.Duration
	IdleTimeout time.Duration
	nowFunc     func() time.Time
}

// NewExpiry builds an expiry policy. Non-positive limits take the defaults.
func NewExpiry(maxAge, idle time.Duration) *Expiry {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Expiry{MaxAge: maxAge, IdleTimeout: idle, nowFunc: time.Now}
}

// SetNowFunc sets a custom time function for testing.
func (e *Expiry) SetNowFunc(fn func() time.Time) {
	e.nowFunc = fn
}

// Now returns the policy's current time.
func (e *Expiry) Now() time.Time {
	return e.nowFunc()
}

// Check reports why session is expired, or ExpiryNone.
func (e *Expiry) Check(session *models.Session) ExpiryReason {
	if session == nil {
		return ExpiryNone
	}
	now := e.nowFunc()
	if now.Sub(session.CreatedAt) > e.MaxAge {
		return ExpiryAge
	}
	last := session.LastActivityAt
	if last.IsZero() {
		last = session.CreatedAt
	}
	if now.Sub(last) > e.IdleTimeout {
		return ExpiryIdle
	}
	return ExpiryNone
}

// Cutoffs returns the created-before and idle-before instants for a sweep.
func (e *Expiry) Cutoffs() (createdBefore, idleBefore time.Time) {
	now := e.nowFunc()
	return now.Add(-e.MaxAge), now.Add(-e.IdleTimeout)
}
