package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrSessionNotFound  = errors.New("session not found")
)

// StartResult is the outcome of the transactional start write: the row
// creation (or revival of a Stopped row) and the instance_count increment
// happen in one unit or not at all.
type StartResult int

const (
	StartCreated StartResult = iota
	StartConflict
	StartLimitReached
)

type InstanceRepository interface {
	// CreateQueued moves the (user, challenge) record to queued_start,
	// inserting it on first start, and increments the user's instance_count
	// in the same transaction. maxInstances bounds the user's concurrent
	// non-stopped records.
	CreateQueued(ctx context.Context, userID, challengeID string, maxInstances int) (StartResult, error)

	// UpdateState rewrites only the state column.
	UpdateState(ctx context.Context, userID, challengeID string, state InstanceState) error

	// MarkRunning records a successful start: state, captured details and
	// the TTL deadline in one write.
	MarkRunning(ctx context.Context, userID, challengeID, details string, stopTime time.Time) error

	// ExtendStopTime advances the deadline of a running instance. It reports
	// false when the record is not running.
	ExtendStopTime(ctx context.Context, userID, challengeID string, stopTime time.Time) (bool, error)

	// MarkStopped clears the transient columns and decrements the owner's
	// instance_count in the same transaction. Idempotent on stopped rows.
	MarkStopped(ctx context.Context, userID, challengeID string) error

	// FindAll loads every record; used once at startup for reconciliation.
	FindAll(ctx context.Context) ([]*Instance, error)
}

type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id string) (*User, error)
}

// Session is the boundary with the external authentication component: it
// issues tokens, the instancer only resolves them to a user.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	FindByToken(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
}
