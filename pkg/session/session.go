// Package session manages interview session lifecycle: creation, state
// persistence, magic-link restoration, abandonment, and expiry. State lives
// in the record store; the manager owns the record layout and enforces
// specification version monotonicity on writes.
package session

import (
	"errors"
	"time"

	"github.com/specdraft/specdraft/pkg/spec"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive is a session still being interviewed.
	StatusActive Status = "active"

	// StatusSubmitted is a session whose specification has been submitted.
	StatusSubmitted Status = "submitted"

	// StatusAbandoned is a session explicitly discarded by the user.
	StatusAbandoned Status = "abandoned"
)

// DefaultTTL is how long a session survives without activity.
const DefaultTTL = 30 * 24 * time.Hour

var (
	// ErrNotFound is returned when a session does not exist or has expired.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidToken is returned when a restoration token resolves to
	// nothing, including tokens superseded by a newer magic link.
	ErrInvalidToken = errors.New("invalid restoration token")

	// ErrStorageUnavailable wraps store failures so callers can
	// distinguish infrastructure trouble from absence.
	ErrStorageUnavailable = errors.New("session storage unavailable")
)

// Session is the metadata of one interview session.
type Session struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UserInfo is contact detail volunteered during the interview, ahead of a
// formal submission. All fields are optional until submission time.
type UserInfo struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// State is the full restorable state of a session: metadata, the ordered
// conversation, the latest specification version, and derived progress.
type State struct {
	Session  Session             `json:"session"`
	Messages []spec.Message      `json:"messages"`
	Spec     *spec.Specification `json:"spec,omitempty"`
	Progress spec.Progress       `json:"progress"`
	UserInfo *UserInfo           `json:"user_info,omitempty"`
}
