package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidRole is returned when a turn carries a role other than user or assistant.
var ErrInvalidRole = errors.New("invalid role")

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DefaultTitle is used when a session is created without a title.
const DefaultTitle = "New Chat"

type Session struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one message within a session. Seq is the per-session position,
// starting at 1, and is the ordering contract for readers.
type Turn struct {
	ID        string
	SessionID string
	Seq       int
	Role      Role
	Text      string
	CreatedAt time.Time
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
