package domain

import "time"

// AuditEvent is an append-only record of a security-relevant action.
type AuditEvent struct {
	Action       string
	ActorID      int64
	SessionID    string
	ResourceType string
	ResourceID   string
	Details      string
	IP           string
	UserAgent    string
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}
