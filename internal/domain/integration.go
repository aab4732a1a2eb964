package domain

import "time"

// Permission is the access level a user holds on a tracked integration.
type Permission string

const (
	PermissionView  Permission = "view"
	PermissionEdit  Permission = "edit"
	PermissionOwner Permission = "owner"
)

// Satisfies reports whether holding p grants the required level.
// Edit implies view; owner implies everything.
func (p Permission) Satisfies(required Permission) bool {
	switch required {
	case PermissionView:
		return p == PermissionView || p == PermissionEdit || p == PermissionOwner
	case PermissionEdit:
		return p == PermissionEdit || p == PermissionOwner
	case PermissionOwner:
		return p == PermissionOwner
	default:
		return false
	}
}

// TrackedIntegration is a monitored CRM integration under the ownership and
// sharing discipline: exactly one owner plus explicit per-user shares.
type TrackedIntegration struct {
	ID            int64
	Name          string
	Description   string
	CredentialsID int64
	OwnerID       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IntegrationShare grants one user view or edit access to an integration.
// The owner is never represented as a share row.
type IntegrationShare struct {
	IntegrationID int64
	UserID        int64
	Permission    Permission
	CreatedAt     time.Time
}
