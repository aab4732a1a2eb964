package repository

import (
	"context"
	"time"

	"github.com/kserw/forceauth-sub001/internal/domain"
)

// UserRepository exposes persistence for dashboard users.
type UserRepository interface {
	// UpsertByExternalID creates the user on first login and updates
	// email/name/last-login on subsequent logins, keyed by the provider
	// subject id. The id field is only consulted on insert.
	UpsertByExternalID(ctx context.Context, user domain.User) (domain.User, error)
	GetByID(ctx context.Context, id int64) (domain.User, error)
}

// CredentialRepository persists connected-app registrations.
type CredentialRepository interface {
	Insert(ctx context.Context, c domain.OrgCredentials) error
	Get(ctx context.Context, id int64) (domain.OrgCredentials, error)
	// ListVisibleTo returns rows owned by userID plus shared rows whose
	// client id matches any row the user owns.
	ListVisibleTo(ctx context.Context, userID int64) ([]domain.OrgCredentials, error)
	SetShared(ctx context.Context, id int64, shared bool) error
	SetProviderOrgID(ctx context.Context, id int64, providerOrgID string) error
	Delete(ctx context.Context, id int64) error
	// Claim reassigns ownership to userID only while the current owner is a
	// placeholder. Reports whether a reassignment occurred. Must be a single
	// conditional update so concurrent claims cannot double-apply.
	Claim(ctx context.Context, id, userID int64) (bool, error)
	// ClaimAllPending sweeps every placeholder-owned row onto userID.
	ClaimAllPending(ctx context.Context, userID int64) (int64, error)
}

// StateRepository persists one-time OAuth handshake state.
type StateRepository interface {
	Insert(ctx context.Context, st domain.OAuthState) error
	// Consume atomically deletes and returns the non-expired row for token.
	// Returns nil when the token is absent or expired; read and delete are
	// the same operation so a state can never be used twice.
	Consume(ctx context.Context, token string, now time.Time) (*domain.OAuthState, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionRepository persists authenticated sessions.
type SessionRepository interface {
	Insert(ctx context.Context, s domain.Session) error
	// GetActive returns the session only while its state is active.
	GetActive(ctx context.Context, id string) (*domain.Session, error)
	TouchActivity(ctx context.Context, id string, at time.Time) error
	UpdateTokens(ctx context.Context, id, encryptedAccess, encryptedRefresh string, issuedAt time.Time) error
	SetState(ctx context.Context, id string, state domain.SessionState) error
	Delete(ctx context.Context, id string) error
	// Rotate inserts the replacement session and revokes the old row in one
	// transaction. Reports false when the old session was not active.
	Rotate(ctx context.Context, oldID string, replacement domain.Session) (bool, error)
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// IntegrationRepository persists tracked integrations and their shares.
type IntegrationRepository interface {
	Insert(ctx context.Context, in domain.TrackedIntegration) error
	Get(ctx context.Context, id int64) (domain.TrackedIntegration, error)
	ListVisibleTo(ctx context.Context, userID int64) ([]domain.TrackedIntegration, error)
	Update(ctx context.Context, in domain.TrackedIntegration) error
	Delete(ctx context.Context, id int64) error
	OwnerOf(ctx context.Context, id int64) (int64, error)
	Share(ctx context.Context, share domain.IntegrationShare) error
	Unshare(ctx context.Context, integrationID, userID int64) error
	// SharePermission returns the explicit share for the user, if any.
	SharePermission(ctx context.Context, integrationID, userID int64) (domain.Permission, bool, error)
	ListShares(ctx context.Context, integrationID int64) ([]domain.IntegrationShare, error)
}

// AuditRepository appends audit events. Implementations must never block the
// primary operation; callers treat failures as log-only.
type AuditRepository interface {
	Append(ctx context.Context, e domain.AuditEvent) error
}

// Store aggregates the repositories of one storage backend. The backend is
// chosen once at startup by configuration.
type Store interface {
	Users() UserRepository
	Credentials() CredentialRepository
	States() StateRepository
	Sessions() SessionRepository
	Integrations() IntegrationRepository
	Audit() AuditRepository
	Close() error
}
