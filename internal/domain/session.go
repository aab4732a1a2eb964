package domain

import "time"

// SessionState is the lifecycle state of a session row.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionRevoked SessionState = "revoked"
)

// Session is an authenticated dashboard session. The id is an unbounded
// random token; both CRM tokens are stored encrypted.
type Session struct {
	ID                    string
	UserID                int64
	CredentialsID         int64
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	InstanceURL           string
	Environment           Environment
	TokenIssuedAt         time.Time
	ProviderOrgID         string
	ProviderOrgName       string
	Fingerprint           string
	CSRFToken             string
	LastActivityAt        time.Time
	State                 SessionState
	CreatedAt             time.Time
}

// SessionData is the decrypted view handed to downstream report-fetching
// code after a successful lookup.
type SessionData struct {
	Session
	AccessToken  string
	RefreshToken string
}
