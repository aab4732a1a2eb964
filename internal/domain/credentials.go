package domain

import (
	"fmt"
	"strings"
	"time"
)

// Environment identifies which CRM instance class a registration targets.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvSandbox    Environment = "sandbox"
)

// ParseEnvironment normalizes and validates an environment string.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case EnvProduction, "":
		return EnvProduction, nil
	case EnvSandbox:
		return EnvSandbox, nil
	default:
		return "", fmt.Errorf("parse environment %q: %w", s, ErrConfiguration)
	}
}

// OrgCredentials is a registered connected-app: the client id/secret pair a
// user provisioned in the CRM, plus ownership and sharing metadata. The
// client secret is stored encrypted and never leaves the credential service
// except toward the OAuth flow controller.
type OrgCredentials struct {
	ID              int64
	Name            string
	Environment     Environment
	ClientID        string
	EncryptedSecret string
	RedirectURI     string
	Owner           Owner
	Shared          bool
	ProviderOrgID   string
	CreatedAt       time.Time
}

// CredentialView is the listing shape returned to callers: plaintext-free,
// annotated with whether the requesting user owns the row.
type CredentialView struct {
	OrgCredentials
	IsOwner bool
}
