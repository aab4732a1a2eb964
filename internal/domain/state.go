package domain

import "time"

// OAuthState is the single-use handshake record binding a callback to the
// request that initiated it. The signature covers {state, environment, nonce,
// credentials id}; the PKCE verifier travels inside the record encrypted, so
// no separate server-side verifier table exists.
type OAuthState struct {
	Token              string
	Environment        Environment
	ReturnURL          string
	Nonce              string
	Signature          string
	Popup              bool
	CredentialsID      int64
	Fingerprint        string
	EncryptedVerifier  string
	ExpiresAt          time.Time
	CreatedAt          time.Time
}
