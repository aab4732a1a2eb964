// Package auth drives the OAuth login handshake and the authenticated
// session checks built on top of it. It is the only package allowed to see
// decrypted client secrets and CRM tokens.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/adapter/oauth"
	"github.com/kserw/forceauth-sub001/internal/audit"
	"github.com/kserw/forceauth-sub001/internal/config"
	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/reportcache"
	"github.com/kserw/forceauth-sub001/internal/repository"
	"github.com/kserw/forceauth-sub001/internal/secrets"
	"github.com/kserw/forceauth-sub001/internal/service/credential"
	"github.com/kserw/forceauth-sub001/internal/service/session"
	"github.com/kserw/forceauth-sub001/internal/statestore"
)

// Flow orchestrates login, callback, validation, and logout.
type Flow struct {
	cfg         config.Config
	states      *statestore.Store
	credentials *credential.Service
	sessions    *session.Service
	users       repository.UserRepository
	provider    oauth.ProviderClient
	orgCache    reportcache.Cache
	node        *snowflake.Node
	auditor     *audit.Recorder
	logger      *zap.Logger
}

// NewFlow wires the flow controller.
func NewFlow(
	cfg config.Config,
	states *statestore.Store,
	credentials *credential.Service,
	sessions *session.Service,
	users repository.UserRepository,
	provider oauth.ProviderClient,
	orgCache reportcache.Cache,
	node *snowflake.Node,
	auditor *audit.Recorder,
	logger *zap.Logger,
) *Flow {
	if logger == nil {
		logger = zap.L()
	}
	if orgCache == nil {
		orgCache = reportcache.NoopCache{}
	}
	return &Flow{
		cfg:         cfg,
		states:      states,
		credentials: credentials,
		sessions:    sessions,
		users:       users,
		provider:    provider,
		orgCache:    orgCache,
		node:        node,
		auditor:     auditor,
		logger:      logger,
	}
}

// BeginLoginInput captures the login request parameters.
type BeginLoginInput struct {
	Environment   domain.Environment
	ReturnURL     string
	Popup         bool
	CredentialsID int64
	Fingerprint   string
}

// BeginLogin creates the one-time state and returns the provider authorize
// URL to redirect the browser to.
func (f *Flow) BeginLogin(ctx context.Context, in BeginLoginInput) (string, error) {
	app, err := f.resolveApp(ctx, in.CredentialsID, false)
	if err != nil {
		return "", err
	}

	verifier, err := secrets.RandomToken(48)
	if err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}

	token, err := f.states.Create(ctx, statestore.CreateInput{
		Environment:   in.Environment,
		ReturnURL:     in.ReturnURL,
		Popup:         in.Popup,
		CredentialsID: in.CredentialsID,
		Fingerprint:   in.Fingerprint,
		CodeVerifier:  verifier,
	})
	if err != nil {
		return "", err
	}

	loginURL := f.cfg.LoginURL(string(in.Environment))
	return oauth.AuthorizeURL(loginURL, app, token, codeChallenge(verifier), f.cfg.OAuthScopes), nil
}

// CompleteLoginInput carries the callback parameters.
type CompleteLoginInput struct {
	Code        string
	State       string
	Fingerprint string
	IP          string
	UserAgent   string
}

// LoginResult is handed back to the callback handler.
type LoginResult struct {
	SessionID string
	CSRFToken string
	ReturnURL string
	Popup     bool
	User      domain.User
}

// CompleteLogin consumes the state, exchanges the code, resolves the
// identity, claims pending credential registrations, and opens a session.
func (f *Flow) CompleteLogin(ctx context.Context, in CompleteLoginInput) (*LoginResult, error) {
	st, err := f.states.Consume(ctx, in.State, in.Fingerprint)
	if err != nil {
		f.recordLogin(ctx, 0, in, false, "state rejected")
		return nil, err
	}

	app, err := f.resolveApp(ctx, st.CredentialsID, true)
	if err != nil {
		f.recordLogin(ctx, 0, in, false, "credentials unresolved")
		return nil, err
	}

	loginURL := f.cfg.LoginURL(string(st.Environment))
	token, err := f.provider.ExchangeCode(ctx, loginURL, app, in.Code, st.CodeVerifier)
	if err != nil {
		f.recordLogin(ctx, 0, in, false, "code exchange failed")
		return nil, err
	}

	info, err := f.provider.FetchUserInfo(ctx, loginURL, token.AccessToken)
	if err != nil {
		f.recordLogin(ctx, 0, in, false, "userinfo failed")
		return nil, err
	}

	orgID := info.OrganizationID
	orgName := ""
	if org, orgErr := f.fetchOrgInfo(ctx, orgID, token.InstanceURL, token.AccessToken); orgErr == nil {
		orgID, orgName = org.ID, org.Name
	} else {
		f.logger.Warn("organization lookup failed", zap.Error(orgErr))
	}

	if st.CredentialsID != 0 && orgID != "" {
		if err := f.credentials.LinkProviderOrg(ctx, st.CredentialsID, orgID); err != nil {
			f.logger.Warn("link provider org failed", zap.Int64("credentials_id", st.CredentialsID), zap.Error(err))
		}
	}

	user, err := f.users.UpsertByExternalID(ctx, domain.User{
		ID:          f.node.Generate().Int64(),
		ExternalID:  info.Subject,
		Email:       info.Email,
		DisplayName: info.DisplayName,
		LastLoginAt: time.Now().UTC(),
	})
	if err != nil {
		f.recordLogin(ctx, 0, in, false, "user upsert failed")
		return nil, err
	}

	if st.CredentialsID != 0 {
		if _, err := f.credentials.Claim(ctx, st.CredentialsID, user.ID); err != nil {
			f.logger.Warn("claim credentials failed", zap.Int64("credentials_id", st.CredentialsID), zap.Error(err))
		}
	}
	if _, err := f.credentials.ClaimAllPending(ctx, user.ID); err != nil {
		f.logger.Warn("claim pending credentials failed", zap.Error(err))
	}

	sessionID, csrf, err := f.sessions.Create(ctx, session.CreateInput{
		UserID:          user.ID,
		CredentialsID:   st.CredentialsID,
		AccessToken:     token.AccessToken,
		RefreshToken:    token.RefreshToken,
		InstanceURL:     token.InstanceURL,
		Environment:     st.Environment,
		TokenIssuedAt:   token.IssuedAt,
		ProviderOrgID:   orgID,
		ProviderOrgName: orgName,
		Fingerprint:     in.Fingerprint,
	})
	if err != nil {
		f.recordLogin(ctx, user.ID, in, false, "session create failed")
		return nil, err
	}

	f.recordLogin(ctx, user.ID, in, true, "")
	return &LoginResult{
		SessionID: sessionID,
		CSRFToken: csrf,
		ReturnURL: st.ReturnURL,
		Popup:     st.Popup,
		User:      user,
	}, nil
}

// Validate returns the decrypted session, transparently refreshing the CRM
// token when it is older than the refresh margin. A failed refresh revokes
// the session so the caller re-authenticates instead of retrying a dead
// token.
func (f *Flow) Validate(ctx context.Context, sessionID, fingerprint string) (*domain.SessionData, error) {
	data, err := f.sessions.Get(ctx, sessionID, fingerprint)
	if err != nil {
		return nil, err
	}
	if time.Since(data.TokenIssuedAt) < f.cfg.TokenRefreshMargin || data.RefreshToken == "" {
		return data, nil
	}

	refreshed, err := f.refreshTokens(ctx, data)
	if err != nil {
		f.logger.Warn("token refresh failed, revoking session",
			zap.Int64("user_id", data.UserID), zap.Error(err))
		if revokeErr := f.sessions.Revoke(ctx, sessionID); revokeErr != nil {
			f.logger.Error("revoke session after failed refresh", zap.Error(revokeErr))
		}
		f.auditor.Record(ctx, domain.AuditEvent{
			Action:       "session.refresh_failed",
			ActorID:      data.UserID,
			SessionID:    sessionID,
			ResourceType: "session",
			Success:      false,
			ErrorMessage: err.Error(),
		})
		return nil, domain.ErrNotFound
	}
	return refreshed, nil
}

// Refresh forces a token refresh regardless of age.
func (f *Flow) Refresh(ctx context.Context, sessionID, fingerprint string) (*domain.SessionData, error) {
	data, err := f.sessions.Get(ctx, sessionID, fingerprint)
	if err != nil {
		return nil, err
	}
	if data.RefreshToken == "" {
		return nil, fmt.Errorf("session has no refresh token: %w", domain.ErrState)
	}
	return f.refreshTokens(ctx, data)
}

func (f *Flow) refreshTokens(ctx context.Context, data *domain.SessionData) (*domain.SessionData, error) {
	app, err := f.resolveApp(ctx, data.CredentialsID, true)
	if err != nil {
		return nil, err
	}
	loginURL := f.cfg.LoginURL(string(data.Environment))
	token, err := f.provider.RefreshToken(ctx, loginURL, app, data.RefreshToken)
	if err != nil {
		return nil, err
	}

	// The provider may or may not rotate the refresh token.
	newRefresh := token.RefreshToken
	if newRefresh == "" {
		newRefresh = data.RefreshToken
	}
	if err := f.sessions.UpdateTokens(ctx, data.ID, token.AccessToken, newRefresh); err != nil {
		return nil, err
	}

	out := *data
	out.AccessToken = token.AccessToken
	out.RefreshToken = newRefresh
	out.TokenIssuedAt = token.IssuedAt
	if token.InstanceURL != "" {
		out.InstanceURL = token.InstanceURL
	}
	return &out, nil
}

// Logout revokes the CRM tokens upstream best-effort and the session locally.
// Local revocation always happens even when the provider is unreachable.
func (f *Flow) Logout(ctx context.Context, sessionID, fingerprint string) error {
	data, err := f.sessions.Get(ctx, sessionID, fingerprint)
	if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrIntegrity) {
		return err
	}

	if data != nil {
		loginURL := f.cfg.LoginURL(string(data.Environment))
		if data.RefreshToken != "" {
			if err := f.provider.RevokeToken(ctx, loginURL, data.RefreshToken); err != nil {
				f.logger.Warn("upstream refresh token revocation failed", zap.Error(err))
			}
		}
		if err := f.provider.RevokeToken(ctx, loginURL, data.AccessToken); err != nil {
			f.logger.Warn("upstream access token revocation failed", zap.Error(err))
		}
		f.auditor.Record(ctx, domain.AuditEvent{
			Action:       "auth.logout",
			ActorID:      data.UserID,
			SessionID:    sessionID,
			ResourceType: "session",
			Success:      true,
		})
	}
	return f.sessions.Revoke(ctx, sessionID)
}

// fetchOrgInfo resolves the organization name, consulting the report cache
// first so repeated logins into the same org skip the query API round trip.
func (f *Flow) fetchOrgInfo(ctx context.Context, orgID, instanceURL, accessToken string) (*oauth.OrgInfo, error) {
	if orgID != "" {
		var cached oauth.OrgInfo
		if hit, err := f.orgCache.Get(ctx, orgID, "org_info", &cached); err == nil && hit {
			return &cached, nil
		}
	}
	org, err := f.provider.FetchOrgInfo(ctx, instanceURL, accessToken)
	if err != nil {
		return nil, err
	}
	if org.ID != "" {
		if err := f.orgCache.Set(ctx, org.ID, "org_info", org); err != nil {
			f.logger.Debug("org info cache write failed", zap.Error(err))
		}
	}
	return org, nil
}

// resolveApp maps a credential registration onto the connected app used for
// token requests. A zero id falls back to the statically configured app;
// neither configured is a hard configuration error.
func (f *Flow) resolveApp(ctx context.Context, credentialsID int64, withSecret bool) (oauth.ClientApp, error) {
	if credentialsID != 0 {
		rec, err := f.credentials.Get(ctx, credentialsID)
		if err != nil {
			return oauth.ClientApp{}, err
		}
		app := oauth.ClientApp{ClientID: rec.ClientID, RedirectURI: rec.RedirectURI}
		if app.RedirectURI == "" {
			app.RedirectURI = f.cfg.OAuthRedirectURI
		}
		if withSecret {
			if app.ClientSecret, err = f.credentials.DecryptedSecret(ctx, credentialsID); err != nil {
				return oauth.ClientApp{}, err
			}
		}
		return app, nil
	}

	if f.cfg.OAuthClientID == "" {
		return oauth.ClientApp{}, fmt.Errorf("no connected app configured: %w", domain.ErrConfiguration)
	}
	return oauth.ClientApp{
		ClientID:     f.cfg.OAuthClientID,
		ClientSecret: f.cfg.OAuthClientSecret,
		RedirectURI:  f.cfg.OAuthRedirectURI,
	}, nil
}

func (f *Flow) recordLogin(ctx context.Context, userID int64, in CompleteLoginInput, success bool, msg string) {
	f.auditor.Record(ctx, domain.AuditEvent{
		Action:       "auth.login",
		ActorID:      userID,
		ResourceType: "session",
		IP:           in.IP,
		UserAgent:    in.UserAgent,
		Success:      success,
		ErrorMessage: msg,
	})
}

// codeChallenge derives the S256 PKCE challenge from the verifier.
func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ParseCredentialsID parses the optional credential reference from a query
// parameter. Empty means the static fallback app.
func ParseCredentialsID(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid credentials id %q: %w", raw, domain.ErrState)
	}
	return id, nil
}
