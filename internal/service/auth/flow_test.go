package auth

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
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

type fakeProvider struct {
	issuedAt      time.Time
	exchangeErr   error
	refreshErr    error
	lastVerifier  string
	lastSecret    string
	refreshCalls  int
	revokedTokens []string
}

func (p *fakeProvider) ExchangeCode(_ context.Context, _ string, app oauth.ClientApp, code, codeVerifier string) (*oauth.TokenResponse, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	p.lastVerifier = codeVerifier
	p.lastSecret = app.ClientSecret
	issued := p.issuedAt
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	return &oauth.TokenResponse{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		InstanceURL:  "https://org.my.salesforce.com",
		IssuedAt:     issued,
	}, nil
}

func (p *fakeProvider) RefreshToken(_ context.Context, _ string, _ oauth.ClientApp, refreshToken string) (*oauth.TokenResponse, error) {
	p.refreshCalls++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return &oauth.TokenResponse{
		AccessToken: "refreshed-access",
		InstanceURL: "https://org.my.salesforce.com",
		IssuedAt:    time.Now().UTC(),
	}, nil
}

func (p *fakeProvider) RevokeToken(_ context.Context, _ string, token string) error {
	p.revokedTokens = append(p.revokedTokens, token)
	return nil
}

func (p *fakeProvider) FetchUserInfo(context.Context, string, string) (*oauth.UserInfo, error) {
	return &oauth.UserInfo{
		Subject:        "005xx000001",
		Username:       "alice@example.com",
		DisplayName:    "Alice Example",
		Email:          "alice@example.com",
		OrganizationID: "00Dxx0000001",
	}, nil
}

func (p *fakeProvider) FetchOrgInfo(context.Context, string, string) (*oauth.OrgInfo, error) {
	return &oauth.OrgInfo{ID: "00Dxx0000001", Name: "Example Corp"}, nil
}

type harness struct {
	flow        *Flow
	credentials *credential.Service
	sessions    *session.Service
	provider    *fakeProvider
	store       repository.Store
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	db, err := repository.OpenBolt(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := secrets.New("auth-flow-test-secret")
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		OAuthClientID:      "static-client",
		OAuthClientSecret:  "static-secret",
		OAuthRedirectURI:   "https://dash.example.com/auth/callback",
		OAuthScopes:        []string{"api", "refresh_token"},
		LoginURLProduction: config.DefaultLoginURLProduction,
		LoginURLSandbox:    config.DefaultLoginURLSandbox,
		TokenRefreshMargin: time.Hour,
		DefaultReturnURL:   "/",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zap.NewNop()
	auditor := audit.NewRecorder(db.Audit(), logger)
	states := statestore.New(db.States(), cipher, []string{"/"}, "/", time.Minute, logger)
	creds := credential.New(db.Credentials(), cipher, node, auditor, logger)
	sessions := session.New(db.Sessions(), cipher, auditor, time.Hour, logger)
	provider := &fakeProvider{}

	flow := NewFlow(cfg, states, creds, sessions, db.Users(), provider, reportcache.NoopCache{}, node, auditor, logger)
	return &harness{flow: flow, credentials: creds, sessions: sessions, provider: provider, store: db}
}

func stateFromAuthorizeURL(t *testing.T, authorizeURL string) string {
	t.Helper()
	u, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	require.Equal(t, "/services/oauth2/authorize", u.Path)
	require.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	require.NotEmpty(t, u.Query().Get("code_challenge"))
	return u.Query().Get("state")
}

func TestLoginHandshakeWithStaticApp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	authorizeURL, err := h.flow.BeginLogin(ctx, BeginLoginInput{
		Environment: domain.EnvProduction,
		ReturnURL:   "/reports",
	})
	require.NoError(t, err)
	state := stateFromAuthorizeURL(t, authorizeURL)
	require.NotEmpty(t, state)

	res, err := h.flow.CompleteLogin(ctx, CompleteLoginInput{Code: "c0de", State: state})
	require.NoError(t, err)
	require.Equal(t, "/reports", res.ReturnURL)
	require.Equal(t, "Alice Example", res.User.DisplayName)
	require.NotEmpty(t, res.SessionID)
	require.NotEmpty(t, res.CSRFToken)
	require.NotEmpty(t, h.provider.lastVerifier)
	require.Equal(t, "static-secret", h.provider.lastSecret)

	data, err := h.flow.Validate(ctx, res.SessionID, "")
	require.NoError(t, err)
	require.Equal(t, "access-c0de", data.AccessToken)
	require.Equal(t, "00Dxx0000001", data.ProviderOrgID)
	require.Equal(t, "Example Corp", data.ProviderOrgName)
}

func TestStateCannotBeReplayed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	authorizeURL, err := h.flow.BeginLogin(ctx, BeginLoginInput{Environment: domain.EnvProduction})
	require.NoError(t, err)
	state := stateFromAuthorizeURL(t, authorizeURL)

	_, err = h.flow.CompleteLogin(ctx, CompleteLoginInput{Code: "c0de", State: state})
	require.NoError(t, err)

	_, err = h.flow.CompleteLogin(ctx, CompleteLoginInput{Code: "c0de", State: state})
	require.True(t, errors.Is(err, domain.ErrState))
}

func TestPendingRegistrationClaimedOnLogin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Registered before anyone was logged in.
	rec, _, err := h.credentials.Register(ctx, credential.RegisterInput{
		Name:         "Acme Connected App",
		Environment:  domain.EnvProduction,
		ClientID:     "acme-client",
		ClientSecret: "acme-secret",
		RedirectURI:  "https://dash.example.com/auth/callback",
		Owner:        domain.Pending(),
	})
	require.NoError(t, err)

	authorizeURL, err := h.flow.BeginLogin(ctx, BeginLoginInput{
		Environment:   domain.EnvProduction,
		CredentialsID: rec.ID,
	})
	require.NoError(t, err)
	u, err := url.Parse(authorizeURL)
	require.NoError(t, err)
	require.Equal(t, "acme-client", u.Query().Get("client_id"))

	res, err := h.flow.CompleteLogin(ctx, CompleteLoginInput{
		Code:  "c0de",
		State: u.Query().Get("state"),
	})
	require.NoError(t, err)
	require.Equal(t, "acme-secret", h.provider.lastSecret)

	claimed, err := h.credentials.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OwnerRealUser, claimed.Owner.Kind)
	require.Equal(t, res.User.ID, claimed.Owner.UserID)
	require.Equal(t, "00Dxx0000001", claimed.ProviderOrgID)

	views, err := h.credentials.ListVisibleTo(ctx, res.User.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, rec.ID, views[0].ID)
	require.True(t, views[0].IsOwner)
}

func TestBeginLoginWithoutAnyApp(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.OAuthClientID = ""
		cfg.OAuthClientSecret = ""
	})
	_, err := h.flow.BeginLogin(context.Background(), BeginLoginInput{Environment: domain.EnvProduction})
	require.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestValidateRefreshesAgedToken(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.TokenRefreshMargin = time.Minute
	})
	ctx := context.Background()
	h.provider.issuedAt = time.Now().UTC().Add(-10 * time.Minute)

	authorizeURL, err := h.flow.BeginLogin(ctx, BeginLoginInput{Environment: domain.EnvProduction})
	require.NoError(t, err)
	res, err := h.flow.CompleteLogin(ctx, CompleteLoginInput{
		Code:  "c0de",
		State: stateFromAuthorizeURL(t, authorizeURL),
	})
	require.NoError(t, err)

	data, err := h.flow.Validate(ctx, res.SessionID, "")
	require.NoError(t, err)
	require.Equal(t, 1, h.provider.refreshCalls)
	require.Equal(t, "refreshed-access", data.AccessToken)
	// Provider kept the refresh token; ours must survive.
	require.Equal(t, "refresh-c0de", data.RefreshToken)
}

func TestFailedRefreshRevokesSession(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.TokenRefreshMargin = time.Minute
	})
	ctx := context.Background()
	h.provider.issuedAt = time.Now().UTC().Add(-10 * time.Minute)
	h.provider.refreshErr = domain.ErrUpstream

	authorizeURL, err := h.flow.BeginLogin(ctx, BeginLoginInput{Environment: domain.EnvProduction})
	require.NoError(t, err)
	res, err := h.flow.CompleteLogin(ctx, CompleteLoginInput{
		Code:  "c0de",
		State: stateFromAuthorizeURL(t, authorizeURL),
	})
	require.NoError(t, err)

	_, err = h.flow.Validate(ctx, res.SessionID, "")
	require.True(t, errors.Is(err, domain.ErrNotFound))

	// The session is gone even with a healthy provider again.
	h.provider.refreshErr = nil
	_, err = h.flow.Validate(ctx, res.SessionID, "")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestLogoutRevokesUpstreamAndLocal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	authorizeURL, err := h.flow.BeginLogin(ctx, BeginLoginInput{Environment: domain.EnvProduction})
	require.NoError(t, err)
	res, err := h.flow.CompleteLogin(ctx, CompleteLoginInput{
		Code:  "c0de",
		State: stateFromAuthorizeURL(t, authorizeURL),
	})
	require.NoError(t, err)

	require.NoError(t, h.flow.Logout(ctx, res.SessionID, ""))
	require.Contains(t, h.provider.revokedTokens, "refresh-c0de")
	require.Contains(t, h.provider.revokedTokens, "access-c0de")

	_, err = h.flow.Validate(ctx, res.SessionID, "")
	require.True(t, errors.Is(err, domain.ErrNotFound))
}
