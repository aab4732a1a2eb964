// Package oauth encapsulates outbound HTTP calls to the CRM OAuth provider.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kserw/forceauth-sub001/internal/domain"
)

const (
	authorizePath = "/services/oauth2/authorize"
	tokenPath     = "/services/oauth2/token"
	revokePath    = "/services/oauth2/revoke"
	userInfoPath  = "/services/oauth2/userinfo"
	orgQueryPath  = "/services/data/v59.0/query"
)

// ClientApp identifies the connected app used for a token request. An empty
// ClientSecret marks a PKCE-only app: the secret parameter is omitted on both
// the code exchange and the refresh grant.
type ClientApp struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// TokenResponse models the provider token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	InstanceURL  string
	IdentityURL  string
	Scope        string
	TokenType    string
	IssuedAt     time.Time
}

// UserInfo is the normalized profile from the userinfo endpoint.
type UserInfo struct {
	Subject        string
	Username       string
	DisplayName    string
	Email          string
	OrganizationID string
}

// OrgInfo names the provider organization. Fetched best-effort.
type OrgInfo struct {
	ID   string
	Name string
}

// ProviderClient is the outbound surface the flow controller depends on.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, loginURL string, app ClientApp, code, codeVerifier string) (*TokenResponse, error)
	RefreshToken(ctx context.Context, loginURL string, app ClientApp, refreshToken string) (*TokenResponse, error)
	RevokeToken(ctx context.Context, loginURL, token string) error
	FetchUserInfo(ctx context.Context, loginURL, accessToken string) (*UserInfo, error)
	FetchOrgInfo(ctx context.Context, instanceURL, accessToken string) (*OrgInfo, error)
}

// AuthorizeURL builds the provider authorization redirect.
func AuthorizeURL(loginURL string, app ClientApp, state, codeChallenge string, scopes []string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", app.ClientID)
	params.Set("redirect_uri", app.RedirectURI)
	params.Set("state", state)
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	return strings.TrimSuffix(loginURL, "/") + authorizePath + "?" + params.Encode()
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

// ExchangeCode performs the authorization_code grant with PKCE.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, loginURL string, app ClientApp, code, codeVerifier string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("client_id", app.ClientID)
	data.Set("redirect_uri", app.RedirectURI)
	if app.ClientSecret != "" {
		data.Set("client_secret", app.ClientSecret)
	}
	if strings.TrimSpace(codeVerifier) != "" {
		data.Set("code_verifier", codeVerifier)
	}
	return c.tokenRequest(ctx, loginURL, data)
}

// RefreshToken performs the refresh_token grant. PKCE apps omit the secret
// here as well.
func (c *HTTPProviderClient) RefreshToken(ctx context.Context, loginURL string, app ClientApp, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", app.ClientID)
	if app.ClientSecret != "" {
		data.Set("client_secret", app.ClientSecret)
	}
	return c.tokenRequest(ctx, loginURL, data)
}

func (c *HTTPProviderClient) tokenRequest(ctx context.Context, loginURL string, data url.Values) (*TokenResponse, error) {
	endpoint := strings.TrimSuffix(loginURL, "/") + tokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", domain.ErrUpstream)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint status=%d: %w", resp.StatusCode, domain.ErrUpstream)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	token := &TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		InstanceURL:  stringValue(raw["instance_url"]),
		IdentityURL:  stringValue(raw["id"]),
		Scope:        stringValue(raw["scope"]),
		TokenType:    stringValue(raw["token_type"]),
		IssuedAt:     time.Now().UTC(),
	}
	// issued_at arrives as epoch milliseconds in a string.
	if ms := int64Value(raw["issued_at"]); ms > 0 {
		token.IssuedAt = time.UnixMilli(ms).UTC()
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access token: %w", domain.ErrUpstream)
	}
	return token, nil
}

// RevokeToken calls the provider revocation endpoint. Best-effort by
// contract: callers log failures and proceed with local logout.
func (c *HTTPProviderClient) RevokeToken(ctx context.Context, loginURL, token string) error {
	data := url.Values{}
	data.Set("token", token)
	endpoint := strings.TrimSuffix(loginURL, "/") + revokePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", domain.ErrUpstream)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke endpoint status=%d: %w", resp.StatusCode, domain.ErrUpstream)
	}
	return nil
}

// FetchUserInfo loads the authenticated identity.
func (c *HTTPProviderClient) FetchUserInfo(ctx context.Context, loginURL, accessToken string) (*UserInfo, error) {
	endpoint := strings.TrimSuffix(loginURL, "/") + userInfoPath
	raw, err := c.getJSON(ctx, endpoint, accessToken)
	if err != nil {
		return nil, err
	}
	info := &UserInfo{
		Subject:        stringValue(coalesce(raw["user_id"], raw["sub"])),
		Username:       stringValue(raw["preferred_username"]),
		DisplayName:    stringValue(coalesce(raw["name"], raw["preferred_username"])),
		Email:          stringValue(raw["email"]),
		OrganizationID: stringValue(raw["organization_id"]),
	}
	if info.Subject == "" {
		return nil, fmt.Errorf("userinfo missing subject: %w", domain.ErrUpstream)
	}
	return info, nil
}

// FetchOrgInfo resolves the organization display name via the query API.
func (c *HTTPProviderClient) FetchOrgInfo(ctx context.Context, instanceURL, accessToken string) (*OrgInfo, error) {
	endpoint := strings.TrimSuffix(instanceURL, "/") + orgQueryPath + "?q=" + url.QueryEscape("SELECT Id, Name FROM Organization")
	raw, err := c.getJSON(ctx, endpoint, accessToken)
	if err != nil {
		return nil, err
	}
	records, _ := raw["records"].([]any)
	if len(records) == 0 {
		return nil, fmt.Errorf("organization query empty: %w", domain.ErrUpstream)
	}
	first, _ := records[0].(map[string]any)
	return &OrgInfo{
		ID:   stringValue(first["Id"]),
		Name: stringValue(first["Name"]),
	}, nil
}

func (c *HTTPProviderClient) getJSON(ctx context.Context, endpoint, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", domain.ErrUpstream)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider status=%d: %w", resp.StatusCode, domain.ErrUpstream)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func coalesce(values ...any) any {
	for _, v := range values {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return v
		}
	}
	return nil
}
