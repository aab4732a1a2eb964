// Package handler exposes the dashboard API. Handlers translate HTTP into
// service calls; every access decision lives in the services.
package handler

import (
	"errors"
	"html"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/config"
	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/http/middleware"
	"github.com/kserw/forceauth-sub001/internal/repository"
	authsvc "github.com/kserw/forceauth-sub001/internal/service/auth"
	"github.com/kserw/forceauth-sub001/internal/service/session"
)

// AuthHandler drives the login handshake and session endpoints.
type AuthHandler struct {
	cfg      config.Config
	flow     *authsvc.Flow
	sessions *session.Service
	users    repository.UserRepository
	logger   *zap.Logger
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(cfg config.Config, flow *authsvc.Flow, sessions *session.Service, users repository.UserRepository, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &AuthHandler{cfg: cfg, flow: flow, sessions: sessions, users: users, logger: logger}
}

// Login starts the OAuth handshake and redirects to the CRM authorize page.
func (h *AuthHandler) Login(c *gin.Context) {
	env, err := domain.ParseEnvironment(c.Query("environment"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_environment"})
		return
	}
	credentialsID, err := authsvc.ParseCredentialsID(c.Query("credentialsId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_credentials_id"})
		return
	}

	authorizeURL, err := h.flow.BeginLogin(c.Request.Context(), authsvc.BeginLoginInput{
		Environment:   env,
		ReturnURL:     c.Query("returnTo"),
		Popup:         c.Query("popup") == "true",
		CredentialsID: credentialsID,
		Fingerprint:   middleware.Fingerprint(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, authorizeURL)
}

// Callback completes the handshake, opens the session, and sends the browser
// back into the dashboard.
func (h *AuthHandler) Callback(c *gin.Context) {
	if provErr := c.Query("error"); provErr != "" {
		h.logger.Warn("provider returned error on callback",
			zap.String("error", provErr),
			zap.String("description", c.Query("error_description")))
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_denied", "error_description": provErr})
		return
	}
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_callback"})
		return
	}

	res, err := h.flow.CompleteLogin(c.Request.Context(), authsvc.CompleteLoginInput{
		Code:        code,
		State:       state,
		Fingerprint: middleware.Fingerprint(c),
		IP:          c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.setSessionCookie(c, res.SessionID)

	if res.Popup {
		// The opener polls GET /auth/session; the popup only has to close.
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(
			"<!doctype html><title>Signed in</title><body>Signed in as "+
				html.EscapeString(res.User.DisplayName)+
				". You can close this window.<script>window.close()</script></body>"))
		return
	}
	c.Redirect(http.StatusFound, res.ReturnURL)
}

// Session describes the authenticated session to the UI, including the CSRF
// token for subsequent mutations. Tokens are never part of the response.
func (h *AuthHandler) Session(c *gin.Context) {
	data, _ := middleware.GetSession(c)

	user, err := h.users.GetByID(c.Request.Context(), data.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":          user.ID,
			"email":       user.Email,
			"displayName": user.DisplayName,
			"lastLoginAt": user.LastLoginAt,
		},
		"environment":     data.Environment,
		"instanceUrl":     data.InstanceURL,
		"providerOrgId":   data.ProviderOrgID,
		"providerOrgName": data.ProviderOrgName,
		"csrfToken":       data.CSRFToken,
		"createdAt":       data.CreatedAt,
	})
}

// RotateSession swaps the session id and CSRF token in place.
func (h *AuthHandler) RotateSession(c *gin.Context) {
	data, _ := middleware.GetSession(c)

	newID, csrf, err := h.sessions.Rotate(c.Request.Context(), data.ID, middleware.Fingerprint(c))
	if err != nil {
		respondError(c, err)
		return
	}
	h.setSessionCookie(c, newID)
	c.JSON(http.StatusOK, gin.H{"csrfToken": csrf})
}

// Logout revokes the session locally and upstream, then clears the cookie.
func (h *AuthHandler) Logout(c *gin.Context) {
	data, _ := middleware.GetSession(c)

	if err := h.flow.Logout(c.Request.Context(), data.ID, middleware.Fingerprint(c)); err != nil {
		respondError(c, err)
		return
	}
	h.clearSessionCookie(c)
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, sessionID string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookie, sessionID, int(h.cfg.SessionMaxAge.Seconds()), "/", "", h.cfg.SecureCookies, true)
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookie, "", -1, "/", "", h.cfg.SecureCookies, true)
}

// respondError maps service errors onto stable HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, domain.ErrPermission):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, domain.ErrState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
	case errors.Is(err, domain.ErrConfiguration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "not_configured"})
	case errors.Is(err, domain.ErrIntegrity):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "integrity_failure"})
	case errors.Is(err, domain.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
	}
}
