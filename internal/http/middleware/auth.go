// Package middleware carries the HTTP-facing session guards. The session
// cookie is the only credential the browser ever holds; CRM tokens never
// leave the server.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/secrets"
	"github.com/kserw/forceauth-sub001/internal/service/auth"
)

// SessionCookie is the name of the session id cookie.
const SessionCookie = "forceauth_session"

const sessionContextKey = "forceauth_session_data"

// Auth validates the session cookie and hangs the decrypted session on the
// request context.
type Auth struct {
	flow   *auth.Flow
	logger *zap.Logger
}

// NewAuth wires the auth middleware.
func NewAuth(flow *auth.Flow, logger *zap.Logger) *Auth {
	if logger == nil {
		logger = zap.L()
	}
	return &Auth{flow: flow, logger: logger}
}

// Fingerprint derives the request fingerprint bound into states and sessions.
func Fingerprint(c *gin.Context) string {
	return c.ClientIP() + "|" + c.Request.UserAgent()
}

// Require aborts with 401 unless the request carries a valid session. Unsafe
// methods additionally need the session's CSRF token in X-CSRF-Token.
func (a *Auth) Require(c *gin.Context) {
	data, ok := a.resolve(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	if mutating(c.Request.Method) && !secrets.ConstantTimeEquals(c.GetHeader("X-CSRF-Token"), data.CSRFToken) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf_token_mismatch"})
		return
	}
	c.Set(sessionContextKey, data)
	c.Next()
}

// Optional resolves the session when present but never rejects the request.
// The pre-login credential registration endpoints run under it. A mutating
// request without the CSRF token is treated as anonymous rather than
// rejected, so a forged cross-site request can never act as the user.
func (a *Auth) Optional(c *gin.Context) {
	if data, ok := a.resolve(c); ok {
		if !mutating(c.Request.Method) || secrets.ConstantTimeEquals(c.GetHeader("X-CSRF-Token"), data.CSRFToken) {
			c.Set(sessionContextKey, data)
		}
	}
	c.Next()
}

func (a *Auth) resolve(c *gin.Context) (*domain.SessionData, bool) {
	cookie, err := c.Cookie(SessionCookie)
	if err != nil || cookie == "" {
		return nil, false
	}
	data, err := a.flow.Validate(c.Request.Context(), cookie, Fingerprint(c))
	if err != nil {
		return nil, false
	}
	return data, true
}

// GetSession returns the session attached by Require or Optional.
func GetSession(c *gin.Context) (*domain.SessionData, bool) {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return nil, false
	}
	data, ok := value.(*domain.SessionData)
	return data, ok
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
