package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/http/middleware"
	"github.com/kserw/forceauth-sub001/internal/service/credential"
)

// CredentialsHandler exposes connected-app registration endpoints.
type CredentialsHandler struct {
	credentials *credential.Service
}

// NewCredentialsHandler creates the handler.
func NewCredentialsHandler(credentials *credential.Service) *CredentialsHandler {
	return &CredentialsHandler{credentials: credentials}
}

type registerCredentialsRequest struct {
	Name         string `json:"name"`
	Environment  string `json:"environment"`
	ClientID     string `json:"clientId" binding:"required"`
	ClientSecret string `json:"clientSecret" binding:"required"`
	RedirectURI  string `json:"redirectUri"`
}

// Register stores a new connected-app registration. It runs under the
// optional session guard: an anonymous registration lands on the pending
// placeholder owner and is claimed by whoever logs in through it first.
func (h *CredentialsHandler) Register(c *gin.Context) {
	var req registerCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	env, err := domain.ParseEnvironment(req.Environment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_environment"})
		return
	}

	owner := domain.Pending()
	if data, ok := middleware.GetSession(c); ok {
		owner = domain.RealUser(data.UserID)
	}

	rec, proof, err := h.credentials.Register(c.Request.Context(), credential.RegisterInput{
		Name:         req.Name,
		Environment:  env,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURI:  req.RedirectURI,
		Owner:        owner,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{"credentials": credentialJSON(rec, !owner.Placeholder())}
	if proof != "" {
		// Only ever returned here; it is the anonymous caller's sole handle
		// on the row until login claims it.
		body["registrationProof"] = proof
	}
	c.JSON(http.StatusCreated, body)
}

// List returns the registrations visible to the caller.
func (h *CredentialsHandler) List(c *gin.Context) {
	data, _ := middleware.GetSession(c)

	views, err := h.credentials.ListVisibleTo(c.Request.Context(), data.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(views))
	for _, v := range views {
		out = append(out, credentialJSON(v.OrgCredentials, v.IsOwner))
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

type setSharedRequest struct {
	Shared *bool `json:"shared" binding:"required"`
}

// SetShared toggles org-wide sharing of a registration.
func (h *CredentialsHandler) SetShared(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req setSharedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	data, _ := middleware.GetSession(c)

	if err := h.credentials.SetShared(c.Request.Context(), id, data.UserID, *req.Shared); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete removes a registration. Anonymous callers may delete a still
// pending registration by presenting the proof from Register.
func (h *CredentialsHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var callerID int64
	if data, ok := middleware.GetSession(c); ok {
		callerID = data.UserID
	}

	if err := h.credentials.Delete(c.Request.Context(), id, callerID, c.GetHeader("X-Registration-Proof")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func credentialJSON(rec domain.OrgCredentials, isOwner bool) gin.H {
	return gin.H{
		"id":            strconv.FormatInt(rec.ID, 10),
		"name":          rec.Name,
		"environment":   rec.Environment,
		"clientId":      rec.ClientID,
		"redirectUri":   rec.RedirectURI,
		"shared":        rec.Shared,
		"providerOrgId": rec.ProviderOrgID,
		"isOwner":       isOwner,
		"createdAt":     rec.CreatedAt,
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}
