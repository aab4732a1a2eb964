package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kserw/forceauth-sub001/internal/domain"
	"github.com/kserw/forceauth-sub001/internal/http/middleware"
	"github.com/kserw/forceauth-sub001/internal/service/integration"
)

// IntegrationsHandler exposes tracked-integration CRUD and sharing.
type IntegrationsHandler struct {
	integrations *integration.Service
}

// NewIntegrationsHandler creates the handler.
func NewIntegrationsHandler(integrations *integration.Service) *IntegrationsHandler {
	return &IntegrationsHandler{integrations: integrations}
}

type integrationRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	CredentialsID string `json:"credentialsId"`
}

// Create registers a new tracked integration owned by the caller.
func (h *IntegrationsHandler) Create(c *gin.Context) {
	var req integrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	credentialsID, _ := strconv.ParseInt(req.CredentialsID, 10, 64)
	data, _ := middleware.GetSession(c)

	rec, err := h.integrations.Create(c.Request.Context(), integration.CreateInput{
		Name:          req.Name,
		Description:   req.Description,
		CredentialsID: credentialsID,
		OwnerID:       data.UserID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"integration": integrationJSON(rec)})
}

// List returns the integrations the caller owns or holds a share on.
func (h *IntegrationsHandler) List(c *gin.Context) {
	data, _ := middleware.GetSession(c)

	recs, err := h.integrations.ListVisibleTo(c.Request.Context(), data.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		out = append(out, integrationJSON(rec))
	}
	c.JSON(http.StatusOK, gin.H{"integrations": out})
}

// Get returns a single integration.
func (h *IntegrationsHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	data, _ := middleware.GetSession(c)

	rec, err := h.integrations.Get(c.Request.Context(), id, data.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integration": integrationJSON(rec)})
}

// Update modifies name and description.
func (h *IntegrationsHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req integrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	data, _ := middleware.GetSession(c)

	rec, err := h.integrations.Update(c.Request.Context(), id, data.UserID, integration.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integration": integrationJSON(rec)})
}

// Delete removes the integration and its shares.
func (h *IntegrationsHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	data, _ := middleware.GetSession(c)

	if err := h.integrations.Delete(c.Request.Context(), id, data.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type shareRequest struct {
	UserID     string `json:"userId" binding:"required"`
	Permission string `json:"permission" binding:"required"`
}

// Share grants another user view or edit access.
func (h *IntegrationsHandler) Share(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	targetID, err := strconv.ParseInt(req.UserID, 10, 64)
	if err != nil || targetID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	data, _ := middleware.GetSession(c)

	if err := h.integrations.Share(c.Request.Context(), id, data.UserID, targetID, domain.Permission(req.Permission)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Unshare revokes a user's access.
func (h *IntegrationsHandler) Unshare(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	targetID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || targetID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	data, _ := middleware.GetSession(c)

	if err := h.integrations.Unshare(c.Request.Context(), id, data.UserID, targetID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListShares returns the share grants for an integration.
func (h *IntegrationsHandler) ListShares(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	data, _ := middleware.GetSession(c)

	shares, err := h.integrations.ListShares(c.Request.Context(), id, data.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(shares))
	for _, s := range shares {
		out = append(out, gin.H{
			"userId":     strconv.FormatInt(s.UserID, 10),
			"permission": s.Permission,
			"createdAt":  s.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"shares": out})
}

func integrationJSON(rec domain.TrackedIntegration) gin.H {
	return gin.H{
		"id":            strconv.FormatInt(rec.ID, 10),
		"name":          rec.Name,
		"description":   rec.Description,
		"credentialsId": strconv.FormatInt(rec.CredentialsID, 10),
		"ownerId":       strconv.FormatInt(rec.OwnerID, 10),
		"createdAt":     rec.CreatedAt,
		"updatedAt":     rec.UpdatedAt,
	}
}
