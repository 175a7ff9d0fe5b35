package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/validation"
)

// Handler provides HTTP endpoints for users and their API keys
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterPublicRoutes sets up routes that need no API key.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.POST("/users", h.CreateUser)
}

// RegisterProtectedRoutes sets up key management for the caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up admin key issuance.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/users/:userId/keys", h.IssueKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "An API key is returned once by POST /v1/users. Store it securely.",
		"roles":     []Role{RoleUser, RoleAdmin},
	})
}

type createUserRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// CreateUser handles POST /v1/users: registers a user id and returns its
// first API key.
func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidUserID("userId", req.UserID),
		validation.MaxLength("name", req.Name, 255),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	existing, err := h.manager.ListKeys(c.Request.Context(), req.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if len(existing) > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "user_exists", "message": "User already registered"})
		return
	}

	name := req.Name
	if name == "" {
		name = "default"
	}
	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.UserID, RoleUser, name)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"userId":  key.UserID,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":    key.UserID,
		"role":      key.Role,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}

// ListKeys returns API keys for the authenticated user
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.UserID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional API key for the caller, with the caller's role.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.UserID, key.Role, validation.SanitizeString(req.Name, 255))
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's API keys
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.UserID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "Key not found or already revoked",
			})
			return
		}
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

type issueKeyRequest struct {
	Role Role   `json:"role"`
	Name string `json:"name"`
}

// IssueKey handles POST /v1/admin/users/:userId/keys
func (h *Handler) IssueKey(c *gin.Context) {
	userID := c.Param("userId")
	var req issueKeyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	if req.Role == "" {
		req.Role = RoleUser
	}
	if req.Role != RoleUser && req.Role != RoleAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "role must be user or admin"})
		return
	}
	if errs := validation.Validate(validation.ValidUserID("userId", userID)); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), userID, req.Role, validation.SanitizeString(req.Name, 255))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"userId": key.UserID,
		"role":   key.Role,
		"apiKey": rawKey,
		"keyId":  key.ID,
	})
}
