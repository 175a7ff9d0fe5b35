package withdrawals

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/pagination"
	"github.com/mbd888/commissions/internal/retry"
	"github.com/mbd888/commissions/internal/validation"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	service  *Service
	attempts int
	logger   *slog.Logger
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service, attempts int, logger *slog.Logger) *Handler {
	return &Handler{service: service, attempts: attempts, logger: logger}
}

// RegisterProtectedRoutes sets up auth-required withdrawal routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.Request)
	r.GET("/withdrawals", h.List)
	r.GET("/withdrawals/:id", h.Get)
	r.POST("/withdrawals/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes sets up admin-only withdrawal routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/withdrawals/:id/process", h.Process)
	r.POST("/admin/withdrawals/:id/complete", h.Complete)
	r.POST("/admin/withdrawals/:id/fail", h.Fail)
}

// Request handles POST /v1/withdrawals
func (h *Handler) Request(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var in RequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	in.IdempotencyKey = validation.IdempotencyKey(c, in.IdempotencyKey)
	if errs := validation.Validate(
		validation.Required("destination", in.Destination),
		validation.MaxLength("destination", in.Destination, 255),
		validation.MaxLength("idempotencyKey", in.IdempotencyKey, validation.MaxIdempotencyKeyLength),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	h.respond(c, http.StatusCreated, func(ctx context.Context) (*Withdrawal, error) {
		return h.service.Request(ctx, actor, in)
	})
}

// List handles GET /v1/withdrawals?userId=&cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	userID := c.DefaultQuery("userId", actor.UserID)
	items, next, err := h.service.List(c.Request.Context(), actor, userID, c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if items == nil {
		items = []*Withdrawal{}
	}
	resp := gin.H{
		"withdrawals": items,
		"count":       len(items),
		"has_more":    next != "",
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /v1/withdrawals/:id
func (h *Handler) Get(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	w, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/withdrawals/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req reasonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	h.respond(c, http.StatusOK, func(ctx context.Context) (*Withdrawal, error) {
		return h.service.Cancel(ctx, actor, c.Param("id"), validation.SanitizeString(req.Reason, validation.MaxStringLength))
	})
}

// Process handles POST /v1/admin/withdrawals/:id/process
func (h *Handler) Process(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	// Not retried: the payout call is not part of a unit of work.
	w, err := h.service.Process(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

type completeRequest struct {
	Reference string `json:"reference"`
}

// Complete handles POST /v1/admin/withdrawals/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req completeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	h.respond(c, http.StatusOK, func(ctx context.Context) (*Withdrawal, error) {
		return h.service.Complete(ctx, actor, c.Param("id"), req.Reference)
	})
}

// Fail handles POST /v1/admin/withdrawals/:id/fail
func (h *Handler) Fail(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "reason is required"})
		return
	}
	h.respond(c, http.StatusOK, func(ctx context.Context) (*Withdrawal, error) {
		return h.service.Fail(ctx, actor, c.Param("id"), validation.SanitizeString(req.Reason, validation.MaxStringLength))
	})
}

func (h *Handler) respond(c *gin.Context, status int, fn func(ctx context.Context) (*Withdrawal, error)) {
	var w *Withdrawal
	err := retry.OnStoreUnavailable(c.Request.Context(), h.attempts, func() error {
		var err error
		w, err = fn(c.Request.Context())
		return err
	})
	if err != nil {
		if apperr.Kind(err) == nil {
			h.logger.Error("withdrawal operation failed", "path", c.FullPath(), "error", err)
		}
		apperr.Respond(c, err)
		return
	}
	c.JSON(status, gin.H{"withdrawal": w})
}

func requireActor(c *gin.Context) (auth.Actor, bool) {
	actor, ok := auth.GetActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required."})
	}
	return actor, ok
}
