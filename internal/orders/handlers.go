package orders

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/retry"
	"github.com/mbd888/commissions/internal/validation"
)

// Handler provides HTTP endpoints for sessions and orders.
type Handler struct {
	service   *Service
	attempts  int
	batchSize int
	logger    *slog.Logger
}

// NewHandler creates a new order handler. attempts bounds retries of
// store-unavailable failures; batchSize is used by the manual expiry trigger.
func NewHandler(service *Service, attempts, batchSize int, logger *slog.Logger) *Handler {
	return &Handler{service: service, attempts: attempts, batchSize: batchSize, logger: logger}
}

// RegisterProtectedRoutes sets up auth-required session and order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/sessions/:id/orders", h.ListSessionOrders)

	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/accept", h.Accept)
	r.POST("/orders/:id/reject", h.Reject)
	r.POST("/orders/:id/cancel", h.Cancel)
	r.POST("/orders/:id/deliver", h.Deliver)
	r.POST("/orders/:id/validate", h.Validate)
	r.POST("/orders/:id/dispute", h.Dispute)
}

// RegisterAdminRoutes sets up admin-only order routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/orders/:id/resolve", h.ResolveDispute)
	r.POST("/admin/orders/expire", h.ExpireNow)
}

type createSessionRequest struct {
	SellerID string `json:"sellerId"`
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("sellerId", req.SellerID),
		validation.ValidUserID("sellerId", req.SellerID),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}

	var sess *Session
	err := retry.OnStoreUnavailable(c.Request.Context(), h.attempts, func() error {
		var err error
		sess, err = h.service.CreateSession(c.Request.Context(), actor, req.SellerID)
		return err
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	sess, err := h.service.GetSession(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ListSessionOrders handles GET /v1/sessions/:id/orders
func (h *Handler) ListSessionOrders(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	orders, err := h.service.ListOrdersForSession(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	req.IdempotencyKey = validation.IdempotencyKey(c, req.IdempotencyKey)
	if errs := validation.Validate(
		validation.ValidUserID("sellerId", req.SellerID),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.MaxLength("idempotencyKey", req.IdempotencyKey, validation.MaxIdempotencyKeyLength),
	); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	order, ok := h.call(c, func(ctx context.Context) (*Order, error) {
		return h.service.CreateOrder(ctx, actor, req)
	})
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	details, err := h.service.GetOrderDetails(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// Accept handles POST /v1/orders/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	h.respond(c, func(ctx context.Context) (*Order, error) {
		return h.service.Accept(ctx, actor, c.Param("id"))
	})
}

// Reject handles POST /v1/orders/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	req, ok := bindReason(c)
	if !ok {
		return
	}
	h.respond(c, func(ctx context.Context) (*Order, error) {
		return h.service.Reject(ctx, actor, c.Param("id"), req.Reason)
	})
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	req, ok := bindReason(c)
	if !ok {
		return
	}
	h.respond(c, func(ctx context.Context) (*Order, error) {
		return h.service.Cancel(ctx, actor, c.Param("id"), req.Reason)
	})
}

// Deliver handles POST /v1/orders/:id/deliver
func (h *Handler) Deliver(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(validation.ValidProofRefs("proofUrls", req.ProofURLs)); len(errs) > 0 {
		validation.Respond(c, errs)
		return
	}
	h.respond(c, func(ctx context.Context) (*Order, error) {
		return h.service.Deliver(ctx, actor, c.Param("id"), req.ProofURLs)
	})
}

// Validate handles POST /v1/orders/:id/validate
func (h *Handler) Validate(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	h.respond(c, func(ctx context.Context) (*Order, error) {
		return h.service.Validate(ctx, actor, c.Param("id"))
	})
}

// Dispute handles POST /v1/orders/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	req, ok := bindReason(c)
	if !ok {
		return
	}
	h.respond(c, func(ctx context.Context) (*Order, error) {
		return h.service.Dispute(ctx, actor, c.Param("id"), req.Reason)
	})
}

// ResolveDispute handles POST /v1/admin/orders/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "resolution is required"})
		return
	}
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxStringLength)
	h.respond(c, func(ctx context.Context) (*Order, error) {
		return h.service.ResolveDispute(ctx, actor, c.Param("id"), req)
	})
}

// ExpireNow handles POST /v1/admin/orders/expire, running one sweep inline.
func (h *Handler) ExpireNow(c *gin.Context) {
	n, err := h.service.ExpireOrders(c.Request.Context(), h.batchSize)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// call runs a transition, replaying it while the store reports itself
// unavailable, and writes the error response on failure.
func (h *Handler) call(c *gin.Context, fn func(ctx context.Context) (*Order, error)) (*Order, bool) {
	var order *Order
	err := retry.OnStoreUnavailable(c.Request.Context(), h.attempts, func() error {
		var err error
		order, err = fn(c.Request.Context())
		return err
	})
	if err != nil {
		if apperr.Kind(err) == nil {
			h.logger.Error("order operation failed", "path", c.FullPath(), "error", err)
		}
		apperr.Respond(c, err)
		return nil, false
	}
	return order, true
}

func (h *Handler) respond(c *gin.Context, fn func(ctx context.Context) (*Order, error)) {
	order, ok := h.call(c, fn)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func requireActor(c *gin.Context) (auth.Actor, bool) {
	actor, ok := auth.GetActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required."})
	}
	return actor, ok
}

func bindReason(c *gin.Context) (ReasonRequest, bool) {
	var req ReasonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return req, false
		}
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	return req, true
}
