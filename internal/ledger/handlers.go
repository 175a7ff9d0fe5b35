package ledger

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/pagination"
	"github.com/mbd888/commissions/internal/retry"
)

// Handler provides HTTP endpoints for wallets and statements
type Handler struct {
	ledger   *Ledger
	attempts int
	logger   *slog.Logger
}

// NewHandler creates a new ledger handler. attempts bounds retries of
// store-unavailable failures.
func NewHandler(ledger *Ledger, attempts int, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, attempts: attempts, logger: logger}
}

// RegisterRoutes sets up wallet routes (auth required)
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userId", h.GetWallet)
	r.GET("/wallets/:userId/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/wallets/:userId/reconcile", h.Reconcile)
}

// GetWallet handles GET /v1/wallets/:userId
func (h *Handler) GetWallet(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var w *Wallet
	err := retry.OnStoreUnavailable(c.Request.Context(), h.attempts, func() error {
		var err error
		w, err = h.ledger.GetWallet(c.Request.Context(), actor, c.Param("userId"))
		return err
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/wallets/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := pagination.ParseLimit(c.Query("limit"))
	txns, next, err := h.ledger.ListTransactions(c.Request.Context(), actor, c.Param("userId"), c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}
	resp := gin.H{
		"transactions": txns,
		"count":        len(txns),
		"has_more":     next != "",
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	txn, err := h.ledger.GetTransaction(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Reconcile handles GET /v1/admin/wallets/:userId/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	report, err := h.ledger.Reconcile(c.Request.Context(), actor, c.Param("userId"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !report.Balanced {
		h.logger.Warn("wallet out of balance", "userId", report.UserID, "problems", report.Problems)
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": report})
}
