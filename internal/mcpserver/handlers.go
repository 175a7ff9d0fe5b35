package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetOrder shows a single order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}
	return orderResult(raw, "Order")
}

// HandleListSessionOrders lists the orders of a session.
func (h *Handlers) HandleListSessionOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	raw, err := h.client.ListSessionOrders(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list orders: %v", err)), nil
	}

	text, err := formatOrderList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAcceptOrder accepts a pending order.
func (h *Handlers) HandleAcceptOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.AcceptOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to accept order: %v", err)), nil
	}
	return orderResult(raw, "Order accepted")
}

// HandleDeliverOrder marks an order delivered.
func (h *Handlers) HandleDeliverOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	var proofs []string
	if raw, ok := req.GetArguments()["proof_urls"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				proofs = append(proofs, s)
			}
		}
	}

	raw, err := h.client.DeliverOrder(ctx, orderID, proofs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to deliver order: %v", err)), nil
	}
	return orderResult(raw, "Order delivered")
}

// HandleValidateOrder completes a delivered order.
func (h *Handlers) HandleValidateOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.ValidateOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to validate order: %v", err)), nil
	}
	return orderResult(raw, "Order completed, funds released to seller")
}

// HandleDisputeOrder opens a dispute.
func (h *Handlers) HandleDisputeOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.DisputeOrder(ctx, orderID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to dispute order: %v", err)), nil
	}
	return orderResult(raw, "Dispute opened, funds stay in escrow until resolved")
}

// HandleCheckWallet shows wallet balances.
func (h *Handlers) HandleCheckWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := h.resolveUser(ctx, req.GetString("user_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve user: %v", err)), nil
	}

	raw, err := h.client.GetWallet(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check wallet: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTransactions shows a page of the wallet statement.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := h.resolveUser(ctx, req.GetString("user_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve user: %v", err)), nil
	}

	limit := 0
	if v, ok := req.GetArguments()["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	raw, err := h.client.ListTransactions(ctx, userID, req.GetString("cursor", ""), limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// resolveUser falls back to the key owner when no user is given.
func (h *Handlers) resolveUser(ctx context.Context, userID string) (string, error) {
	if userID != "" {
		return userID, nil
	}
	raw, err := h.client.Me(ctx)
	if err != nil {
		return "", err
	}
	var me map[string]any
	if err := json.Unmarshal(raw, &me); err != nil {
		return "", err
	}
	id := getString(me, "userId")
	if id == "" {
		return "", fmt.Errorf("no userId in response")
	}
	return id, nil
}

// --- Formatting helpers ---

func orderResult(raw json.RawMessage, title string) (*mcp.CallToolResult, error) {
	text, err := formatOrder(raw, title)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func formatOrder(raw json.RawMessage, title string) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	o := resp
	if v, ok := resp["order"].(map[string]any); ok {
		o = v
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:\n", title)
	fmt.Fprintf(&sb, "  ID:     %s\n", getString(o, "id"))
	fmt.Fprintf(&sb, "  Type:   %s\n", getString(o, "type"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(o, "status"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getString(o, "amount"), getString(o, "currency"))
	fmt.Fprintf(&sb, "  Buyer:  %s\n", getString(o, "buyerId"))
	fmt.Fprintf(&sb, "  Seller: %s\n", getString(o, "sellerId"))
	if v := getString(o, "description"); v != "" {
		fmt.Fprintf(&sb, "  Description: %s\n", v)
	}
	if v := getString(o, "deliveryDeadline"); v != "" {
		fmt.Fprintf(&sb, "  Deliver by: %s\n", v)
	}
	if proofs, ok := o["proofUrls"].([]any); ok && len(proofs) > 0 {
		sb.WriteString("  Proof:\n")
		for _, p := range proofs {
			fmt.Fprintf(&sb, "    - %v\n", p)
		}
	}
	if v := getString(o, "disputeReason"); v != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", v)
	}
	if v := getString(o, "resolution"); v != "" {
		fmt.Fprintf(&sb, "  Resolution: %s\n", v)
	}
	return sb.String(), nil
}

func formatOrderList(raw json.RawMessage) (string, error) {
	var resp struct {
		Orders []map[string]any `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected orders response format")
	}
	if len(resp.Orders) == 0 {
		return "No orders in this session.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. %s [%s] %s %s %s\n", i+1,
			getString(o, "id"), getString(o, "status"), getString(o, "type"),
			getString(o, "amount"), getString(o, "currency"))
	}
	return sb.String(), nil
}

func formatWallet(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	w := resp
	if v, ok := resp["wallet"].(map[string]any); ok {
		w = v
	}

	cur := getString(w, "currency")
	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet %s:\n", getString(w, "userId"))
	fmt.Fprintf(&sb, "  Available: %s %s\n", getString(w, "balance"), cur)
	fmt.Fprintf(&sb, "  Pending:   %s %s\n", getString(w, "pendingBalance"), cur)
	fmt.Fprintf(&sb, "  Earned:    %s %s\n", getString(w, "totalEarned"), cur)
	fmt.Fprintf(&sb, "  Withdrawn: %s %s\n", getString(w, "totalWithdrawn"), cur)
	return sb.String(), nil
}

func formatTransactions(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []map[string]any `json:"transactions"`
		HasMore      bool             `json:"has_more"`
		NextCursor   string           `json:"next_cursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected transactions response format")
	}
	if len(resp.Transactions) == 0 {
		return "No transactions.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d transaction(s):\n\n", len(resp.Transactions))
	for i, t := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. %s %s %s %s [%s]", i+1,
			getString(t, "createdAt"), getString(t, "type"),
			getString(t, "amount"), getString(t, "currency"), getString(t, "status"))
		if v := getString(t, "orderId"); v != "" {
			fmt.Fprintf(&sb, " order=%s", v)
		}
		sb.WriteString("\n")
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore available, cursor: %s\n", resp.NextCursor)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
