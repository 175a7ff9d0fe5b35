package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_test_key"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const orderJSON = `{"order":{"id":"ord_1","buyerId":"buyer_1","sellerId":"seller_1","sessionId":"ses_1",` +
	`"type":"shoutout","amount":"50.00","currency":"USD","status":"%s","proofUrls":["https://cdn.example/v.mp4"]}}`

func orderBody(status string) string {
	return strings.Replace(orderJSON, "%s", status, 1)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, APIKey: "sk_abc"})
	_, err := c.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_abc", gotAuth)
}

func TestClient_DoRequest_APIErrorMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"invalid_state","message":"order is not pending"}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, APIKey: "sk_abc"})
	_, err := c.AcceptOrder(context.Background(), "ord_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "order is not pending")
}

func TestClient_DoRequest_RawErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream down`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, APIKey: "sk_abc"})
	_, err := c.GetWallet(context.Background(), "seller_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_ListTransactions_Query(t *testing.T) {
	var gotPath, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"transactions":[]}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, APIKey: "sk_abc"})
	_, err := c.ListTransactions(context.Background(), "seller_1", "abc", 5)
	require.NoError(t, err)
	assert.Equal(t, "/v1/wallets/seller_1/transactions", gotPath)
	assert.Contains(t, gotQuery, "cursor=abc")
	assert.Contains(t, gotQuery, "limit=5")
}

// ============================================================
// Order tools
// ============================================================

func TestHandleGetOrder(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/orders/ord_1", r.URL.Path)
		_, _ = w.Write([]byte(orderBody("PENDING")))
	}))
	defer cleanup()

	result, err := h.HandleGetOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "ord_1")
	assert.Contains(t, text, "PENDING")
	assert.Contains(t, text, "50.00 USD")
	assert.Contains(t, text, "seller_1")
}

func TestHandleGetOrder_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not call the API")
	}))
	defer cleanup()

	result, err := h.HandleGetOrder(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "order_id is required")
}

func TestHandleGetOrder_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"order not found"}`))
	}))
	defer cleanup()

	result, err := h.HandleGetOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "order not found")
}

func TestHandleListSessionOrders(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/ses_1/orders", r.URL.Path)
		_, _ = w.Write([]byte(`{"orders":[
			{"id":"ord_1","status":"COMPLETED","type":"tip","amount":"5.00","currency":"USD"},
			{"id":"ord_2","status":"PENDING","type":"ugc","amount":"120.00","currency":"USD"}
		],"count":2}`))
	}))
	defer cleanup()

	result, err := h.HandleListSessionOrders(context.Background(), makeRequest(map[string]any{"session_id": "ses_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 order(s)")
	assert.Contains(t, text, "1. ord_1 [COMPLETED] tip 5.00 USD")
	assert.Contains(t, text, "2. ord_2 [PENDING] ugc 120.00 USD")
}

func TestHandleListSessionOrders_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orders":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListSessionOrders(context.Background(), makeRequest(map[string]any{"session_id": "ses_1"}))
	require.NoError(t, err)
	assert.Equal(t, "No orders in this session.", resultText(t, result))
}

func TestHandleAcceptOrder(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders/ord_1/accept", r.URL.Path)
		_, _ = w.Write([]byte(orderBody("ACCEPTED")))
	}))
	defer cleanup()

	result, err := h.HandleAcceptOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Order accepted")
	assert.Contains(t, text, "ACCEPTED")
}

func TestHandleAcceptOrder_Forbidden(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden","message":"only the seller can accept"}`))
	}))
	defer cleanup()

	result, err := h.HandleAcceptOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "only the seller can accept")
}

func TestHandleDeliverOrder_SendsProofs(t *testing.T) {
	var body map[string][]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/ord_1/deliver", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		_, _ = w.Write([]byte(orderBody("DELIVERED")))
	}))
	defer cleanup()

	result, err := h.HandleDeliverOrder(context.Background(), makeRequest(map[string]any{
		"order_id":   "ord_1",
		"proof_urls": []any{"https://cdn.example/v.mp4", "  ", 42},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"https://cdn.example/v.mp4"}, body["proofUrls"])
	text := resultText(t, result)
	assert.Contains(t, text, "Order delivered")
	assert.Contains(t, text, "https://cdn.example/v.mp4")
}

func TestHandleValidateOrder(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/ord_1/validate", r.URL.Path)
		_, _ = w.Write([]byte(orderBody("COMPLETED")))
	}))
	defer cleanup()

	result, err := h.HandleValidateOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "funds released to seller")
	assert.Contains(t, text, "COMPLETED")
}

func TestHandleDisputeOrder(t *testing.T) {
	var body map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/ord_1/dispute", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		_, _ = w.Write([]byte(`{"order":{"id":"ord_1","status":"DISPUTED","disputeReason":"never arrived"}}`))
	}))
	defer cleanup()

	result, err := h.HandleDisputeOrder(context.Background(), makeRequest(map[string]any{
		"order_id": "ord_1",
		"reason":   "never arrived",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "never arrived", body["reason"])
	text := resultText(t, result)
	assert.Contains(t, text, "DISPUTED")
	assert.Contains(t, text, "Dispute: never arrived")
}

func TestHandleDisputeOrder_MissingReason(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not call the API")
	}))
	defer cleanup()

	result, err := h.HandleDisputeOrder(context.Background(), makeRequest(map[string]any{"order_id": "ord_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "reason is required")
}

// ============================================================
// Wallet tools
// ============================================================

func TestHandleCheckWallet_DefaultsToCaller(t *testing.T) {
	var paths []string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/v1/auth/me":
			_, _ = w.Write([]byte(`{"userId":"seller_1","role":"user"}`))
		case "/v1/wallets/seller_1":
			_, _ = w.Write([]byte(`{"wallet":{"userId":"seller_1","balance":"40.00","pendingBalance":"10.00",` +
				`"totalEarned":"90.00","totalWithdrawn":"50.00","currency":"USD"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer cleanup()

	result, err := h.HandleCheckWallet(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"/v1/auth/me", "/v1/wallets/seller_1"}, paths)
	text := resultText(t, result)
	assert.Contains(t, text, "Available: 40.00 USD")
	assert.Contains(t, text, "Pending:   10.00 USD")
	assert.Contains(t, text, "Earned:    90.00 USD")
	assert.Contains(t, text, "Withdrawn: 50.00 USD")
}

func TestHandleCheckWallet_ExplicitUser(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/wallets/seller_2", r.URL.Path)
		_, _ = w.Write([]byte(`{"wallet":{"userId":"seller_2","balance":"0.00","currency":"USD"}}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckWallet(context.Background(), makeRequest(map[string]any{"user_id": "seller_2"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Wallet seller_2")
}

func TestHandleCheckWallet_MeFails(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized","message":"API key required."}`))
	}))
	defer cleanup()

	result, err := h.HandleCheckWallet(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to resolve user")
}

func TestHandleListTransactions(t *testing.T) {
	var gotQuery string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"transactions":[
			{"id":"txn_2","type":"WITHDRAWAL","status":"PENDING","amount":"40.00","currency":"USD","createdAt":"2026-01-02T00:00:00Z"},
			{"id":"txn_1","type":"CREDIT","status":"COMPLETED","amount":"50.00","currency":"USD","orderId":"ord_1","createdAt":"2026-01-01T00:00:00Z"}
		],"count":2,"has_more":true,"next_cursor":"cur_2"}`))
	}))
	defer cleanup()

	result, err := h.HandleListTransactions(context.Background(), makeRequest(map[string]any{
		"user_id": "seller_1",
		"limit":   float64(2),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "limit=2", gotQuery)
	text := resultText(t, result)
	assert.Contains(t, text, "2 transaction(s)")
	assert.Contains(t, text, "CREDIT 50.00 USD [COMPLETED] order=ord_1")
	assert.Contains(t, text, "cursor: cur_2")
}

func TestHandleListTransactions_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transactions":[],"count":0,"has_more":false}`))
	}))
	defer cleanup()

	result, err := h.HandleListTransactions(context.Background(), makeRequest(map[string]any{"user_id": "seller_1"}))
	require.NoError(t, err)
	assert.Equal(t, "No transactions.", resultText(t, result))
}

// ============================================================
// Server wiring
// ============================================================

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", APIKey: "k"})
	require.NotNil(t, s)
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	h := NewHandlers(NewClient(Config{
		APIURL: "http://127.0.0.1:1", // unreachable
		APIKey: "k",
	}))
	ctx := context.Background()
	order := makeRequest(map[string]any{"order_id": "ord_1", "reason": "late"})

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"GetOrder", func() (*mcp.CallToolResult, error) { return h.HandleGetOrder(ctx, order) }},
		{"ListSessionOrders", func() (*mcp.CallToolResult, error) {
			return h.HandleListSessionOrders(ctx, makeRequest(map[string]any{"session_id": "ses_1"}))
		}},
		{"AcceptOrder", func() (*mcp.CallToolResult, error) { return h.HandleAcceptOrder(ctx, order) }},
		{"DeliverOrder", func() (*mcp.CallToolResult, error) { return h.HandleDeliverOrder(ctx, order) }},
		{"ValidateOrder", func() (*mcp.CallToolResult, error) { return h.HandleValidateOrder(ctx, order) }},
		{"DisputeOrder", func() (*mcp.CallToolResult, error) { return h.HandleDisputeOrder(ctx, order) }},
		{"CheckWallet", func() (*mcp.CallToolResult, error) { return h.HandleCheckWallet(ctx, makeRequest(nil)) }},
		{"ListTransactions", func() (*mcp.CallToolResult, error) {
			return h.HandleListTransactions(ctx, makeRequest(map[string]any{"user_id": "seller_1"}))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			require.NoError(t, err)
			require.NotNil(t, result)
			assert.True(t, result.IsError)
		})
	}
}
