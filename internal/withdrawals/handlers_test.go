package withdrawals_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/logging"
	"github.com/mbd888/commissions/internal/withdrawals"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(h *harness) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			actor := auth.User(id)
			if c.GetHeader("X-Test-Role") == string(auth.RoleAdmin) {
				actor = auth.Admin(id)
			}
			c.Set(auth.ContextKeyActor, actor)
		}
		c.Next()
	})
	handler := withdrawals.NewHandler(h.svc, 3, logging.Discard())
	v1 := r.Group("/v1")
	handler.RegisterProtectedRoutes(v1)
	handler.RegisterAdminRoutes(v1)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, actor auth.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.UserID != "" {
		req.Header.Set("X-Test-User", actor.UserID)
		req.Header.Set("X-Test-Role", string(actor.Role))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeWithdrawal(t *testing.T, w *httptest.ResponseRecorder) withdrawals.Withdrawal {
	t.Helper()
	var resp struct {
		Withdrawal withdrawals.Withdrawal `json:"withdrawal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Withdrawal
}

func TestHandlers_RequestProcessList(t *testing.T) {
	h := newHarness(t, "50.00")
	r := newRouter(h)

	w := do(t, r, http.MethodPost, "/v1/withdrawals", seller, map[string]any{
		"amount":      "40.00",
		"method":      "stripe",
		"destination": "acct_1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeWithdrawal(t, w)
	assert.Equal(t, withdrawals.StatusPending, created.Status)

	w = do(t, r, http.MethodPost, "/v1/admin/withdrawals/"+created.ID+"/process", seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/v1/admin/withdrawals/"+created.ID+"/process", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, withdrawals.StatusCompleted, decodeWithdrawal(t, w).Status)

	w = do(t, r, http.MethodGet, "/v1/withdrawals", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Withdrawals []withdrawals.Withdrawal `json:"withdrawals"`
		Count       int                      `json:"count"`
		HasMore     bool                     `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.False(t, list.HasMore)

	w = do(t, r, http.MethodGet, "/v1/withdrawals?userId="+seller.UserID, other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlers_RequestErrors(t *testing.T) {
	h := newHarness(t, "5.00")
	r := newRouter(h)

	w := do(t, r, http.MethodPost, "/v1/withdrawals", seller, map[string]any{
		"amount": "1.00", "method": "stripe",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = do(t, r, http.MethodPost, "/v1/withdrawals", seller, map[string]any{
		"amount": "6.00", "method": "stripe", "destination": "acct_1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_funds")

	w = do(t, r, http.MethodPost, "/v1/withdrawals", auth.Actor{}, map[string]any{
		"amount": "1.00", "method": "stripe", "destination": "acct_1",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlers_CancelAndFail(t *testing.T) {
	h := newHarness(t, "50.00")
	r := newRouter(h)
	h.exec.result = withdrawals.PayoutResult{Reference: "manual:x", Settled: false}

	first := h.request(t, "10.00")
	w := do(t, r, http.MethodPost, "/v1/withdrawals/"+first.ID+"/cancel", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, withdrawals.StatusCancelled, decodeWithdrawal(t, w).Status)

	second := h.request(t, "10.00")
	w = do(t, r, http.MethodPost, "/v1/admin/withdrawals/"+second.ID+"/process", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, withdrawals.StatusProcessing, decodeWithdrawal(t, w).Status)

	w = do(t, r, http.MethodPost, "/v1/admin/withdrawals/"+second.ID+"/fail", admin, map[string]string{"reason": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/v1/admin/withdrawals/"+second.ID+"/fail", admin, map[string]string{"reason": "bounced"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, withdrawals.StatusFailed, decodeWithdrawal(t, w).Status)
	assert.Equal(t, "50.00", h.wallet(t).Balance.String())

	w = do(t, r, http.MethodGet, "/v1/withdrawals/"+second.ID, other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
