package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"coinx.com/internal/bus"
	"coinx.com/internal/engine"
	"coinx.com/internal/gateway"
	"coinx.com/internal/store"
	"coinx.com/pkg/common"
	"coinx.com/pkg/logger"
	"coinx.com/pkg/xerr"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logger.Init("api-test", "error")
	os.Exit(m.Run())
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	st := store.NewMemStore()
	broker := bus.NewMemBroker()
	eng := engine.New(engine.Config{Symbols: []string{"BTC-USD"}}, st, broker)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	hub := gateway.NewHub(gateway.Config{}, eng, broker)
	require.NoError(t, hub.Start())
	t.Cleanup(hub.Shutdown)

	r := gin.New()
	registerRoutes(r, NewHandler(eng, hub))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, common.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp common.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return w, resp
}

func submitBody(userID int64, side, typ, qty, price string) gin.H {
	b := gin.H{
		"user_id":  userID,
		"symbol":   "BTC-USD",
		"side":     side,
		"type":     typ,
		"quantity": qty,
	}
	if price != "" {
		b["price"] = price
	}
	return b
}

func TestSubmitOrderHTTP(t *testing.T) {
	r := newTestRouter(t)

	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(1, "buy", "limit", "2", "100.5"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, xerr.OK, resp.Code)

	data := resp.Data.(map[string]interface{})
	order := data["order"].(map[string]interface{})
	require.Equal(t, "pending", order["status"])
	require.Equal(t, "100.5", order["price"])
	require.Equal(t, "2", order["quantity"])
}

func TestSubmitOrderMatchesOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(1, "sell", "limit", "1", "100"))
	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(2, "buy", "limit", "1", "100"))
	require.Equal(t, http.StatusOK, w.Code)

	data := resp.Data.(map[string]interface{})
	trades := data["trades"].([]interface{})
	require.Len(t, trades, 1)
	trade := trades[0].(map[string]interface{})
	require.Equal(t, "100", trade["price"])
}

func TestSubmitOrderBadRequests(t *testing.T) {
	r := newTestRouter(t)

	// side 非法
	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(1, "sideways", "limit", "1", "100"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, xerr.RequestParamsError, resp.Code)

	// 数量不是数字
	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(1, "buy", "limit", "lots", "100"))
	require.Equal(t, http.StatusBadRequest, w.Code)

	// 未知 symbol
	w, _ = doJSON(t, r, http.MethodPost, "/api/v1/orders", gin.H{
		"user_id": 1, "symbol": "DOGE-USD", "side": "buy", "type": "market", "quantity": "1",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelOrderHTTP(t *testing.T) {
	r := newTestRouter(t)

	_, resp := doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(1, "buy", "limit", "1", "100"))
	order := resp.Data.(map[string]interface{})["order"].(map[string]interface{})
	id := int64(order["id"].(float64))

	w, resp := doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/orders/%d?user_id=1", id), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "cancelled", resp.Data.(map[string]interface{})["status"])

	// 别人的单取消不了
	_, resp2 := doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(1, "buy", "limit", "1", "99"))
	order2 := resp2.Data.(map[string]interface{})["order"].(map[string]interface{})
	id2 := int64(order2["id"].(float64))
	w, _ = doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/orders/%d?user_id=2", id2), nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	// 不存在的单
	w, _ = doJSON(t, r, http.MethodDelete, "/api/v1/orders/424242?user_id=1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	// 缺 user_id
	w, _ = doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/orders/%d", id2), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderBookAndTradesHTTP(t *testing.T) {
	r := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(1, "sell", "limit", "2", "101"))
	doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(2, "buy", "limit", "1", "101"))

	w, resp := doJSON(t, r, http.MethodGet, "/api/v1/market/BTC-USD/orderbook?depth=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	book := resp.Data.(map[string]interface{})
	asks := book["asks"].([]interface{})
	require.Len(t, asks, 1)
	require.Equal(t, "101", asks[0].(map[string]interface{})["price"])

	w, resp = doJSON(t, r, http.MethodGet, "/api/v1/market/BTC-USD/trades?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	trades := resp.Data.([]interface{})
	require.Len(t, trades, 1)

	w, _ = doJSON(t, r, http.MethodGet, "/api/v1/market/DOGE-USD/orderbook", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserOrdersHTTP(t *testing.T) {
	r := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(7, "buy", "limit", "1", "99"))
	doJSON(t, r, http.MethodPost, "/api/v1/orders", submitBody(7, "buy", "limit", "1", "98"))

	w, resp := doJSON(t, r, http.MethodGet, "/api/v1/users/7/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, resp.Data.([]interface{}), 2)
}

func TestHealthHTTP(t *testing.T) {
	r := newTestRouter(t)
	w, resp := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", resp.Data.(map[string]interface{})["status"])
}
