package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coinx.com/internal/bus"
	"coinx.com/internal/engine"
	"coinx.com/internal/market"
	"coinx.com/internal/store"
	"coinx.com/pkg/fixed"
	"coinx.com/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("gateway-test", "error")
	os.Exit(m.Run())
}

func newWSStack(t *testing.T) (*engine.Engine, *httptest.Server) {
	t.Helper()
	st := store.NewMemStore()
	broker := bus.NewMemBroker()
	eng := engine.New(engine.Config{Symbols: []string{"BTC-USD"}}, st, broker)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	hub := NewHub(Config{}, eng, broker)
	if err := hub.Start(); err != nil {
		t.Fatalf("start hub: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			hub.ServeWS(w, r)
			return
		}
		w.WriteHeader(404)
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
		eng.Stop()
	})
	return eng, srv
}

func dialWS(t *testing.T, srv *httptest.Server, symbol string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?symbol=" + symbol
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial err=%v", err)
	}
	t.Cleanup(func() { c.Close() })
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	return c
}

func readMsg(t *testing.T, c *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read err=%v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("bad frame %q: %v", raw, err)
	}
	return m
}

func msgField(t *testing.T, m map[string]json.RawMessage, key string) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(m[key], &s); err != nil {
		t.Fatalf("field %s: %v", key, err)
	}
	return s
}

func submitLimit(t *testing.T, eng *engine.Engine, userID int64, side market.Side, price, qty string) {
	t.Helper()
	_, err := eng.SubmitOrder(context.Background(), &engine.SubmitRequest{
		UserID:   userID,
		Symbol:   "BTC-USD",
		Side:     side,
		Type:     market.Limit,
		Price:    fixed.MustParse(price),
		Quantity: fixed.MustParse(qty),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestWS_SnapshotFirstThenStream(t *testing.T) {
	eng, srv := newWSStack(t)

	submitLimit(t, eng, 1, market.Buy, "100", "2")

	c := dialWS(t, srv, "BTC-USD")

	// 第一条必须是快照，且已包含挂单
	first := readMsg(t, c)
	if typ := msgField(t, first, "type"); typ != MsgSnapshot {
		t.Fatalf("first message expected snapshot, got %s", typ)
	}
	var snapSeq int64
	if err := json.Unmarshal(first["sequence"], &snapSeq); err != nil {
		t.Fatalf("snapshot sequence: %v", err)
	}
	var bids []market.LevelWire
	if err := json.Unmarshal(first["bids"], &bids); err != nil {
		t.Fatalf("snapshot bids: %v", err)
	}
	if len(bids) != 1 || bids[0].Price != "100" {
		t.Fatalf("snapshot should carry the resting bid, got %+v", bids)
	}

	// 快照之后的流事件 sequence 必须大于快照 sequence
	submitLimit(t, eng, 2, market.Sell, "100", "1")

	seen := map[string]bool{}
	for i := 0; i < 10 && (!seen[bus.TypeTradeExecution] || !seen[bus.TypeBookChange]); i++ {
		m := readMsg(t, c)
		typ := msgField(t, m, "type")
		var seq int64
		if err := json.Unmarshal(m["sequence"], &seq); err != nil {
			t.Fatalf("event sequence: %v", err)
		}
		if seq <= snapSeq {
			t.Fatalf("event seq %d not after snapshot seq %d", seq, snapSeq)
		}
		seen[typ] = true
	}
	if !seen[bus.TypeTradeExecution] || !seen[bus.TypeBookChange] {
		t.Fatalf("missing stream events, saw %v", seen)
	}
}

func TestWS_PingPong(t *testing.T) {
	_, srv := newWSStack(t)
	c := dialWS(t, srv, "BTC-USD")
	readMsg(t, c) // snapshot

	if err := c.WriteJSON(ClientMsg{Type: MsgPing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readMsg(t, c)
	if typ := msgField(t, m, "type"); typ != MsgPong {
		t.Fatalf("expected pong, got %s", typ)
	}
}

func TestWS_GetOrderBookOnDemand(t *testing.T) {
	eng, srv := newWSStack(t)
	submitLimit(t, eng, 1, market.Sell, "105", "1")

	c := dialWS(t, srv, "BTC-USD")
	readMsg(t, c) // snapshot

	if err := c.WriteJSON(ClientMsg{Type: MsgGetOrderBook, Depth: 5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readMsg(t, c)
	if typ := msgField(t, m, "type"); typ != MsgSnapshot {
		t.Fatalf("expected snapshot, got %s", typ)
	}
}

func TestWS_GetRecentTrades(t *testing.T) {
	eng, srv := newWSStack(t)
	submitLimit(t, eng, 1, market.Sell, "100", "1")
	submitLimit(t, eng, 2, market.Buy, "100", "1")

	c := dialWS(t, srv, "BTC-USD")
	readMsg(t, c) // snapshot

	if err := c.WriteJSON(ClientMsg{Type: MsgGetRecentTrades, Limit: 10}); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readMsg(t, c)
	if typ := msgField(t, m, "type"); typ != MsgRecentTrades {
		t.Fatalf("expected recent_trades, got %s", typ)
	}
	var trades []market.TradeWire
	if err := json.Unmarshal(m["trades"], &trades); err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(trades) != 1 || trades[0].Price != "100" {
		t.Fatalf("expected one trade @100, got %+v", trades)
	}
}

func TestWS_UnknownMessageKeepsConnection(t *testing.T) {
	_, srv := newWSStack(t)
	c := dialWS(t, srv, "BTC-USD")
	readMsg(t, c) // snapshot

	if err := c.WriteJSON(ClientMsg{Type: "subscribe_to_nothing"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readMsg(t, c)
	if typ := msgField(t, m, "type"); typ != MsgError {
		t.Fatalf("expected error, got %s", typ)
	}
	if kind := msgField(t, m, "kind"); kind != ErrKindUnknownMessage {
		t.Fatalf("expected unknown_message, got %s", kind)
	}

	// 连接不断，还能正常 ping
	if err := c.WriteJSON(ClientMsg{Type: MsgPing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	m = readMsg(t, c)
	if typ := msgField(t, m, "type"); typ != MsgPong {
		t.Fatalf("connection should survive, got %s", typ)
	}
}

func TestWS_UnknownSymbolRejected(t *testing.T) {
	_, srv := newWSStack(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?symbol=DOGE-USD"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial should fail for unknown symbol")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}
