package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coinx.com/pkg/logger"
	"coinx.com/pkg/metrics"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	eventBuf   = 1024
	inboundBuf = 16
)

type streamEvent struct {
	seq     int64
	payload []byte
}

// Session is one subscriber of one symbol. The run loop is the only
// writer on the socket: it sends the snapshot first, then replays
// whatever queued up during snapshot construction, then streams live.
// Dedup by sequence gives the no-gap no-dup handoff.
type Session struct {
	hub    *Hub
	ws     *websocket.Conn
	symbol string

	events  chan streamEvent
	inbound chan ClientMsg
	done    chan struct{}

	lastSeq int64
}

func newSession(h *Hub, ws *websocket.Conn, symbol string) *Session {
	return &Session{
		hub:     h,
		ws:      ws,
		symbol:  symbol,
		events:  make(chan streamEvent, eventBuf),
		inbound: make(chan ClientMsg, inboundBuf),
		done:    make(chan struct{}),
	}
}

// offer hands a stream event to the session without blocking the
// symbol pump. A full queue means the client cannot keep up; the
// session is closed and the client re-syncs on reconnect rather than
// silently losing events.
func (s *Session) offer(ev streamEvent) {
	select {
	case s.events <- ev:
	default:
		metrics.WSErrors.WithLabelValues(s.symbol, "slow_consumer").Inc()
		s.close()
	}
}

func (s *Session) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.hub.remove(s)
		_ = s.ws.Close()
	}()

	go s.readPump()

	// 先发快照，期间到达的事件在 events 里排队，按 seq 去重回放
	snap, err := s.hub.engine.Snapshot(ctx, s.symbol, s.hub.cfg.SnapshotDepth)
	if err != nil {
		logger.Sym(s.symbol).Warn("session snapshot failed", zap.Error(err))
		s.writeJSON(ErrorMsg{Type: MsgError, Kind: ErrKindInternal, Message: "snapshot unavailable"})
		return
	}
	s.lastSeq = snap.Sequence
	if !s.writeJSON(SnapshotMsg{Type: MsgSnapshot, SnapshotWire: snap.Wire()}) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.goodbye()
			return
		case <-s.done:
			return
		case ev := <-s.events:
			if ev.seq <= s.lastSeq {
				continue // already covered by snapshot or a redelivery
			}
			s.lastSeq = ev.seq
			if !s.writeRaw(ev.payload) {
				return
			}
		case msg := <-s.inbound:
			if !s.handleInbound(ctx, msg) {
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				metrics.WSErrors.WithLabelValues(s.symbol, "ping").Inc()
				return
			}
		}
	}
}

func (s *Session) handleInbound(ctx context.Context, msg ClientMsg) bool {
	switch msg.Type {
	case MsgPing:
		return s.writeJSON(PongMsg{Type: MsgPong, Timestamp: time.Now().UnixMilli()})

	case MsgGetOrderBook:
		snap, err := s.hub.engine.Snapshot(ctx, s.symbol, msg.Depth)
		if err != nil {
			return s.writeJSON(ErrorMsg{Type: MsgError, Kind: ErrKindInternal, Message: "snapshot unavailable"})
		}
		return s.writeJSON(SnapshotMsg{Type: MsgSnapshot, SnapshotWire: snap.Wire()})

	case MsgGetRecentTrades:
		trades, err := s.hub.engine.RecentTrades(ctx, s.symbol, msg.Limit)
		if err != nil {
			return s.writeJSON(ErrorMsg{Type: MsgError, Kind: ErrKindInternal, Message: "trades unavailable"})
		}
		resp := RecentTradesMsg{Type: MsgRecentTrades, Symbol: s.symbol}
		for _, t := range trades {
			resp.Trades = append(resp.Trades, t.Wire())
		}
		return s.writeJSON(resp)

	default:
		// 未知类型回 error，不断开
		return s.writeJSON(ErrorMsg{Type: MsgError, Kind: ErrKindUnknownMessage, Message: msg.Type})
	}
}

func (s *Session) writeJSON(v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.writeRaw(payload)
}

func (s *Session) writeRaw(payload []byte) bool {
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		metrics.WSErrors.WithLabelValues(s.symbol, "write").Inc()
		return false
	}
	metrics.WSMessagesSent.WithLabelValues(s.symbol, msgType(payload)).Inc()
	return true
}

// goodbye closes with GoingAway so clients know this is a shutdown,
// not an error.
func (s *Session) goodbye() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (s *Session) readPump() {
	defer s.close()

	s.ws.SetReadLimit(s.hub.cfg.ReadLimit)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			metrics.WSErrors.WithLabelValues(s.symbol, "bad_frame").Inc()
			msg = ClientMsg{Type: "malformed"}
		}
		select {
		case s.inbound <- msg:
		case <-s.done:
			return
		}
	}
}

// msgType pulls the type field back out for the sent-messages metric.
func msgType(payload []byte) string {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &t); err != nil || t.Type == "" {
		return "unknown"
	}
	return t.Type
}
