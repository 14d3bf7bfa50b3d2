package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coinx.com/internal/bus"
	"coinx.com/internal/engine"
	"coinx.com/pkg/logger"
	"coinx.com/pkg/metrics"
	"coinx.com/pkg/safe"
)

type Config struct {
	MaxConnsPerSymbol int
	MaxTotalConns     int
	ReadLimit         int64
	SnapshotDepth     int
}

// Hub subscribes to the bus once per symbol and fans events out to the
// symbol's sessions. One pump goroutine per symbol keeps per-symbol
// event order intact all the way to each socket.
type Hub struct {
	cfg    Config
	engine *engine.Engine
	broker bus.Broker

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{} // symbol -> sessions
	total    int

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(cfg Config, eng *engine.Engine, broker bus.Broker) *Hub {
	if cfg.MaxConnsPerSymbol <= 0 {
		cfg.MaxConnsPerSymbol = 1000
	}
	if cfg.MaxTotalConns <= 0 {
		cfg.MaxTotalConns = 10000
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4096
	}
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:    cfg,
		engine: eng,
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start opens one bus subscription per symbol and pumps it.
func (h *Hub) Start() error {
	for _, sym := range h.engine.Symbols() {
		msgs, err := h.broker.Subscribe(h.ctx, bus.SymbolTopics(sym))
		if err != nil {
			return err
		}
		symbol := sym
		safe.Go("gateway.pump", func() { h.pump(symbol, msgs) })
	}
	return nil
}

// Shutdown tells every session to say GoingAway and stops the pumps.
func (h *Hub) Shutdown() {
	h.cancel()
}

func (h *Hub) pump(symbol string, msgs <-chan bus.Message) {
	for m := range msgs {
		ev, err := bus.Unmarshal(m.Payload)
		if err != nil {
			logger.Sym(symbol).Warn("drop undecodable bus message", zap.Error(err))
			continue
		}
		se := streamEvent{seq: ev.Sequence, payload: m.Payload}

		h.mu.RLock()
		set := h.sessions[symbol]
		for s := range set {
			s.offer(se)
		}
		h.mu.RUnlock()
	}
}

// ServeWS upgrades one subscriber connection. The symbol comes from
// the query string and must be one the engine trades.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}
	if !h.knownSymbol(symbol) {
		http.Error(w, "unknown symbol", http.StatusNotFound)
		return
	}
	if !h.reserve(symbol) {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release(symbol, nil)
		return
	}

	s := newSession(h, ws, symbol)
	h.register(s)
	safe.Go("gateway.session", func() { s.run(h.ctx) })
}

func (h *Hub) knownSymbol(symbol string) bool {
	for _, s := range h.engine.Symbols() {
		if s == symbol {
			return true
		}
	}
	return false
}

// reserve claims a connection slot before the upgrade so the limit
// check and the count move together.
func (h *Hub) reserve(symbol string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total >= h.cfg.MaxTotalConns {
		return false
	}
	if len(h.sessions[symbol]) >= h.cfg.MaxConnsPerSymbol {
		return false
	}
	h.total++
	return true
}

func (h *Hub) release(symbol string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total--
	if s != nil {
		delete(h.sessions[symbol], s)
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.symbol]
	if set == nil {
		set = make(map[*Session]struct{}, 16)
		h.sessions[s.symbol] = set
	}
	set[s] = struct{}{}
	metrics.WSSessions.WithLabelValues(s.symbol).Inc()
}

func (h *Hub) remove(s *Session) {
	h.release(s.symbol, s)
	metrics.WSSessions.WithLabelValues(s.symbol).Dec()
}

// Stats reports open sessions, mirroring the counters ops dashboards
// scrape from prometheus but queryable over HTTP too.
type Stats struct {
	Total     int            `json:"total_connections"`
	PerSymbol map[string]int `json:"per_symbol"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{Total: h.total, PerSymbol: make(map[string]int, len(h.sessions))}
	for sym, set := range h.sessions {
		if len(set) > 0 {
			st.PerSymbol[sym] = len(set)
		}
	}
	return st
}
