package gateway

import "coinx.com/internal/market"

// Inbound session messages.
const (
	MsgPing            = "ping"
	MsgGetOrderBook    = "get_order_book"
	MsgGetRecentTrades = "get_recent_trades"
)

// Outbound session messages. Stream events keep their bus type names
// (order_update, trade_execution, book_change) and are forwarded
// byte-identical to the bus payload.
const (
	MsgPong          = "pong"
	MsgSnapshot      = "order_book_snapshot"
	MsgRecentTrades  = "recent_trades"
	MsgError         = "error"
)

const (
	ErrKindUnknownMessage = "unknown_message"
	ErrKindBadRequest     = "bad_request"
	ErrKindInternal       = "internal"
)

type ClientMsg struct {
	Type  string `json:"type"`
	Depth int    `json:"depth,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type PongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type SnapshotMsg struct {
	Type string `json:"type"`
	market.SnapshotWire
}

type RecentTradesMsg struct {
	Type   string             `json:"type"`
	Symbol string             `json:"symbol"`
	Trades []market.TradeWire `json:"trades"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}
