package bus

import (
	"encoding/json"
	"fmt"
	"strings"

	"coinx.com/internal/market"
)

const (
	TypeOrderUpdate    = "order_update"
	TypeTradeExecution = "trade_execution"
	TypeBookChange     = "book_change"
)

const (
	topicOrderUpdates    = "order_updates"
	topicTradeExecutions = "trade_executions"
	topicBookChanges     = "book_changes"
)

func OrderUpdatesTopic(symbol string) string    { return topicOrderUpdates + ":" + symbol }
func TradeExecutionsTopic(symbol string) string { return topicTradeExecutions + ":" + symbol }
func BookChangesTopic(symbol string) string     { return topicBookChanges + ":" + symbol }

// SymbolTopics lists every channel a subscriber of one symbol needs.
func SymbolTopics(symbol string) []string {
	return []string{
		OrderUpdatesTopic(symbol),
		TradeExecutionsTopic(symbol),
		BookChangesTopic(symbol),
	}
}

// Event is the wire payload on all three channels. Sequence is the
// symbol's monotone event number; consumers dedup on (symbol,
// sequence) because delivery is at least once.
type Event struct {
	Type      string             `json:"type"`
	Symbol    string             `json:"symbol"`
	Sequence  int64              `json:"sequence"`
	Timestamp int64              `json:"timestamp"`
	Order     *market.OrderWire  `json:"order,omitempty"`
	Trade     *market.TradeWire  `json:"trade,omitempty"`
	Bids      []market.LevelWire `json:"bids,omitempty"`
	Asks      []market.LevelWire `json:"asks,omitempty"`
}

func (e *Event) Topic() string {
	switch e.Type {
	case TypeTradeExecution:
		return TradeExecutionsTopic(e.Symbol)
	case TypeBookChange:
		return BookChangesTopic(e.Symbol)
	default:
		return OrderUpdatesTopic(e.Symbol)
	}
}

func (e *Event) Marshal() ([]byte, error) { return json.Marshal(e) }

func Unmarshal(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

// Broker subjects cannot always carry ":" (NATS, kafka), so topics map
// to dotted subjects at the broker boundary.
func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }
