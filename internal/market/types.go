package market

import (
	"time"

	"coinx.com/pkg/fixed"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the book side an incoming order matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	Stop   OrderType = "stop"
)

func (t OrderType) Valid() bool { return t == Market || t == Limit || t == Stop }

type OrderStatus string

const (
	Pending         OrderStatus = "pending"
	PartiallyFilled OrderStatus = "partially_filled"
	Filled          OrderStatus = "filled"
	Cancelled       OrderStatus = "cancelled"
	Rejected        OrderStatus = "rejected"
)

func (s OrderStatus) Terminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

// Order is the in-memory order record. Quantities and prices are ticks
// at 1e-8; Price is 0 for market orders, StopPrice is 0 unless Type is
// Stop.
type Order struct {
	ID        int64
	UserID    int64
	Symbol    string
	Side      Side
	Type      OrderType
	Quantity  int64 // original
	Filled    int64
	Price     int64
	StopPrice int64
	Status    OrderStatus
	Sequence  int64 // per-symbol arrival order, assigned once
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o *Order) Remaining() int64 { return o.Quantity - o.Filled }

// Fill books qty against the order and moves the status. qty must not
// exceed Remaining; the matcher guarantees that.
func (o *Order) Fill(qty int64, now time.Time) {
	o.Filled += qty
	if o.Filled >= o.Quantity {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	o.UpdatedAt = now
}

type Trade struct {
	ID           int64
	Symbol       string
	BuyOrderID   int64
	SellOrderID  int64
	MakerOrderID int64
	TakerOrderID int64
	Price        int64
	Quantity     int64
	ExecutedAt   time.Time
}

// LevelView is one aggregated price level as seen in depth queries.
type LevelView struct {
	Price         int64
	TotalQuantity int64
	OrderCount    int
}

type BookSnapshot struct {
	Symbol    string
	Bids      []LevelView
	Asks      []LevelView
	Sequence  int64
	Timestamp time.Time
}

// Wire shapes. All fixed-point fields cross the JSON boundary as
// decimal strings.

type LevelWire struct {
	Price         string `json:"price"`
	TotalQuantity string `json:"total_quantity"`
	OrderCount    int    `json:"order_count"`
}

func (l LevelView) Wire() LevelWire {
	return LevelWire{
		Price:         fixed.Format(l.Price),
		TotalQuantity: fixed.Format(l.TotalQuantity),
		OrderCount:    l.OrderCount,
	}
}

type SnapshotWire struct {
	Symbol    string      `json:"symbol"`
	Bids      []LevelWire `json:"bids"`
	Asks      []LevelWire `json:"asks"`
	Sequence  int64       `json:"sequence"`
	Timestamp int64       `json:"timestamp"`
}

func (s BookSnapshot) Wire() SnapshotWire {
	w := SnapshotWire{
		Symbol:    s.Symbol,
		Bids:      make([]LevelWire, 0, len(s.Bids)),
		Asks:      make([]LevelWire, 0, len(s.Asks)),
		Sequence:  s.Sequence,
		Timestamp: s.Timestamp.UnixMilli(),
	}
	for _, l := range s.Bids {
		w.Bids = append(w.Bids, l.Wire())
	}
	for _, l := range s.Asks {
		w.Asks = append(w.Asks, l.Wire())
	}
	return w
}

type OrderWire struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Quantity  string `json:"quantity"`
	Filled    string `json:"filled_quantity"`
	Price     string `json:"price,omitempty"`
	StopPrice string `json:"stop_price,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

func (o *Order) Wire() OrderWire {
	w := OrderWire{
		ID:        o.ID,
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Type:      string(o.Type),
		Quantity:  fixed.Format(o.Quantity),
		Filled:    fixed.Format(o.Filled),
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt.UnixMilli(),
		UpdatedAt: o.UpdatedAt.UnixMilli(),
	}
	if o.Price != 0 {
		w.Price = fixed.Format(o.Price)
	}
	if o.StopPrice != 0 {
		w.StopPrice = fixed.Format(o.StopPrice)
	}
	return w
}

type TradeWire struct {
	ID           int64  `json:"id"`
	Symbol       string `json:"symbol"`
	BuyOrderID   int64  `json:"buy_order_id"`
	SellOrderID  int64  `json:"sell_order_id"`
	MakerOrderID int64  `json:"maker_order_id"`
	TakerOrderID int64  `json:"taker_order_id"`
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	ExecutedAt   int64  `json:"executed_at"`
}

func (t Trade) Wire() TradeWire {
	return TradeWire{
		ID:           t.ID,
		Symbol:       t.Symbol,
		BuyOrderID:   t.BuyOrderID,
		SellOrderID:  t.SellOrderID,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		Price:        fixed.Format(t.Price),
		Quantity:     fixed.Format(t.Quantity),
		ExecutedAt:   t.ExecutedAt.UnixMilli(),
	}
}
